package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"couch.evalgo.org/common"
)

// ViewDeclaration describes one code-declared view: inline map/reduce
// source, or a classpath:-prefixed reference resolved through a
// ResourceProvider, or a file reference loading a JSON or YAML {map,reduce}
// payload.
type ViewDeclaration struct {
	Name   string
	Map    string // may be "classpath:<path>" or literal source
	Reduce string // may be "classpath:<path>" or literal source
	File   string // path to a JSON or YAML {map,reduce} file, resolved by FileLoader
}

// HandlerDeclaration describes one code-declared filter/show/list/update
// handler: a name plus either inline function source or a file reference.
type HandlerDeclaration struct {
	Name     string
	Function string
	File     string
}

// ResourceProvider resolves a classpath:<path> reference to its source text.
type ResourceProvider func(path string) (string, error)

// FileLoader resolves a file reference to the file's raw bytes. For views,
// the reconciler decodes those bytes as a {map, reduce} pair (YAML for a
// .yaml/.yml path, JSON otherwise); for handler categories, the bytes are
// used verbatim as the function source.
type FileLoader func(path string) ([]byte, error)

// Declarations is the source object the reconciler consumes: the full set
// of view/filter/show/list/update-handler declarations for one design
// document, plus the resolvers needed to materialize classpath: and file
// references.
type Declarations struct {
	DesignDocID    string // e.g. "_design/Code"
	Language       string // defaults to "javascript"
	Views          []ViewDeclaration
	Filters        []HandlerDeclaration
	Shows          []HandlerDeclaration
	Lists          []HandlerDeclaration
	UpdateHandlers []HandlerDeclaration

	Resources ResourceProvider
	Files     FileLoader

	// ForceUpdate overwrites a stored entry that differs from the
	// declaration even if it already exists.
	ForceUpdate bool
	// UpdateIfExists, when false, never overwrites an existing stored
	// design document even if the merge would have changed it.
	UpdateIfExists bool
}

// Reconcile runs the Design Document Reconciler's five-step algorithm
// (§4.7): build a candidate document from declarations, fetch the stored
// document, merge per category, and PUT if anything changed.
func Reconcile(ctx context.Context, c *Client, decl Declarations) (*DesignDoc, error) {
	defer common.LogDuration(c.log.WithField("design_doc", decl.DesignDocID), "reconcile_design_doc")()

	candidate, err := buildCandidate(decl)
	if err != nil {
		return nil, err
	}

	var stored DesignDoc
	found, err := c.Get(ctx, decl.DesignDocID, &stored)
	if err != nil {
		return nil, err
	}

	if !found {
		if _, err := c.Put(ctx, decl.DesignDocID, candidate); err != nil {
			return nil, err
		}
		return candidate, nil
	}

	if !decl.UpdateIfExists {
		return &stored, nil
	}

	merged, changed := MergeDesignDoc(stored, *candidate, decl.ForceUpdate)
	if !changed {
		return &stored, nil
	}

	if _, err := c.Put(ctx, decl.DesignDocID, merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// buildCandidate generates a candidate design document from declarations,
// resolving classpath: references via decl.Resources and file references
// via decl.Files.
func buildCandidate(decl Declarations) (*DesignDoc, error) {
	language := decl.Language
	if language == "" {
		language = "javascript"
	}

	doc := &DesignDoc{
		Meta:           Meta{ID: decl.DesignDocID},
		Language:       language,
		Views:          map[string]ViewDef{},
		Filters:        map[string]string{},
		Shows:          map[string]string{},
		Lists:          map[string]string{},
		UpdateHandlers: map[string]string{},
	}

	for _, v := range decl.Views {
		def := ViewDef{}
		if v.File != "" {
			data, err := loadViewFile(decl.Files, v.File)
			if err != nil {
				return nil, err
			}
			def = *data
		} else {
			mapSrc, err := resolveSource(decl.Resources, v.Map)
			if err != nil {
				return nil, err
			}
			reduceSrc, err := resolveSource(decl.Resources, v.Reduce)
			if err != nil {
				return nil, err
			}
			def.Map = mapSrc
			def.Reduce = reduceSrc
		}
		doc.Views[v.Name] = def
	}

	for _, f := range decl.Filters {
		src, err := resolveHandler(decl.Resources, decl.Files, f)
		if err != nil {
			return nil, err
		}
		doc.Filters[f.Name] = src
	}
	for _, s := range decl.Shows {
		src, err := resolveHandler(decl.Resources, decl.Files, s)
		if err != nil {
			return nil, err
		}
		doc.Shows[s.Name] = src
	}
	for _, l := range decl.Lists {
		src, err := resolveHandler(decl.Resources, decl.Files, l)
		if err != nil {
			return nil, err
		}
		doc.Lists[l.Name] = src
	}
	for _, u := range decl.UpdateHandlers {
		src, err := resolveHandler(decl.Resources, decl.Files, u)
		if err != nil {
			return nil, err
		}
		doc.UpdateHandlers[u.Name] = src
	}

	return doc, nil
}

func resolveSource(resources ResourceProvider, src string) (string, error) {
	if src == "" {
		return "", nil
	}
	const prefix = "classpath:"
	if len(src) > len(prefix) && src[:len(prefix)] == prefix {
		if resources == nil {
			return "", fmt.Errorf("couch: classpath reference %q but no ResourceProvider configured", src)
		}
		return resources(src[len(prefix):])
	}
	return src, nil
}

func resolveHandler(resources ResourceProvider, files FileLoader, h HandlerDeclaration) (string, error) {
	if h.File != "" {
		if files == nil {
			return "", fmt.Errorf("couch: file reference %q but no FileLoader configured", h.File)
		}
		data, err := files(h.File)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return resolveSource(resources, h.Function)
}

func loadViewFile(files FileLoader, path string) (*ViewDef, error) {
	if files == nil {
		return nil, fmt.Errorf("couch: file reference %q but no FileLoader configured", path)
	}
	data, err := files(path)
	if err != nil {
		return nil, err
	}
	var def ViewDef
	if err := decodeDeclFile(path, data, &def); err != nil {
		return nil, fmt.Errorf("couch: decoding view file %q: %w", path, err)
	}
	return &def, nil
}

// decodeDeclFile decodes a declaration file by its extension: ".yaml" and
// ".yml" are parsed as YAML, everything else as JSON. Declaration authors
// use YAML for multi-line map/reduce source, where JSON's escaping makes
// function bodies unreadable.
func decodeDeclFile(path string, data []byte, dst interface{}) error {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return yaml.Unmarshal(data, dst)
	}
	return decodeJSONBytes(data, dst)
}

// MergeDesignDoc computes the merged document per category (views,
// filters, shows, lists, update-handlers) following step 3 of §4.7:
//
//   - a declared entry absent in the stored document is added
//   - a declared entry present but differing is overwritten only if force is true
//   - entries present in stored but absent from candidate are kept as-is
//
// MergeDesignDoc is a pure function: it never mutates stored or candidate,
// and calling it twice with the same inputs is idempotent (merge(merge(S, C,
// F), C, F) == merge(S, C, F)), matching the round-trip property in §8.
func MergeDesignDoc(stored, candidate DesignDoc, force bool) (DesignDoc, bool) {
	merged := stored
	changed := false

	merged.Views, changed = mergeViewMap(stored.Views, candidate.Views, force, changed)
	merged.Filters, changed = mergeStringMap(stored.Filters, candidate.Filters, force, changed)
	merged.Shows, changed = mergeStringMap(stored.Shows, candidate.Shows, force, changed)
	merged.Lists, changed = mergeStringMap(stored.Lists, candidate.Lists, force, changed)
	merged.UpdateHandlers, changed = mergeStringMap(stored.UpdateHandlers, candidate.UpdateHandlers, force, changed)

	if merged.Language == "" {
		merged.Language = candidate.Language
	}

	return merged, changed
}

func mergeStringMap(stored, candidate map[string]string, force bool, changedSoFar bool) (map[string]string, bool) {
	result := make(map[string]string, len(stored))
	for k, v := range stored {
		result[k] = v
	}
	changed := changedSoFar
	for name, decl := range candidate {
		existing, present := result[name]
		switch {
		case !present:
			result[name] = decl
			changed = true
		case force && existing != decl:
			result[name] = decl
			changed = true
		default:
			// keep stored entry
		}
	}
	return result, changed
}

func mergeViewMap(stored, candidate map[string]ViewDef, force bool, changedSoFar bool) (map[string]ViewDef, bool) {
	result := make(map[string]ViewDef, len(stored))
	for k, v := range stored {
		result[k] = v
	}
	changed := changedSoFar
	for name, decl := range candidate {
		existing, present := result[name]
		switch {
		case !present:
			result[name] = decl
			changed = true
		case force && existing != decl:
			result[name] = decl
			changed = true
		default:
		}
	}
	return result, changed
}

// ReconcileMangoIndex reconciles a Mango index design document
// (_design/<Type>_mango, language: "query"), following the same per-entry
// merge rule as Reconcile but keyed on the "views" field's differently
// shaped field-map + partial-selector payload (§4.7 closing note).
func ReconcileMangoIndex(ctx context.Context, c *Client, docID string, indexes map[string]MangoIndex, force bool) error {
	type mangoDesignDoc struct {
		Meta
		Language string                `json:"language"`
		Views    map[string]MangoIndex `json:"views"`
	}

	var stored mangoDesignDoc
	found, err := c.Get(ctx, docID, &stored)
	if err != nil {
		return err
	}

	if !found {
		doc := mangoDesignDoc{Meta: Meta{ID: docID}, Language: "query", Views: indexes}
		_, err := c.Put(ctx, docID, doc)
		return err
	}

	merged := make(map[string]MangoIndex, len(stored.Views))
	for k, v := range stored.Views {
		merged[k] = v
	}
	changed := false
	for name, decl := range indexes {
		existing, present := merged[name]
		if !present {
			merged[name] = decl
			changed = true
			continue
		}
		if force && !sameMangoIndex(existing, decl) {
			merged[name] = decl
			changed = true
		}
	}
	if !changed {
		return nil
	}

	stored.Views = merged
	_, err = c.Put(ctx, docID, stored)
	if err != nil {
		return err
	}
	return nil
}

func sameMangoIndex(a, b MangoIndex) bool {
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i] != b.Fields[i] {
			return false
		}
	}
	return string(a.Filter) == string(b.Filter)
}

// decodeJSONBytes decodes a []byte payload; kept separate from decodeJSON
// (which reads from an io.Reader) for call sites that already hold bytes.
func decodeJSONBytes(data []byte, dst interface{}) error {
	return json.Unmarshal(data, dst)
}
