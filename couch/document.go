package couch

import "encoding/json"

// Attachment describes a single named attachment on a document, either
// inline (stub=false, with content carried elsewhere) or as a stub
// referencing content already stored server-side.
type Attachment struct {
	ContentType string `json:"content_type"`
	Length      int64  `json:"length"`
	Digest      string `json:"digest,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
}

// Meta carries the server-assigned bookkeeping fields common to every
// document: identity, revision, deletion marker, revision history, and
// attachments. Application types embed Meta to participate in the client's
// CRUD and view operations while keeping their own body fields flat.
type Meta struct {
	ID         string                `json:"_id,omitempty"`
	Rev        string                `json:"_rev,omitempty"`
	Deleted    bool                  `json:"_deleted,omitempty"`
	RevHistory map[string]string     `json:"_revs_info,omitempty"`
	Attachment map[string]Attachment `json:"_attachments,omitempty"`
}

// HasRev reports whether the document has ever been persisted.
func (m Meta) HasRev() bool {
	return m.Rev != ""
}

// RawDoc is the untyped document representation used where the caller has
// no concrete Go type to deserialize into — it is a thin wrapper over the
// raw JSON object plus the recognized Meta fields extracted from it.
type RawDoc struct {
	Meta
	Body json.RawMessage
}

// MarshalJSON merges Meta's fields with the raw body object so the result
// is a single flat JSON object, matching the wire shape of a real document.
func (r RawDoc) MarshalJSON() ([]byte, error) {
	meta, err := json.Marshal(r.Meta)
	if err != nil {
		return nil, err
	}
	if len(r.Body) == 0 {
		return meta, nil
	}
	return mergeObjects(meta, r.Body)
}

// UnmarshalJSON splits a flat document object into Meta and the remaining body.
func (r *RawDoc) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &r.Meta); err != nil {
		return err
	}
	r.Body = append([]byte(nil), data...)
	return nil
}

// mergeObjects shallow-merges two JSON objects, with fields in b taking
// precedence over fields in a on key collision. Used to flatten Meta back
// into an application body for outgoing requests.
func mergeObjects(a, b []byte) ([]byte, error) {
	var am, bm map[string]json.RawMessage
	if err := json.Unmarshal(a, &am); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		return nil, err
	}
	for k, v := range bm {
		am[k] = v
	}
	return json.Marshal(am)
}

// DesignDoc represents a design document: the server-side view, filter,
// show, list, and update-handler definitions for one type.
type DesignDoc struct {
	Meta
	Language       string                `json:"language,omitempty"`
	Views          map[string]ViewDef    `json:"views,omitempty"`
	Filters        map[string]string     `json:"filters,omitempty"`
	Shows          map[string]string     `json:"shows,omitempty"`
	Lists          map[string]string     `json:"lists,omitempty"`
	UpdateHandlers map[string]string     `json:"updates,omitempty"`
	Options        map[string]bool       `json:"options,omitempty"`
	Indexes        map[string]MangoIndex `json:"-"`
}

// ViewDef is the map/reduce pair stored under a design document's "views" key.
type ViewDef struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

// MangoIndex is the field-map + partial-selector payload stored in a Mango
// index design document's view entries (language: "query").
type MangoIndex struct {
	Fields []string        `json:"fields"`
	Filter json.RawMessage `json:"partial_filter_selector,omitempty"`
}
