package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ViewQuery is the value object describing a map/reduce view query: design
// doc id, view name (or the _all_docs pseudo-view), key range/set,
// pagination, and the flags that alter the decoder's behavior.
type ViewQuery struct {
	DesignDoc string // empty for _all_docs
	View      string // empty for _all_docs

	Key         json.RawMessage
	Keys        []json.RawMessage
	StartKey    json.RawMessage
	EndKey      json.RawMessage
	InclusiveEnd bool

	Limit       int
	Skip        int
	Descending  bool
	IncludeDocs bool
	Reduce      *bool
	GroupLevel  int
	Stale       string // "ok" or "update_after"; empty means not set

	// IgnoreNotFound suppresses per-row not_found errors (used by _all_docs
	// lookups and the pagination batcher).
	IgnoreNotFound bool
}

// isAllDocs reports whether this query targets the _all_docs pseudo-view
// rather than a design-document view.
func (q ViewQuery) isAllDocs() bool {
	return q.DesignDoc == "" && q.View == ""
}

// path returns the URI path segments for this query against base db.
func (q ViewQuery) path() []string {
	if q.isAllDocs() {
		return []string{"_all_docs"}
	}
	return []string{"_design", q.DesignDoc, "_view", q.View}
}

// queryValues builds the URL query-string parameters shared by GET and the
// query portion of a multi-key POST.
func (q ViewQuery) queryValues() url.Values {
	v := url.Values{}
	if q.Key != nil {
		v.Set("key", string(q.Key))
	}
	if q.StartKey != nil {
		v.Set("start_key", string(q.StartKey))
	}
	if q.EndKey != nil {
		v.Set("end_key", string(q.EndKey))
	}
	if q.InclusiveEnd {
		v.Set("inclusive_end", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	if q.Skip > 0 {
		v.Set("skip", fmt.Sprintf("%d", q.Skip))
	}
	if q.Descending {
		v.Set("descending", "true")
	}
	if q.IncludeDocs {
		v.Set("include_docs", "true")
	}
	if q.Reduce != nil {
		v.Set("reduce", fmt.Sprintf("%t", *q.Reduce))
	}
	if q.GroupLevel > 0 {
		v.Set("group_level", fmt.Sprintf("%d", q.GroupLevel))
	}
	if q.Stale != "" {
		v.Set("stale", q.Stale)
	}
	return v
}

// DocState tags whether a Row's Doc field is populated, explicitly absent
// (include_docs=false), or present-but-missing (deleted/not found doc).
type DocState int

const (
	DocNone DocState = iota
	DocPresent
	DocMissing
)

// Row is one materialized view result row, decoded with the caller-supplied
// K, V, T type parameters for key, value, and (optional) document.
type Row[K any, V any, T any] struct {
	ID       string
	Key      K
	Value    V
	Doc      T
	DocState DocState
}

// ViewEventKind discriminates the variants of the View result event stream.
type ViewEventKind int

const (
	EventRow ViewEventKind = iota
	EventTotalCount
	EventOffset
	EventUpdateSequence
)

// ViewEvent is the tagged-union event emitted by the streaming view decoder.
// Only the field matching Kind is meaningful.
type ViewEvent[K any, V any, T any] struct {
	Kind       ViewEventKind
	Row        Row[K, V, T]
	TotalCount int
	Offset     int
	UpdateSeq  int64
}

// View issues a view query and returns its decoded event stream. The
// returned channels are owned by the caller: ranging the events channel to
// completion drains normally, and calling the returned cancel function (or
// cancelling ctx) aborts the HTTP response and releases its byte stream
// immediately, discarding any in-flight tokens.
func View[K any, V any, T any](ctx context.Context, c *Client, q ViewQuery) (<-chan ViewEvent[K, V, T], <-chan error, func()) {
	events := make(chan ViewEvent[K, V, T])
	errs := make(chan error, 1)

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(events)
		defer close(errs)

		resp, err := issueViewRequest(ctx, c, q)
		if err != nil {
			if err != ErrCancelled {
				errs <- err
			}
			return
		}
		defer resp.Body.Close()

		if err := decodeViewStream(ctx, resp.Body, q, events); err != nil {
			errs <- err
		}
	}()

	return events, errs, cancel
}

// issueViewRequest builds and executes the HTTP request for a view query.
// Multi-key requests are issued as POST with a {"keys": [...]} body per
// §4.3; single-key-or-no-key requests are issued as GET with query-string
// parameters.
func issueViewRequest(ctx context.Context, c *Client, q ViewQuery) (*http.Response, error) {
	base := c.dbBaseURL()

	if len(q.Keys) > 1 {
		body, err := json.Marshal(struct {
			Keys []json.RawMessage `json:"keys"`
		}{Keys: q.Keys})
		if err != nil {
			return nil, err
		}
		req, err := c.buildRequest(ctx, http.MethodPost, base, q.path(), requestOptions{
			query: q.queryValues(),
			body:  body,
		})
		if err != nil {
			return nil, err
		}
		return c.do(req)
	}

	query := q.queryValues()
	if len(q.Keys) == 1 {
		query.Set("key", string(q.Keys[0]))
	}
	req, err := c.buildRequest(ctx, http.MethodGet, base, q.path(), requestOptions{query: query})
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// decoderState names the explicit states of the view-response state
// machine described in §9. Transitions are driven by dec.Token() for object
// and array delimiters and field names; field values are consumed whole by
// dec.Decode, entering a row is decided by dec.More() without consuming a
// token, and decodeOneRow consumes an entire row.
type decoderState int

const (
	stateExpectTopObject decoderState = iota
	stateInTopObject
	stateInRowsArray
	stateInRow
	stateExpectKeyValue
	stateDone
)

// decodeViewStream drives the explicit state machine over the response
// body, emitting ViewEvents as it recognizes each piece, per the emission
// rules in §4.3. It never buffers the whole response: rows are emitted as
// soon as they are complete, and leaf values (key/value/doc) are captured
// via a single Decode call into json.RawMessage rather than reassembled
// token by token.
func decodeViewStream[K any, V any, T any](ctx context.Context, body io.Reader, q ViewQuery, events chan<- ViewEvent[K, V, T]) error {
	dec := json.NewDecoder(body)

	state := stateExpectTopObject
	sawOffset := false
	var topLevelError string
	haveTopLevelError := false

	emit := func(ev ViewEvent[K, V, T]) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ErrCancelled
		}
	}

	for state != stateDone {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		switch state {
		case stateExpectTopObject:
			tok, err := dec.Token()
			if err == io.EOF {
				state = stateDone
				continue
			}
			if err != nil {
				return fmt.Errorf("couch: view decode: %w", err)
			}
			delim, ok := tok.(json.Delim)
			if !ok || delim != '{' {
				return fmt.Errorf("couch: view decode: expected top-level object, got %v", tok)
			}
			state = stateInTopObject

		case stateInTopObject:
			tok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("couch: view decode: %w", err)
			}
			if delim, ok := tok.(json.Delim); ok && delim == '}' {
				state = stateDone
				continue
			}
			key, ok := tok.(string)
			if !ok {
				return fmt.Errorf("couch: view decode: expected object field name, got %v", tok)
			}
			switch key {
			case "total_rows":
				var n int
				if err := dec.Decode(&n); err != nil {
					return fmt.Errorf("couch: view decode: total_rows: %w", err)
				}
				if err := emit(ViewEvent[K, V, T]{Kind: EventTotalCount, TotalCount: n}); err != nil {
					return err
				}
			case "offset":
				var n int
				if err := dec.Decode(&n); err != nil {
					return fmt.Errorf("couch: view decode: offset: %w", err)
				}
				sawOffset = true
				if err := emit(ViewEvent[K, V, T]{Kind: EventOffset, Offset: n}); err != nil {
					return err
				}
			case "update_seq":
				var n int64
				if err := dec.Decode(&n); err != nil {
					return fmt.Errorf("couch: view decode: update_seq: %w", err)
				}
				if err := emit(ViewEvent[K, V, T]{Kind: EventUpdateSequence, UpdateSeq: n}); err != nil {
					return err
				}
			case "error":
				if err := dec.Decode(&topLevelError); err != nil {
					return fmt.Errorf("couch: view decode: error: %w", err)
				}
				haveTopLevelError = true
			case "rows":
				tok, err := dec.Token()
				if err != nil {
					return fmt.Errorf("couch: view decode: rows: %w", err)
				}
				delim, ok := tok.(json.Delim)
				if !ok || delim != '[' {
					return fmt.Errorf("couch: view decode: expected rows array, got %v", tok)
				}
				state = stateInRowsArray
			default:
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					return fmt.Errorf("couch: view decode: skipping %s: %w", key, err)
				}
			}

		case stateInRowsArray:
			if !dec.More() {
				if _, err := dec.Token(); err != nil { // consume ']'
					return fmt.Errorf("couch: view decode: closing rows: %w", err)
				}
				state = stateInTopObject
				continue
			}
			state = stateInRow

		case stateInRow:
			row, rowErr, err := decodeOneRow[K, V, T](dec, q)
			if err != nil {
				return err
			}
			if rowErr != nil {
				return rowErr
			}
			if row != nil {
				if err := emit(ViewEvent[K, V, T]{Kind: EventRow, Row: *row}); err != nil {
					return err
				}
			}
			state = stateInRowsArray

		case stateExpectKeyValue:
			// unreachable: leaf capture happens inline inside decodeOneRow
			state = stateDone
		}
	}

	if !sawOffset {
		// Rule 2: synthetic Offset(-1) once, at the end, when the field was
		// never present on the wire.
		select {
		case events <- ViewEvent[K, V, T]{Kind: EventOffset, Offset: -1}:
		case <-ctx.Done():
			return ErrCancelled
		}
	}

	if haveTopLevelError {
		return &ViewError{Message: topLevelError}
	}

	return nil
}

// decodeOneRow consumes one element of the rows array: a JSON object with
// recognized keys id, key, value, doc, error. Unrecognized keys are
// skipped. Returns (row, nil, nil) for an emittable row, (nil, nil, nil)
// for a row dropped per the ignore_not_found rule, or a non-nil rowErr to
// fail the stream.
func decodeOneRow[K any, V any, T any](dec *json.Decoder, q ViewQuery) (*Row[K, V, T], error, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("couch: view decode: row: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, nil, fmt.Errorf("couch: view decode: expected row object, got %v", tok)
	}

	var (
		id            string
		haveID        bool
		keyRaw        json.RawMessage
		valueRaw      json.RawMessage
		docRaw        json.RawMessage
		haveDoc       bool
		rowErrMessage string
		haveRowErr    bool
	)

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("couch: view decode: row field: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("couch: view decode: expected row field name, got %v", tok)
		}
		switch key {
		case "id":
			if err := dec.Decode(&id); err != nil {
				return nil, nil, fmt.Errorf("couch: view decode: row id: %w", err)
			}
			haveID = true
		case "key":
			if err := dec.Decode(&keyRaw); err != nil {
				return nil, nil, fmt.Errorf("couch: view decode: row %q key: %w", id, err)
			}
		case "value":
			if err := dec.Decode(&valueRaw); err != nil {
				return nil, nil, fmt.Errorf("couch: view decode: row %q value: %w", id, err)
			}
		case "doc":
			if err := dec.Decode(&docRaw); err != nil {
				return nil, nil, fmt.Errorf("couch: view decode: row %q doc: %w", id, err)
			}
			haveDoc = true
		case "error":
			if err := dec.Decode(&rowErrMessage); err != nil {
				return nil, nil, fmt.Errorf("couch: view decode: row %q error: %w", id, err)
			}
			haveRowErr = true
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, nil, fmt.Errorf("couch: view decode: row %q: skipping %s: %w", id, key, err)
			}
		}
	}
	if _, err := dec.Token(); err != nil { // consume '}'
		return nil, nil, fmt.Errorf("couch: view decode: closing row: %w", err)
	}

	if haveRowErr {
		if q.IgnoreNotFound && rowErrMessage == "not_found" {
			return nil, nil, nil
		}
		var keyVal interface{}
		if keyRaw != nil {
			_ = json.Unmarshal(keyRaw, &keyVal)
		}
		return nil, &ViewError{Key: keyVal, Message: rowErrMessage}, nil
	}

	row := &Row[K, V, T]{}
	// Edge case (§4.3): an expected key missing but a numeric value present
	// models a reduce row with no document id.
	if !haveID {
		row.ID = ""
	} else {
		row.ID = id
	}

	if keyRaw != nil {
		if err := json.Unmarshal(keyRaw, &row.Key); err != nil {
			return nil, nil, fmt.Errorf("couch: view decode: row %q: materializing key: %w", id, err)
		}
	}
	if valueRaw != nil {
		if err := json.Unmarshal(valueRaw, &row.Value); err != nil {
			return nil, nil, fmt.Errorf("couch: view decode: row %q: materializing value: %w", id, err)
		}
	}

	switch {
	case q.IncludeDocs && haveDoc && !isJSONNull(docRaw):
		if err := json.Unmarshal(docRaw, &row.Doc); err != nil {
			return nil, nil, fmt.Errorf("couch: view decode: row %q: materializing doc: %w", id, err)
		}
		row.DocState = DocPresent
	case q.IncludeDocs:
		row.DocState = DocMissing
	default:
		row.DocState = DocNone
	}

	return row, nil, nil
}

func isJSONNull(raw json.RawMessage) bool {
	if raw == nil {
		return true
	}
	trimmed := bytesTrimSpace(raw)
	return string(trimmed) == "null"
}

func bytesTrimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isJSONSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isJSONSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
