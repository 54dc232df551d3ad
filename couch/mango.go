package couch

import (
	"context"
	"encoding/json"
	"net/http"
)

// Predicate is one Mango selector predicate: a field paired with exactly
// one comparison operator.
type Predicate struct {
	Field      string
	Eq         json.RawMessage `json:"eq,omitempty"`
	Gt         json.RawMessage `json:"gt,omitempty"`
	Gte        json.RawMessage `json:"gte,omitempty"`
	Lt         json.RawMessage `json:"lt,omitempty"`
	Lte        json.RawMessage `json:"lte,omitempty"`
	Exists     *bool           `json:"exists,omitempty"`
	ElemMatch  json.RawMessage `json:"elemMatch,omitempty"`
}

// MarshalJSON renders a Predicate as the Mango operator-object shape
// CouchDB expects: {"field": {"$op": value}}.
func (p Predicate) MarshalJSON() ([]byte, error) {
	op := map[string]json.RawMessage{}
	switch {
	case p.Eq != nil:
		op["$eq"] = p.Eq
	case p.Gt != nil:
		op["$gt"] = p.Gt
	case p.Gte != nil:
		op["$gte"] = p.Gte
	case p.Lt != nil:
		op["$lt"] = p.Lt
	case p.Lte != nil:
		op["$lte"] = p.Lte
	case p.Exists != nil:
		raw, _ := json.Marshal(*p.Exists)
		op["$exists"] = raw
	case p.ElemMatch != nil:
		op["$elemMatch"] = p.ElemMatch
	}
	return json.Marshal(map[string]map[string]json.RawMessage{p.Field: op})
}

// Selector is the tagged And/Or combinator over predicates (§3).
type Selector struct {
	And []Predicate
	Or  []Predicate
}

// MarshalJSON renders the selector as {"$and": [...]} or {"$or": [...]}.
// A selector must use exactly one of And or Or.
func (s Selector) MarshalJSON() ([]byte, error) {
	if len(s.Or) > 0 {
		return json.Marshal(map[string][]Predicate{"$or": s.Or})
	}
	return json.Marshal(map[string][]Predicate{"$and": s.And})
}

// MangoQuery is the value object submitted to POST /_find (§3).
type MangoQuery struct {
	Selector Selector
	Fields   []string
	Sort     []map[string]string
	Limit    int
	Skip     int
	UseIndex string
	Bookmark string
}

type mangoWireQuery struct {
	Selector Selector            `json:"selector"`
	Fields   []string            `json:"fields,omitempty"`
	Sort     []map[string]string `json:"sort,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
	Skip     int                 `json:"skip,omitempty"`
	UseIndex string              `json:"use_index,omitempty"`
	Bookmark string              `json:"bookmark,omitempty"`
}

func (q MangoQuery) wire() mangoWireQuery {
	return mangoWireQuery{
		Selector: q.Selector,
		Fields:   q.Fields,
		Sort:     q.Sort,
		Limit:    q.Limit,
		Skip:     q.Skip,
		UseIndex: q.UseIndex,
		Bookmark: q.Bookmark,
	}
}

// MangoQueryResult is one element of the event stream emitted by Find: a
// decoded document, or — as the terminal element when the response
// carries one — the query's next bookmark.
type MangoQueryResult[T any] struct {
	Doc      T
	HasDoc   bool
	Bookmark string
}

// Find issues the Mango selector query and decodes its response (C8): one
// MangoQueryResult per element of "docs", followed by exactly one trailing
// MangoQueryResult carrying the bookmark if the response included one.
func Find[T any](ctx context.Context, c *Client, q MangoQuery) (<-chan MangoQueryResult[T], <-chan error) {
	results := make(chan MangoQueryResult[T])
	errs := make(chan error, 1)

	go func() {
		defer close(results)
		defer close(errs)

		body, err := json.Marshal(q.wire())
		if err != nil {
			errs <- err
			return
		}

		req, err := c.buildRequest(ctx, http.MethodPost, c.dbBaseURL(), []string{"_find"}, requestOptions{body: body})
		if err != nil {
			errs <- err
			return
		}
		resp, err := c.do(req)
		if err != nil {
			if err != ErrCancelled {
				errs <- err
			}
			return
		}
		defer resp.Body.Close()

		var wire struct {
			Docs     []json.RawMessage `json:"docs"`
			Bookmark string            `json:"bookmark"`
			Error    string            `json:"error"`
			Reason   string            `json:"reason"`
		}
		if err := decodeJSON(resp.Body, &wire); err != nil {
			errs <- err
			return
		}
		if wire.Error != "" {
			errs <- &MangoError{Err: wire.Error, Reason: wire.Reason}
			return
		}

		for _, raw := range wire.Docs {
			var doc T
			if err := json.Unmarshal(raw, &doc); err != nil {
				errs <- err
				return
			}
			select {
			case results <- MangoQueryResult[T]{Doc: doc, HasDoc: true}:
			case <-ctx.Done():
				errs <- ErrCancelled
				return
			}
		}

		if wire.Bookmark != "" {
			select {
			case results <- MangoQueryResult[T]{Bookmark: wire.Bookmark}:
			case <-ctx.Done():
				errs <- ErrCancelled
			}
		}
	}()

	return results, errs
}

// Count consumes a Mango query runner fully and returns the number of
// matched documents, for callers that don't need the streamed event
// sequence.
func Count(ctx context.Context, c *Client, q MangoQuery) (int, error) {
	results, errs := Find[json.RawMessage](ctx, c, q)
	n := 0
	for {
		select {
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if r.HasDoc {
				n++
			}
		case err, ok := <-errs:
			if ok && err != nil {
				return 0, err
			}
			errs = nil
		}
		if results == nil && errs == nil {
			return n, nil
		}
	}
}

// QueryBuilder is a fluent convenience layer over MangoQuery, mirroring
// the teacher's query-builder idiom for assembling And-combinator
// selectors without hand-writing Predicate literals.
type QueryBuilder struct {
	predicates []Predicate
	or         bool
	fields     []string
	sort       []map[string]string
	limit      int
	skip       int
	useIndex   string
}

// NewQueryBuilder starts a new fluent Mango query.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// Or switches the builder's combinator from And (the default) to Or.
func (b *QueryBuilder) Or() *QueryBuilder {
	b.or = true
	return b
}

// Where adds a raw predicate to the selector.
func (b *QueryBuilder) Where(p Predicate) *QueryBuilder {
	b.predicates = append(b.predicates, p)
	return b
}

// Eq adds a field == value predicate.
func (b *QueryBuilder) Eq(field string, value interface{}) *QueryBuilder {
	raw, _ := json.Marshal(value)
	return b.Where(Predicate{Field: field, Eq: raw})
}

// Gt adds a field > value predicate.
func (b *QueryBuilder) Gt(field string, value interface{}) *QueryBuilder {
	raw, _ := json.Marshal(value)
	return b.Where(Predicate{Field: field, Gt: raw})
}

// Gte adds a field >= value predicate.
func (b *QueryBuilder) Gte(field string, value interface{}) *QueryBuilder {
	raw, _ := json.Marshal(value)
	return b.Where(Predicate{Field: field, Gte: raw})
}

// Lt adds a field < value predicate.
func (b *QueryBuilder) Lt(field string, value interface{}) *QueryBuilder {
	raw, _ := json.Marshal(value)
	return b.Where(Predicate{Field: field, Lt: raw})
}

// Lte adds a field <= value predicate.
func (b *QueryBuilder) Lte(field string, value interface{}) *QueryBuilder {
	raw, _ := json.Marshal(value)
	return b.Where(Predicate{Field: field, Lte: raw})
}

// Exists adds a field-presence predicate.
func (b *QueryBuilder) Exists(field string, exists bool) *QueryBuilder {
	return b.Where(Predicate{Field: field, Exists: &exists})
}

// Select restricts the returned fields.
func (b *QueryBuilder) Select(fields ...string) *QueryBuilder {
	b.fields = fields
	return b
}

// Sort adds a sort field in the given direction ("asc" or "desc").
func (b *QueryBuilder) Sort(field, direction string) *QueryBuilder {
	b.sort = append(b.sort, map[string]string{field: direction})
	return b
}

// Limit sets the maximum number of matched documents.
func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	b.limit = n
	return b
}

// Skip sets the number of matched documents to skip.
func (b *QueryBuilder) Skip(n int) *QueryBuilder {
	b.skip = n
	return b
}

// UseIndex pins the query to a specific index.
func (b *QueryBuilder) UseIndex(designDoc string) *QueryBuilder {
	b.useIndex = designDoc
	return b
}

// Build finalizes the fluent builder into a MangoQuery.
func (b *QueryBuilder) Build() MangoQuery {
	sel := Selector{And: b.predicates}
	if b.or {
		sel = Selector{Or: b.predicates}
	}
	return MangoQuery{
		Selector: sel,
		Fields:   b.fields,
		Sort:     b.sort,
		Limit:    b.limit,
		Skip:     b.skip,
		UseIndex: b.useIndex,
	}
}
