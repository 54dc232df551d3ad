package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"couch.evalgo.org/common"
)

// BulkUpdateResult is one element of a _bulk_docs response. Exactly one of
// OK (with a non-empty Rev) or Error holds.
type BulkUpdateResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// bulkDocsRequest is the wire body of a _bulk_docs POST. AllOrNothing is
// preserved for wire compatibility (observed callers always send false) but
// is deliberately not exposed on BulkDocs's public signature, per the
// open-question decision to keep the field internal-only.
type bulkDocsRequest struct {
	Docs         []json.RawMessage `json:"docs"`
	AllOrNothing bool              `json:"all_or_nothing"`
}

// BulkDocs submits a batch of documents for create/update/delete in one
// request and stream-decodes the per-document results as soon as each
// array element completes, without buffering the whole response.
func BulkDocs(ctx context.Context, c *Client, docs []json.RawMessage) (<-chan BulkUpdateResult, <-chan error) {
	results := make(chan BulkUpdateResult)
	errs := make(chan error, 1)

	go func() {
		defer close(results)
		defer close(errs)
		defer common.LogPanic(c.log)

		start := time.Now()

		body, err := json.Marshal(bulkDocsRequest{Docs: docs, AllOrNothing: false})
		if err != nil {
			errs <- err
			return
		}

		req, err := c.buildRequest(ctx, http.MethodPost, c.dbBaseURL(), []string{"_bulk_docs"}, requestOptions{body: body})
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

		count, err := decodeBulkResultStream(ctx, resp.Body, results)
		c.log.WithFields(common.DatabaseFields("bulk_docs", c.cfg.Database, int64(count), time.Since(start))).Debug("bulk docs completed")
		if err != nil {
			errs <- err
		}
	}()

	return results, errs
}

// decodeBulkResultStream drives a json.Decoder over a top-level JSON array
// of bulk-update-result objects, emitting each element as soon as it is
// complete (C4). It returns the number of results emitted before any error.
func decodeBulkResultStream(ctx context.Context, body io.Reader, results chan<- BulkUpdateResult) (int, error) {
	dec := json.NewDecoder(body)

	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("couch: bulk decode: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, fmt.Errorf("couch: bulk decode: expected top-level array, got %v", tok)
	}

	count := 0
	for dec.More() {
		var r BulkUpdateResult
		if err := dec.Decode(&r); err != nil {
			return count, fmt.Errorf("couch: bulk decode: %w", err)
		}
		select {
		case results <- r:
			count++
		case <-ctx.Done():
			return count, ErrCancelled
		}
	}

	if _, err := dec.Token(); err != nil { // consume ']'
		return count, fmt.Errorf("couch: bulk decode: closing array: %w", err)
	}
	return count, nil
}
