package couch

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBulkDocs_StreamsResults tests that each element of the response
// array is emitted as its own BulkUpdateResult, including a mixed
// success/failure batch.
func TestBulkDocs_StreamsResults(t *testing.T) {
	body := `[
		{"id":"doc1","rev":"1-abc","ok":true},
		{"id":"doc2","error":"conflict","reason":"rev mismatch"}
	]`
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(body))
	})

	docs := []json.RawMessage{
		json.RawMessage(`{"_id":"doc1","name":"a"}`),
		json.RawMessage(`{"_id":"doc2","name":"b"}`),
	}
	results, errs := BulkDocs(context.Background(), c, docs)

	var got []BulkUpdateResult
loop:
	for {
		select {
		case r, ok := <-results:
			if !ok {
				results = nil
				if errs == nil {
					break loop
				}
				continue
			}
			got = append(got, r)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				if results == nil {
					break loop
				}
				continue
			}
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}

	require.Len(t, got, 2)
	assert.True(t, got[0].OK)
	assert.Equal(t, "1-abc", got[0].Rev)
	assert.Equal(t, "conflict", got[1].Error)
	assert.Equal(t, "rev mismatch", got[1].Reason)
}

// TestBulkDocsRequest_AllOrNothingNotExposed tests that the wire request
// always carries all_or_nothing:false and that the field is not part of
// BulkDocs's public signature.
func TestBulkDocsRequest_AllOrNothingNotExposed(t *testing.T) {
	var gotBody []byte
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`[]`))
	})

	results, errs := BulkDocs(context.Background(), c, nil)
	for range results {
	}
	for err := range errs {
		require.NoError(t, err)
	}

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &wire))
	assert.Equal(t, false, wire["all_or_nothing"])
}
