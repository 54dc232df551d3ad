package couch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name string `json:"name"`
}

func drainView[K any, V any, T any](t *testing.T, events <-chan ViewEvent[K, V, T], errs <-chan error) ([]ViewEvent[K, V, T], error) {
	t.Helper()
	var got []ViewEvent[K, V, T]
	var finalErr error
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			got = append(got, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				finalErr = err
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out draining view stream")
		}
	}
	return got, finalErr
}

// TestView_DecodesRowsAndCounts tests that total_rows, offset, and rows are
// each emitted as their own ViewEvent.
func TestView_DecodesRowsAndCounts(t *testing.T) {
	body := `{
		"total_rows": 2,
		"offset": 0,
		"rows": [
			{"id":"doc1","key":"a","value":1},
			{"id":"doc2","key":"b","value":2}
		]
	}`
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})

	events, errs, cancel := View[string, int, json.RawMessage](context.Background(), c, ViewQuery{DesignDoc: "Code", View: "byName"})
	defer cancel()
	got, err := drainView(t, events, errs)
	require.NoError(t, err)

	require.Len(t, got, 4)
	assert.Equal(t, EventTotalCount, got[0].Kind)
	assert.Equal(t, 2, got[0].TotalCount)
	assert.Equal(t, EventOffset, got[1].Kind)
	assert.Equal(t, 0, got[1].Offset)
	assert.Equal(t, EventRow, got[2].Kind)
	assert.Equal(t, "doc1", got[2].Row.ID)
	assert.Equal(t, "a", got[2].Row.Key)
	assert.Equal(t, EventRow, got[3].Kind)
	assert.Equal(t, "doc2", got[3].Row.ID)
}

// TestView_SyntheticOffsetWhenAbsent tests that a synthetic Offset(-1)
// event is emitted once, at the end, when the server never sent one.
func TestView_SyntheticOffsetWhenAbsent(t *testing.T) {
	body := `{"total_rows":1,"rows":[{"id":"doc1","key":"a","value":1}]}`
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})

	events, errs, cancel := View[string, int, json.RawMessage](context.Background(), c, ViewQuery{DesignDoc: "Code", View: "byName"})
	defer cancel()
	got, err := drainView(t, events, errs)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, EventOffset, got[2].Kind)
	assert.Equal(t, -1, got[2].Offset)
}

// TestView_IgnoreNotFoundDropsRow tests that a row carrying
// error="not_found" is dropped silently when IgnoreNotFound is set, and
// fails the stream otherwise.
func TestView_IgnoreNotFoundDropsRow(t *testing.T) {
	body := `{"total_rows":1,"offset":0,"rows":[{"key":"missing-id","error":"not_found"}]}`

	t.Run("Suppressed", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(body))
		})
		events, errs, cancel := View[string, int, json.RawMessage](context.Background(), c, ViewQuery{IgnoreNotFound: true})
		defer cancel()
		got, err := drainView(t, events, errs)
		require.NoError(t, err)
		for _, ev := range got {
			assert.NotEqual(t, EventRow, ev.Kind)
		}
	})

	t.Run("NotSuppressed", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(body))
		})
		events, errs, cancel := View[string, int, json.RawMessage](context.Background(), c, ViewQuery{})
		defer cancel()
		_, err := drainView(t, events, errs)
		require.Error(t, err)
		assert.IsType(t, &ViewError{}, err)
	})
}

// TestView_TopLevelError tests that a top-level "error" field fails the
// stream with a ViewError.
func TestView_TopLevelError(t *testing.T) {
	body := `{"error":"not_found","reason":"missing_named_view"}`
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})
	events, errs, cancel := View[string, int, json.RawMessage](context.Background(), c, ViewQuery{DesignDoc: "Code", View: "missing"})
	defer cancel()
	_, err := drainView(t, events, errs)
	require.Error(t, err)
	var viewErr *ViewError
	require.ErrorAs(t, err, &viewErr)
	assert.Equal(t, "not_found", viewErr.Message)
}

// TestView_IncludeDocsStates tests that DocState reflects whether
// include_docs was requested and whether the doc was actually present.
func TestView_IncludeDocsStates(t *testing.T) {
	body := `{"total_rows":2,"offset":0,"rows":[
		{"id":"doc1","key":"a","value":1,"doc":{"name":"widget"}},
		{"id":"doc2","key":"b","value":2,"doc":null}
	]}`
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})
	events, errs, cancel := View[string, int, widget](context.Background(), c, ViewQuery{IncludeDocs: true})
	defer cancel()
	got, err := drainView(t, events, errs)
	require.NoError(t, err)

	var rows []Row[string, int, widget]
	for _, ev := range got {
		if ev.Kind == EventRow {
			rows = append(rows, ev.Row)
		}
	}
	require.Len(t, rows, 2)
	assert.Equal(t, DocPresent, rows[0].DocState)
	assert.Equal(t, "widget", rows[0].Doc.Name)
	assert.Equal(t, DocMissing, rows[1].DocState)
}

// TestView_MultiKeyUsesPOST tests that querying with more than one key
// issues a POST carrying a {"keys": [...]} body rather than a GET.
func TestView_MultiKeyUsesPOST(t *testing.T) {
	var gotMethod string
	var gotBody []byte
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"rows":[]}`))
	})

	k1, _ := json.Marshal("a")
	k2, _ := json.Marshal("b")
	events, errs, cancel := View[string, int, json.RawMessage](context.Background(), c, ViewQuery{
		DesignDoc: "Code", View: "byName",
		Keys: []json.RawMessage{k1, k2},
	})
	defer cancel()
	_, err := drainView(t, events, errs)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Contains(t, string(gotBody), `"keys"`)
}

// TestView_Cancel tests that cancelling the returned context stops the
// stream without hanging.
func TestView_Cancel(t *testing.T) {
	body := `{"total_rows":1,"offset":0,"rows":[{"id":"doc1","key":"a","value":1}]}`
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})
	ctx, cancelCtx := context.WithCancel(context.Background())
	events, errs, cancel := View[string, int, json.RawMessage](ctx, c, ViewQuery{})
	cancelCtx()
	cancel()
	drainView(t, events, errs)
}

// TestIsJSONNull tests the doc=null detection helper.
func TestIsJSONNull(t *testing.T) {
	assert.True(t, isJSONNull(nil))
	assert.True(t, isJSONNull(json.RawMessage(`null`)))
	assert.True(t, isJSONNull(json.RawMessage(`  null  `)))
	assert.False(t, isJSONNull(json.RawMessage(`{"a":1}`)))
}
