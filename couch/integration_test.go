//go:build integration

package couch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"couch.evalgo.org/config"
	"couch.evalgo.org/couch"
)

// setupCouchDBContainer starts a single-node CouchDB container and returns a
// client pointed at a fresh, uniquely named database, plus a cleanup func.
func setupCouchDBContainer(t *testing.T) (*couch.Client, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "couchdb:3.3",
		ExposedPorts: []string{"5984/tcp"},
		Env: map[string]string{
			"COUCHDB_USER":     "admin",
			"COUCHDB_PASSWORD": "password",
		},
		WaitingFor: wait.ForHTTP("/").WithPort("5984/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5984")
	require.NoError(t, err)

	cfg := config.ClientConfig{
		URL:              fmt.Sprintf("http://%s:%s", host, port.Port()),
		Database:         fmt.Sprintf("couchctl_test_%d", time.Now().UnixNano()),
		Username:         "admin",
		Password:         "password",
		MaxConnections:   4,
		Timeout:          10 * time.Second,
		BulkBatchSize:    50,
		ChangesHeartbeat: 5 * time.Second,
		InitialBackoff:   50 * time.Millisecond,
		MaxBackoff:       500 * time.Millisecond,
		BackoffFactor:    2.0,
	}
	c := couch.NewClient(cfg)
	require.NoError(t, c.CreateDatabase(ctx, 1, 1))

	return c, func() {
		_ = c.DeleteDatabase(context.Background())
		_ = container.Terminate(context.Background())
	}
}

type testDoc struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Version string `json:"version"`
}

// TestIntegration_CreateThenRead is scenario S1: a document is readable by
// id immediately after creation, with a non-empty rev.
func TestIntegration_CreateThenRead(t *testing.T) {
	c, cleanup := setupCouchDBContainer(t)
	defer cleanup()
	ctx := context.Background()

	doc := testDoc{Type: "test", Code: "X", Version: "1"}
	put, err := c.Put(ctx, "test:X:1", doc)
	require.NoError(t, err)
	require.NotEmpty(t, put.Rev)

	var got testDoc
	found, err := c.Get(ctx, "test:X:1", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, doc, got)
}

// TestIntegration_UpdateConflict is scenario S2: reusing a stale rev on a
// second update yields a ConflictError.
func TestIntegration_UpdateConflict(t *testing.T) {
	c, cleanup := setupCouchDBContainer(t)
	defer cleanup()
	ctx := context.Background()

	put1, err := c.Put(ctx, "test:Y:1", testDoc{Type: "test", Code: "Y", Version: "1"})
	require.NoError(t, err)

	var withRev map[string]interface{}
	_, err = c.Get(ctx, "test:Y:1", &withRev)
	require.NoError(t, err)
	withRev["_rev"] = put1.Rev
	withRev["version"] = "2"
	_, err = c.Put(ctx, "test:Y:1", withRev)
	require.NoError(t, err)

	staleDoc := map[string]interface{}{"_rev": put1.Rev, "type": "test", "code": "Y", "version": "3-stale"}
	_, err = c.Put(ctx, "test:Y:1", staleDoc)
	require.Error(t, err)
	require.True(t, couch.IsConflict(err))
}

// TestIntegration_BulkInsertAndAllDocs is scenario S3: 100 bulk-inserted
// documents are all retrievable via _all_docs by their ids.
func TestIntegration_BulkInsertAndAllDocs(t *testing.T) {
	c, cleanup := setupCouchDBContainer(t)
	defer cleanup()
	ctx := context.Background()

	const n = 100
	ids := make([]string, n)
	docs := make([]json.RawMessage, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("bulk:%d", i)
		raw, err := json.Marshal(map[string]interface{}{"_id": ids[i], "type": "bulk", "code": fmt.Sprintf("C%d", i)})
		require.NoError(t, err)
		docs[i] = raw
	}

	results, errs := couch.BulkDocs(ctx, c, docs)
	var seen int
	for r := range results {
		require.True(t, r.OK, r.Error)
		seen++
	}
	require.NoError(t, <-errs)
	require.Equal(t, n, seen)

	idFeed := make(chan string, n)
	for _, id := range ids {
		idFeed <- id
	}
	close(idFeed)

	rows, errs2, cancelRows := couch.AllDocsByIDs[json.RawMessage](ctx, c, idFeed, 25)
	defer cancelRows()
	var got int
	for ev := range rows {
		if ev.Kind == couch.EventRow {
			got++
		}
	}
	require.NoError(t, <-errs2)
	require.Equal(t, n, got)
}

// TestIntegration_ViewLimit is scenario S4: a view query with limit=5
// yields at most 5 Row events plus exactly one TotalCount event.
func TestIntegration_ViewLimit(t *testing.T) {
	c, cleanup := setupCouchDBContainer(t)
	defer cleanup()
	ctx := context.Background()

	decl := couch.Declarations{
		DesignDocID: "_design/Code",
		Views: []couch.ViewDeclaration{
			{Name: "all", Map: "function(doc){ if (doc.type === 'view_test') emit(doc.code, null); }"},
		},
	}
	_, err := couch.Reconcile(ctx, c, decl)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := c.Put(ctx, fmt.Sprintf("view:%d", i), map[string]interface{}{"type": "view_test", "code": fmt.Sprintf("V%d", i)})
		require.NoError(t, err)
	}

	events, errs, cancel := couch.View[json.RawMessage, json.RawMessage, json.RawMessage](ctx, c, couch.ViewQuery{
		DesignDoc:   "Code",
		View:        "all",
		IncludeDocs: true,
		Limit:       5,
	})
	defer cancel()

	var rows, totals, offsets int
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case couch.EventRow:
				rows++
			case couch.EventTotalCount:
				totals++
			case couch.EventOffset:
				offsets++
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			require.NoError(t, err)
		}
	}
	require.LessOrEqual(t, rows, 5)
	require.Equal(t, 1, totals)
	require.LessOrEqual(t, offsets, 1)
}

// TestIntegration_ChangeFeedSeesCreates is scenario S5: a subscriber
// started with since="now" observes exactly the documents inserted after
// its warm-up window.
func TestIntegration_ChangeFeedSeesCreates(t *testing.T) {
	c, cleanup := setupCouchDBContainer(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	out, errs := couch.Subscribe[testDoc](ctx, c, couch.SubscribeOptions[testDoc]{Since: "now"})
	time.Sleep(3 * time.Second)

	want := make(map[string]bool, 10)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("feed:%d", i)
		want[id] = true
		_, err := c.Put(context.Background(), id, testDoc{Type: "feed_test", Code: fmt.Sprintf("F%d", i)})
		require.NoError(t, err)
	}

	got := map[string]bool{}
	for len(got) < len(want) {
		select {
		case ch, ok := <-out:
			if !ok {
				t.Fatal("change feed closed before all inserts observed")
			}
			if want[ch.ID] {
				got[ch.ID] = true
			}
		case err := <-errs:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatalf("timed out, observed %d/%d changes", len(got), len(want))
		}
	}
	require.Equal(t, want, got)
}

// TestIntegration_ChangeFeedResilience is scenario S6: a subscriber with a
// short reconnect backoff, left idle for two seconds, still delivers an
// insert made after that idle period. The test does not sever the feed
// connection itself; reconnect-and-resume after a dropped connection is
// covered by TestSubscribe_StreamsChangesAndResumesAfterDisconnect.
func TestIntegration_ChangeFeedResilience(t *testing.T) {
	c, cleanup := setupCouchDBContainer(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, errs := couch.Subscribe[testDoc](ctx, c, couch.SubscribeOptions[testDoc]{
		Since:          "now",
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	})
	time.Sleep(2 * time.Second)

	_, err := c.Put(context.Background(), "resilience:1", testDoc{Type: "feed_test", Code: "R1"})
	require.NoError(t, err)

	select {
	case ch := <-out:
		require.Equal(t, "resilience:1", ch.ID)
	case err := <-errs:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for change after simulated disconnect")
	}
}
