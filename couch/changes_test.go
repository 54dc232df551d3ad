package couch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"couch.evalgo.org/common"
	"couch.evalgo.org/config"
)

// TestResolveTypedDoc_DirectUnmarshal tests that with no discriminator
// configured, the change's doc is materialized directly as T.
func TestResolveTypedDoc_DirectUnmarshal(t *testing.T) {
	ch := Change{Doc: []byte(`{"name":"widget"}`)}
	v, ok := resolveTypedDoc[widget](ch, SubscribeOptions[widget]{})
	require.True(t, ok)
	assert.Equal(t, "widget", v.Name)
}

// TestResolveTypedDoc_DiscriminatorResolution tests that the discriminator
// field is read and passed to the resolver, and that an unresolved tag
// drops the change silently.
func TestResolveTypedDoc_DiscriminatorResolution(t *testing.T) {
	resolver := func(tag string) (widget, bool) {
		if tag == "Widget" {
			return widget{}, true
		}
		return widget{}, false
	}
	opts := SubscribeOptions[widget]{DiscriminatorField: "type", Resolver: resolver}

	t.Run("Resolved", func(t *testing.T) {
		ch := Change{Doc: []byte(`{"type":"Widget","name":"thing"}`)}
		v, ok := resolveTypedDoc[widget](ch, opts)
		require.True(t, ok)
		assert.Equal(t, "thing", v.Name)
	})

	t.Run("Unresolved", func(t *testing.T) {
		ch := Change{Doc: []byte(`{"type":"Gadget","name":"thing"}`)}
		_, ok := resolveTypedDoc[widget](ch, opts)
		assert.False(t, ok)
	})

	t.Run("MissingField", func(t *testing.T) {
		ch := Change{Doc: []byte(`{"name":"thing"}`)}
		_, ok := resolveTypedDoc[widget](ch, opts)
		assert.False(t, ok)
	})
}

// TestResolveTypedDoc_EmptyDoc tests that a change with no doc payload
// cannot be resolved.
func TestResolveTypedDoc_EmptyDoc(t *testing.T) {
	_, ok := resolveTypedDoc[widget](Change{}, SubscribeOptions[widget]{})
	assert.False(t, ok)
}

// TestChangeFeedQuery tests that the continuous-feed query parameters are
// set per §4.6, including the heartbeat converted to milliseconds.
func TestChangeFeedQuery(t *testing.T) {
	v := changeFeedQuery("now", 30*time.Second)
	assert.Equal(t, "continuous", v.Get("feed"))
	assert.Equal(t, "true", v.Get("include_docs"))
	assert.Equal(t, "now", v.Get("since"))
	assert.Equal(t, "30000", v.Get("heartbeat"))
}

// TestSubscribe_StreamsChangesAndResumesAfterDisconnect exercises the full
// state machine: an initial connection streams a change, is then severed,
// and a reconnect resumes from the last observed sequence.
func TestSubscribe_StreamsChangesAndResumesAfterDisconnect(t *testing.T) {
	var connectCount int32
	var gotSinceOnReconnect string
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connectCount, 1)
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		if n == 1 {
			w.Write([]byte(`{"seq":"1-a","id":"doc1","changes":[{"rev":"1-x"}],"doc":{"name":"first"}}` + "\n"))
			if flusher != nil {
				flusher.Flush()
			}
			return // connection drops here, forcing a reconnect
		}

		mu.Lock()
		gotSinceOnReconnect = r.URL.Query().Get("since")
		mu.Unlock()
		w.Write([]byte(`{"seq":"2-b","id":"doc2","changes":[{"rev":"1-y"}],"doc":{"name":"second"}}` + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	cfg := config.ClientConfig{URL: server.URL, Database: "testdb", MaxConnections: 4}
	c := NewClient(cfg)

	origTimer := newBackoffTimer
	newBackoffTimer = func(d time.Duration) *time.Timer { return time.NewTimer(time.Millisecond) }
	defer func() { newBackoffTimer = origTimer }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, errs := Subscribe[widget](ctx, c, SubscribeOptions[widget]{
		Since:          "0",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})

	var got []TypedChange[widget]
	for {
		select {
		case ch, ok := <-out:
			if !ok {
				goto done
			}
			got = append(got, ch)
			if len(got) == 2 {
				cancel()
			}
		case err, ok := <-errs:
			if ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-ctx.Done():
			goto done
		}
	}
done:

	require.GreaterOrEqual(t, len(got), 1)
	assert.Equal(t, "doc1", got[0].ID)
	assert.Equal(t, "first", got[0].TypedDoc.Name)

	if len(got) >= 2 {
		assert.Equal(t, "doc2", got[1].ID)
		mu.Lock()
		assert.Equal(t, "1-a", gotSinceOnReconnect)
		mu.Unlock()
	}
}

// TestStreamChanges_SkipsHeartbeatWhitespace tests that blank
// heartbeat lines between change objects are skipped without error.
func TestStreamChanges_SkipsHeartbeatWhitespace(t *testing.T) {
	body := "{\"seq\":\"1\",\"id\":\"doc1\",\"changes\":[{\"rev\":\"1-a\"}],\"doc\":{\"name\":\"x\"}}\n\n\n"
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(body))}

	out := make(chan TypedChange[widget], 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bo := &backoff.ExponentialBackOff{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2}
	log := common.NewContextLogger(common.Logger, nil)

	go func() {
		streamChanges[widget](ctx, resp, SubscribeOptions[widget]{}, out, "0", bo, log)
		close(out)
	}()

	var got []TypedChange[widget]
	for ch := range out {
		got = append(got, ch)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "doc1", got[0].ID)
}
