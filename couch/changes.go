package couch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"couch.evalgo.org/common"
)

// Change is one decoded element of the continuous change feed.
type Change struct {
	Seq     string          `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted,omitempty"`
	Changes []ChangeRev     `json:"changes"`
	Doc     json.RawMessage `json:"doc,omitempty"`
}

// ChangeRev is one entry of a Change's "changes" array.
type ChangeRev struct {
	Rev string `json:"rev"`
}

// TypeResolver maps the string value observed at the classDiscriminator
// field inside a change's doc to a concrete application type. It returns
// ok=false when the tag is unrecognized, in which case the subscriber
// drops the change silently (§4.6).
type TypeResolver[T any] func(discriminator string) (zero T, ok bool)

// SubscribeOptions configures a single ChangeFeedSubscriber.
type SubscribeOptions[T any] struct {
	// Since is the starting sequence; "now" (the default) skips all
	// history and only observes changes from subscription time forward.
	Since string

	DiscriminatorField string // JSON field name read at depth 2 inside doc
	Resolver           TypeResolver[T]

	Heartbeat      time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// TypedChange pairs a Change envelope with its resolved, typed document.
type TypedChange[T any] struct {
	Change
	TypedDoc T
}

// subscriberState names the Change Feed Subscriber's three states (§4.6):
// Disconnected, Streaming, Backoff.
type subscriberState int

const (
	stateDisconnected subscriberState = iota
	stateStreaming
	stateBackoff
)

// Subscribe opens a continuous change feed and returns a channel of typed
// changes that survives transport failures by reconnecting with
// exponential backoff, resuming from the last sequence it observed.
// Cancelling ctx aborts immediately without re-subscribing — cancellation
// is distinguishable from a transport error and never triggers resume.
//
// The returned error channel always closes without a value: the feed
// retries transport failures indefinitely rather than surfacing them as a
// terminal error, and a cancelled ctx ends the feed silently. It is
// reserved for a future terminal-error signal (e.g. an unrecoverable
// authorization failure) that the current retry policy never produces.
func Subscribe[T any](ctx context.Context, c *Client, opts SubscribeOptions[T]) (<-chan TypedChange[T], <-chan error) {
	out := make(chan TypedChange[T])
	errs := make(chan error, 1)

	if opts.Since == "" {
		opts.Since = "now"
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 2 * time.Minute
	}
	if opts.BackoffFactor == 0 {
		opts.BackoffFactor = 2.0
	}

	log := common.NewContextLogger(common.Logger, map[string]interface{}{
		"database": c.cfg.Database,
		"since":    opts.Since,
	})

	go func() {
		defer close(out)
		defer close(errs)
		defer common.LogPanic(log)
		runChangeFeed(ctx, c, opts, out, log)
	}()

	return out, errs
}

// runChangeFeed implements the state machine described in §4.6: Disconnected
// -> Streaming -> (error) -> Backoff -> Disconnected, or an immediate exit on
// context cancellation from any state.
func runChangeFeed[T any](ctx context.Context, c *Client, opts SubscribeOptions[T], out chan<- TypedChange[T], log *common.ContextLogger) {
	state := stateDisconnected
	lastSeq := opts.Since
	reconnecting := false

	bo := &backoff.ExponentialBackOff{
		InitialInterval: opts.InitialBackoff,
		MaxInterval:     opts.MaxBackoff,
		Multiplier:      opts.BackoffFactor,
	}
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		switch state {
		case stateDisconnected:
			resp, err := openChangeFeed(ctx, c, lastSeq, opts.Heartbeat)
			if err != nil {
				if err == ErrCancelled || ctx.Err() != nil {
					return
				}
				common.NewStructuredLog(common.Logger).
					WithFields(map[string]interface{}{"database": c.cfg.Database, "since": lastSeq}).
					WithError(err).
					Level(common.LogLevelWarn).
					Log("change feed connect failed, backing off")
				reconnecting = true
				state = stateBackoff
				continue
			}
			if reconnecting {
				common.NewStructuredLog(common.Logger).
					WithFields(map[string]interface{}{"database": c.cfg.Database, "since": lastSeq}).
					Level(common.LogLevelInfo).
					Log("change feed resumed")
				reconnecting = false
			}
			state = stateStreaming
			lastSeq = streamChanges(ctx, resp, opts, out, lastSeq, bo, log)
			if ctx.Err() != nil {
				return
			}
			state = stateBackoff

		case stateBackoff:
			delay := bo.NextBackOff()
			log.WithField("backoff_delay_ms", delay.Milliseconds()).Debug("change feed backing off")
			timer := newBackoffTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
			state = stateDisconnected

		case stateStreaming:
			// handled inline above; unreachable here
		}
	}
}

// openChangeFeed issues the long-lived GET against _changes?feed=continuous.
func openChangeFeed(ctx context.Context, c *Client, since string, heartbeat time.Duration) (*http.Response, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, c.dbBaseURL(), []string{"_changes"}, requestOptions{
		query: changeFeedQuery(since, heartbeat),
	})
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func changeFeedQuery(since string, heartbeat time.Duration) url.Values {
	v := url.Values{}
	v.Set("feed", "continuous")
	v.Set("include_docs", "true")
	v.Set("since", since)
	v.Set("heartbeat", fmt.Sprintf("%d", heartbeat.Milliseconds()))
	return v
}

// streamChanges reads newline-delimited change objects from resp.Body until
// EOF or an error, resetting the backoff state on every successfully
// decoded change and updating lastSeq as it goes. It returns the final
// observed sequence so the caller can resume from it after reconnecting.
func streamChanges[T any](ctx context.Context, resp *http.Response, opts SubscribeOptions[T], out chan<- TypedChange[T], since string, bo *backoff.ExponentialBackOff, log *common.ContextLogger) string {
	defer resp.Body.Close()

	lastSeq := since
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return lastSeq
		}

		line := bytesTrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue // heartbeat whitespace
		}

		var ch Change
		if err := json.Unmarshal(line, &ch); err != nil {
			log.WithError(err).Warn("change feed: dropping unparseable line")
			continue
		}

		lastSeq = ch.Seq
		bo.Reset()

		typed, ok := resolveTypedDoc(ch, opts)
		if !ok {
			continue // unresolved/mismatched discriminator: dropped silently per §4.6
		}

		select {
		case out <- TypedChange[T]{Change: ch, TypedDoc: typed}:
		case <-ctx.Done():
			return lastSeq
		}
	}

	return lastSeq
}

// resolveTypedDoc extracts the discriminator field from the change's doc
// and asks the caller-provided resolver to materialize a concrete type. If
// the resolver can't resolve the tag, the change is dropped silently.
func resolveTypedDoc[T any](ch Change, opts SubscribeOptions[T]) (T, bool) {
	var zero T
	if len(ch.Doc) == 0 || opts.Resolver == nil || opts.DiscriminatorField == "" {
		// No discriminator configured: materialize the doc directly as T.
		if len(ch.Doc) == 0 {
			return zero, false
		}
		if err := json.Unmarshal(ch.Doc, &zero); err != nil {
			return zero, false
		}
		return zero, true
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(ch.Doc, &probe); err != nil {
		return zero, false
	}
	rawTag, ok := probe[opts.DiscriminatorField]
	if !ok {
		return zero, false
	}
	var tag string
	if err := json.Unmarshal(rawTag, &tag); err != nil {
		return zero, false
	}

	if _, ok := opts.Resolver(tag); !ok {
		return zero, false
	}
	if err := json.Unmarshal(ch.Doc, &zero); err != nil {
		return zero, false
	}
	return zero, true
}
