// Package couch implements a reactive client for a document-oriented,
// HTTP/JSON database exposing per-document revisions, map/reduce views,
// Mango selector queries, a continuous change feed, and a replicator.
//
// The package is built directly on net/http and encoding/json rather than a
// driver library: the client needs byte-level control over response status
// triage and streaming body decoding that a driver would own internally.
package couch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"couch.evalgo.org/common"
	"couch.evalgo.org/config"
	"github.com/google/uuid"
)

// Client is the entry point for every operation in this package. It owns
// the HTTP transport handle; request builders are transient values created
// per operation, and event streams returned by its methods own their own
// underlying HTTP response until the consumer drains or abandons them.
type Client struct {
	cfg        config.ClientConfig
	httpClient *http.Client
	log        *common.ContextLogger

	// headerHandlers dispatches response headers matching a registered
	// prefix to an interested callback, e.g. X-Couch-Request-ID auditing.
	headerHandlers map[string]func(value string)
}

// NewClient constructs a Client from a validated ClientConfig.
func NewClient(cfg config.ClientConfig) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: cfg.MaxConnections,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   0, // streaming operations (views, changes) must not be globally timed out
		},
		log:            common.NewContextLogger(common.NewLogger(loggerConfig(cfg)), map[string]interface{}{"database": cfg.Database}),
		headerHandlers: make(map[string]func(value string)),
	}
}

// loggerConfig derives this client's logger configuration from cfg,
// falling back to common.DefaultLoggerConfig for any field the caller left
// unset, so a bare ClientConfig still produces a sensibly leveled logger.
func loggerConfig(cfg config.ClientConfig) common.LoggerConfig {
	lc := common.DefaultLoggerConfig()
	lc.Service = "couch"
	if cfg.LogLevel != "" {
		lc.Level = common.LogLevel(cfg.LogLevel)
	}
	if cfg.LogFormat != "" {
		lc.Format = cfg.LogFormat
	}
	return lc
}

// OnResponseHeader registers a callback invoked whenever a response header
// matching the given prefix is observed. Used, for example, to capture
// X-Couch-Request-ID for correlation with server-side logs.
func (c *Client) OnResponseHeader(prefix string, fn func(value string)) {
	c.headerHandlers[prefix] = fn
}

// requestOptions customizes a single request built by buildRequest.
type requestOptions struct {
	query          url.Values
	body           []byte
	contentType    string // defaults to application/json when body != nil
	correlationID  string
	nullIfNotFound bool // 404 yields (nil, nil) instead of NotFoundError
}

// dbBaseURL returns the client's configured server root joined with the
// database name, e.g. "http://localhost:5984/mydb".
func (c *Client) dbBaseURL() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/" + c.cfg.Database
}

// rootBaseURL returns the client's configured server root with no database
// segment, used for server-level endpoints like _active_tasks and _scheduler.
func (c *Client) rootBaseURL() string {
	return strings.TrimRight(c.cfg.URL, "/")
}

// buildRequest is the Request Builder (C1): it joins path segments
// (collapsing adjacent slashes), URL-encodes query parameters, attaches
// basic auth whenever both a username and password are configured, and
// sets Content-Type: application/json on any method that carries a body
// unless the caller overrode it. No retry logic lives here — retries are
// the province of the change-feed subscriber alone.
func (c *Client) buildRequest(ctx context.Context, method, base string, segments []string, opts requestOptions) (*http.Request, error) {
	full := joinSegments(base, segments)

	if len(opts.query) > 0 {
		full += "?" + opts.query.Encode()
	}

	var bodyReader io.Reader
	if opts.body != nil {
		bodyReader = bytes.NewReader(opts.body)
	}

	req, err := http.NewRequestWithContext(ctx, method, full, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("couch: building request: %w", err)
	}

	if opts.body != nil {
		contentType := opts.contentType
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}

	if c.cfg.Username != "" && c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	correlationID := opts.correlationID
	if correlationID == "" {
		correlationID = correlationIDFromContext(ctx)
	}
	if correlationID != "" {
		req.Header.Set("X-Request-ID", correlationID)
	}

	return req, nil
}

// joinSegments concatenates a base URL with path segments, collapsing any
// adjacent slashes produced by empty or slash-prefixed segments.
func joinSegments(base string, segments []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for _, seg := range segments {
		seg = strings.Trim(seg, "/")
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(seg)
	}
	return b.String()
}

// correlationIDKey is the context key under which WithCorrelationID stores
// a request-correlation id.
type correlationIDKey struct{}

// NewCorrelationID generates a request-correlation id for injection as
// X-Request-ID, grounded on the Request Builder contract in the external
// interface section: "A request-correlation header is injected when a
// request id is supplied."
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID attaches a request-correlation id to ctx. Every Client
// call made with the returned context (or a per-call correlationID in
// requestOptions, which takes precedence) injects it as the X-Request-ID
// header; a context carrying none sends no header.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// correlationIDFromContext reads back a correlation id attached by
// WithCorrelationID, returning "" if none was attached.
func correlationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// do is the Response Gate (C2): it executes the request and triages the
// status code before the caller ever sees response bytes.
//
//   - 401 -> UnauthorizedError
//   - 404 -> nil body (no error) when opts.nullIfNotFound, else NotFoundError
//   - 409 -> ConflictError
//   - 2xx -> the response, for the caller to read/stream
//   - other 4xx/5xx -> HTTPError{Status, Body}
//
// On any non-2xx path the response is closed before returning, so callers
// never have to close err-carrying responses themselves. Only the HTTPError
// path reads the body, in full, into the error; 401/404/409 discard it.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	return c.doWithOptions(req, requestOptions{})
}

func (c *Client) doOpt(req *http.Request, opts requestOptions) (*http.Response, error) {
	return c.doWithOptions(req, opts)
}

func (c *Client) doWithOptions(req *http.Request, opts requestOptions) (*http.Response, error) {
	start := time.Now()
	reqLog := common.RequestLogger("couch", req.Method, req.URL.Path, req.Header.Get("X-Request-ID")).
		WithField("database", c.cfg.Database).
		WithContext(req.Context())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, ErrCancelled
		}
		reqLog.WithFields(common.ErrorFields(err, "transport")).Error("request failed")
		return nil, fmt.Errorf("couch: request failed: %w", err)
	}

	for prefix, handler := range c.headerHandlers {
		for key, values := range resp.Header {
			if strings.HasPrefix(strings.ToLower(key), strings.ToLower(prefix)) && len(values) > 0 {
				handler(values[0])
			}
		}
	}

	httpFields := common.HTTPFields(req.Method, req.URL.Path, resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		defer resp.Body.Close()
		reqLog.WithFields(httpFields).Warn("request unauthorized")
		return nil, &UnauthorizedError{Path: req.URL.Path}
	case resp.StatusCode == http.StatusNotFound:
		defer resp.Body.Close()
		if opts.nullIfNotFound {
			return nil, nil
		}
		reqLog.WithFields(httpFields).Debug("request not found")
		return nil, &NotFoundError{Path: req.URL.Path}
	case resp.StatusCode == http.StatusConflict:
		defer resp.Body.Close()
		reqLog.WithFields(httpFields).Warn("request conflict")
		return nil, &ConflictError{Path: req.URL.Path}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		reqLog.WithFields(httpFields).Debug("request succeeded")
		return resp, nil
	default:
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		httpErr := &HTTPError{Status: resp.StatusCode, Path: req.URL.Path, Body: string(body)}
		reqLog.WithFields(common.ErrorFields(httpErr, "http")).Error("request failed with server error")
		return nil, httpErr
	}
}

// --- Database lifecycle -----------------------------------------------------
//
// Named in the wire protocol table (§6.1) but not assigned to a numbered
// component: simple single-shot operations built directly on C1/C2.

// Exists reports whether the client's configured database exists.
func (c *Client) Exists(ctx context.Context) (bool, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, c.dbBaseURL(), nil, requestOptions{nullIfNotFound: true})
	if err != nil {
		return false, err
	}
	resp, err := c.doOpt(req, requestOptions{nullIfNotFound: true})
	if err != nil {
		return false, err
	}
	if resp == nil {
		return false, nil
	}
	resp.Body.Close()
	return true, nil
}

// CreateDatabase creates the client's configured database with the given
// shard (q) and replica (n) counts. A count of 0 omits that parameter and
// lets the server apply its own default.
func (c *Client) CreateDatabase(ctx context.Context, shards, replicas int) error {
	query := url.Values{}
	if shards > 0 {
		query.Set("q", fmt.Sprintf("%d", shards))
	}
	if replicas > 0 {
		query.Set("n", fmt.Sprintf("%d", replicas))
	}
	req, err := c.buildRequest(ctx, http.MethodPut, c.dbBaseURL(), nil, requestOptions{query: query})
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DeleteDatabase destroys the client's configured database.
func (c *Client) DeleteDatabase(ctx context.Context) error {
	req, err := c.buildRequest(ctx, http.MethodDelete, c.dbBaseURL(), nil, requestOptions{})
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// CompactDatabase triggers server-side compaction of the configured database.
func (c *Client) CompactDatabase(ctx context.Context) error {
	req, err := c.buildRequest(ctx, http.MethodPost, c.dbBaseURL(), []string{"_compact"}, requestOptions{body: []byte("{}")})
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DatabaseInfo is the decoded body of a GET <db> existence/info probe.
type DatabaseInfo struct {
	DBName    string `json:"db_name"`
	DocCount  int64  `json:"doc_count"`
	DiskSize  int64  `json:"sizes,omitempty"`
	UpdateSeq string `json:"update_seq"`
}

// Info retrieves metadata about the configured database.
func (c *Client) Info(ctx context.Context) (*DatabaseInfo, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, c.dbBaseURL(), nil, requestOptions{})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var info DatabaseInfo
	if err := decodeJSON(resp.Body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateSecurity replaces the database's _security document.
func (c *Client) UpdateSecurity(ctx context.Context, security interface{}) error {
	body, err := encodeJSON(security)
	if err != nil {
		return err
	}
	req, err := c.buildRequest(ctx, http.MethodPut, c.dbBaseURL(), []string{"_security"}, requestOptions{body: body})
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// --- Single-document CRUD ---------------------------------------------------

// Get retrieves a single document by id into dst, which must be a pointer.
// Returns (false, nil) if the document does not exist.
func (c *Client) Get(ctx context.Context, id string, dst interface{}) (bool, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, c.dbBaseURL(), []string{id}, requestOptions{nullIfNotFound: true})
	if err != nil {
		return false, err
	}
	resp, err := c.doOpt(req, requestOptions{nullIfNotFound: true})
	if err != nil {
		return false, err
	}
	if resp == nil {
		return false, nil
	}
	defer resp.Body.Close()
	if err := decodeJSON(resp.Body, dst); err != nil {
		return false, err
	}
	return true, nil
}

// PutResult is the decoded response of a single-document PUT/DELETE.
type PutResult struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// Put creates or updates a single document. doc must carry its current
// _rev for an update, or none for a create.
func (c *Client) Put(ctx context.Context, id string, doc interface{}) (*PutResult, error) {
	body, err := encodeJSON(doc)
	if err != nil {
		return nil, err
	}
	req, err := c.buildRequest(ctx, http.MethodPut, c.dbBaseURL(), []string{id}, requestOptions{body: body})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result PutResult
	if err := decodeJSON(resp.Body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Delete marks a document deleted at the given rev.
func (c *Client) Delete(ctx context.Context, id, rev string) (*PutResult, error) {
	req, err := c.buildRequest(ctx, http.MethodDelete, c.dbBaseURL(), []string{id}, requestOptions{query: url.Values{"rev": {rev}}})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result PutResult
	if err := decodeJSON(resp.Body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// --- Attachment CRUD ---------------------------------------------------------

// GetAttachment retrieves the raw bytes and content type of a named
// attachment on a document. The caller must close the returned ReadCloser.
func (c *Client) GetAttachment(ctx context.Context, docID, name string) (io.ReadCloser, string, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, c.dbBaseURL(), []string{docID, name}, requestOptions{})
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// PutAttachment uploads an attachment's content under the given content
// type, overriding the builder's default application/json Content-Type per
// §4.1's explicit carve-out for attachment uploads.
func (c *Client) PutAttachment(ctx context.Context, docID, rev, name, contentType string, content []byte) (*PutResult, error) {
	req, err := c.buildRequest(ctx, http.MethodPut, c.dbBaseURL(), []string{docID, name}, requestOptions{
		query:       url.Values{"rev": {rev}},
		body:        content,
		contentType: contentType,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result PutResult
	if err := decodeJSON(resp.Body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteAttachment removes a named attachment from a document.
func (c *Client) DeleteAttachment(ctx context.Context, docID, rev, name string) (*PutResult, error) {
	req, err := c.buildRequest(ctx, http.MethodDelete, c.dbBaseURL(), []string{docID, name}, requestOptions{query: url.Values{"rev": {rev}}})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result PutResult
	if err := decodeJSON(resp.Body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// newBackoffTimer is a small seam so the change-feed subscriber's delay can
// be faked in tests without a real sleep.
var newBackoffTimer = func(d time.Duration) *time.Timer {
	return time.NewTimer(d)
}
