package couch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dustin/go-humanize"

	"couch.evalgo.org/common"
)

// ReplicationCommand is the document posted to /_replicator to start or
// update a replication job.
type ReplicationCommand struct {
	ID           string                 `json:"_id,omitempty"`
	Source       string                 `json:"source"`
	Target       string                 `json:"target"`
	Continuous   bool                   `json:"continuous,omitempty"`
	CreateTarget bool                   `json:"create_target,omitempty"`
	Selector     json.RawMessage        `json:"selector,omitempty"`
	Extra        map[string]interface{} `json:"-"`
}

func (cmd ReplicationCommand) wire() (map[string]interface{}, error) {
	raw, err := json.Marshal(struct {
		ID           string          `json:"_id,omitempty"`
		Source       string          `json:"source"`
		Target       string          `json:"target"`
		Continuous   bool            `json:"continuous,omitempty"`
		CreateTarget bool            `json:"create_target,omitempty"`
		Selector     json.RawMessage `json:"selector,omitempty"`
	}{cmd.ID, cmd.Source, cmd.Target, cmd.Continuous, cmd.CreateTarget, cmd.Selector})
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for k, v := range cmd.Extra {
		m[k] = v
	}
	return m, nil
}

// ReplicationResult is the decoded response of a replicate command.
type ReplicationResult struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CancelResult is the outcome of cancelling a replication job.
type CancelResult struct {
	OK     bool
	Reason string
}

// ReplicationState names the scheduler's replication job state, coerced
// per §4.9's healthy/terminal table. Any value not in the recognized set
// defaults to Failed.
type ReplicationState int

const (
	StateInitializing ReplicationState = iota
	StateRunning
	StatePending
	StateCompleted
	StateError
	StateCrashing
	StateFailed
)

// Healthy reports whether this state represents a non-error condition.
func (s ReplicationState) Healthy() bool {
	switch s {
	case StateInitializing, StateRunning, StatePending, StateCompleted:
		return true
	default:
		return false
	}
}

// Terminal reports whether this state is a final state the job will not
// leave on its own.
func (s ReplicationState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s ReplicationState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateCrashing:
		return "crashing"
	default:
		return "failed"
	}
}

// parseReplicationState coerces a scheduler-reported state string,
// defaulting unrecognized values to StateFailed per §4.9.
func parseReplicationState(raw string) ReplicationState {
	switch raw {
	case "initializing":
		return StateInitializing
	case "running":
		return StateRunning
	case "pending":
		return StatePending
	case "completed":
		return StateCompleted
	case "error":
		return StateError
	case "crashing":
		return StateCrashing
	default:
		return StateFailed
	}
}

// SchedulerDoc is one element of GET /_scheduler/docs.
type SchedulerDoc struct {
	DocID       string           `json:"doc_id"`
	Database    string           `json:"database"`
	ID          string           `json:"id"`
	State       ReplicationState `json:"-"`
	RawState    string           `json:"state"`
	Info        json.RawMessage  `json:"info,omitempty"`
	Error       string           `json:"error,omitempty"`
	LastUpdated string           `json:"last_updated,omitempty"`
}

// SchedulerJob is one element of GET /_scheduler/jobs.
type SchedulerJob struct {
	ID        string           `json:"id"`
	Database  string           `json:"database"`
	DocID     string           `json:"doc_id"`
	State     ReplicationState `json:"-"`
	RawState  string           `json:"state"`
	Source    string           `json:"source"`
	Target    string           `json:"target"`
	StartTime string           `json:"start_time,omitempty"`
	Info      json.RawMessage  `json:"info,omitempty"`
}

// ProgressSummary renders a human-readable one-line summary of a
// scheduler job's progress counters, when present in Info, for display
// in CLI output.
func (j SchedulerJob) ProgressSummary() string {
	var info struct {
		DocsWritten     uint64 `json:"docs_written"`
		DocsRead        uint64 `json:"docs_read"`
		DocWriteFailures uint64 `json:"doc_write_failures"`
	}
	if len(j.Info) == 0 {
		return fmt.Sprintf("%s: %s", j.DocID, j.State)
	}
	if err := json.Unmarshal(j.Info, &info); err != nil {
		return fmt.Sprintf("%s: %s", j.DocID, j.State)
	}
	return fmt.Sprintf("%s: %s (%s written, %s read, %s failed)",
		j.DocID, j.State,
		humanize.Comma(int64(info.DocsWritten)),
		humanize.Comma(int64(info.DocsRead)),
		humanize.Comma(int64(info.DocWriteFailures)))
}

// Replicate ensures the _replicator database exists, then submits the
// command (§4.9). If the _replicator database cannot be found or created,
// it returns ErrReplicatorAbsent.
func Replicate(ctx context.Context, c *Client, cmd ReplicationCommand) (*ReplicationResult, error) {
	var result ReplicationResult

	err := common.LogOperation(c.log.WithField("source", cmd.Source).WithField("target", cmd.Target), "replicate", func() error {
		if err := ensureReplicatorDB(ctx, c); err != nil {
			return err
		}

		body, err := cmd.wire()
		if err != nil {
			return err
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}

		req, err := c.buildRequest(ctx, http.MethodPost, c.rootBaseURL(), []string{"_replicator"}, requestOptions{body: raw})
		if err != nil {
			return err
		}
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		return decodeJSON(resp.Body, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ensureReplicatorDB implements step 1 of replicate (§4.9): GET the
// _replicator database, and PUT it into existence on a 404.
func ensureReplicatorDB(ctx context.Context, c *Client) error {
	req, err := c.buildRequest(ctx, http.MethodGet, c.rootBaseURL(), []string{"_replicator"}, requestOptions{nullIfNotFound: true})
	if err != nil {
		return err
	}
	resp, err := c.doOpt(req, requestOptions{nullIfNotFound: true})
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Body.Close()
		return nil
	}

	createReq, err := c.buildRequest(ctx, http.MethodPut, c.rootBaseURL(), []string{"_replicator"}, requestOptions{})
	if err != nil {
		return err
	}
	createResp, err := c.do(createReq)
	if err != nil {
		return ErrReplicatorAbsent
	}
	createResp.Body.Close()
	return nil
}

// Cancel purges all revisions of a replication document from _replicator,
// stopping the job (§4.9). It returns ok=false with a diagnostic reason if
// the purge response does not confirm the document was purged.
func Cancel(ctx context.Context, c *Client, docID string) (*CancelResult, error) {
	var revsInfo struct {
		RevsInfo []struct {
			Rev    string `json:"rev"`
			Status string `json:"status"`
		} `json:"_revs_info"`
	}

	req, err := c.buildRequest(ctx, http.MethodGet, c.rootBaseURL(), []string{"_replicator", docID}, requestOptions{
		query:          url.Values{"revs_info": {"true"}},
		nullIfNotFound: true,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.doOpt(req, requestOptions{nullIfNotFound: true})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &CancelResult{OK: false, Reason: "replication document not found"}, nil
	}
	defer resp.Body.Close()
	if err := decodeJSON(resp.Body, &revsInfo); err != nil {
		return nil, err
	}

	revs := make([]string, 0, len(revsInfo.RevsInfo))
	for _, r := range revsInfo.RevsInfo {
		revs = append(revs, r.Rev)
	}
	if len(revs) == 0 {
		return &CancelResult{OK: false, Reason: "no revisions found for replication document"}, nil
	}

	purgeBody, err := json.Marshal(map[string][]string{docID: revs})
	if err != nil {
		return nil, err
	}
	purgeReq, err := c.buildRequest(ctx, http.MethodPost, c.rootBaseURL(), []string{"_replicator", "_purge"}, requestOptions{body: purgeBody})
	if err != nil {
		return nil, err
	}
	purgeResp, err := c.do(purgeReq)
	if err != nil {
		return nil, err
	}
	defer purgeResp.Body.Close()

	var purgeResult struct {
		Purged map[string][]string `json:"purged"`
	}
	if err := decodeJSON(purgeResp.Body, &purgeResult); err != nil {
		return nil, err
	}
	if _, ok := purgeResult.Purged[docID]; ok {
		return &CancelResult{OK: true}, nil
	}
	return &CancelResult{OK: false, Reason: "purge response did not confirm document was purged"}, nil
}

// SchedulerDocs polls GET /_scheduler/docs read-only, coercing each
// document's state field per the healthy/terminal table.
func SchedulerDocs(ctx context.Context, c *Client) ([]SchedulerDoc, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, c.rootBaseURL(), []string{"_scheduler", "docs"}, requestOptions{})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire struct {
		Docs []SchedulerDoc `json:"docs"`
	}
	if err := decodeJSON(resp.Body, &wire); err != nil {
		return nil, err
	}
	for i := range wire.Docs {
		wire.Docs[i].State = parseReplicationState(wire.Docs[i].RawState)
	}
	return wire.Docs, nil
}

// SchedulerJobs polls GET /_scheduler/jobs read-only, coercing each job's
// state field per the healthy/terminal table.
func SchedulerJobs(ctx context.Context, c *Client) ([]SchedulerJob, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, c.rootBaseURL(), []string{"_scheduler", "jobs"}, requestOptions{})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire struct {
		Jobs []SchedulerJob `json:"jobs"`
	}
	if err := decodeJSON(resp.Body, &wire); err != nil {
		return nil, err
	}
	for i := range wire.Jobs {
		wire.Jobs[i].State = parseReplicationState(wire.Jobs[i].RawState)
	}
	return wire.Jobs, nil
}
