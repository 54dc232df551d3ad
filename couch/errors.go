package couch

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when a request that does not ask for null-if-404
// semantics hits a 404 response. Single-document GET, existence probes and
// design-document lookups do ask for it and report a missing document as a
// nil result instead.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("couch: not found: %s", e.Path)
}

// ConflictError is returned when a write hits a 409, meaning the supplied
// rev no longer matches the document's current revision.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("couch: conflict: %s", e.Path)
}

// UnauthorizedError is returned when a request hits a 401.
type UnauthorizedError struct {
	Path string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("couch: unauthorized: %s", e.Path)
}

// HTTPError wraps any other non-2xx status the Response Gate does not give a
// dedicated type to. Body is the full response body of the error, bounded by
// the server's own response size.
type HTTPError struct {
	Status int
	Path   string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("couch: http %d on %s: %s", e.Status, e.Path, e.Body)
}

// ViewError is a semantic failure surfaced mid-stream by the view decoder:
// either a row carrying an error field that isn't suppressed by
// ignore_not_found, or a top-level error on the view response object.
type ViewError struct {
	Key     interface{}
	Message string
}

func (e *ViewError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("couch: view error for key %v: %s", e.Key, e.Message)
	}
	return fmt.Sprintf("couch: view error: %s", e.Message)
}

// MangoError is returned when a _find response carries a top-level error/reason pair.
type MangoError struct {
	Err    string
	Reason string
}

func (e *MangoError) Error() string {
	return fmt.Sprintf("couch: mango query failed: %s (%s)", e.Err, e.Reason)
}

// ErrReplicatorAbsent is returned by the Replicator Controller when the
// _replicator database cannot be found or created.
var ErrReplicatorAbsent = fmt.Errorf("couch: replicator database not found")

// ErrCancelled is returned by any suspending operation whose context was
// cancelled by the caller. It is never produced by a transport failure and
// must never trigger change-feed resubscription.
var ErrCancelled = fmt.Errorf("couch: operation cancelled")

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsUnauthorized reports whether err is (or wraps) an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var target *UnauthorizedError
	return errors.As(err, &target)
}
