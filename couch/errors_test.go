package couch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestIsNotFound tests that IsNotFound recognizes only NotFoundError
func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(&NotFoundError{Path: "/db/doc"}))
	assert.False(t, IsNotFound(&ConflictError{Path: "/db/doc"}))
	assert.False(t, IsNotFound(nil))
}

// TestIsNotFound_WrappedError tests that IsNotFound still recognizes a
// NotFoundError wrapped by another error, per its "is (or wraps)" contract.
func TestIsNotFound_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("fetching doc: %w", &NotFoundError{Path: "/db/doc"})
	assert.True(t, IsNotFound(wrapped))
}

// TestIsConflict tests that IsConflict recognizes only ConflictError
func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(&ConflictError{Path: "/db/doc"}))
	assert.False(t, IsConflict(&NotFoundError{Path: "/db/doc"}))
}

// TestIsUnauthorized tests that IsUnauthorized recognizes only UnauthorizedError
func TestIsUnauthorized(t *testing.T) {
	assert.True(t, IsUnauthorized(&UnauthorizedError{Path: "/db/doc"}))
	assert.False(t, IsUnauthorized(&ConflictError{Path: "/db/doc"}))
}

// TestErrorMessages tests that each error type renders a readable message
func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"NotFound", &NotFoundError{Path: "/db/doc1"}, "couch: not found: /db/doc1"},
		{"Conflict", &ConflictError{Path: "/db/doc1"}, "couch: conflict: /db/doc1"},
		{"Unauthorized", &UnauthorizedError{Path: "/db"}, "couch: unauthorized: /db"},
		{"HTTP", &HTTPError{Status: 500, Path: "/db", Body: "boom"}, "couch: http 500 on /db: boom"},
		{"ViewErrorWithKey", &ViewError{Key: "k1", Message: "not_found"}, "couch: view error for key k1: not_found"},
		{"ViewErrorNoKey", &ViewError{Message: "crashed"}, "couch: view error: crashed"},
		{"Mango", &MangoError{Err: "bad_request", Reason: "no index"}, "couch: mango query failed: bad_request (no index)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}
