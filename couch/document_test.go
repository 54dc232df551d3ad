package couch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMeta_HasRev tests the revision-presence predicate used to decide
// create vs. update semantics.
func TestMeta_HasRev(t *testing.T) {
	assert.False(t, (Meta{}).HasRev())
	assert.True(t, (Meta{Rev: "1-abc"}).HasRev())
}

// TestRawDoc_RoundTrip tests that a flat document survives
// unmarshal-then-marshal with its Meta fields intact.
func TestRawDoc_RoundTrip(t *testing.T) {
	input := []byte(`{"_id":"doc1","_rev":"1-abc","name":"widget","count":3}`)

	var doc RawDoc
	require.NoError(t, json.Unmarshal(input, &doc))
	assert.Equal(t, "doc1", doc.ID)
	assert.Equal(t, "1-abc", doc.Rev)

	out, err := json.Marshal(doc)
	require.NoError(t, err)

	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &flat))
	assert.Equal(t, "doc1", flat["_id"])
	assert.Equal(t, "1-abc", flat["_rev"])
	assert.Equal(t, "widget", flat["name"])
	assert.Equal(t, float64(3), flat["count"])
}

// TestRawDoc_MarshalWithoutBody tests that a RawDoc with no body still
// marshals to just its Meta fields.
func TestRawDoc_MarshalWithoutBody(t *testing.T) {
	doc := RawDoc{Meta: Meta{ID: "doc1"}}
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"doc1"}`, string(out))
}

// TestMergeObjects tests that fields in b override fields in a on collision.
func TestMergeObjects(t *testing.T) {
	a := []byte(`{"_id":"doc1","name":"old"}`)
	b := []byte(`{"name":"new","count":5}`)

	merged, err := mergeObjects(a, b)
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(merged, &result))
	assert.Equal(t, "doc1", result["_id"])
	assert.Equal(t, "new", result["name"])
	assert.Equal(t, float64(5), result["count"])
}
