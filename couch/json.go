package couch

import (
	"encoding/json"
	"io"
)

// decodeJSON decodes a single JSON value from r into dst. Used by
// operations whose response is a single object, as opposed to the
// streaming decoders (C3/C4/C6/C8) that drive a json.Decoder token by token.
func decodeJSON(r io.Reader, dst interface{}) error {
	return json.NewDecoder(r).Decode(dst)
}

// encodeJSON marshals v for use as a request body.
func encodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
