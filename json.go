package procfn

import "encoding/json"

// JSON forces its payload through the JSON codec instead of the
// default binary codec. Use it for argument or result types the binary
// codec cannot round-trip. Aside from construction the wrapper is
// transparent: the remote function receives and returns JSON[T] and
// works with the Value field.
type JSON[T any] struct {
	Value T
}

// NewJSON wraps a value for JSON transport.
func NewJSON[T any](v T) JSON[T] { return JSON[T]{Value: v} }

// MarshalForcedJSON implements the wire escape hatch.
func (j JSON[T]) MarshalForcedJSON() ([]byte, error) {
	return json.Marshal(j.Value)
}

// UnmarshalForcedJSON implements the wire escape hatch.
func (j *JSON[T]) UnmarshalForcedJSON(data []byte) error {
	return json.Unmarshal(data, &j.Value)
}
