package wire

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Payloads carry a one-byte codec tag ahead of the encoded value so
// the receiver can tell a msgpack body from the JSON escape hatch
// without out-of-band agreement.
const (
	payloadMsgpack byte = 0x01
	payloadJSON    byte = 0x02
)

var payloadHandle = newHandle()

// ForcedJSONMarshaler is implemented by wrapper types whose payload
// must be encoded as JSON instead of msgpack (schemas the binary codec
// cannot round-trip).
type ForcedJSONMarshaler interface {
	MarshalForcedJSON() ([]byte, error)
}

// ForcedJSONUnmarshaler is the decoding half of the escape hatch.
type ForcedJSONUnmarshaler interface {
	UnmarshalForcedJSON(data []byte) error
}

// Marshal encodes a payload value, selecting the JSON escape hatch
// when the value asks for it.
func Marshal(v any) ([]byte, error) {
	if fj, ok := v.(ForcedJSONMarshaler); ok {
		body, err := fj.MarshalForcedJSON()
		if err != nil {
			return nil, fmt.Errorf("wire: encode json payload: %w", err)
		}
		return append([]byte{payloadJSON}, body...), nil
	}
	var body []byte
	if err := codec.NewEncoderBytes(&body, payloadHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	return append([]byte{payloadMsgpack}, body...), nil
}

// Unmarshal decodes a payload produced by Marshal into v, which must
// be a pointer.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("wire: empty payload")
	}
	tag, body := data[0], data[1:]
	switch tag {
	case payloadJSON:
		fj, ok := v.(ForcedJSONUnmarshaler)
		if !ok {
			return fmt.Errorf("wire: json payload cannot decode into %T", v)
		}
		if err := fj.UnmarshalForcedJSON(body); err != nil {
			return fmt.Errorf("wire: decode json payload: %w", err)
		}
		return nil
	case payloadMsgpack:
		if err := codec.NewDecoderBytes(body, payloadHandle).Decode(v); err != nil {
			return fmt.Errorf("wire: decode payload: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("wire: unknown payload tag 0x%02x", tag)
	}
}

// Fingerprint derives a stable identifier for a type. Both sides of a
// call run the same binary, so hashing the reflected description is
// enough to reject decoding into the wrong type.
func Fingerprint(t reflect.Type) uint64 {
	h := fnv.New64a()
	io.WriteString(h, t.PkgPath())
	io.WriteString(h, "|")
	io.WriteString(h, t.String())
	return h.Sum64()
}

// FingerprintOf is Fingerprint for a type parameter.
func FingerprintOf[T any]() uint64 {
	return Fingerprint(reflect.TypeOf((*T)(nil)).Elem())
}
