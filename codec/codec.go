// Package codec defines the value capability the disk tier needs: turning a
// value into bytes and back.
package codec

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnsupported is returned by a Codec that lacks one direction.
// The disk tier treats it as "skip silently": writes become no-ops and reads
// become misses for that value type.
var ErrUnsupported = errors.New("codec: direction not supported")

// Codec encodes and decodes values of type V.
// Implementations must be safe for concurrent use.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(b []byte) (V, error)
}

// Msgpack encodes values with msgpack. Structs need exported fields;
// use `msgpack:"name"` tags to control field names.
type Msgpack[V any] struct{}

func (Msgpack[V]) Encode(v V) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: msgpack encode: %w", err)
	}
	return b, nil
}

func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("codec: msgpack decode: %w", err)
	}
	return v, nil
}

// Bytes stores []byte values as-is.
type Bytes struct{}

func (Bytes) Encode(v []byte) ([]byte, error) { return v, nil }

// Decode returns b itself; callers own the slice.
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }

// String stores strings as their UTF-8 bytes.
type String struct{}

func (String) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }

// Funcs adapts a pair of functions to Codec. A nil function makes that
// direction return ErrUnsupported.
type Funcs[V any] struct {
	EncodeFunc func(V) ([]byte, error)
	DecodeFunc func([]byte) (V, error)
}

func (f Funcs[V]) Encode(v V) ([]byte, error) {
	if f.EncodeFunc == nil {
		return nil, ErrUnsupported
	}
	return f.EncodeFunc(v)
}

func (f Funcs[V]) Decode(b []byte) (V, error) {
	if f.DecodeFunc == nil {
		var zero V
		return zero, ErrUnsupported
	}
	return f.DecodeFunc(b)
}

var (
	_ Codec[int]    = Msgpack[int]{}
	_ Codec[[]byte] = Bytes{}
	_ Codec[string] = String{}
	_ Codec[int]    = Funcs[int]{}
)
