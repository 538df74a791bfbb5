package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstd encoders/decoders are safe for concurrent EncodeAll/DecodeAll and
// expensive to build, so one pair is shared by every Compressed codec.
var (
	zOnce sync.Once
	zEnc  *zstd.Encoder
	zDec  *zstd.Decoder
	zErr  error
)

func zstdPair() (*zstd.Encoder, *zstd.Decoder, error) {
	zOnce.Do(func() {
		zEnc, zErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zErr != nil {
			return
		}
		zDec, zErr = zstd.NewReader(nil)
	})
	return zEnc, zDec, zErr
}

// Compressed wraps inner and zstd-compresses its output. Useful for large,
// compressible values (JSON-like documents, text) on the disk tier.
// Note that the disk tier's size accounting and the inline threshold then
// apply to compressed sizes.
func Compressed[V any](inner Codec[V]) Codec[V] {
	return compressed[V]{inner: inner}
}

type compressed[V any] struct {
	inner Codec[V]
}

func (c compressed[V]) Encode(v V) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	enc, _, err := zstdPair()
	if err != nil {
		return nil, fmt.Errorf("codec: zstd init: %w", err)
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c compressed[V]) Decode(b []byte) (V, error) {
	_, dec, err := zstdPair()
	if err != nil {
		var zero V
		return zero, fmt.Errorf("codec: zstd init: %w", err)
	}
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("codec: zstd decode: %w", err)
	}
	return c.inner.Decode(raw)
}
