package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name string   `msgpack:"name"`
	Age  int      `msgpack:"age"`
	Tags []string `msgpack:"tags"`
}

func TestMsgpack_Struct(t *testing.T) {
	c := Msgpack[profile]{}
	in := profile{Name: "ada", Age: 36, Tags: []string{"math"}}

	b, err := c.Encode(in)
	require.NoError(t, err)
	out, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMsgpack_DecodeGarbage(t *testing.T) {
	_, err := Msgpack[profile]{}.Decode([]byte{0xc1}) // 0xc1 is never used in msgpack
	assert.Error(t, err)
}

func TestFuncs_MissingDirection(t *testing.T) {
	c := Funcs[string]{
		EncodeFunc: func(s string) ([]byte, error) { return []byte(s), nil },
	}
	b, err := c.Encode("x")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), b)

	_, err = c.Decode(b)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestCompressed_RoundTripAndShrinks(t *testing.T) {
	c := Compressed[string](String{})
	in := strings.Repeat("tiercache ", 1000)

	b, err := c.Encode(in)
	require.NoError(t, err)
	assert.Less(t, len(b), len(in)/4)

	out, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCompressed_CorruptInput(t *testing.T) {
	c := Compressed[[]byte](Bytes{})
	_, err := c.Decode(bytes.Repeat([]byte{0xff}, 16))
	assert.Error(t, err)
}
