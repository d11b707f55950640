package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors_RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"user":"ada","score":42,"tags":["a","b"]}`), 200)

	for _, alg := range Algorithms {
		t.Run(string(alg), func(t *testing.T) {
			c, err := New(alg)
			require.NoError(t, err)
			assert.Equal(t, alg, c.Algorithm())

			packed, err := c.Compress(payload)
			require.NoError(t, err)
			if alg != None {
				assert.Less(t, len(packed), len(payload))
			}

			unpacked, err := c.Decompress(packed)
			require.NoError(t, err)
			assert.Equal(t, payload, unpacked)
		})
	}
}

func TestNew_Default(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	assert.Equal(t, None, c.Algorithm())
}

func TestNew_Unsupported(t *testing.T) {
	_, err := New("brotli")
	assert.Error(t, err)
}

func TestDecompress_Corrupt(t *testing.T) {
	for _, alg := range []Algorithm{S2, Zstd} {
		c, err := New(alg)
		require.NoError(t, err)
		_, err = c.Decompress([]byte("definitely not compressed"))
		assert.Error(t, err, alg)
	}
}
