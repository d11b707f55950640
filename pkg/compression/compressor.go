// Package compression provides the codecs the prefetch cache can store
// large values with.
//
// Example:
//
//	c, err := compression.New(compression.S2)
//	if err != nil {
//	    return err
//	}
//	packed, err := c.Compress(value)
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a compression codec.
type Algorithm string

const (
	// None stores data as is
	None Algorithm = "none"
	// S2 is the Snappy-compatible klauspost codec, fastest of the set
	S2 Algorithm = "s2"
	// LZ4 is the lz4 frame format
	LZ4 Algorithm = "lz4"
	// Zstd favours ratio over speed
	Zstd Algorithm = "zstd"
)

// Algorithms lists every supported codec.
var Algorithms = []Algorithm{None, S2, LZ4, Zstd}

// Compressor compresses and decompresses whole values.
// All implementations are safe for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// New returns the compressor for algorithm. The empty string means None.
func New(algorithm Algorithm) (Compressor, error) {
	switch algorithm {
	case None, "":
		return noneCompressor{}, nil
	case S2:
		return s2Compressor{}, nil
	case LZ4:
		return lz4Compressor{}, nil
	case Zstd:
		return newZstdCompressor()
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return None }

type s2Compressor struct{}

func (s2Compressor) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}

func (s2Compressor) Decompress(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}

func (s2Compressor) Algorithm() Algorithm { return S2 }

type lz4Compressor struct{}

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, lz4.NewReader(bytes.NewReader(data))); err != nil { //nolint:gosec // G110: input was produced by Compress
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Algorithm() Algorithm { return LZ4 }

// zstdCompressor shares one encoder and decoder; EncodeAll and DecodeAll
// are safe for concurrent use.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return z.dec.DecodeAll(data, nil)
}

func (z *zstdCompressor) Algorithm() Algorithm { return Zstd }
