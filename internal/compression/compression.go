// Package compression implements the per-batch payload compression step
// of the send pipeline, after batching and before chunking.
package compression

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/rbarbey/flowmq-client-go/internal/wire"
)

// Compressor compresses and decompresses batch payloads under one
// wire.CompressionType.
type Compressor interface {
	Type() wire.CompressionType
	Compress(uncompressed []byte) ([]byte, error)
	Decompress(compressed []byte, uncompressedSize int) ([]byte, error)
}

// identity is the no-op Compressor used when CompressionType is None.
type identity struct{}

func (identity) Type() wire.CompressionType         { return wire.CompressionNone }
func (identity) Compress(b []byte) ([]byte, error)  { return b, nil }
func (identity) Decompress(b []byte, _ int) ([]byte, error) { return b, nil }

// zlibCompressor grounds CompressionType_ZLIB on the standard library,
// the one codec this package implements without a third-party dependency
// (see DESIGN.md: no suitable pack dependency targets zlib specifically,
// and the format is trivial enough that stdlib is the idiomatic choice).
type zlibCompressor struct{}

func (zlibCompressor) Type() wire.CompressionType { return wire.CompressionZlib }

func (zlibCompressor) Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("compression: zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression: zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

func (zlibCompressor) Decompress(b []byte, uncompressedSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("compression: zlib reader: %w", err)
	}
	defer r.Close()
	buf := bytes.NewBuffer(make([]byte, 0, uncompressedSize))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("compression: zlib read: %w", err)
	}
	return buf.Bytes(), nil
}

// snappyCompressor grounds CompressionType_SNAPPY on github.com/golang/snappy,
// a dependency surfaced by the example pack's broker-side client.
type snappyCompressor struct{}

func (snappyCompressor) Type() wire.CompressionType { return wire.CompressionSnappy }

func (snappyCompressor) Compress(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (snappyCompressor) Decompress(b []byte, uncompressedSize int) ([]byte, error) {
	out := make([]byte, 0, uncompressedSize)
	return snappy.Decode(out, b)
}

// zstdCompressor grounds CompressionType_ZSTD on
// github.com/klauspost/compress/zstd, also surfaced by the pack.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() *zstdCompressor {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &zstdCompressor{enc: enc, dec: dec}
}

func (c *zstdCompressor) Type() wire.CompressionType { return wire.CompressionZstd }

func (c *zstdCompressor) Compress(b []byte) ([]byte, error) {
	return c.enc.EncodeAll(b, nil), nil
}

func (c *zstdCompressor) Decompress(b []byte, uncompressedSize int) ([]byte, error) {
	return c.dec.DecodeAll(b, make([]byte, 0, uncompressedSize))
}

// ByType returns the Compressor for typ, or an identity Compressor for
// None and any type this build doesn't have a codec for.
func ByType(typ wire.CompressionType) Compressor {
	switch typ {
	case wire.CompressionZlib:
		return zlibCompressor{}
	case wire.CompressionSnappy:
		return snappyCompressor{}
	case wire.CompressionZstd:
		return newZstdCompressor()
	default:
		return identity{}
	}
}
