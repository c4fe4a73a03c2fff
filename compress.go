package gamesocket

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// errDecompressedTooLarge guards against bodies that inflate past MaxSize.
var errDecompressedTooLarge = protocolError("decompressed body exceeds limit")

// ZlibCompressor compresses bodies with zlib.
type ZlibCompressor struct {
	Level int
	// MaxSize bounds the inflated size. Zero means no bound.
	MaxSize int
}

// NewZlibCompressor returns a zlib compressor at the given level bounded by
// the default hard body limit.
func NewZlibCompressor(level int) *ZlibCompressor {
	return &ZlibCompressor{Level: level, MaxSize: defaultHardLimit}
}

// Compress implements Compressor.
func (c *ZlibCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.Level)
	if err != nil {
		return nil, errors.Wrap(err, "zlib writer")
	}
	if _, err = w.Write(src); err != nil {
		return nil, errors.Wrap(err, "zlib compress")
	}
	if err = w.Close(); err != nil {
		return nil, errors.Wrap(err, "zlib close")
	}
	return buf.Bytes(), nil
}

// Decompress implements Compressor.
func (c *ZlibCompressor) Decompress(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "zlib header: %v", err)
	}
	defer r.Close()

	var in io.Reader = r
	if c.MaxSize > 0 {
		in = io.LimitReader(r, int64(c.MaxSize)+1)
	}
	out, err := io.ReadAll(in)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "zlib body: %v", err)
	}
	if c.MaxSize > 0 && len(out) > c.MaxSize {
		return nil, errDecompressedTooLarge
	}
	return out, nil
}

// SnappyCompressor compresses bodies with snappy block encoding.
type SnappyCompressor struct {
	// MaxSize bounds the inflated size. Zero means no bound.
	MaxSize int
}

// Compress implements Compressor.
func (c SnappyCompressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

// Decompress implements Compressor.
func (c SnappyCompressor) Decompress(src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "snappy header: %v", err)
	}
	if c.MaxSize > 0 && n > c.MaxSize {
		return nil, errDecompressedTooLarge
	}
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "snappy body: %v", err)
	}
	return out, nil
}
