// Package compression encodes request bodies and decodes compressed row
// files.
//
// # Overview
//
// Request bodies can be sent with Content-Encoding gzip or zstd. Row files
// read by the CLI may be gzip, zstd or lz4 framed; the algorithm is chosen
// from the file extension:
//
//	alg := compression.FromPath("events.ndjson.zst")
//	rc, err := compression.NewReader(f, alg)
//
// Compressors are safe for concurrent use. Gzip writers are pooled; zstd
// uses a single encoder through EncodeAll, which is concurrency safe.
package compression

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// LZ4 represents lz4 frame compression, accepted for row files only
	LZ4 Algorithm = "lz4"
)

// Level represents compression level.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Best maximizes compression ratio.
	Best Level = 9
)

// Parse maps a configuration value to an Algorithm. The empty string is None.
func Parse(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "", None:
		return None, nil
	case Gzip, Zstd, LZ4:
		return a, nil
	default:
		return None, errors.Newf(errors.ErrorTypeConfig, "unsupported compression %q", s)
	}
}

// FromPath picks the algorithm from a file name suffix.
func FromPath(path string) Algorithm {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return Gzip
	case ".zst", ".zstd":
		return Zstd
	case ".lz4":
		return LZ4
	default:
		return None
	}
}

// TrimExt removes a compression suffix recognized by FromPath.
func TrimExt(path string) string {
	if FromPath(path) == None {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// Compressor compresses request bodies.
type Compressor interface {
	// Compress returns the compressed form of data. data is not modified.
	Compress(data []byte) ([]byte, error)

	// ContentEncoding is the HTTP Content-Encoding value, empty for None.
	ContentEncoding() string

	Algorithm() Algorithm
}

// NewCompressor returns a Compressor for alg at level.
func NewCompressor(alg Algorithm, level Level) (Compressor, error) {
	switch alg {
	case "", None:
		return noneCompressor{}, nil
	case Gzip:
		return newGzipCompressor(level), nil
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(mapZstdLevel(level)))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create zstd encoder")
		}
		return &zstdCompressor{enc: enc}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "compression %q is not supported for request bodies", alg)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) ContentEncoding() string              { return "" }
func (noneCompressor) Algorithm() Algorithm                 { return None }

type gzipCompressor struct {
	writers sync.Pool
}

func newGzipCompressor(level Level) *gzipCompressor {
	gl := mapGzipLevel(level)
	gc := &gzipCompressor{}
	gc.writers.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, gl)
		return w
	}
	return gc
}

func (gc *gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)

	w := gc.writers.Get().(*gzip.Writer)
	defer gc.writers.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "gzip compression failed")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "gzip compression failed")
	}
	return buf.Bytes(), nil
}

func (gc *gzipCompressor) ContentEncoding() string { return "gzip" }
func (gc *gzipCompressor) Algorithm() Algorithm    { return Gzip }

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (zc *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zc.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (zc *zstdCompressor) ContentEncoding() string { return "zstd" }
func (zc *zstdCompressor) Algorithm() Algorithm    { return Zstd }

// NewReader wraps r with a decompressor for alg. Closing the result releases
// the decompressor but does not close r.
func NewReader(r io.Reader, alg Algorithm) (io.ReadCloser, error) {
	switch alg {
	case "", None:
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid gzip stream")
		}
		return zr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid zstd stream")
		}
		return zr.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported compression %q", alg)
	}
}

// NewWriter wraps w with a compressor for alg. The caller must Close the
// result to flush the final frame.
func NewWriter(w io.Writer, alg Algorithm) (io.WriteCloser, error) {
	switch alg {
	case "", None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create zstd encoder")
		}
		return zw, nil
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported compression %q", alg)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
