// Package json is the JSON codec used for request bodies, response decoding
// and row serialization. It wraps goccy/go-json and pools the buffers used to
// assemble NDJSON chunks.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

// maxPooledBuffer keeps oversized chunk buffers out of the pool.
const maxPooledBuffer = 32 << 20

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 64<<10))
	},
}

// RawMessage is a raw encoded JSON value.
type RawMessage = gojson.RawMessage

// Number is a JSON number literal kept as text.
type Number = gojson.Number

// GetBuffer gets an empty pooled buffer.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(buf)
}

// Marshal encodes v without HTML escaping, so row payloads keep '<', '>' and
// '&' as written.
func Marshal(v interface{}) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if err := NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	return append([]byte(nil), out...), nil
}

// MarshalIndent encodes v with indentation.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// Valid reports whether data is a single valid JSON value.
func Valid(data []byte) bool {
	return gojson.Valid(data)
}

// Compact appends src to dst with insignificant whitespace removed. A
// compacted document never contains a raw newline.
func Compact(dst *bytes.Buffer, src []byte) error {
	return gojson.Compact(dst, src)
}

// NewDecoder returns a decoder that keeps numbers as Number so integers
// beyond 2^53 survive a decode and re-encode.
func NewDecoder(r io.Reader) *gojson.Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// Decode reads one JSON document from r into v.
func Decode(r io.Reader, v interface{}) error {
	return NewDecoder(r).Decode(v)
}

// NewEncoder returns a streaming encoder without HTML escaping.
func NewEncoder(w io.Writer) *gojson.Encoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// WriteLines writes rows as newline-delimited JSON. Each row is followed by
// a single '\n'; rows must already be compact.
func WriteLines(w *bytes.Buffer, rows [][]byte) {
	for _, row := range rows {
		w.Write(row)
		w.WriteByte('\n')
	}
}

// MarshalLines encodes rows as newline-delimited JSON.
func MarshalLines(rows [][]byte) []byte {
	size := 0
	for _, row := range rows {
		size += len(row) + 1
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	WriteLines(buf, rows)
	return buf.Bytes()
}
