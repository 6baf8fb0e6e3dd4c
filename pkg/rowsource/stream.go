package rowsource

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/snowstream/pkg/compression"
	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/json"
)

func openFile(path string, opts Options) (Source, error) {
	if path == "-" {
		in := opts.Stdin
		if in == nil {
			in = os.Stdin
		}
		return fromStream(io.NopCloser(in), "", opts)
	}
	f, err := os.Open(path) //nolint:gosec // G304: the path is the operator's own input
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open source file")
	}
	src, err := fromStream(f, path, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return src, nil
}

// fromStream decompresses and decodes rc. name is used for extension-based
// detection. The returned source closes rc.
func fromStream(rc io.ReadCloser, name string, opts Options) (Source, error) {
	alg := compression.FromPath(name)
	if opts.Compression != "" {
		var err error
		if alg, err = compression.Parse(opts.Compression); err != nil {
			return nil, err
		}
	}
	dec, err := compression.NewReader(rc, alg)
	if err != nil {
		return nil, err
	}
	cs := closers{rc, dec}

	format := opts.Format
	if format == FormatAuto {
		format = FormatNDJSON
		if strings.EqualFold(filepath.Ext(compression.TrimExt(name)), ".avro") {
			format = FormatAvro
		}
	}

	switch format {
	case FormatNDJSON:
		return &lineSource{r: bufio.NewReaderSize(dec, 64<<10), closer: cs}, nil
	case FormatAvro:
		ocf, err := goavro.NewOCFReader(dec)
		if err != nil {
			_ = cs.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid avro container")
		}
		return &avroSource{ocf: ocf, closer: cs}, nil
	default:
		_ = cs.Close()
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported format %q", format)
	}
}

// lineSource reads newline-delimited JSON. Blank lines are skipped; each
// line must be a JSON object.
type lineSource struct {
	r      *bufio.Reader
	closer io.Closer
	line   int
}

func (s *lineSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := s.r.ReadBytes('\n')
		if len(raw) == 0 && err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read source")
		}
		s.line++
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		return compactObject(raw, s.line)
	}
}

func (s *lineSource) Close() error { return s.closer.Close() }

// avroSource decodes records from an object container file into JSON using
// goavro's native Go representation, so union values keep their
// {"type": value} wrapper.
type avroSource struct {
	ocf    *goavro.OCFReader
	closer io.Closer
	n      int
}

func (s *avroSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.ocf.Scan() {
		if err := s.ocf.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read avro block")
		}
		return nil, io.EOF
	}
	datum, err := s.ocf.Read()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode avro record").
			WithDetail(errors.DetailRowIndex, s.n)
	}
	s.n++
	b, err := json.Marshal(datum)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode avro record").
			WithDetail(errors.DetailRowIndex, s.n-1)
	}
	return b, nil
}

func (s *avroSource) Close() error { return s.closer.Close() }

// compactObject validates that raw is a single JSON object and compacts it.
func compactObject(raw []byte, line int) ([]byte, error) {
	if raw[0] != '{' {
		return nil, errors.New(errors.ErrorTypeData, "row is not a JSON object").
			WithDetail(errors.DetailRowIndex, line)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "row is not valid JSON").
			WithDetail(errors.DetailRowIndex, line)
	}
	return buf.Bytes(), nil
}
