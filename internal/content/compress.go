package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Encoding is an HTTP content coding. The zero value is the identity coding.
type Encoding string

const (
	Identity Encoding = ""
	Gzip     Encoding = "gzip"
	Deflate  Encoding = "deflate"
	Brotli   Encoding = "br"
)

var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// ParseEncoding maps a Content-Encoding value to a supported coding.
func ParseEncoding(value string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "identity":
		return Identity, nil
	case "gzip", "x-gzip":
		return Gzip, nil
	case "deflate":
		return Deflate, nil
	case "br":
		return Brotli, nil
	default:
		return Identity, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, value)
	}
}

func Decompress(enc Encoding, data []byte) ([]byte, error) {
	if enc == Identity || len(data) == 0 {
		return data, nil
	}

	var (
		r   io.Reader
		err error
	)

	switch enc {
	case Gzip:
		var gr *gzip.Reader

		if gr, err = gzip.NewReader(bytes.NewReader(data)); err != nil {
			return nil, err
		}
		defer gr.Close()

		r = gr
	case Deflate:
		return inflate(data)
	case Brotli:
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, ErrUnsupportedEncoding
	}

	return io.ReadAll(r)
}

// inflate accepts zlib-wrapped data, which is what deflate means on the wire, and falls
// back to a raw stream for servers that send one.
func inflate(data []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		defer zr.Close()

		if out, rerr := io.ReadAll(zr); rerr == nil {
			return out, nil
		}
	}

	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()

	return io.ReadAll(fr)
}

func Compress(enc Encoding, data []byte) ([]byte, error) {
	buf := new(bytes.Buffer)

	var w io.WriteCloser

	switch enc {
	case Identity:
		return data, nil
	case Gzip:
		w = gzip.NewWriter(buf)
	case Deflate:
		w = zlib.NewWriter(buf)
	case Brotli:
		w = brotli.NewWriter(buf)
	default:
		return nil, ErrUnsupportedEncoding
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Negotiate picks the coding for opportunistic compression from an Accept-Encoding
// value. Only gzip and deflate are offered, gzip first.
func Negotiate(acceptEncoding string) Encoding {
	accepted := make(map[string]bool)

	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))

		if name == "" {
			continue
		}

		accepted[name] = qualityOf(params) > 0
	}

	for _, enc := range []Encoding{Gzip, Deflate} {
		if ok, listed := accepted[string(enc)]; listed {
			if ok {
				return enc
			}

			continue
		}

		if accepted["*"] {
			return enc
		}
	}

	return Identity
}

func qualityOf(params string) float64 {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.TrimSpace(k) != "q" {
			continue
		}

		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}

		return q
	}

	return 1
}
