package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const acceptEncodings = "zstd, gzip"

// selectEncoding picks zstd or gzip from an Accept-Encoding header,
// preferring zstd on equal quality. It returns "" for identity.
func selectEncoding(accept string) string {
	var best string
	var bestQ float64
	for _, part := range strings.Split(accept, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		var candidates []string
		switch name {
		case "zstd", "gzip":
			candidates = []string{name}
		case "*":
			candidates = []string{"zstd", "gzip"}
		}
		for _, c := range candidates {
			if q > bestQ || (q == bestQ && c == "zstd" && best == "gzip") {
				best, bestQ = c, q
			}
		}
	}
	if bestQ <= 0 {
		return ""
	}
	return best
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// encodeWriter wraps w for the given Content-Encoding. Close must be
// called to flush the trailer.
func encodeWriter(w io.Writer, encoding string) (io.WriteCloser, error) {
	switch encoding {
	case "zstd":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	case "gzip":
		return gzip.NewWriterLevel(w, gzip.BestSpeed)
	case "", "identity":
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// decodeReader unwraps a body sent with the given Content-Encoding.
func decodeReader(r io.Reader, encoding string) (io.ReadCloser, error) {
	switch encoding {
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case "gzip":
		return gzip.NewReader(r)
	case "", "identity":
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
