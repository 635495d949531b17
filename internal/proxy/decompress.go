package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for a content-encoding this package
// cannot decode. The body is returned unchanged alongside it.
var ErrUnsupportedEncoding = errors.New("proxy: unsupported content-encoding")

// maxDecodedSize caps decompressed bodies to keep a hostile upstream from
// exhausting memory.
const maxDecodedSize = 64 << 20

// DecodeBody reverses the content-encoding header value applied to body.
// Multiple codings are undone last-applied first. On any failure the raw
// body is returned together with the error, so callers can degrade to it.
func DecodeBody(body []byte, contentEncoding string) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		decoded, err := decodeOne(out, coding)
		if err != nil {
			return body, err
		}
		out = decoded
	}
	return out, nil
}

func decodeOne(body []byte, coding string) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	switch coding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		var zr *gzip.Reader
		if zr, err = gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			r = zr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		var zr *zstd.Decoder
		if zr, err = zstd.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			r = zr
		}
	case "deflate":
		return inflate(body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", coding, err)
	}
	return readLimited(r, coding)
}

// inflate accepts both zlib-wrapped and raw deflate, since servers send both
// under "deflate".
func inflate(body []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		defer zr.Close()
		if out, err := readLimited(zr, "deflate"); err == nil {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(body))
	defer fr.Close()
	return readLimited(fr, "deflate")
}

func readLimited(r io.Reader, coding string) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", coding, err)
	}
	if len(out) > maxDecodedSize {
		return nil, fmt.Errorf("decode %s: body exceeds %d bytes", coding, maxDecodedSize)
	}
	return out, nil
}
