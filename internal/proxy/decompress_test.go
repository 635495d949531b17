package proxy

import (
	"bytes"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainBody = `{"type":"message","id":"msg_1","content":[{"type":"text","text":"hello"}]}`

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotlied(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func zlibbed(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func deflated(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodeBody(t *testing.T) {
	raw := []byte(plainBody)

	tests := []struct {
		name     string
		encoding string
		body     []byte
	}{
		{"identity", "", raw},
		{"explicit identity", "identity", raw},
		{"gzip", "gzip", gzipped(t, raw)},
		{"x-gzip", "x-gzip", gzipped(t, raw)},
		{"brotli", "br", brotlied(t, raw)},
		{"zstd", "zstd", zstded(t, raw)},
		{"zlib deflate", "deflate", zlibbed(t, raw)},
		{"raw deflate", "deflate", deflated(t, raw)},
		{"stacked", "gzip, br", brotlied(t, gzipped(t, raw))},
		{"mixed case", " GZIP ", gzipped(t, raw)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := DecodeBody(tt.body, tt.encoding)
			require.NoError(t, err)
			assert.Equal(t, plainBody, string(out))
		})
	}
}

func TestDecodeBodyUnknownEncodingPassesThrough(t *testing.T) {
	out, err := DecodeBody([]byte(plainBody), "compress")
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
	assert.Equal(t, plainBody, string(out))
}

func TestDecodeBodyFailureFallsBackToRaw(t *testing.T) {
	garbage := []byte("definitely not gzip")
	out, err := DecodeBody(garbage, "gzip")
	assert.Error(t, err)
	assert.Equal(t, garbage, out)

	// A failure in the second layer still returns the original bytes.
	half := gzipped(t, []byte("not gzip either"))
	out, err = DecodeBody(half, "gzip, gzip")
	assert.Error(t, err)
	assert.Equal(t, half, out)
}
