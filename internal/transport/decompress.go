package transport

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding is the value sent upstream; Decompress must handle every
// coding listed here.
const AcceptEncoding = "gzip, deflate, br, zstd"

// Decompress swaps resp.Body for a decoding reader matching the response's
// Content-Encoding. Unknown or empty codings leave the body untouched.
func Decompress(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return nil
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		resp.Body = &decodedBody{reader: gr, underlying: resp.Body, closer: gr}
	case "deflate":
		fr := flate.NewReader(resp.Body)
		resp.Body = &decodedBody{reader: fr, underlying: resp.Body, closer: fr}
	case "br":
		resp.Body = &decodedBody{reader: brotli.NewReader(resp.Body), underlying: resp.Body}
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return err
		}
		resp.Body = &decodedBody{reader: zr.IOReadCloser(), underlying: resp.Body}
	default:
		return nil
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return nil
}

// decodedBody reads decoded bytes while closing both the decoder and the
// network body.
type decodedBody struct {
	reader     io.Reader
	underlying io.ReadCloser
	closer     io.Closer
}

func (b *decodedBody) Read(p []byte) (int, error) { return b.reader.Read(p) }

func (b *decodedBody) Close() error {
	if b.closer != nil {
		b.closer.Close()
	}
	return b.underlying.Close()
}
