package handler

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
)

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// streamingTypes are content types whose bodies are consumed incrementally.
var streamingTypes = map[string]bool{
	"application/x-ndjson": true,
	"text/event-stream":    true,
}

// shouldFlush reports whether every chunk of a response should be flushed
// as soon as it is written: the length is unknown or the body is a stream
// of records.
func shouldFlush(h http.Header) bool {
	if h.Get("Content-Length") == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && streamingTypes[mt]
}

// streamBody copies src to w chunk by chunk and returns the number of bytes
// written. A read error from src and a write error to w are both returned;
// io.EOF is not an error.
func streamBody(w *echo.Response, src io.Reader, flush bool) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, fmt.Errorf("write to client: %w", werr)
			}
			if m != n {
				return written, fmt.Errorf("write to client: %w", io.ErrShortWrite)
			}
			if flush {
				w.Flush()
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read upstream body: %w", rerr)
		}
	}
}
