// Package observe implements the best-effort request and response logging
// hooks. In the default mode they only log metadata and never touch bodies;
// in verbose mode they capture bodies while still forwarding every byte.
package observe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"routing-proxy-go/internal/config"
)

// Hooks logs inbound requests and, in verbose mode, upstream responses.
// The verbosity is fixed at construction.
type Hooks struct {
	logger  *slog.Logger
	verbose bool
}

// New creates Hooks from the log configuration.
func New(cfg *config.Config, logger *slog.Logger) *Hooks {
	return NewHooks(logger, cfg.Log.Verbose)
}

// NewHooks creates Hooks with an explicit verbosity.
func NewHooks(logger *slog.Logger, verbose bool) *Hooks {
	return &Hooks{
		logger:  logger.With("component", "observe"),
		verbose: verbose,
	}
}

// Verbose reports whether bodies are logged.
func (h *Hooks) Verbose() bool { return h.verbose }

// Inbound logs the request. In the default mode it returns immediately
// without reading the body. In verbose mode it drains the body, logs it
// decoded when it is JSON, and replaces req.Body with an in-memory copy so
// the request can still be forwarded.
func (h *Hooks) Inbound(req *http.Request, attrs ...any) error {
	base := append([]any{
		"method", req.Method,
		"url", req.URL.RequestURI(),
		"headers", req.Header,
	}, attrs...)

	if !h.verbose {
		h.logger.Info("request", base...)
		return nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	// Whatever was read is forwarded even if the read failed part way.
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.ContentLength = int64(len(data))
	if err != nil {
		h.logger.Info("request", append(base, "body", string(data))...)
		return fmt.Errorf("read request body: %w", err)
	}

	h.logger.Info("request", append(base, "body", decodeBody(data))...)
	return nil
}

// Outbound wraps an upstream response body. In the default mode it returns
// body unchanged. In verbose mode it returns a reader that tees every byte
// into a buffer and logs the response once the body is closed, so logging
// never delays the forwarded stream.
func (h *Hooks) Outbound(req *http.Request, status string, header http.Header, body io.ReadCloser, attrs ...any) io.ReadCloser {
	if !h.verbose {
		return body
	}
	return &loggedBody{
		ReadCloser: body,
		log: func(captured []byte) {
			h.logger.Info("response", append([]any{
				"status", status,
				"method", req.Method,
				"url", req.URL.RequestURI(),
				"headers", header,
				"body", decodeBody(captured),
			}, attrs...)...)
		},
	}
}

// loggedBody captures what is read through it and logs once on Close.
type loggedBody struct {
	io.ReadCloser
	buf  bytes.Buffer
	log  func([]byte)
	once sync.Once
}

func (b *loggedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.buf.Write(p[:n])
	}
	return n, err
}

func (b *loggedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.log(b.buf.Bytes()) })
	return err
}

// decodeBody returns the body as a structured value when it is a single
// valid JSON document and as the raw text otherwise. Numbers are kept as
// json.Number so they are logged with their original digits.
func decodeBody(data []byte) any {
	if len(data) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(data)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return string(data)
	}
	return v
}
