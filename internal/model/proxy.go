// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
// Path and RawQuery are forwarded byte-for-byte; Query is never re-encoded.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string
	RawQuery      string
	Host          string
	Header        http.Header
	ContentLength int64 // -1 when unknown (chunked)
	Body          io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	Upstream   string // name of the upstream that produced the response
	StatusCode int
	Status     string // status line text as sent by the upstream, e.g. "200 OK"
	Header     http.Header
	Body       io.ReadCloser
}
