// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"routing-proxy-go/internal/client"
	"routing-proxy-go/internal/config"
	"routing-proxy-go/internal/model"
	"routing-proxy-go/internal/upstream"
)

// ProxyService chooses an upstream for each request and forwards it.
type ProxyService struct {
	client     *client.UpstreamClient
	dispatcher *upstream.Dispatcher
	strip      []string
	logger     *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, d *upstream.Dispatcher, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:     c,
		dispatcher: d,
		strip:      stripList(cfg.Proxy.StripForwardingHeaders, cfg.Proxy.StripHeaders),
		logger:     logger.With("component", "proxy_service"),
	}
}

// Forward sends a ProxyRequest to the upstream selected for its method and
// returns the response. The caller is responsible for closing the response body.
//
// Method, path, query, Host and end-to-end headers pass through unchanged;
// only hop-by-hop headers and the configured strip list are removed.
// Failed requests are not retried.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	up := s.dispatcher.Select(pr.Method)

	upstreamURL := buildUpstreamURL(up.BaseURL, pr)
	header := s.requestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"upstream", up.Name,
		"method", pr.Method,
		"path", pr.Path,
	)

	// A zero length body is sent as no body at all; a non-nil body with
	// ContentLength 0 would otherwise be sent chunked.
	body := io.Reader(pr.Body)
	if pr.ContentLength == 0 {
		body = nil
	}

	resp, err := s.client.DoStream(pr.Ctx, up.Name, pr.Method, upstreamURL, pr.Host, header, pr.ContentLength, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = responseHeaders(resp.Header)
	return resp, nil
}

// requestHeaders copies the inbound headers minus hop-by-hop and stripped ones.
func (s *ProxyService) requestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	for _, h := range s.strip {
		dst.Del(h)
	}
	// An absent User-Agent must stay absent instead of becoming Go's default.
	if _, ok := dst["User-Agent"]; !ok {
		dst.Set("User-Agent", "")
	}
	return dst
}

// responseHeaders copies the upstream headers minus hop-by-hop ones.
func responseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// buildUpstreamURL joins the upstream base URL with the request path and
// copies the raw query untouched.
func buildUpstreamURL(base *url.URL, pr *model.ProxyRequest) string {
	u := *base
	u.Path = joinPath(base.Path, pr.Path)
	u.RawPath = ""
	if pr.RawPath != "" {
		u.RawPath = joinPath(base.EscapedPath(), pr.RawPath)
	}
	u.RawQuery = pr.RawQuery
	u.ForceQuery = false
	return u.String()
}

func joinPath(a, b string) string {
	if a == "" || a == "/" {
		if b == "" {
			return "/"
		}
		return b
	}
	switch aslash, bslash := strings.HasSuffix(a, "/"), strings.HasPrefix(b, "/"); {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
