// Package client provides the pooled HTTP client used to reach routing upstreams.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"routing-proxy-go/internal/config"
	"routing-proxy-go/internal/metrics"
	"routing-proxy-go/internal/model"
)

// UpstreamClient sends requests to the routing backends.
// One client and its connection pool are shared by every upstream.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               nil, // backends are addressed directly, never via HTTP_PROXY
		MaxIdleConns:        cfg.Proxy.IdleConnections,
		MaxIdleConnsPerHost: cfg.Proxy.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Bodies must reach the client exactly as the upstream encoded them.
		DisableCompression: true,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Proxy.Timeout(),
			// Redirects belong to the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the named upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(upstream string, req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"upstream", upstream,
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(upstream, method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(upstream, method).Inc()
		}
		return nil, fmt.Errorf("upstream %s: %w", upstream, err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(upstream, method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(upstream, method, status).Inc()
	}

	return &model.ProxyResponse{
		Upstream:   upstream,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream builds a request from its parts and executes it.
// The caller is responsible for closing the returned body.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
//
// contentLength follows http.Request semantics: 0 with a nil body means no
// body, -1 means unknown length (sent chunked).
func (c *UpstreamClient) DoStream(ctx context.Context, upstream, method, url, host string, header http.Header, contentLength int64, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	req.ContentLength = contentLength
	if body == nil {
		req.ContentLength = 0
	}
	if host != "" {
		req.Host = host
	}

	return c.Do(upstream, req)
}

// CloseIdleConnections closes pooled upstream connections that are not in use.
func (c *UpstreamClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
