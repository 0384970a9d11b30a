package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"routing-proxy-go/internal/metrics"
	"routing-proxy-go/internal/model"
	"routing-proxy-go/internal/observe"
	"routing-proxy-go/internal/service"
)

// ProxyHandler forwards every non-local request to the upstream chosen by
// its method and streams the response back.
type ProxyHandler struct {
	service *service.ProxyService
	hooks   *observe.Hooks
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, hooks *observe.Hooks, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		hooks:   hooks,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request and streams the upstream response back with its
// status, headers and body unchanged.
//
// If the upstream cannot be reached the client gets a 502 (or 504) and the
// connection is closed. If the stream breaks after the status line was sent
// the handler panics with http.ErrAbortHandler so the server drops the
// connection instead of leaving the client waiting for the rest of the body.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	session, _ := c.Get(observe.SessionKey).(string)

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Host:          req.Host,
		Header:        req.Header,
		ContentLength: req.ContentLength,
		Body:          req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, session, err)
	}

	h.logger.Debug("upstream response",
		"session", session,
		"upstream", resp.Upstream,
		"status", resp.Status,
	)

	body := h.hooks.Outbound(req, resp.Status, resp.Header, resp.Body,
		"session", session,
		"upstream", resp.Upstream,
	)
	defer func() { _ = body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	if _, err := streamBody(c.Response(), body, shouldFlush(resp.Header)); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"session", session,
			"upstream", resp.Upstream,
			"path", req.URL.Path,
		)
		if h.metrics != nil {
			h.metrics.AbortedResponses.WithLabelValues(resp.Upstream).Inc()
		}
		// Deliver what was received, then drop the connection.
		c.Response().Flush()
		panic(http.ErrAbortHandler)
	}

	return nil
}

// mapError answers a request whose upstream exchange failed before any
// response header arrived. The connection is always closed afterwards.
func (h *ProxyHandler) mapError(c echo.Context, session string, err error) error {
	req := c.Request()
	h.logger.Error("proxy error",
		"err", err,
		"session", session,
		"method", req.Method,
		"path", req.URL.Path,
	)

	c.Response().Header().Set(echo.HeaderConnection, "close")

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
