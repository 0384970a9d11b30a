package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"routing-proxy-go/internal/client"
	"routing-proxy-go/internal/config"
	"routing-proxy-go/internal/metrics"
	"routing-proxy-go/internal/observe"
	"routing-proxy-go/internal/service"
	"routing-proxy-go/internal/upstream"
)

func newTestConfig(writeURL, readURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Listeners: []config.ListenerConfig{
				{Name: "operator", Host: "127.0.0.1", Port: 8888},
				{Name: "public", Host: "", Port: 80},
			},
			KeepAliveSeconds: 60,
		},
		Upstreams: map[string]config.UpstreamConfig{
			"provider":  {BaseURL: writeURL},
			"indexstar": {BaseURL: readURL},
		},
		Routing: config.RoutingConfig{
			WriteUpstream: "provider",
			ReadUpstream:  "indexstar",
		},
		Proxy: config.ProxyConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/_proxy/metrics"},
	}
}

// newTestEcho builds the full request pipeline the binary serves.
func newTestEcho(t *testing.T, cfg *config.Config, logger *slog.Logger) (*echo.Echo, *metrics.Metrics) {
	t.Helper()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	reg, err := upstream.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	d, err := upstream.NewDispatcher(reg, cfg)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	m := metrics.New()
	uc := client.NewUpstreamClient(cfg, logger, m)
	svc := service.NewProxyService(uc, d, cfg, logger)
	hooks := observe.NewHooks(logger, cfg.Log.Verbose)

	e := NewEcho(cfg, logger, m, hooks)
	RegisterRoutes(e, cfg, m, NewProxyHandler(svc, hooks, m, logger), NewHealthHandler(cfg, "test", reg, d))
	return e, m
}

// counterValue returns the value of the counter series name{labels}, or 0.
func counterValue(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			match := true
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// recordingUpstream answers every request with its own name and records
// the methods it saw.
type recordingUpstream struct {
	*httptest.Server
	mu      sync.Mutex
	methods []string
}

func newRecordingUpstream(t *testing.T, name string) *recordingUpstream {
	t.Helper()
	u := &recordingUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		u.mu.Lock()
		u.methods = append(u.methods, r.Method)
		u.mu.Unlock()
		w.Header().Set("X-Upstream", name)
		_, _ = w.Write([]byte(name))
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *recordingUpstream) seen() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.methods...)
}

// closedAddr returns a URL nothing is listening on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return "http://" + addr
}

func TestHandle_DispatchByMethod(t *testing.T) {
	write := newRecordingUpstream(t, "provider")
	read := newRecordingUpstream(t, "indexstar")
	e, _ := newTestEcho(t, newTestConfig(write.URL, read.URL), nil)

	tests := []struct {
		method string
		want   string
	}{
		{http.MethodPut, "provider"},
		{http.MethodGet, "indexstar"},
		{http.MethodPost, "indexstar"},
		{http.MethodDelete, "indexstar"},
		{http.MethodPatch, "indexstar"},
		{http.MethodOptions, "indexstar"},
		{"XYZZY", "indexstar"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/routing/v1/providers/bafy", strings.NewReader("x"))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if got := rec.Header().Get("X-Upstream"); got != tt.want {
				t.Errorf("served by %q, want %q", got, tt.want)
			}
			if got := rec.Body.String(); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
		})
	}

	if got := write.seen(); len(got) != 1 || got[0] != http.MethodPut {
		t.Errorf("write upstream saw %v, want [PUT]", got)
	}
	if got := read.seen(); len(got) != len(tests)-1 {
		t.Errorf("read upstream saw %d requests, want %d", len(got), len(tests)-1)
	}
}

func TestHandle_ForwardsResponseUnchanged(t *testing.T) {
	var gotPath, gotQuery, gotBody string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"Providers":null}`))
	}))
	defer up.Close()

	e, _ := newTestEcho(t, newTestConfig(up.URL, up.URL), nil)

	req := httptest.NewRequest(http.MethodPut, "/routing/v1/providers/a%2Fb?z=1&a=2&a=1", strings.NewReader(`{"Providers":[]}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if rec.Body.String() != `{"Providers":null}` {
		t.Errorf("body = %q, want upstream bytes", rec.Body.String())
	}
	if got := rec.Header().Values("X-Multi"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("X-Multi = %v, want [a b]", got)
	}
	if gotPath != "/routing/v1/providers/a%2Fb" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/routing/v1/providers/a%2Fb")
	}
	if gotQuery != "z=1&a=2&a=1" {
		t.Errorf("upstream query = %q, want %q", gotQuery, "z=1&a=2&a=1")
	}
	if gotBody != `{"Providers":[]}` {
		t.Errorf("upstream body = %q, want %q", gotBody, `{"Providers":[]}`)
	}
}

func TestHandle_RootPathIsForwarded(t *testing.T) {
	read := newRecordingUpstream(t, "indexstar")
	e, _ := newTestEcho(t, newTestConfig(closedAddr(t), read.URL), nil)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "indexstar" {
		t.Errorf("GET / = %d %q, want 200 from indexstar", rec.Code, rec.Body.String())
	}
}

func TestHandle_ReservedPrefixNotForwarded(t *testing.T) {
	read := newRecordingUpstream(t, "indexstar")
	e, _ := newTestEcho(t, newTestConfig(read.URL, read.URL), nil)

	for _, path := range []string{"/_proxy", "/_proxy/unknown", "/_proxy/a/b"} {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
	}
	if got := read.seen(); len(got) != 0 {
		t.Errorf("upstream saw %v, want nothing", got)
	}
}

func TestHandle_UpstreamRefusedClosesConnection(t *testing.T) {
	e, m := newTestEcho(t, newTestConfig(closedAddr(t), closedAddr(t)), nil)
	srv := httptest.NewServer(e)
	defer srv.Close()

	c := &http.Client{Timeout: 5 * time.Second}
	resp, err := c.Get(srv.URL + "/routing/v1/providers/bafy")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if !resp.Close {
		t.Error("response must close the connection")
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "upstream connection failed" {
		t.Errorf("error = %q, want %q", body["error"], "upstream connection failed")
	}

	if v := counterValue(t, m, "routing_proxy_upstream_errors_total", map[string]string{"upstream": "indexstar", "method": "GET"}); v != 1 {
		t.Errorf("upstream errors = %v, want 1", v)
	}
}

func TestHandle_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer up.Close()
	defer close(release)

	cfg := newTestConfig(up.URL, up.URL)
	cfg.Proxy.TimeoutSeconds = 1
	e, _ := newTestEcho(t, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/cid/bafy", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if rec.Header().Get("Connection") != "close" {
		t.Errorf("Connection = %q, want close", rec.Header().Get("Connection"))
	}
}

func TestHandle_MidStreamFailureClosesConnection(t *testing.T) {
	tests := []struct {
		name          string
		contentLength bool
	}{
		{"fixed length", true},
		{"chunked", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.contentLength {
					w.Header().Set("Content-Length", "100")
				}
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("0123456789"))
				w.(http.Flusher).Flush()
				panic(http.ErrAbortHandler)
			}))
			defer up.Close()

			e, m := newTestEcho(t, newTestConfig(up.URL, up.URL), nil)
			srv := httptest.NewServer(e)
			defer srv.Close()

			c := &http.Client{Timeout: 5 * time.Second}
			resp, err := c.Get(srv.URL + "/routing/v1/providers/bafy")
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
			}

			data, err := io.ReadAll(resp.Body)
			if err == nil {
				t.Fatalf("ReadAll() got complete body %q, want truncation error", data)
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("client waited for the timeout instead of seeing the connection close: %v", err)
			}
			if !bytes.HasPrefix([]byte("0123456789"), data) {
				t.Errorf("partial body = %q, want a prefix of the upstream bytes", data)
			}

			if v := counterValue(t, m, "routing_proxy_aborted_responses_total", map[string]string{"upstream": "indexstar"}); v != 1 {
				t.Errorf("aborted responses = %v, want 1", v)
			}
		})
	}
}

func TestHandle_StreamsIncrementally(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"n":1}` + "\n"))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write([]byte(`{"n":2}` + "\n"))
	}))
	defer up.Close()

	e, _ := newTestEcho(t, newTestConfig(up.URL, up.URL), nil)
	srv := httptest.NewServer(e)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/routing/v1/providers/bafy")
	if err != nil {
		close(release)
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	br := bufio.NewReader(resp.Body)
	first := make(chan string, 1)
	go func() {
		line, _ := br.ReadString('\n')
		first <- line
	}()

	select {
	case line := <-first:
		if line != `{"n":1}`+"\n" {
			t.Errorf("first record = %q", line)
		}
	case <-time.After(3 * time.Second):
		close(release)
		t.Fatal("first record was held back until the upstream finished")
	}
	close(release)

	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(rest) != `{"n":2}`+"\n" {
		t.Errorf("second record = %q", rest)
	}
}

func TestHandle_KeepAliveReusesConnection(t *testing.T) {
	read := newRecordingUpstream(t, "indexstar")
	e, _ := newTestEcho(t, newTestConfig(read.URL, read.URL), nil)
	srv := httptest.NewServer(e)
	defer srv.Close()

	c := &http.Client{Timeout: 5 * time.Second}
	var reused []bool
	for i := 0; i < 2; i++ {
		trace := &httptrace.ClientTrace{
			GotConn: func(info httptrace.GotConnInfo) { reused = append(reused, info.Reused) },
		}
		ctx := httptrace.WithClientTrace(context.Background(), trace)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/providers/abc", http.NoBody)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		resp, err := c.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}

	if len(reused) != 2 || reused[0] || !reused[1] {
		t.Errorf("connection reuse = %v, want [false true]", reused)
	}
}

func TestHandle_VerboseLogsResponse(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"none"}`))
	}))
	defer up.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	cfg := newTestConfig(up.URL, up.URL)
	cfg.Log.Verbose = true
	e, _ := newTestEcho(t, cfg, logger)

	req := httptest.NewRequest(http.MethodGet, "/routing/v1/providers/bafy", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound || rec.Body.String() != `{"error":"none"}` {
		t.Fatalf("got %d %q, want upstream 404 unchanged", rec.Code, rec.Body.String())
	}

	var msgs []string
	var response map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		msg, _ := entry["msg"].(string)
		msgs = append(msgs, msg)
		if msg == "response" {
			response = entry
		}
	}

	if len(msgs) == 0 || msgs[0] != "request" {
		t.Errorf("log messages = %v, want request first", msgs)
	}
	if response == nil {
		t.Fatalf("no response entry in %v", msgs)
	}
	if response["status"] != "404 Not Found" {
		t.Errorf("logged status = %v, want 404 Not Found", response["status"])
	}
	if body, ok := response["body"].(map[string]any); !ok || body["error"] != "none" {
		t.Errorf("logged body = %#v, want decoded JSON", response["body"])
	}
}
