// Package listener binds every configured listen address and serves one
// shared handler on all of them.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"routing-proxy-go/internal/config"
	"routing-proxy-go/internal/observe"
)

const readHeaderTimeout = 10 * time.Second

type server struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

// Set is a group of HTTP servers sharing one handler. Each listener keeps
// its own accept loop; a failure on one does not affect the others.
type Set struct {
	listeners []config.ListenerConfig
	keepAlive time.Duration
	handler   http.Handler
	logger    *slog.Logger

	mu      sync.Mutex
	servers []*server
	wg      sync.WaitGroup
}

// New creates a Set for the configured listeners. Nothing is bound until Start.
func New(cfg *config.Config, handler http.Handler, logger *slog.Logger) *Set {
	return &Set{
		listeners: cfg.Server.Listeners,
		keepAlive: cfg.Server.KeepAlive(),
		handler:   handler,
		logger:    logger.With("component", "listener"),
	}
}

// Start binds every listener and starts serving. A listener that cannot be
// bound is logged and skipped; Start fails only if none could be bound.
func (s *Set) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	var lc net.ListenConfig
	for _, l := range s.listeners {
		addr := l.Addr()
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			s.logger.Error("bind failed", "listener", l.Name, "addr", addr, "err", err)
			errs = append(errs, fmt.Errorf("listener %s: bind %s: %w", l.Name, addr, err))
			continue
		}
		s.serve(l.Name, ln)
	}

	if len(s.servers) == 0 {
		return fmt.Errorf("no listener could be bound: %w", errors.Join(errs...))
	}
	return nil
}

func (s *Set) serve(name string, ln net.Listener) {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		// No read or write deadline: request and response bodies may stream
		// for as long as the peers keep them open.
		IdleTimeout: s.keepAlive,
		ErrorLog:    slog.NewLogLogger(s.logger.With("listener", name).Handler(), slog.LevelError),
		BaseContext: func(net.Listener) context.Context {
			return observe.WithListener(context.Background(), name)
		},
	}
	s.servers = append(s.servers, &server{name: name, srv: srv, ln: ln})

	s.logger.Info("listening", "listener", name, "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "listener", name, "err", err)
		}
	}()
}

// Addrs returns the bound address of every running listener by name.
func (s *Set) Addrs() map[string]net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make(map[string]net.Addr, len(s.servers))
	for _, sv := range s.servers {
		addrs[sv.name] = sv.ln.Addr()
	}
	return addrs
}

// Shutdown stops every listener, waiting for in-flight requests until ctx
// expires. Connections still active after that are closed.
func (s *Set) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	errs := make([]error, len(servers))
	var wg sync.WaitGroup
	for i, sv := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("shutting down", "listener", sv.name)
			if err := sv.srv.Shutdown(ctx); err != nil {
				// Connections still open past the deadline are dropped.
				_ = sv.srv.Close()
				errs[i] = fmt.Errorf("listener %s: %w", sv.name, err)
			}
		}()
	}
	wg.Wait()
	s.wg.Wait()

	return errors.Join(errs...)
}
