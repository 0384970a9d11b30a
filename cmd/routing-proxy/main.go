package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"routing-proxy-go/internal/client"
	"routing-proxy-go/internal/config"
	"routing-proxy-go/internal/handler"
	"routing-proxy-go/internal/listener"
	"routing-proxy-go/internal/metrics"
	"routing-proxy-go/internal/observe"
	"routing-proxy-go/internal/service"
	"routing-proxy-go/internal/upstream"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("routing-proxy"),
		kong.Description("Forwarding proxy for delegated routing: PUT goes to the write upstream, everything else to the read upstream."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			sl := &fxevent.SlogLogger{Logger: l}
			sl.UseLogLevel(slog.LevelDebug)
			return sl
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			observe.New,
			upstream.NewRegistry,
			upstream.NewDispatcher,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewEcho,
			func(e *echo.Echo) http.Handler { return e },
			listener.New,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startListeners),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startListeners(lc fx.Lifecycle, s *listener.Set, uc *client.UpstreamClient, d *upstream.Dispatcher, hooks *observe.Hooks, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting routing proxy",
				"version", version,
				"write_upstream", d.Write().BaseURL.String(),
				"read_upstream", d.Read().BaseURL.String(),
				"verbose", hooks.Verbose(),
			)
			return s.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			err := s.Shutdown(ctx)
			uc.CloseIdleConnections()
			return err
		},
	})
}
