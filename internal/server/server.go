// Package server assembles the fern HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/middleware"
)

// Deps are the collaborators served by the API. Runs may be nil when no run ledger
// is configured.
type Deps struct {
	Reconciler handlers.Reconciler
	Kinds      handlers.KindLister
	Runs       handlers.RunReader
	Health     *health.Checker
}

type Server struct {
	echo   *echo.Echo
	port   int
	logger ectologger.Logger
}

func New(appName string, port int, deps Deps, logger ectologger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomiddleware.Recover())
	e.Use(otelecho.Middleware(appName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if deps.Health != nil {
		deps.Health.RegisterRoutes(e)
	}

	api := e.Group("/api/v1")
	handlers.NewReconcileHandler(deps.Reconciler, logger).Register(api.Group("/reconcile"))
	handlers.NewKindsHandler(deps.Kinds).Register(api.Group("/kinds"))
	if deps.Runs != nil {
		handlers.NewRunsHandler(deps.Runs).Register(api.Group("/runs"))
	}

	return &Server{echo: e, port: port, logger: logger}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens in the background. A listener that fails immediately is reported.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", s.port)
		s.logger.WithContext(ctx).Infof("HTTP server listening on %s", addr)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
