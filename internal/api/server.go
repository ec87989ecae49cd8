// Package api serves the HTTP surface of the engine: event intake for
// database webhooks, run inspection and workflow management.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/connorprovines-code/headless-crm/internal/dispatch"
	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Webhook-Secret"

// Store is the persistence the API reads and writes.
type Store interface {
	store.WorkflowStore
	store.RunStore
}

// DefinitionValidator checks workflow definitions before they are stored.
// *validation.WorkflowValidator satisfies it.
type DefinitionValidator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Deps holds the server dependencies.
type Deps struct {
	Store         Store
	Dispatcher    dispatch.EventDispatcher
	Validator     DefinitionValidator
	WebhookSecret string
	Logger        *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	deps Deps
	echo *echo.Echo

	// background tracks asynchronous dispatches started by event intake.
	background sync.WaitGroup
}

// NewServer creates a Server with every route registered.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{deps: deps, echo: e}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error.Error())
			}
			s.deps.Logger.Log(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.Health)

	v1 := e.Group("/v1", s.requireSecret)
	v1.POST("/events", s.PostEvent)
	v1.GET("/runs", s.ListRuns)
	v1.GET("/runs/:id", s.GetRun)
	v1.GET("/workflows", s.ListWorkflows)
	v1.PUT("/workflows", s.PutWorkflow)

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.echo.Server.ReadTimeout = 15 * time.Second
	s.echo.Server.WriteTimeout = 5 * time.Minute
	s.deps.Logger.Info("http server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight asynchronous
// dispatches, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Wait blocks until every asynchronous dispatch has finished.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) requireSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.WebhookSecret == "" {
			return next(c)
		}
		got := c.Request().Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.WebhookSecret)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid "+SecretHeader)
		}
		return next(c)
	}
}

// httpError maps a CRMError code onto an HTTP status.
func httpError(err error) *echo.HTTPError {
	status := http.StatusInternalServerError
	switch schema.ErrorCode(err) {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	case schema.ErrCodeConflict:
		status = http.StatusConflict
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
