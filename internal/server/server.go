package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"gemini-bridge/internal/completion"
	"gemini-bridge/internal/config"
	"gemini-bridge/internal/gemini"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	// Streams are paced artificially, so the write timeout must cover a
	// long reply emitted 15 bytes per 50ms.
	writeTimeout = 10 * time.Minute
)

type Server struct {
	cfg     config.Config
	orch    *completion.Orchestrator
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, orch *completion.Orchestrator) (*Server, error) {
	if orch == nil {
		return nil, errors.New("orchestrator must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))

	srv := &Server{
		cfg:     cfg,
		orch:    orch,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	authed := s.app.Group("/v1", requireAPIKey(s.cfg.Auth.APIKeys))
	authed.GET("/models", s.handleListModels)
	authed.POST("/chat/completions", s.handleChatCompletions)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
				Code:    "invalid_request",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid request payload: %v", err),
			Type:    "invalid_request_error",
			Code:    "invalid_request",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
			Code:    "invalid_request",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Param   string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

func writeError(c echo.Context, reqErr requestError) error {
	return c.JSON(reqErr.Status, newErrorBody(reqErr))
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr)
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, requestError{
			Status:  echoErr.Code,
			Message: fmt.Sprintf("%v", echoErr.Message),
			Type:    "invalid_request_error",
			Code:    "invalid_request",
		})
		return
	}

	_ = writeError(c, requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "internal_error",
		Code:    "internal_error",
	})
}

// toRequestError maps orchestrator and backend failures onto the OpenAI
// error body taxonomy.
func toRequestError(err error) requestError {
	switch {
	case errors.Is(err, completion.ErrModelNotFound):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Param:   "model",
			Code:    "model_not_found",
		}
	case errors.Is(err, gemini.ErrBackendUnavailable), errors.Is(err, gemini.ErrAuthentication), errors.Is(err, gemini.ErrSessionClosed):
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "backend request failed",
			Type:    "upstream_error",
			Code:    "backend_error",
		}
	default:
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: fmt.Sprintf("internal server error: %v", err),
			Type:    "internal_error",
			Code:    "internal_error",
		}
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("gemini-bridge ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Authorization: Bearer <key>' -H 'Content-Type: application/json' -d '{\"model\":\"gemini-2.0-flash\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
