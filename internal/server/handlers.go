package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"gemini-bridge/internal/completion"
	"gemini-bridge/internal/openai"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": float64(time.Now().UnixMilli()) / 1000,
		"service":   "gemini-bridge",
	})
}

func (s *Server) handleListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, openai.Catalog())
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req openai.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	// Unsupported models are rejected here, before any backend call and
	// before streaming commits the response status.
	if !completion.SupportedModel(req.Model) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("The model '%s' does not exist", req.Model),
			Type:    "invalid_request_error",
			Param:   "model",
			Code:    "model_not_found",
		}
	}

	if req.Stream {
		return s.streamChatCompletion(c, req)
	}

	resp, err := s.orch.Complete(c.Request().Context(), req)
	if err != nil {
		return toRequestError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// streamChatCompletion writes the completion as Server-Sent Events. Once
// the stream has begun the status line is fixed, so later failures are
// converted into one in-band error event instead of a silent close.
func (s *Server) streamChatCompletion(c echo.Context, req openai.ChatCompletionRequest) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "internal_error",
			Code:    "internal_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	streamErr := s.orch.Stream(c.Request().Context(), req, func(chunk openai.ChatCompletionChunk) error {
		if err := writeSSEData(writer, chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	if streamErr != nil {
		slog.Error("streaming completion failed", "err", streamErr)
		body := newErrorBody(toRequestError(streamErr))
		if err := writeSSEData(writer, body); err != nil {
			slog.Error("failed to write stream error event", "err", err)
			return nil
		}
		flusher.Flush()
		return nil
	}

	if _, err := fmt.Fprint(writer, "data: [DONE]\n\n"); err != nil {
		slog.Error("failed to write stream terminator", "err", err)
		return nil
	}
	flusher.Flush()
	return nil
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
