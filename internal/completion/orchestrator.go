// Package completion orchestrates one chat completion end to end: validate
// the requested model, flatten the conversation into a prompt, drive a
// single backend generate call, and shape the result as an OpenAI response
// or a paced stream of chunks.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gemini-bridge/internal/openai"
	"gemini-bridge/internal/prompt"
	"gemini-bridge/internal/toolcall"
)

// ErrModelNotFound indicates the requested model is outside the supported
// set. Surfaced as a client error before any backend call.
var ErrModelNotFound = errors.New("model not found")

// supportedModels is the fixed set accepted at the boundary. Legacy gpt-*
// aliases are accepted and silently served by the baseline backend model.
var supportedModels = map[string]struct{}{
	"gpt-4":                     {},
	"gpt-4-turbo":               {},
	"gpt-3.5-turbo":             {},
	"gemini-2.0-flash":          {},
	"gemini-2.0-flash-thinking": {},
	"gemini-2.5-flash":          {},
	"gemini-2.5-pro":            {},
	"unspecified":               {},
}

const (
	// streamChunkSize is the slice width, in bytes, of the pseudo-stream.
	// Slicing may split a multi-byte character; clients reassemble the
	// exact original text regardless.
	streamChunkSize = 15
	// streamPace approximates live typing between chunk emissions.
	streamPace = 50 * time.Millisecond
)

// Generator is the backend session capability the orchestrator consumes.
type Generator interface {
	Generate(ctx context.Context, prompt, requestedModel string) (string, error)
}

// Orchestrator shapes backend output into OpenAI-compatible results.
type Orchestrator struct {
	backend Generator
	now     func() time.Time
	newID   func() string

	chunkSize int
	pace      time.Duration
}

// New constructs an orchestrator over the given backend session.
func New(backend Generator) *Orchestrator {
	return &Orchestrator{
		backend:   backend,
		now:       time.Now,
		newID:     openai.NewCompletionID,
		chunkSize: streamChunkSize,
		pace:      streamPace,
	}
}

// SupportedModel reports whether the model id is in the accepted set.
func SupportedModel(model string) bool {
	_, ok := supportedModels[model]
	return ok
}

// Complete runs the non-streaming path.
func (o *Orchestrator) Complete(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	text, err := o.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	cleaned, calls := toolcall.Extract(text)

	finishReason := "stop"
	if len(calls) > 0 {
		finishReason = "tool_calls"
	}

	resp := &openai.ChatCompletionResponse{
		ID:      o.newID(),
		Object:  "chat.completion",
		Created: o.now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChatChoice{
			{
				Index: 0,
				Message: openai.ResponseMessage{
					Role:      "assistant",
					Content:   cleaned,
					ToolCalls: calls,
				},
				FinishReason: finishReason,
			},
		},
		Usage: estimateUsage(req, cleaned),
	}

	slog.Info("completion finished", "id", resp.ID, "model", req.Model, "tool_calls", len(calls))
	return resp, nil
}

// ChunkSink receives stream chunks in emission order. Implementations own
// transport framing and flushing.
type ChunkSink func(chunk openai.ChatCompletionChunk) error

// Stream runs the pseudo-streaming path: one full backend round trip whose
// text is re-emitted as fixed-size deltas with a small pacing delay, then a
// terminal chunk carrying the finish reason. Errors returned before the
// first sink call can still be mapped to an HTTP status; anything later is
// the caller's to convert into an in-band stream event.
func (o *Orchestrator) Stream(ctx context.Context, req openai.ChatCompletionRequest, sink ChunkSink) error {
	text, err := o.generate(ctx, req)
	if err != nil {
		return err
	}

	id := o.newID()
	created := o.now().Unix()
	slog.Info("starting chunked stream", "id", id, "model", req.Model, "text_len", len(text))

	emitted := 0
	for pos := 0; pos < len(text); pos += o.chunkSize {
		end := pos + o.chunkSize
		if end > len(text) {
			end = len(text)
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stream cancelled: %w", err)
		}

		chunk := openai.ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []openai.ChunkChoice{
				{Index: 0, Delta: openai.Delta{Content: text[pos:end]}},
			},
		}

		emitted++
		slog.Debug("emitting stream chunk", "id", id, "chunk", emitted, "bytes", end-pos)
		if err := sink(chunk); err != nil {
			return fmt.Errorf("emit chunk %d: %w", emitted, err)
		}

		time.Sleep(o.pace)
	}

	stop := "stop"
	terminal := openai.ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: o.now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChunkChoice{
			{Index: 0, Delta: openai.Delta{}, FinishReason: &stop},
		},
	}
	if err := sink(terminal); err != nil {
		return fmt.Errorf("emit terminal chunk: %w", err)
	}

	slog.Info("stream finished", "id", id, "chunks", emitted)
	return nil
}

func (o *Orchestrator) generate(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	if !SupportedModel(req.Model) {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, req.Model)
	}

	p := prompt.Assemble(req.Messages, req.Functions, req.Tools)
	slog.Debug("assembled prompt", "model", req.Model, "messages", len(req.Messages), "tool_mode", req.HasToolDeclarations(), "prompt_len", len(p))

	// The backend offers no partial cancellation, so an abandoned caller
	// does not abort the round trip; its result is simply discarded.
	text, err := o.backend.Generate(context.WithoutCancel(ctx), p, req.Model)
	if err != nil {
		return "", err
	}
	return text, nil
}

// estimateUsage applies the deliberate character-length/4 heuristic. It is
// not a tokenizer and is kept inexact for compatibility with existing
// clients of this bridge.
func estimateUsage(req openai.ChatCompletionRequest, completion string) openai.Usage {
	serialized, err := json.Marshal(req.Messages)
	if err != nil {
		serialized = nil
	}

	promptTokens := len(serialized) / 4
	completionTokens := len(completion) / 4
	return openai.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}
