package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	errEmptyModel      = errors.New("model must be provided")
	errEmptyMessages   = errors.New("at least one message is required")
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
)

var allowedRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Sampling parameters are accepted for client compatibility but the backend
// exposes no equivalent controls, so they are never forwarded.
type ChatCompletionRequest struct {
	Model            string
	Messages         []ChatMessage
	Stream           bool
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             []string
	User             string
	Functions        []FunctionDefinition
	Tools            []ToolDefinition
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model            string               `json:"model"`
		Messages         []ChatMessage        `json:"messages"`
		Stream           bool                 `json:"stream"`
		MaxTokens        *int                 `json:"max_tokens"`
		Temperature      *float64             `json:"temperature"`
		TopP             *float64             `json:"top_p"`
		FrequencyPenalty *float64             `json:"frequency_penalty"`
		PresencePenalty  *float64             `json:"presence_penalty"`
		Stop             json.RawMessage      `json:"stop"`
		User             string               `json:"user"`
		Functions        []FunctionDefinition `json:"functions"`
		Tools            []ToolDefinition     `json:"tools"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.FrequencyPenalty = raw.FrequencyPenalty
	r.PresencePenalty = raw.PresencePenalty
	r.Stop = stopValues
	r.User = raw.User
	r.Functions = raw.Functions
	r.Tools = raw.Tools

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// HasToolDeclarations reports whether the request declares callable
// functions or tools, which switches prompt assembly into tool mode.
func (r ChatCompletionRequest) HasToolDeclarations() bool {
	return len(r.Functions) > 0 || len(r.Tools) > 0
}

// ChatMessage captures a single message within the chat request. Content
// arrives either as a plain string or as an ordered list of typed blocks
// (the vision-style format); both shapes are preserved so prompt assembly
// can substitute placeholders for image blocks.
type ChatMessage struct {
	Role   string
	Name   string
	Text   string
	Blocks []ContentBlock
}

// ContentBlock is one element of an array-form message content.
type ContentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL map[string]any `json:"image_url,omitempty"`
}

// UnmarshalJSON supports string and array-of-blocks content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Name = strings.TrimSpace(raw.Name)
	m.Text = ""
	m.Blocks = nil

	if raw.Content == nil {
		return fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		m.Text = text
		return m.validate()
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw.Content, &blocks); err == nil {
		m.Blocks = blocks
		return m.validate()
	}

	return fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	return nil
}

// FunctionDefinition describes a callable function (deprecated API shape).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolDefinition describes a callable tool wrapping a function definition.
type ToolDefinition struct {
	Type     string              `json:"type"`
	Function *FunctionDefinition `json:"function,omitempty"`
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			item = strings.TrimSpace(item)
			if item == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}
