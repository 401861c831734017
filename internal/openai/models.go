package openai

import (
	"strings"

	"github.com/google/uuid"
)

// Model describes one entry of the model catalog.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// catalogCreated is a fixed placeholder timestamp; the backend publishes no
// real creation dates.
const catalogCreated = 1677610602

var catalogIDs = []string{
	"gemini-2.0-flash",
	"gemini-2.0-flash-thinking",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"unspecified",
}

// Catalog returns the static model catalog exposed by /v1/models.
func Catalog() ModelList {
	data := make([]Model, 0, len(catalogIDs))
	for _, id := range catalogIDs {
		data = append(data, Model{
			ID:      id,
			Object:  "model",
			Created: catalogCreated,
			OwnedBy: "google",
		})
	}
	return ModelList{Object: "list", Data: data}
}

// NewCompletionID generates a chat completion identifier in the
// "chatcmpl-" + 29 hex characters form OpenAI clients expect.
func NewCompletionID() string {
	return "chatcmpl-" + uuidHex(29)
}

// NewToolCallID generates a tool call identifier ("call_" + 24 hex).
func NewToolCallID() string {
	return "call_" + uuidHex(24)
}

func uuidHex(n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n]
}
