// Package toolcall parses tagged tool-invocation markup out of freeform
// model output. The markup is a convention the prompt asks the backend to
// follow, not a protocol it guarantees, so extraction is best effort: calls
// with unparseable parameters are dropped with a logged reason while their
// markup is still stripped from the visible text.
package toolcall

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"gemini-bridge/internal/openai"
)

var callPattern = regexp.MustCompile(`(?s)<tool_call>\s*<tool_name>(.*?)</tool_name>\s*<parameters>(.*?)</parameters>\s*</tool_call>`)

// fallbackText stands in when stripping the markup leaves nothing to show.
const fallbackText = "I'll use the appropriate tools to help you with that."

// Extract scans raw model output for tool-call markup, returning the text
// with every matched block removed and one ToolCall per block whose
// parameters parsed as JSON. Input without markup is returned unchanged.
func Extract(raw string) (string, []openai.ToolCall) {
	matches := callPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return raw, nil
	}

	slog.Info("found tool calls in response", "count", len(matches))

	calls := make([]openai.ToolCall, 0, len(matches))
	for _, match := range matches {
		name := strings.TrimSpace(match[1])
		paramsRaw := strings.TrimSpace(match[2])

		var params any
		if err := json.Unmarshal([]byte(paramsRaw), &params); err != nil {
			slog.Error("failed to parse tool call parameters", "name", name, "err", err)
			continue
		}

		arguments, err := json.Marshal(params)
		if err != nil {
			slog.Error("failed to re-encode tool call parameters", "name", name, "err", err)
			continue
		}

		calls = append(calls, openai.ToolCall{
			ID:   openai.NewToolCallID(),
			Type: "function",
			Function: openai.FunctionCall{
				Name:      name,
				Arguments: string(arguments),
			},
		})
	}

	cleaned := strings.TrimSpace(callPattern.ReplaceAllString(raw, ""))
	if cleaned == "" {
		cleaned = fallbackText
	}

	return cleaned, calls
}
