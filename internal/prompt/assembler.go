// Package prompt flattens OpenAI-style message histories into the single
// linear prompt string the backend accepts.
package prompt

import (
	"encoding/json"
	"strings"

	"gemini-bridge/internal/openai"
)

// imagePlaceholder replaces image blocks, which the text-only backend
// cannot consume.
const imagePlaceholder = "[Image content - not supported in text mode]"

// toolInstruction primes the backend to emit tool invocations in the tagged
// markup the extractor understands. The wording is load-bearing: free-text
// models follow it far less reliably when rephrased.
const toolInstruction = `You are an AI assistant with access to tools. When the user asks you to perform actions that require tools, you MUST use the appropriate tools instead of just describing what to do.

IMPORTANT: When you need to use a tool, respond with the tool call in this exact format:
<tool_call>
<tool_name>function_name</tool_name>
<parameters>
{
  "parameter1": "value1",
  "parameter2": "value2"
}
</parameters>
</tool_call>

Do NOT just describe what you would do - actually use the tools when appropriate.`

const toolClosing = "Assistant: I'll help you with that. Let me use the appropriate tools to complete your request."

// Assemble renders the conversation as one prompt string. With no declared
// functions or tools each message becomes a "<Role>: <text>" line; otherwise
// the tool-mode preamble and declarations are prepended and the prompt closes
// with an assistant line announcing tool usage.
func Assemble(messages []openai.ChatMessage, functions []openai.FunctionDefinition, tools []openai.ToolDefinition) string {
	if len(functions) > 0 || len(tools) > 0 {
		return assembleWithTools(messages, functions, tools)
	}
	return assemblePlain(messages)
}

func assemblePlain(messages []openai.ChatMessage) string {
	parts := make([]string, 0, len(messages)+1)
	for _, msg := range messages {
		line := renderMessage(msg)
		if line == "" {
			continue
		}
		parts = append(parts, line)
	}

	// Cue the model to answer unless the last turn already belongs to the
	// user, matching how the conversation would naturally continue.
	if len(parts) == 0 || !strings.HasPrefix(parts[len(parts)-1], "User:") {
		parts = append(parts, "Assistant:")
	}

	return strings.Join(parts, "\n\n")
}

func assembleWithTools(messages []openai.ChatMessage, functions []openai.FunctionDefinition, tools []openai.ToolDefinition) string {
	parts := []string{"System: " + toolInstruction}

	if len(functions) > 0 {
		parts = append(parts, "\nAvailable Functions:")
		for _, fn := range functions {
			parts = append(parts, describeFunction(fn))
		}
		parts = append(parts, "")
	}

	if len(tools) > 0 {
		parts = append(parts, "\nAvailable Tools:")
		for _, tool := range tools {
			if tool.Function == nil {
				continue
			}
			parts = append(parts, describeFunction(*tool.Function))
		}
		parts = append(parts, "")
	}

	for _, msg := range messages {
		// System messages about tools would duplicate the preamble.
		if msg.Role == "system" && strings.Contains(strings.ToLower(ExtractText(msg)), "tool") {
			continue
		}
		line := renderMessage(msg)
		if line == "" {
			continue
		}
		parts = append(parts, line)
	}

	parts = append(parts, toolClosing)

	return strings.Join(parts, "\n\n")
}

func describeFunction(fn openai.FunctionDefinition) string {
	desc := "- " + fn.Name
	if fn.Description != "" {
		desc += ": " + fn.Description
	}
	if len(fn.Parameters) > 0 {
		if schema, err := json.MarshalIndent(fn.Parameters, "", "  "); err == nil {
			desc += "\n  Parameters: " + string(schema)
		}
	}
	return desc
}

func renderMessage(msg openai.ChatMessage) string {
	text := ExtractText(msg)
	if text == "" {
		return ""
	}

	switch msg.Role {
	case "system":
		return "System: " + text
	case "user":
		return "User: " + text
	case "assistant":
		return "Assistant: " + text
	default:
		return ""
	}
}

// ExtractText flattens a message body to plain text: string content is used
// verbatim, block content concatenates text blocks space-joined with a fixed
// placeholder substituted per image block.
func ExtractText(msg openai.ChatMessage) string {
	if msg.Blocks == nil {
		return msg.Text
	}

	parts := make([]string, 0, len(msg.Blocks))
	for _, block := range msg.Blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "image_url":
			parts = append(parts, imagePlaceholder)
		}
	}
	return strings.Join(parts, " ")
}
