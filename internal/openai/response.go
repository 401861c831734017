package openai

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message carried by a choice.
type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a structured function invocation extracted from model output.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the invoked function and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage mirrors the token usage block in OpenAI responses. Counts are a
// coarse character-length/4 approximation, not real tokenizer output.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk models one event of a streamed completion.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the incremental delta for one streamed choice.
// FinishReason is a pointer so intermediate chunks serialize it as null.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message fragment inside a stream chunk.
type Delta struct {
	Content string `json:"content,omitempty"`
}

// ErrorBody is the error envelope shared by every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail follows the OpenAI error object shape. Param serializes as
// null when no parameter is implicated.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code"`
}

// NewErrorBody builds an error envelope; param may be empty for null.
func NewErrorBody(message, errType, param, code string) ErrorBody {
	detail := ErrorDetail{
		Message: message,
		Type:    errType,
		Code:    code,
	}
	if param != "" {
		detail.Param = &param
	}
	return ErrorBody{Error: detail}
}
