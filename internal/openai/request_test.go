package openai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalRequestStringContent(t *testing.T) {
	payload := `{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"Hi"}],"stream":false}`

	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))

	assert.Equal(t, "gemini-2.0-flash", req.Model)
	assert.False(t, req.Stream)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "Hi", req.Messages[0].Text)
	assert.Nil(t, req.Messages[0].Blocks)
}

func TestUnmarshalRequestBlockContent(t *testing.T) {
	payload := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this?"},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}
	]}]}`

	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))

	require.Len(t, req.Messages, 1)
	blocks := req.Messages[0].Blocks
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "what is this?", blocks[0].Text)
	assert.Equal(t, "image_url", blocks[1].Type)
}

func TestUnmarshalRequestRejectsMissingModel(t *testing.T) {
	payload := `{"messages":[{"role":"user","content":"Hi"}]}`
	var req ChatCompletionRequest
	assert.Error(t, json.Unmarshal([]byte(payload), &req))
}

func TestUnmarshalRequestRejectsEmptyMessages(t *testing.T) {
	payload := `{"model":"gemini-2.0-flash","messages":[]}`
	var req ChatCompletionRequest
	assert.Error(t, json.Unmarshal([]byte(payload), &req))
}

func TestUnmarshalRequestRejectsUnknownRole(t *testing.T) {
	payload := `{"model":"gemini-2.0-flash","messages":[{"role":"robot","content":"Hi"}]}`
	var req ChatCompletionRequest
	assert.Error(t, json.Unmarshal([]byte(payload), &req))
}

func TestUnmarshalRequestParsesToolDeclarations(t *testing.T) {
	payload := `{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"go"}],
		"functions":[{"name":"f1","description":"first"}],
		"tools":[{"type":"function","function":{"name":"t1","parameters":{"type":"object"}}}]}`

	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))

	assert.True(t, req.HasToolDeclarations())
	require.Len(t, req.Functions, 1)
	assert.Equal(t, "f1", req.Functions[0].Name)
	require.Len(t, req.Tools, 1)
	require.NotNil(t, req.Tools[0].Function)
	assert.Equal(t, "t1", req.Tools[0].Function.Name)
}

func TestUnmarshalRequestStopVariants(t *testing.T) {
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"stop":"END"}`), &req))
	assert.Equal(t, []string{"END"}, req.Stop)

	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"stop":["a","b"]}`), &req))
	assert.Equal(t, []string{"a", "b"}, req.Stop)

	assert.Error(t, json.Unmarshal([]byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"stop":7}`), &req))
}

func TestUnmarshalRequestSamplingParamsAccepted(t *testing.T) {
	payload := `{"model":"m","messages":[{"role":"user","content":"x"}],
		"temperature":0.3,"top_p":0.9,"max_tokens":256,"presence_penalty":0.5}`

	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.3, *req.Temperature, 1e-9)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 256, *req.MaxTokens)
}

func TestErrorBodyParamSerialization(t *testing.T) {
	withParam, err := json.Marshal(NewErrorBody("bad model", "invalid_request_error", "model", "model_not_found"))
	require.NoError(t, err)
	assert.Contains(t, string(withParam), `"param":"model"`)

	withoutParam, err := json.Marshal(NewErrorBody("no key", "invalid_request_error", "", "invalid_api_key"))
	require.NoError(t, err)
	assert.Contains(t, string(withoutParam), `"param":null`)
}

func TestChunkFinishReasonSerialization(t *testing.T) {
	data, err := json.Marshal(ChatCompletionChunk{
		ID:      "chatcmpl-x",
		Object:  "chat.completion.chunk",
		Choices: []ChunkChoice{{Delta: Delta{Content: "hi"}}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"finish_reason":null`)
}

func TestCatalogIsFixed(t *testing.T) {
	list := Catalog()
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 5)
	for _, model := range list.Data {
		assert.Equal(t, "model", model.Object)
		assert.Equal(t, int64(1677610602), model.Created)
		assert.Equal(t, "google", model.OwnedBy)
	}
	assert.Equal(t, "gemini-2.0-flash", list.Data[0].ID)
}

func TestIDGenerators(t *testing.T) {
	completion := NewCompletionID()
	assert.True(t, strings.HasPrefix(completion, "chatcmpl-"))
	assert.Len(t, completion, len("chatcmpl-")+29)

	call := NewToolCallID()
	assert.True(t, strings.HasPrefix(call, "call_"))
	assert.Len(t, call, len("call_")+24)

	assert.NotEqual(t, NewCompletionID(), NewCompletionID())
}
