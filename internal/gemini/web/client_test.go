package web

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, candidateText string) []byte {
	t.Helper()

	payload, err := json.Marshal([]any{
		nil, nil, nil, nil,
		[]any{
			[]any{"rc_1", []any{candidateText}},
		},
	})
	require.NoError(t, err)

	frame, err := json.Marshal([]any{
		[]any{"wrb.fr", nil, string(payload)},
	})
	require.NoError(t, err)

	return []byte(")]}'\n\n" + string(frame) + "\n")
}

func TestDecodeCandidateText(t *testing.T) {
	text, err := decodeCandidateText(envelope(t, "Hello from the backend."))
	require.NoError(t, err)
	assert.Equal(t, "Hello from the backend.", text)
}

func TestDecodeCandidateTextMultiline(t *testing.T) {
	text, err := decodeCandidateText(envelope(t, "line one\nline two"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", text)
}

func TestDecodeCandidateTextEmptyEnvelope(t *testing.T) {
	_, err := decodeCandidateText([]byte(")]}'\n"))
	assert.Error(t, err)
}

func TestDecodeCandidateTextIgnoresUnrelatedFrames(t *testing.T) {
	frame, err := json.Marshal([]any{
		[]any{"di", 42.0},
		[]any{"af.httprm", 42.0, "x"},
	})
	require.NoError(t, err)

	_, err = decodeCandidateText([]byte(")]}'\n" + string(frame)))
	assert.Error(t, err)
}

func TestModelHeadersBaselineAbsent(t *testing.T) {
	_, ok := modelHeaders["gemini-2.0-flash"]
	assert.False(t, ok, "baseline model must need no pinning header")

	for _, model := range []string{"gemini-2.0-flash-thinking", "gemini-2.5-flash", "gemini-2.5-pro"} {
		header, ok := modelHeaders[model]
		assert.True(t, ok, model)
		assert.NotEmpty(t, header)
	}
}
