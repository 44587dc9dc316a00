package probe

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moyucharm/model-check/pkg/models"
)

func decodeBody(t *testing.T, req *Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &body))
	return body
}

func TestBuildRequest_Chat(t *testing.T) {
	req, err := BuildRequest("https://api.example.test", "sk-ok", "gpt-4", models.KindChat)
	require.NoError(t, err)

	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "https://api.example.test/v1/chat/completions", req.URL)
	assert.Equal(t, "Bearer sk-ok", req.Headers["Authorization"])

	body := decodeBody(t, req)
	assert.Equal(t, "gpt-4", body["model"])
	assert.Equal(t, float64(1), body["max_tokens"])
	assert.Equal(t, false, body["stream"])
}

func TestBuildRequest_Claude(t *testing.T) {
	req, err := BuildRequest("https://api.example.test", "sk-ant", "claude-3", models.KindClaude)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test/v1/messages", req.URL)
	assert.Equal(t, "sk-ant", req.Headers["x-api-key"])
	assert.Equal(t, "2023-06-01", req.Headers["anthropic-version"])
	assert.NotContains(t, req.Headers, "Authorization")

	body := decodeBody(t, req)
	assert.Equal(t, "claude-3", body["model"])
	assert.Equal(t, float64(1), body["max_tokens"])
}

func TestBuildRequest_Gemini(t *testing.T) {
	req, err := BuildRequest("https://gen.example.test", "key-g", "gemini-pro", models.KindGemini)
	require.NoError(t, err)

	assert.Equal(t, "https://gen.example.test/v1beta/models/gemini-pro:generateContent", req.URL)
	assert.Equal(t, "key-g", req.Headers["x-goog-api-key"])

	body := decodeBody(t, req)
	assert.Contains(t, body, "contents")
	assert.NotContains(t, body, "model")
}

func TestBuildRequest_Codex(t *testing.T) {
	req, err := BuildRequest("https://api.example.test", "sk-ok", "gpt-5.1", models.KindCodex)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test/v1/responses", req.URL)
	body := decodeBody(t, req)
	assert.Equal(t, "hi", body["input"])
}

func TestBuildRequest_Image(t *testing.T) {
	req, err := BuildRequest("https://api.example.test", "sk-ok", "dall-e-3", models.KindImage)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test/v1/images/generations", req.URL)
	body := decodeBody(t, req)
	assert.Equal(t, "a cat", body["prompt"])
	assert.Equal(t, "256x256", body["size"])
}

func TestBuildRequest_StripsTrailingSlash(t *testing.T) {
	req, err := BuildRequest("https://api.example.test/", "sk-ok", "gpt-4", models.KindChat)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.test/v1/chat/completions", req.URL)
}

func TestParseOutcome_Success(t *testing.T) {
	tests := []struct {
		name string
		kind models.EndpointKind
		body string
	}{
		{"chat", models.KindChat, `{"choices":[{"message":{"content":"hi"}}]}`},
		{"codex choices shape", models.KindCodex, `{"choices":[{"message":{"content":"ok"}}]}`},
		{"codex responses shape", models.KindCodex, `{"output":[{"content":[{"text":"ok"}]}]}`},
		{"claude", models.KindClaude, `{"content":[{"text":"hello"}]}`},
		{"gemini", models.KindGemini, `{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`},
		{"image url", models.KindImage, `{"data":[{"url":"https://img.example.test/cat.png"}]}`},
		{"image b64", models.KindImage, `{"data":[{"b64_json":"aGk="}]}`},
		{"envelope with extra siblings", models.KindChat,
			`{"id":"x","object":"chat.completion","usage":{},"choices":[{"message":{"content":"hi"}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, errMsg := ParseOutcome(tt.kind, 200, []byte(tt.body))
			assert.Equal(t, models.ProbeSuccess, status)
			assert.Empty(t, errMsg)
		})
	}
}

func TestParseOutcome_EmptyOrInvalid(t *testing.T) {
	tests := []struct {
		name string
		kind models.EndpointKind
		body string
	}{
		{"non-json", models.KindChat, `<html>gateway error</html>`},
		{"empty content", models.KindChat, `{"choices":[{"message":{"content":""}}]}`},
		{"no choices", models.KindChat, `{"choices":[]}`},
		{"claude empty text", models.KindClaude, `{"content":[{"text":""}]}`},
		{"gemini no parts", models.KindGemini, `{"candidates":[{"content":{"parts":[]}}]}`},
		{"image empty entry", models.KindImage, `{"data":[{}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, errMsg := ParseOutcome(tt.kind, 200, []byte(tt.body))
			assert.Equal(t, models.ProbeFail, status)
			assert.Equal(t, "empty/invalid response", errMsg)
		})
	}
}

func TestParseOutcome_Non2xx(t *testing.T) {
	status, errMsg := ParseOutcome(models.KindChat, 401, []byte(`{"error":{"message":"bad key"}}`))
	assert.Equal(t, models.ProbeFail, status)
	assert.Contains(t, errMsg, "bad key")
}

func TestParseOutcome_ErrorBodyTruncated(t *testing.T) {
	long := strings.Repeat("x", 2000)
	_, errMsg := ParseOutcome(models.KindChat, 500, []byte(long))
	assert.Len(t, errMsg, 512)
}
