package probe

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Moyucharm/model-check/pkg/models"
)

// Request is a fully built probe request: URL, headers, and JSON body.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// anthropicVersion is the pinned Messages API version header.
const anthropicVersion = "2023-06-01"

// BuildRequest produces the probe request for one (baseURL, key, model,
// kind) combination. The base URL is normalized by stripping a single
// trailing slash. Bodies are minimal: one token, one short prompt.
func BuildRequest(baseURL, apiKey, modelName string, kind models.EndpointKind) (*Request, error) {
	base := models.NormalizeBaseURL(baseURL)

	var (
		path    string
		headers map[string]string
		payload any
	)

	switch kind {
	case models.KindChat:
		path = "/v1/chat/completions"
		headers = map[string]string{"Authorization": "Bearer " + apiKey}
		payload = map[string]any{
			"model":      modelName,
			"messages":   []map[string]string{{"role": "user", "content": "hi"}},
			"max_tokens": 1,
			"stream":     false,
		}
	case models.KindClaude:
		path = "/v1/messages"
		headers = map[string]string{
			"x-api-key":         apiKey,
			"anthropic-version": anthropicVersion,
		}
		payload = map[string]any{
			"model":      modelName,
			"max_tokens": 1,
			"messages":   []map[string]string{{"role": "user", "content": "hi"}},
		}
	case models.KindGemini:
		path = fmt.Sprintf("/v1beta/models/%s:generateContent", modelName)
		headers = map[string]string{"x-goog-api-key": apiKey}
		payload = map[string]any{
			"contents": []map[string]any{
				{"parts": []map[string]string{{"text": "hi"}}},
			},
		}
	case models.KindCodex:
		path = "/v1/responses"
		headers = map[string]string{"Authorization": "Bearer " + apiKey}
		payload = map[string]any{"model": modelName, "input": "hi"}
	case models.KindImage:
		path = "/v1/images/generations"
		headers = map[string]string{"Authorization": "Bearer " + apiKey}
		payload = map[string]any{
			"model":  modelName,
			"prompt": "a cat",
			"n":      1,
			"size":   "256x256",
		}
	default:
		return nil, fmt.Errorf("unknown endpoint kind %q", kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s probe body: %w", kind, err)
	}
	headers["Content-Type"] = "application/json"

	return &Request{
		Method:  http.MethodPost,
		URL:     base + path,
		Headers: headers,
		Body:    body,
	}, nil
}

// emptyResponseMsg is recorded when a 2xx body lacks the kind's content field.
const emptyResponseMsg = "empty/invalid response"

// ParseOutcome classifies an upstream response. Success requires a 2xx
// status AND a non-empty kind-specific content field in the decoded body.
// Extra sibling fields are tolerated — any envelope that contains the
// expected field counts.
func ParseOutcome(kind models.EndpointKind, httpStatus int, body []byte) (models.ProbeStatus, string) {
	if httpStatus < 200 || httpStatus >= 300 {
		return models.ProbeFail, truncate(string(body), 512)
	}
	if hasContent(kind, body) {
		return models.ProbeSuccess, ""
	}
	return models.ProbeFail, emptyResponseMsg
}

// hasContent reports whether the decoded body carries the kind's expected
// non-empty content field.
func hasContent(kind models.EndpointKind, body []byte) bool {
	switch kind {
	case models.KindChat, models.KindCodex:
		var r struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			// The responses API shape: output[].content[].text.
			Output []struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"output"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return false
		}
		if len(r.Choices) > 0 && r.Choices[0].Message.Content != "" {
			return true
		}
		for _, out := range r.Output {
			for _, c := range out.Content {
				if c.Text != "" {
					return true
				}
			}
		}
		return false
	case models.KindClaude:
		var r struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return false
		}
		return len(r.Content) > 0 && r.Content[0].Text != ""
	case models.KindGemini:
		var r struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return false
		}
		return len(r.Candidates) > 0 &&
			len(r.Candidates[0].Content.Parts) > 0 &&
			r.Candidates[0].Content.Parts[0].Text != ""
	case models.KindImage:
		var r struct {
			Data []struct {
				URL     string `json:"url"`
				B64JSON string `json:"b64_json"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return false
		}
		return len(r.Data) > 0 && (r.Data[0].URL != "" || r.Data[0].B64JSON != "")
	default:
		return false
	}
}

// truncate clips s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
