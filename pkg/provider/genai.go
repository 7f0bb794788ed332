package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GenAIAdapter calls a Gemini-style generateContent HTTP endpoint,
// authenticating with a per-request API key header the way the original
// GenAI client pooled one client per key. Unlike that client pool, this
// adapter is stateless per call — the key rotator, not connection reuse,
// is what bounds concurrency per credential here.
type GenAIAdapter struct {
	BaseURL string
	Model   string
	HTTP    *http.Client
}

// NewGenAIAdapter creates a GenAIAdapter against the given API base URL
// and model name.
func NewGenAIAdapter(baseURL, model string) *GenAIAdapter {
	return &GenAIAdapter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type genaiRequest struct {
	Contents []genaiContent `json:"contents"`
}

type genaiContent struct {
	Parts []genaiPart `json:"parts"`
}

type genaiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *genaiInlineData `json:"inline_data,omitempty"`
}

type genaiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type genaiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// Translate implements Adapter.
func (a *GenAIAdapter) Translate(ctx context.Context, cred Credential, imageBytes []byte, prompt string) (string, int64, error) {
	body := genaiRequest{
		Contents: []genaiContent{{
			Parts: []genaiPart{
				{Text: prompt},
				{InlineData: &genaiInlineData{
					MimeType: "image/jpeg",
					Data:     base64.StdEncoding.EncodeToString(imageBytes),
				}},
			},
		}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, &Error{Class: ErrorTransient, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.BaseURL, a.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", 0, &Error{Class: ErrorTransient, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", cred.APIKey)

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return "", 0, &Error{Class: ErrorTransient, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &Error{Class: ErrorTransient, Err: err}
	}

	var parsed genaiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", 0, &Error{Class: ErrorTransient, Err: fmt.Errorf("decoding response: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", 0, &Error{Class: ErrorAuth, Err: fmt.Errorf("provider auth failure: %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", 0, &Error{Class: ErrorQuotaOrRate, Err: fmt.Errorf("provider rate limited: %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("provider error: %d", resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", 0, &Error{Class: ErrorTransient, Err: fmt.Errorf("%s", msg)}
	}

	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", 0, &Error{Class: ErrorTransient, Err: fmt.Errorf("empty provider response")}
	}

	return parsed.Candidates[0].Content.Parts[0].Text, parsed.UsageMetadata.TotalTokenCount, nil
}
