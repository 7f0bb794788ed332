package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// VertexAdapter calls a Vertex-AI-style predict endpoint authenticated via
// OAuth2 client-credentials rather than a bare API key — selected when
// PROVIDER_BACKEND=vertex. Each credential in the pool maps to a distinct
// OAuth2 client, so the rotator's per-credential disablement still
// applies per service-account identity.
type VertexAdapter struct {
	TokenURL string
	Endpoint string
	HTTP     *http.Client
}

// NewVertexAdapter creates a VertexAdapter that exchanges client
// credentials for a bearer token at tokenURL before each call.
func NewVertexAdapter(tokenURL, endpoint string) *VertexAdapter {
	return &VertexAdapter{
		TokenURL: tokenURL,
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

type vertexRequest struct {
	Instances []vertexInstance `json:"instances"`
}

type vertexInstance struct {
	Prompt string `json:"prompt"`
	Image  struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
	} `json:"image"`
}

type vertexResponse struct {
	Predictions []struct {
		Text string `json:"text"`
	} `json:"predictions"`
}

// Translate implements Adapter. cred.APIKey is treated as the OAuth2
// client secret; cred.ID doubles as the client ID.
func (a *VertexAdapter) Translate(ctx context.Context, cred Credential, imageBytes []byte, prompt string) (string, int64, error) {
	conf := &clientcredentials.Config{
		ClientID:     cred.ID,
		ClientSecret: cred.APIKey,
		TokenURL:     a.TokenURL,
	}

	token, err := conf.Token(ctx)
	if err != nil {
		return "", 0, &Error{Class: ErrorAuth, Err: fmt.Errorf("obtaining oauth2 token: %w", err)}
	}

	body := vertexRequest{Instances: []vertexInstance{{Prompt: prompt}}}
	body.Instances[0].Image.BytesBase64Encoded = base64.StdEncoding.EncodeToString(imageBytes)

	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, &Error{Class: ErrorTransient, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", 0, &Error{Class: ErrorTransient, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return "", 0, &Error{Class: ErrorTransient, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &Error{Class: ErrorTransient, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", 0, &Error{Class: ErrorAuth, Err: fmt.Errorf("vertex auth failure: %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", 0, &Error{Class: ErrorQuotaOrRate, Err: fmt.Errorf("vertex rate limited: %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return "", 0, &Error{Class: ErrorTransient, Err: fmt.Errorf("vertex error: %d", resp.StatusCode)}
	}

	var parsed vertexResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", 0, &Error{Class: ErrorTransient, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(parsed.Predictions) == 0 {
		return "", 0, &Error{Class: ErrorTransient, Err: fmt.Errorf("empty vertex response")}
	}

	return parsed.Predictions[0].Text, int64(len(prompt)/4) + int64(len(imageBytes)/1024), nil
}
