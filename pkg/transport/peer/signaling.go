package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TokenSource mints the short-lived credential used to authorize the media
// negotiation. Implementations must be safe for concurrent use.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPTokenSource requests an ephemeral session token from the backend's
// token endpoint using a long-lived API key. The endpoint returns JSON of
// the form {"client_secret":{"value":"..."}}.
type HTTPTokenSource struct {
	URL    string
	APIKey string
	Model  string
	Voice  string

	// Client defaults to a client with a 10 second timeout.
	Client *http.Client
}

type tokenRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type tokenResponse struct {
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

// Token mints a fresh ephemeral token. Every call performs one HTTP request;
// tokens are single-use so there is nothing to cache.
func (t *HTTPTokenSource) Token(ctx context.Context) (string, error) {
	body, err := json.Marshal(tokenRequest{Model: t.Model, Voice: t.Voice})
	if err != nil {
		return "", fmt.Errorf("peer: marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("peer: build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("peer: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("peer: token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("peer: decode token response: %w", err)
	}
	if tr.ClientSecret.Value == "" {
		return "", fmt.Errorf("peer: token response missing client_secret.value")
	}
	return tr.ClientSecret.Value, nil
}

func (t *HTTPTokenSource) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// StaticTokenSource returns the same token on every call. Used in tests and
// for backends that accept the API key directly.
type StaticTokenSource string

// Token returns the fixed token.
func (s StaticTokenSource) Token(context.Context) (string, error) { return string(s), nil }

// exchangeSDP posts the local SDP offer to the signaling endpoint and returns
// the remote answer. The ephemeral token authorizes the exchange.
func exchangeSDP(ctx context.Context, client *http.Client, url, token, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("peer: build sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("peer: sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("peer: sdp endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("peer: read sdp answer: %w", err)
	}
	if len(answer) == 0 {
		return "", fmt.Errorf("peer: empty sdp answer")
	}
	return string(answer), nil
}
