package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const tokenRequestTimeout = 15 * time.Second

// TokenClient mints short-lived avatar session tokens from the provider's
// REST endpoint. The token is consumed by the browser-side SDK; this
// process never stores it.
type TokenClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewTokenClient creates a token client for the given minting endpoint.
func NewTokenClient(endpoint, apiKey string) *TokenClient {
	return &TokenClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: tokenRequestTimeout},
	}
}

// SessionToken is a short-lived credential for one avatar session.
type SessionToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MintToken requests a session token for the given avatar and voice
// identifiers.
func (c *TokenClient) MintToken(ctx context.Context, avatarID, voiceID string) (*SessionToken, error) {
	body, err := json.Marshal(map[string]string{
		"avatarId": avatarID,
		"voiceId":  voiceID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var token SessionToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if token.Token == "" {
		return nil, fmt.Errorf("token endpoint returned an empty token")
	}
	return &token, nil
}
