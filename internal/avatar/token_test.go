package avatar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMintToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok-123","expiresAt":"2026-08-29T12:00:00Z"}`))
	}))
	defer provider.Close()

	client := NewTokenClient(provider.URL, "api-key")
	token, err := client.MintToken(context.Background(), "ava-1", "voice-1")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	if token.Token != "tok-123" {
		t.Errorf("token = %q", token.Token)
	}
	if gotAuth != "Bearer api-key" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["avatarId"] != "ava-1" || gotBody["voiceId"] != "voice-1" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestMintTokenWithoutAPIKey(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("unexpected authorization header")
		}
		_, _ = w.Write([]byte(`{"token":"tok"}`))
	}))
	defer provider.Close()

	client := NewTokenClient(provider.URL, "")
	if _, err := client.MintToken(context.Background(), "a", "v"); err != nil {
		t.Fatalf("mint failed: %v", err)
	}
}

func TestMintTokenServerError(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer provider.Close()

	client := NewTokenClient(provider.URL, "key")
	if _, err := client.MintToken(context.Background(), "a", "v"); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestMintTokenEmptyToken(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer provider.Close()

	client := NewTokenClient(provider.URL, "key")
	if _, err := client.MintToken(context.Background(), "a", "v"); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestDiscardSessionSpeak(t *testing.T) {
	session := Discard(nil)
	if err := session.Speak(context.Background(), "hello"); err != nil {
		t.Errorf("discard speak failed: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("discard close failed: %v", err)
	}
}
