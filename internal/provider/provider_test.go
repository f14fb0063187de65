package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kairon-os/kairon/internal/config"
)

func TestOpenAIProvider_DefaultModel(t *testing.T) {
	p := NewOpenAIProvider("test-key", "", "")
	if p.DefaultModel() != "gpt-4o-mini" {
		t.Errorf("expected default model gpt-4o-mini, got %s", p.DefaultModel())
	}
	p = NewOpenAIProvider("test-key", "", "llama3")
	if p.DefaultModel() != "llama3" {
		t.Errorf("expected model llama3, got %s", p.DefaultModel())
	}
}

func TestOpenAIProvider_Chat(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "served-model",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": `{"intent":"capture"}`}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL+"/", "test-model")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:  []Message{{Role: "user", Content: "Hello"}},
		MaxTokens: 100,
		JSONMode:  true,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != `{"intent":"capture"}` || resp.FinishReason != "stop" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Model != "served-model" || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected model/usage %+v", resp)
	}
	if got["model"] != "test-model" {
		t.Errorf("expected default model in request, got %v", got["model"])
	}
	rf, _ := got["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("expected json_object response format, got %v", got["response_format"])
	}
}

func TestOpenAIProvider_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer server.Close()

	_, err := NewOpenAIProvider("", server.URL, "m").Chat(context.Background(), &ChatRequest{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusTooManyRequests || !se.Retryable() {
		t.Fatalf("unexpected status error %+v", se)
	}
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	if _, err := NewOpenAIProvider("", server.URL, "m").Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestParseModelString(t *testing.T) {
	tests := []struct {
		input, provID, model string
	}{
		{"openai/gpt-4.1", "openai", "gpt-4.1"},
		{"openrouter/anthropic/claude-haiku", "openrouter", "anthropic/claude-haiku"},
		{"bare-model-name", "", "bare-model-name"},
		{"", "", ""},
		{"  Groq/llama-3.1-8b  ", "groq", "llama-3.1-8b"},
	}
	for _, tt := range tests {
		provID, model := ParseModelString(tt.input)
		if provID != tt.provID || model != tt.model {
			t.Errorf("ParseModelString(%q) = (%q, %q), want (%q, %q)", tt.input, provID, model, tt.provID, tt.model)
		}
	}
}

func TestResolve(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"

	p, err := Resolve(cfg, "or/anthropic/claude-haiku")
	if err != nil {
		t.Fatalf("resolve openrouter: %v", err)
	}
	op := p.(*OpenAIProvider)
	if op.apiBase != "https://openrouter.ai/api/v1" || op.DefaultModel() != "anthropic/claude-haiku" {
		t.Fatalf("unexpected provider %+v", op)
	}

	if _, err := Resolve(cfg, "groq/llama"); err == nil {
		t.Fatal("expected missing key error for groq")
	}
	var pe *ProviderError
	if _, err := Resolve(cfg, "mystery/model"); !errors.As(err, &pe) || pe.Provider != "mystery" {
		t.Fatalf("expected ProviderError, got %v", err)
	}

	local, err := Resolve(cfg, "ollama/llama3")
	if err != nil {
		t.Fatalf("resolve ollama: %v", err)
	}
	if local.(*OpenAIProvider).apiBase != "http://localhost:11434/v1" {
		t.Fatal("expected default ollama base")
	}

	none, err := Resolve(cfg, "")
	if err != nil || none != nil {
		t.Fatalf("expected nil provider for empty model, got %v %v", none, err)
	}
}
