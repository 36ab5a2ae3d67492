package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaProvider_Chat(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"hi there"},"prompt_eval_count":7,"eval_count":3}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3", time.Second)
	out, err := p.Chat(context.Background(), []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.Content)
	assert.Equal(t, Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, out.Usage)
	assert.False(t, got.Stream)
	assert.Len(t, got.Messages, 2)
}

func TestOllamaProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "nope", time.Second).Chat(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompletion))
	assert.Contains(t, err.Error(), "model not found")
}

func TestOpenRouterProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "agentdesk", r.Header.Get("X-Title"))
		_, _ = w.Write([]byte(`{"model":"m1","choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`))
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "key", "m1", "", "agentdesk", time.Second)
	out, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)
	assert.Equal(t, "m1", out.Model)
	assert.Equal(t, 6, out.Usage.TotalTokens)
}

func TestOpenRouterProvider_Failures(t *testing.T) {
	_, err := NewOpenRouterProvider("http://unused", "", "m1", "", "", time.Second).Chat(context.Background(), nil)
	assert.ErrorIs(t, err, ErrCompletion)

	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer unauthorized.Close()
	_, err = NewOpenRouterProvider(unauthorized.URL, "key", "m1", "", "", time.Second).Chat(context.Background(), nil)
	require.ErrorIs(t, err, ErrCompletion)
	assert.Contains(t, err.Error(), "authentication")

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer empty.Close()
	_, err = NewOpenRouterProvider(empty.URL, "key", "m1", "", "", time.Second).Chat(context.Background(), nil)
	require.ErrorIs(t, err, ErrCompletion)
	assert.Contains(t, err.Error(), "empty response")
}

func TestRegistry_Fallback(t *testing.T) {
	reg := NewRegistry("Ollama")
	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		return NewOllamaProvider("http://x", model, time.Second), nil
	})

	p, err := reg.Get(context.Background(), "", "m")
	require.NoError(t, err)
	assert.Equal(t, "m", p.(*OllamaProvider).Model)

	_, err = reg.Get(context.Background(), "other", "")
	assert.ErrorIs(t, err, ErrCompletion)
	assert.Equal(t, []string{"ollama"}, reg.Names())
}
