package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: timeout},
	}
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResp struct {
	Model           string    `json:"model"`
	Message         ollamaMsg `json:"message"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
	Error           string    `json:"error,omitempty"`
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (Completion, error) {
	if p.Client == nil {
		return Completion{}, completionErr("ollama: http client is nil")
	}

	msgs := make([]ollamaMsg, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	b, err := json.Marshal(ollamaChatReq{Model: p.Model, Messages: msgs, Stream: false})
	if err != nil {
		return Completion{}, completionErr("ollama: encode request: %v", err)
	}

	url := fmt.Sprintf("%s/api/chat", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Completion{}, completionErr("ollama: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return Completion{}, completionErr("ollama: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return Completion{}, completionErr("ollama: status %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, completionErr("ollama: decode response: %v", err)
	}
	if decoded.Error != "" {
		return Completion{}, completionErr("ollama: %s", decoded.Error)
	}

	model := decoded.Model
	if model == "" {
		model = p.Model
	}
	return Completion{
		Content: decoded.Message.Content,
		Model:   model,
		Usage: Usage{
			PromptTokens:     decoded.PromptEvalCount,
			CompletionTokens: decoded.EvalCount,
			TotalTokens:      decoded.PromptEvalCount + decoded.EvalCount,
		},
	}, nil
}
