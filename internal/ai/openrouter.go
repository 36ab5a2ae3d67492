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

// OpenRouterProvider speaks the OpenAI-compatible chat completions API.
type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatReq struct {
	Model    string          `json:"model"`
	Messages []openRouterMsg `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openRouterChatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string, timeout time.Duration) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (Completion, error) {
	if p.Client == nil {
		return Completion{}, completionErr("openrouter: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return Completion{}, completionErr("openrouter: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return Completion{}, completionErr("openrouter: model is required")
	}

	msgs := make([]openRouterMsg, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openRouterMsg{Role: m.Role, Content: m.Content})
	}
	b, err := json.Marshal(openRouterChatReq{Model: model, Messages: msgs})
	if err != nil {
		return Completion{}, completionErr("openrouter: encode request: %v", err)
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Completion{}, completionErr("openrouter: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Completion{}, completionErr("openrouter: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return Completion{}, completionErr("openrouter: authentication: %s", msg)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return Completion{}, completionErr("openrouter: malformed request: %s", msg)
		}
		return Completion{}, completionErr("openrouter: %s", msg)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, completionErr("openrouter: decode response: %v", err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return Completion{}, completionErr("openrouter: %s", decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, completionErr("openrouter: empty response")
	}

	out := Completion{Content: decoded.Choices[0].Message.Content, Model: decoded.Model}
	if out.Model == "" {
		out.Model = model
	}
	if decoded.Usage != nil {
		out.Usage = *decoded.Usage
	}
	return out, nil
}
