package ai

import (
	"context"
	"errors"
	"fmt"
)

// ErrCompletion wraps every failure coming out of a completion provider.
var ErrCompletion = errors.New("completion failed")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Completion struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider turns an ordered list of turns into one assistant message.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (Completion, error)
}

func completionErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCompletion, fmt.Sprintf(format, args...))
}
