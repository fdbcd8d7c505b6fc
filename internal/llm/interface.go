package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatgw/internal/chat"
)

// Provider turns a conversation into a single reply string for one vendor.
type Provider interface {
	GenerateCompletion(ctx context.Context, conv chat.Conversation, cfg ProviderConfig) (string, error)
}

// completionClient is the subset of openai.Client used by the
// OpenAI-compatible providers; it is easy to fake in tests.
type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}
