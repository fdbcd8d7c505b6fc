package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatgw/internal/chat"
)

const (
	groqBaseURL   = "https://api.groq.com/openai/v1"
	openAIBaseURL = "https://api.openai.com/v1"
)

// openAICompatible serves every vendor speaking the OpenAI chat-completions
// dialect (groq, openai and the configured custom endpoint). The whole
// conversation is forwarded in order.
type openAICompatible struct {
	name         ProviderName
	defaultModel string
	client       completionClient
}

// NewClient creates an OpenAI client for baseURL whose HTTP calls go
// through doer.
func NewClient(apiKey, baseURL string, doer openai.HTTPDoer) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	config.HTTPClient = doer

	return openai.NewClientWithConfig(config)
}

func (p *openAICompatible) GenerateCompletion(ctx context.Context, conv chat.Conversation, cfg ProviderConfig) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(conv))
	for _, m := range conv {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:       cfg.modelOr(p.defaultModel),
		Messages:    messages,
		MaxTokens:   cfg.maxTokens(),
		Temperature: float32(cfg.temperature()),
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", p.wrapError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return FallbackReply, nil
	}
	return resp.Choices[0].Message.Content, nil
}

// wrapError normalises whatever go-openai returned into an *Error. Error
// responses are already turned into vendor errors by vendorDoer, so anything
// else (cancelled context, undecodable body) is a transport failure.
func (p *openAICompatible) wrapError(err error) error {
	if _, ok := AsError(err); ok {
		return err
	}
	return &Error{Kind: KindTransport, Provider: p.name, Err: err}
}
