package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/comigor/chatgw/internal/chat"
	"github.com/comigor/chatgw/internal/logger"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// anthropicProvider talks to the Messages API.
//
// It does not forward the conversation as-is: the first assistant turn
// becomes the system prompt and only user turns are sent. Clients rely on
// this, so keep it.
type anthropicProvider struct {
	apiKey  string
	baseURL string
	doer    vendorDoer
}

func (p *anthropicProvider) GenerateCompletion(ctx context.Context, conv chat.Conversation, cfg ProviderConfig) (string, error) {
	body, err := json.Marshal(buildAnthropicRequest(conv, cfg))
	if err != nil {
		return "", &Error{Kind: KindTransport, Provider: ProviderAnthropic, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindTransport, Provider: ProviderAnthropic, Err: err}
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.doer.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.From(ctx).Warn("failed to close anthropic response body", "error", cerr)
		}
	}()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Kind: KindTransport, Provider: ProviderAnthropic, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Content) == 0 || out.Content[0].Text == "" {
		return FallbackReply, nil
	}
	return out.Content[0].Text, nil
}

func buildAnthropicRequest(conv chat.Conversation, cfg ProviderConfig) anthropicRequest {
	var system string
	if first, ok := conv.FirstWithRole(chat.RoleAssistant); ok {
		system = first.Content
	}

	users := conv.FilterRole(chat.RoleUser)
	messages := make([]anthropicMessage, 0, len(users))
	for _, m := range users {
		messages = append(messages, anthropicMessage{Role: string(chat.RoleUser), Content: m.Content})
	}

	return anthropicRequest{
		Model:     cfg.modelOr(defaultModels[ProviderAnthropic]),
		MaxTokens: cfg.maxTokens(),
		Messages:  messages,
		System:    system,
	}
}
