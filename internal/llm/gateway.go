package llm

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/comigor/chatgw/internal/chat"
	"github.com/comigor/chatgw/internal/logger"
)

// DefaultCustomAPIKeyEnv is read for the custom provider's credential when
// no other variable name is configured.
const DefaultCustomAPIKeyEnv = "CUSTOM_LLM_API_KEY"

var credentialEnv = map[ProviderName]string{
	ProviderGroq:      "GROQ_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
}

// CustomEndpoint describes a user-defined OpenAI-compatible vendor. The
// custom provider is unsupported while BaseURL is empty.
type CustomEndpoint struct {
	BaseURL   string
	APIKeyEnv string
	Model     string
}

type factory func(g *Gateway) (Provider, error)

// Gateway dispatches conversations to the configured provider.
type Gateway struct {
	cfg atomic.Pointer[ProviderConfig]

	client    *http.Client
	baseURLs  map[ProviderName]string
	custom    CustomEndpoint
	lookupEnv func(string) (string, bool)
	factories map[ProviderName]factory
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the client used for vendor calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithTimeout swaps in a client whose calls are bounded by d.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.client = newHTTPClient(d) }
}

// WithBaseURL points a provider at another base URL (proxies, tests).
func WithBaseURL(name ProviderName, url string) Option {
	return func(g *Gateway) {
		if url != "" {
			g.baseURLs[name] = url
		}
	}
}

// WithCustomEndpoint enables the custom provider.
func WithCustomEndpoint(c CustomEndpoint) Option {
	return func(g *Gateway) { g.custom = c }
}

// WithLookupEnv replaces os.LookupEnv as the credential source.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(g *Gateway) { g.lookupEnv = fn }
}

// New creates a gateway starting from cfg.
func New(cfg ProviderConfig, opts ...Option) *Gateway {
	g := &Gateway{
		client: newHTTPClient(DefaultTimeout),
		baseURLs: map[ProviderName]string{
			ProviderGroq:      groqBaseURL,
			ProviderOpenAI:    openAIBaseURL,
			ProviderAnthropic: anthropicBaseURL,
		},
		lookupEnv: os.LookupEnv,
	}
	g.factories = map[ProviderName]factory{
		ProviderGroq:      openAIFactory(ProviderGroq),
		ProviderOpenAI:    openAIFactory(ProviderOpenAI),
		ProviderAnthropic: newAnthropic,
		ProviderCustom:    newCustom,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cfg.Store(&cfg)
	return g
}

// Config returns the live configuration snapshot.
func (g *Gateway) Config() ProviderConfig {
	return *g.cfg.Load()
}

// UpdateConfig merges u into the live configuration and returns the new
// snapshot. Requests already in flight keep the snapshot they started with.
func (g *Gateway) UpdateConfig(u ConfigUpdate) ProviderConfig {
	for {
		cur := g.cfg.Load()
		next := cur.Merge(u)
		if g.cfg.CompareAndSwap(cur, &next) {
			logger.L.Info("llm config updated",
				"provider", next.Provider,
				"model", next.Model,
				"max_tokens", next.MaxTokens,
				"temperature", next.Temperature,
			)
			return next
		}
	}
}

// GenerateResponse asks the currently configured provider for a reply.
func (g *Gateway) GenerateResponse(ctx context.Context, conv chat.Conversation) (string, error) {
	return g.Generate(ctx, conv, g.Config())
}

// Generate asks the provider selected by cfg for a reply to conv. No
// network call is made when the provider, the conversation or the
// credential is invalid.
func (g *Gateway) Generate(ctx context.Context, conv chat.Conversation, cfg ProviderConfig) (string, error) {
	build, ok := g.factories[cfg.Provider]
	if !ok {
		return "", &Error{Kind: KindUnsupportedProvider, Provider: cfg.Provider}
	}
	if err := conv.Validate(); err != nil {
		return "", &Error{Kind: KindInvalidConversation, Provider: cfg.Provider, Err: err}
	}
	provider, err := build(g)
	if err != nil {
		return "", err
	}

	log := logger.From(ctx)
	start := time.Now()
	reply, err := provider.GenerateCompletion(ctx, conv, cfg)
	if err != nil {
		log.Warn("llm call failed",
			"provider", cfg.Provider,
			"model", cfg.Model,
			"duration", time.Since(start),
			"error", err,
		)
		return "", err
	}
	log.Debug("llm call completed",
		"provider", cfg.Provider,
		"messages", len(conv),
		"duration", time.Since(start),
	)
	return reply, nil
}

func (g *Gateway) credential(name ProviderName, env string) (string, error) {
	key, ok := g.lookupEnv(env)
	if !ok || key == "" {
		return "", &Error{Kind: KindMissingCredential, Provider: name, Err: errors.New(env + " is not configured")}
	}
	return key, nil
}

func (g *Gateway) doer(name ProviderName) vendorDoer {
	return vendorDoer{provider: name, client: g.client, nonStream: name == ProviderGroq}
}

func openAIFactory(name ProviderName) factory {
	return func(g *Gateway) (Provider, error) {
		key, err := g.credential(name, credentialEnv[name])
		if err != nil {
			return nil, err
		}
		return &openAICompatible{
			name:         name,
			defaultModel: defaultModels[name],
			client:       NewClient(key, g.baseURLs[name], g.doer(name)),
		}, nil
	}
}

func newAnthropic(g *Gateway) (Provider, error) {
	key, err := g.credential(ProviderAnthropic, credentialEnv[ProviderAnthropic])
	if err != nil {
		return nil, err
	}
	return &anthropicProvider{
		apiKey:  key,
		baseURL: g.baseURLs[ProviderAnthropic],
		doer:    g.doer(ProviderAnthropic),
	}, nil
}

func newCustom(g *Gateway) (Provider, error) {
	if g.custom.BaseURL == "" {
		return nil, &Error{Kind: KindUnsupportedProvider, Provider: ProviderCustom}
	}
	env := g.custom.APIKeyEnv
	if env == "" {
		env = DefaultCustomAPIKeyEnv
	}
	key, err := g.credential(ProviderCustom, env)
	if err != nil {
		return nil, err
	}
	return &openAICompatible{
		name:         ProviderCustom,
		defaultModel: g.custom.Model,
		client:       NewClient(key, g.custom.BaseURL, g.doer(ProviderCustom)),
	}, nil
}
