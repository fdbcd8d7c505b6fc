package llm

// ProviderName is the tag selecting a vendor.
type ProviderName string

const (
	ProviderGroq      ProviderName = "groq"
	ProviderOpenAI    ProviderName = "openai"
	ProviderAnthropic ProviderName = "anthropic"
	ProviderCustom    ProviderName = "custom"
)

const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7

	// FallbackReply is returned when a vendor answers without any text.
	FallbackReply = "Sorry, I could not generate a response."
)

var defaultModels = map[ProviderName]string{
	ProviderGroq:      "llama3-8b-8192",
	ProviderOpenAI:    "gpt-3.5-turbo",
	ProviderAnthropic: "claude-3-sonnet-20240229",
}

// ProviderConfig selects a provider and the generation parameters sent to
// it. Zero MaxTokens, zero Temperature and an empty Model mean "use the
// default".
type ProviderConfig struct {
	Provider    ProviderName `json:"provider"`
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

// DefaultConfig is the configuration the gateway starts with when nothing
// else is configured.
func DefaultConfig() ProviderConfig {
	return ProviderConfig{
		Provider:    ProviderGroq,
		Model:       defaultModels[ProviderGroq],
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
}

// ConfigUpdate is a partial ProviderConfig. Nil fields are left untouched
// by Merge.
type ConfigUpdate struct {
	Provider    *ProviderName
	Model       *string
	MaxTokens   *int
	Temperature *float64
}

// Merge returns c with every non-nil field of u applied. The result is not
// validated; an unknown provider only fails on the next generation call.
func (c ProviderConfig) Merge(u ConfigUpdate) ProviderConfig {
	if u.Provider != nil {
		c.Provider = *u.Provider
	}
	if u.Model != nil {
		c.Model = *u.Model
	}
	if u.MaxTokens != nil {
		c.MaxTokens = *u.MaxTokens
	}
	if u.Temperature != nil {
		c.Temperature = *u.Temperature
	}
	return c
}

func (c ProviderConfig) maxTokens() int {
	if c.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return c.MaxTokens
}

func (c ProviderConfig) temperature() float64 {
	if c.Temperature == 0 {
		return DefaultTemperature
	}
	return c.Temperature
}

func (c ProviderConfig) modelOr(def string) string {
	if c.Model == "" {
		return def
	}
	return c.Model
}
