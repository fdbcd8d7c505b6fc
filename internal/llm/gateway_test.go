package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chatgw/internal/chat"
)

// fakeVendor records every request it receives and answers with a canned
// status and body.
type fakeVendor struct {
	srv   *httptest.Server
	calls atomic.Int32

	mu     sync.Mutex
	path   string
	header http.Header
	body   []byte

	status int
	reply  string
}

func newFakeVendor(t *testing.T, status int, reply string) *fakeVendor {
	t.Helper()
	v := &fakeVendor{status: status, reply: reply}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		v.mu.Lock()
		v.path = r.URL.Path
		v.header = r.Header.Clone()
		v.body = body
		v.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(v.status)
		_, _ = io.WriteString(w, v.reply)
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVendor) lastPath() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.path
}

func (v *fakeVendor) lastHeader() http.Header {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.header
}

func (v *fakeVendor) request(t *testing.T, into any) {
	t.Helper()
	v.mu.Lock()
	defer v.mu.Unlock()
	require.NoError(t, json.Unmarshal(v.body, into))
}

type sentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sentRequest struct {
	Model       string        `json:"model"`
	Messages    []sentMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      *string       `json:"system"`
	Stream      *bool         `json:"stream"`
}

const completionReply = `{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}]}`

const anthropicReply = `{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"bonjour"}]}`

func env(vals map[string]string) Option {
	return WithLookupEnv(func(k string) (string, bool) {
		v, ok := vals[k]
		return v, ok
	})
}

func allKeys() Option {
	return env(map[string]string{
		"GROQ_API_KEY":       "gk",
		"OPENAI_API_KEY":     "ok",
		"ANTHROPIC_API_KEY":  "ak",
		"CUSTOM_LLM_API_KEY": "ck",
	})
}

func sampleConversation() chat.Conversation {
	return chat.Conversation{
		{ID: "1", Role: chat.RoleUser, Content: "hi"},
		{ID: "2", Role: chat.RoleAssistant, Content: "You are a pirate."},
		{ID: "3", Role: chat.RoleUser, Content: "where is the treasure?"},
		{ID: "4", Role: chat.RoleAssistant, Content: "arr"},
		{ID: "5", Role: chat.RoleUser, Content: "tell me"},
	}
}

func TestGenerate_OpenAICompatibleForwardsWholeConversation(t *testing.T) {
	tests := []struct {
		provider   ProviderName
		wantModel  string
		wantAuth   string
		wantStream bool // groq gets an explicit "stream": false
	}{
		{ProviderGroq, "llama3-8b-8192", "Bearer gk", true},
		{ProviderOpenAI, "gpt-3.5-turbo", "Bearer ok", false},
	}
	for _, tc := range tests {
		t.Run(string(tc.provider), func(t *testing.T) {
			vendor := newFakeVendor(t, http.StatusOK, completionReply)
			g := New(ProviderConfig{Provider: tc.provider}, allKeys(), WithBaseURL(tc.provider, vendor.srv.URL))

			reply, err := g.GenerateResponse(context.Background(), sampleConversation())
			require.NoError(t, err)
			require.Equal(t, "hello there", reply)
			require.EqualValues(t, 1, vendor.calls.Load())
			require.Equal(t, "/chat/completions", vendor.lastPath())
			require.Equal(t, tc.wantAuth, vendor.lastHeader().Get("Authorization"))

			var got sentRequest
			vendor.request(t, &got)
			require.Equal(t, tc.wantModel, got.Model)
			require.Equal(t, DefaultMaxTokens, got.MaxTokens)
			require.InDelta(t, DefaultTemperature, got.Temperature, 1e-6)
			if tc.wantStream {
				require.NotNil(t, got.Stream)
				require.False(t, *got.Stream)
			} else {
				require.Nil(t, got.Stream)
			}

			conv := sampleConversation()
			require.Len(t, got.Messages, len(conv))
			for i, m := range conv {
				require.Equal(t, sentMessage{Role: string(m.Role), Content: m.Content}, got.Messages[i])
			}
		})
	}
}

// The anthropic provider promotes the first assistant turn to the system
// prompt and drops every other assistant turn. This is long-standing
// observable behaviour, not an accident of this test.
func TestGenerate_AnthropicSystemPromptQuirk(t *testing.T) {
	vendor := newFakeVendor(t, http.StatusOK, anthropicReply)
	g := New(ProviderConfig{Provider: ProviderAnthropic, MaxTokens: 256}, allKeys(), WithBaseURL(ProviderAnthropic, vendor.srv.URL))

	reply, err := g.GenerateResponse(context.Background(), sampleConversation())
	require.NoError(t, err)
	require.Equal(t, "bonjour", reply)
	require.EqualValues(t, 1, vendor.calls.Load())

	require.Equal(t, "/messages", vendor.lastPath())
	require.Equal(t, "ak", vendor.lastHeader().Get("x-api-key"))
	require.Equal(t, "2023-06-01", vendor.lastHeader().Get("anthropic-version"))
	require.Empty(t, vendor.lastHeader().Get("Authorization"))

	var got sentRequest
	vendor.request(t, &got)
	require.Equal(t, "claude-3-sonnet-20240229", got.Model)
	require.Equal(t, 256, got.MaxTokens)
	require.NotNil(t, got.System)
	require.Equal(t, "You are a pirate.", *got.System)
	require.Equal(t, []sentMessage{
		{Role: "user", Content: "hi"},
		{Role: "user", Content: "where is the treasure?"},
		{Role: "user", Content: "tell me"},
	}, got.Messages)
}

func TestGenerate_AnthropicWithoutAssistantSendsEmptySystem(t *testing.T) {
	vendor := newFakeVendor(t, http.StatusOK, anthropicReply)
	g := New(ProviderConfig{Provider: ProviderAnthropic}, allKeys(), WithBaseURL(ProviderAnthropic, vendor.srv.URL))

	_, err := g.GenerateResponse(context.Background(), chat.Conversation{{Role: chat.RoleUser, Content: "hi"}})
	require.NoError(t, err)

	var got sentRequest
	vendor.request(t, &got)
	require.NotNil(t, got.System, "system must be sent even when empty")
	require.Equal(t, "", *got.System)
	require.Equal(t, []sentMessage{{Role: "user", Content: "hi"}}, got.Messages)
}

func TestGenerate_FallbackReply(t *testing.T) {
	tests := []struct {
		name     string
		provider ProviderName
		reply    string
	}{
		{"groq no choices", ProviderGroq, `{"choices":[]}`},
		{"openai empty content", ProviderOpenAI, `{"choices":[{"index":0,"message":{"role":"assistant","content":""}}]}`},
		{"anthropic no content", ProviderAnthropic, `{"content":[]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			vendor := newFakeVendor(t, http.StatusOK, tc.reply)
			g := New(ProviderConfig{Provider: tc.provider}, allKeys(), WithBaseURL(tc.provider, vendor.srv.URL))

			reply, err := g.GenerateResponse(context.Background(), sampleConversation())
			require.NoError(t, err)
			require.Equal(t, FallbackReply, reply)
		})
	}
}

func TestGenerate_UnsupportedProvider(t *testing.T) {
	vendor := newFakeVendor(t, http.StatusOK, completionReply)
	g := New(ProviderConfig{Provider: "mistral"}, allKeys(), WithBaseURL(ProviderGroq, vendor.srv.URL))

	_, err := g.GenerateResponse(context.Background(), sampleConversation())
	require.Error(t, err)
	require.Equal(t, KindUnsupportedProvider, KindOf(err))
	require.Contains(t, err.Error(), "mistral")
	require.Zero(t, vendor.calls.Load())
}

func TestGenerate_CustomProvider(t *testing.T) {
	t.Run("unconfigured is unsupported", func(t *testing.T) {
		g := New(ProviderConfig{Provider: ProviderCustom}, allKeys())
		_, err := g.GenerateResponse(context.Background(), sampleConversation())
		require.Equal(t, KindUnsupportedProvider, KindOf(err))
	})

	t.Run("configured endpoint", func(t *testing.T) {
		vendor := newFakeVendor(t, http.StatusOK, completionReply)
		g := New(ProviderConfig{Provider: ProviderCustom}, allKeys(), WithCustomEndpoint(CustomEndpoint{
			BaseURL: vendor.srv.URL + "/v1",
			Model:   "local-llama",
		}))

		reply, err := g.GenerateResponse(context.Background(), sampleConversation())
		require.NoError(t, err)
		require.Equal(t, "hello there", reply)
		require.Equal(t, "/v1/chat/completions", vendor.lastPath())
		require.Equal(t, "Bearer ck", vendor.lastHeader().Get("Authorization"))

		var got sentRequest
		vendor.request(t, &got)
		require.Equal(t, "local-llama", got.Model)
	})
}

func TestGenerate_MissingCredential(t *testing.T) {
	for _, p := range []ProviderName{ProviderGroq, ProviderOpenAI, ProviderAnthropic} {
		t.Run(string(p), func(t *testing.T) {
			vendor := newFakeVendor(t, http.StatusOK, completionReply)
			g := New(ProviderConfig{Provider: p}, env(map[string]string{credentialEnv[p]: ""}), WithBaseURL(p, vendor.srv.URL))

			_, err := g.GenerateResponse(context.Background(), sampleConversation())
			require.Error(t, err)
			require.Equal(t, KindMissingCredential, KindOf(err))
			require.Contains(t, err.Error(), credentialEnv[p])
			require.Zero(t, vendor.calls.Load())
		})
	}
}

func TestGenerate_ReadsProcessEnvironment(t *testing.T) {
	vendor := newFakeVendor(t, http.StatusOK, completionReply)
	t.Setenv("OPENAI_API_KEY", "from-env")
	g := New(ProviderConfig{Provider: ProviderOpenAI}, WithBaseURL(ProviderOpenAI, vendor.srv.URL))

	_, err := g.GenerateResponse(context.Background(), sampleConversation())
	require.NoError(t, err)
	require.Equal(t, "Bearer from-env", vendor.lastHeader().Get("Authorization"))
}

func TestGenerate_InvalidConversation(t *testing.T) {
	vendor := newFakeVendor(t, http.StatusOK, completionReply)
	g := New(ProviderConfig{Provider: ProviderGroq}, allKeys(), WithBaseURL(ProviderGroq, vendor.srv.URL))

	_, err := g.GenerateResponse(context.Background(), nil)
	require.Equal(t, KindInvalidConversation, KindOf(err))

	_, err = g.GenerateResponse(context.Background(), chat.Conversation{{Role: "system", Content: "x"}})
	require.Equal(t, KindInvalidConversation, KindOf(err))

	require.Zero(t, vendor.calls.Load())
}

func TestGenerate_VendorErrors(t *testing.T) {
	for _, p := range []ProviderName{ProviderGroq, ProviderOpenAI, ProviderAnthropic} {
		t.Run(string(p)+" server error", func(t *testing.T) {
			vendor := newFakeVendor(t, http.StatusInternalServerError, `upstream exploded`)
			g := New(ProviderConfig{Provider: p}, allKeys(), WithBaseURL(p, vendor.srv.URL))

			_, err := g.GenerateResponse(context.Background(), sampleConversation())
			e, ok := AsError(err)
			require.True(t, ok, "got %v", err)
			require.Equal(t, KindVendor, e.Kind)
			require.Equal(t, p, e.Provider)
			require.Equal(t, http.StatusInternalServerError, e.Status)
			require.Equal(t, "upstream exploded", e.Body)
			require.False(t, IsRateLimit(err))
		})

		t.Run(string(p)+" rate limit", func(t *testing.T) {
			body := `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`
			vendor := newFakeVendor(t, http.StatusTooManyRequests, body)
			g := New(ProviderConfig{Provider: p}, allKeys(), WithBaseURL(p, vendor.srv.URL))

			_, err := g.GenerateResponse(context.Background(), sampleConversation())
			require.True(t, IsRateLimit(err), "got %v", err)
			e, _ := AsError(err)
			require.Equal(t, body, e.Body)
			require.EqualValues(t, 1, vendor.calls.Load())
		})
	}
}

func TestGenerate_TransportError(t *testing.T) {
	vendor := newFakeVendor(t, http.StatusOK, completionReply)
	url := vendor.srv.URL
	vendor.srv.Close()

	g := New(ProviderConfig{Provider: ProviderGroq}, allKeys(), WithBaseURL(ProviderGroq, url))
	_, err := g.GenerateResponse(context.Background(), sampleConversation())
	require.Equal(t, KindTransport, KindOf(err))
}

func TestUpdateConfig_MergesOnlyGivenFields(t *testing.T) {
	vendor := newFakeVendor(t, http.StatusOK, completionReply)
	g := New(ProviderConfig{Provider: ProviderGroq, Model: "llama3-8b-8192", MaxTokens: 512, Temperature: 0.2},
		allKeys(), WithBaseURL(ProviderGroq, vendor.srv.URL))

	model := "x"
	next := g.UpdateConfig(ConfigUpdate{Model: &model})
	require.Equal(t, ProviderConfig{Provider: ProviderGroq, Model: "x", MaxTokens: 512, Temperature: 0.2}, next)
	require.Equal(t, next, g.Config())

	_, err := g.GenerateResponse(context.Background(), sampleConversation())
	require.NoError(t, err)

	var got sentRequest
	vendor.request(t, &got)
	require.Equal(t, "x", got.Model)
	require.Equal(t, 512, got.MaxTokens)
	require.InDelta(t, 0.2, got.Temperature, 1e-6)
}

func TestUpdateConfig_UnsupportedProviderFailsLazily(t *testing.T) {
	g := New(DefaultConfig(), allKeys())

	bogus := ProviderName("bogus")
	next := g.UpdateConfig(ConfigUpdate{Provider: &bogus})
	require.Equal(t, bogus, next.Provider)
	require.Equal(t, DefaultConfig().Model, next.Model)

	_, err := g.GenerateResponse(context.Background(), sampleConversation())
	require.Equal(t, KindUnsupportedProvider, KindOf(err))
}

func TestUpdateConfig_Concurrent(t *testing.T) {
	g := New(DefaultConfig())

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			g.UpdateConfig(ConfigUpdate{MaxTokens: &n})
			_ = g.Config()
		}(i)
	}
	wg.Wait()

	cfg := g.Config()
	require.Equal(t, ProviderGroq, cfg.Provider)
	require.GreaterOrEqual(t, cfg.MaxTokens, 1)
	require.LessOrEqual(t, cfg.MaxTokens, 50)
}
