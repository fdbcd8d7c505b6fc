package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/comigor/chatgw/internal/audit"
	"github.com/comigor/chatgw/internal/chat"
	"github.com/comigor/chatgw/internal/llm"
	"github.com/comigor/chatgw/internal/logger"
)

// Error messages returned to the UI. They never include diagnostics.
const (
	msgInvalidMessages = "Invalid messages format"
	msgNotConfigured   = "LLM service not configured. Please check your API keys."
	msgRateLimited     = "Rate limit exceeded. Please try again later."
	msgGenerateFailed  = "Failed to generate response. Please try again."
)

// maxBodyBytes caps the size of an inbound chat request.
const maxBodyBytes = 1 << 20

// Gateway is the part of llm.Gateway the handler needs.
type Gateway interface {
	Config() llm.ProviderConfig
	Generate(ctx context.Context, conv chat.Conversation, cfg llm.ProviderConfig) (string, error)
}

// Recorder receives one entry per finished chat request.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// Response is a transport-independent HTTP answer.
type Response struct {
	Status int
	Header http.Header
	Body   any
}

type messageBody struct {
	Message string `json:"message"`
}

type errorBody struct {
	Error string `json:"error"`
}

// ChatHandler terminates chat requests.
type ChatHandler struct {
	gateway  Gateway
	recorder Recorder
}

// NewChatHandler creates a handler. recorder may be nil.
func NewChatHandler(gateway Gateway, recorder Recorder) *ChatHandler {
	return &ChatHandler{gateway: gateway, recorder: recorder}
}

// HandlePost validates a raw chat request body, asks the gateway for a reply
// and builds the response. A request that leaves the lifecycle anywhere but
// responded gets the generic failure.
func (h *ChatHandler) HandlePost(ctx context.Context, raw []byte) Response {
	start := time.Now()
	lc := newLifecycle(ctx, h.gateway, raw)
	err := lc.run()
	if err != nil {
		logger.From(ctx).Error("chat request lifecycle violation", "state", lc.state(), "error", err)
	}
	return h.respond(ctx, lc, start, err)
}

// HandleOptions answers CORS preflight requests. It has no dependencies and
// always succeeds.
func (h *ChatHandler) HandleOptions() Response {
	return Response{Status: http.StatusOK, Header: preflightHeaders()}
}

func (h *ChatHandler) respond(ctx context.Context, lc *lifecycle, start time.Time, lcErr error) Response {
	req := lc.req
	resp := req.resp
	if lcErr != nil {
		resp = errorResponse(http.StatusInternalServerError, msgGenerateFailed)
	}
	if h.recorder != nil {
		entry := audit.Entry{
			RequestID: RequestIDFromContext(ctx),
			ReplyID:   req.reply.ID,
			Provider:  string(req.cfg.Provider),
			Model:     req.cfg.Model,
			Status:    resp.Status,
			Messages:  len(req.conv),
			Duration:  time.Since(start),
		}
		if req.err != nil {
			entry.ErrorKind = string(llm.KindOf(req.err))
		}
		h.recorder.Record(ctx, entry)
	}
	return resp
}

// decodeConversation accepts any JSON array. Elements that are not message
// objects are kept as role-less messages and rejected by the gateway.
func decodeConversation(raw json.RawMessage) (chat.Conversation, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	conv := make(chat.Conversation, len(items))
	for i, item := range items {
		var m chat.Message
		if err := json.Unmarshal(item, &m); err == nil {
			conv[i] = m
		}
	}
	return conv, true
}

func classify(err error) Response {
	e, ok := llm.AsError(err)
	switch {
	case ok && e.Kind == llm.KindMissingCredential:
		return errorResponse(http.StatusInternalServerError, msgNotConfigured)
	case ok && e.IsRateLimit():
		return errorResponse(http.StatusTooManyRequests, msgRateLimited)
	default:
		return errorResponse(http.StatusInternalServerError, msgGenerateFailed)
	}
}

func errorResponse(status int, msg string) Response {
	return Response{Status: status, Body: errorBody{Error: msg}}
}

func preflightHeaders() http.Header {
	h := make(http.Header)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	return h
}

// Chat is the HTTP entry point for POST /chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.From(r.Context()).Warn("chat request body too large", "limit", tooLarge.Limit)
		} else {
			logger.From(r.Context()).Error("read body error", "error", err)
		}
		writeResponse(w, errorResponse(http.StatusBadRequest, msgInvalidMessages))
		return
	}

	// A client that goes away does not cancel the vendor call; its result
	// is simply dropped. The gateway's own timeout still applies.
	resp := h.HandlePost(context.WithoutCancel(r.Context()), body)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeResponse(w, resp)
}

// Options is the HTTP entry point for OPTIONS /chat.
func (h *ChatHandler) Options(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, h.HandleOptions())
}

func writeResponse(w http.ResponseWriter, resp Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if resp.Body == nil {
		w.WriteHeader(resp.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	if err := json.NewEncoder(w).Encode(resp.Body); err != nil {
		logger.L.Warn("failed to write response", "error", err)
	}
}
