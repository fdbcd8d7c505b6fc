package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/qmuntal/stateless"

	"github.com/comigor/chatgw/internal/chat"
	"github.com/comigor/chatgw/internal/llm"
	"github.com/comigor/chatgw/internal/logger"
)

// Request lifecycle states
type lifecycleState string

const (
	stateReceived   lifecycleState = "received"
	stateParsed     lifecycleState = "parsed"
	stateValidated  lifecycleState = "validated"
	stateDispatched lifecycleState = "dispatched"
	stateSucceeded  lifecycleState = "succeeded"
	stateFailed     lifecycleState = "failed"   // gateway error, classified
	stateRejected   lifecycleState = "rejected" // malformed request, never dispatched
	stateResponded  lifecycleState = "responded"
)

// Request lifecycle triggers
type lifecycleTrigger string

const (
	triggerParse    lifecycleTrigger = "parse"
	triggerValidate lifecycleTrigger = "validate"
	triggerDispatch lifecycleTrigger = "dispatch"
	triggerSucceed  lifecycleTrigger = "succeed"
	triggerFail     lifecycleTrigger = "fail"
	triggerReject   lifecycleTrigger = "reject"
	triggerRespond  lifecycleTrigger = "respond"
)

// chatRequest is the data the lifecycle fills in as it advances.
type chatRequest struct {
	raw   []byte
	conv  chat.Conversation
	cfg   llm.ProviderConfig
	reply chat.Message
	err   error
	resp  Response
}

// lifecycle runs one chat request from receipt to response. Entry actions
// do the work of each step and pick the next trigger, so the request can
// only reach the gateway through parsed and validated.
type lifecycle struct {
	ctx     context.Context
	fsm     *stateless.StateMachine
	gateway Gateway
	req     chatRequest
}

func newLifecycle(ctx context.Context, gateway Gateway, raw []byte) *lifecycle {
	l := &lifecycle{ctx: ctx, gateway: gateway, req: chatRequest{raw: raw}}
	fsm := stateless.NewStateMachine(stateReceived)
	l.fsm = fsm

	fsm.Configure(stateReceived).
		Permit(triggerParse, stateParsed)

	fsm.Configure(stateParsed).
		OnEntry(l.parse).
		Permit(triggerValidate, stateValidated).
		Permit(triggerReject, stateRejected)

	fsm.Configure(stateValidated).
		OnEntry(l.validate).
		Permit(triggerDispatch, stateDispatched).
		Permit(triggerReject, stateRejected)

	fsm.Configure(stateDispatched).
		OnEntry(l.dispatch).
		Permit(triggerSucceed, stateSucceeded).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateSucceeded).
		OnEntry(l.succeed).
		Permit(triggerRespond, stateResponded)

	fsm.Configure(stateFailed).
		OnEntry(l.fail).
		Permit(triggerRespond, stateResponded)

	fsm.Configure(stateRejected).
		OnEntry(l.reject).
		Permit(triggerRespond, stateResponded)

	// Terminal: nothing is permitted out of responded.
	fsm.Configure(stateResponded)

	log := logger.From(ctx)
	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		log.Debug("chat request transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})

	return l
}

// run drives the request until it is responded. Triggers fired from entry
// actions are queued and processed before FireCtx returns.
func (l *lifecycle) run() error {
	if err := l.fire(triggerParse); err != nil {
		return err
	}
	if s := l.state(); s != stateResponded {
		return fmt.Errorf("chat request stopped in state %q", s)
	}
	return nil
}

func (l *lifecycle) fire(t lifecycleTrigger) error {
	return l.fsm.FireCtx(l.ctx, t)
}

func (l *lifecycle) state() lifecycleState {
	s, _ := l.fsm.MustState().(lifecycleState)
	return s
}

func (l *lifecycle) parse(ctx context.Context, _ ...any) error {
	var body struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(l.req.raw, &body); err != nil {
		logger.From(ctx).Info("rejecting chat request", "reason", "unparseable body", "error", err)
		return l.fsm.FireCtx(ctx, triggerReject)
	}
	l.req.raw = body.Messages
	return l.fsm.FireCtx(ctx, triggerValidate)
}

func (l *lifecycle) validate(ctx context.Context, _ ...any) error {
	conv, ok := decodeConversation(l.req.raw)
	if !ok {
		logger.From(ctx).Info("rejecting chat request", "reason", "messages is not a list")
		return l.fsm.FireCtx(ctx, triggerReject)
	}
	l.req.conv = conv
	return l.fsm.FireCtx(ctx, triggerDispatch)
}

func (l *lifecycle) dispatch(ctx context.Context, _ ...any) error {
	l.req.cfg = l.gateway.Config()
	reply, err := l.gateway.Generate(ctx, l.req.conv, l.req.cfg)
	if err != nil {
		l.req.err = err
		return l.fsm.FireCtx(ctx, triggerFail)
	}
	l.req.reply = chat.NewMessage(chat.RoleAssistant, reply)
	return l.fsm.FireCtx(ctx, triggerSucceed)
}

func (l *lifecycle) succeed(ctx context.Context, _ ...any) error {
	logger.From(ctx).Debug("chat reply generated", "message_id", l.req.reply.ID, "provider", l.req.cfg.Provider)
	l.req.resp = Response{Status: http.StatusOK, Body: messageBody{Message: l.req.reply.Content}}
	return l.fsm.FireCtx(ctx, triggerRespond)
}

func (l *lifecycle) fail(ctx context.Context, _ ...any) error {
	l.req.resp = classify(l.req.err)
	logger.From(ctx).Error("chat API error",
		"provider", l.req.cfg.Provider,
		"kind", llm.KindOf(l.req.err),
		"status", l.req.resp.Status,
		"error", l.req.err,
	)
	return l.fsm.FireCtx(ctx, triggerRespond)
}

func (l *lifecycle) reject(ctx context.Context, _ ...any) error {
	l.req.conv = nil
	l.req.resp = errorResponse(http.StatusBadRequest, msgInvalidMessages)
	return l.fsm.FireCtx(ctx, triggerRespond)
}
