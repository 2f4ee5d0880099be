package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"workspace-assistant/internal/models"
)

// Enqueuer hands a turn to whatever runs it: the Redis queue in production,
// the orchestrator inline in tests and single-process runs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req TurnRequest) error
}

// EnqueueFunc adapts a function to Enqueuer.
type EnqueueFunc func(ctx context.Context, req TurnRequest) error

func (f EnqueueFunc) Enqueue(ctx context.Context, req TurnRequest) error { return f(ctx, req) }

// Inline runs turns synchronously on the caller's goroutine.
func Inline(o *Orchestrator) Enqueuer {
	return EnqueueFunc(func(ctx context.Context, req TurnRequest) error {
		_, err := o.Run(ctx, req)
		return err
	})
}

// ConversationReader is what the dispatcher needs to find recipients.
type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
}

// Dispatcher turns a newly created human message into one SYSTEM_EVENT turn
// per recipient.
type Dispatcher struct {
	store  ConversationReader
	enq    Enqueuer
	logger *zap.Logger
}

func NewDispatcher(st ConversationReader, enq Enqueuer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: st, enq: enq, logger: logger}
}

// MessageCreated enqueues a turn for every conversation member except the
// sender. Messages the assistant sent do not dispatch, so two assistants never
// answer each other. It returns the number of turns enqueued.
func (d *Dispatcher) MessageCreated(ctx context.Context, msg models.Message) (int, error) {
	if msg.ViaAssistant {
		return 0, nil
	}
	conv, err := d.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return 0, fmt.Errorf("load conversation: %w", err)
	}
	obs := SystemEventPayload{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		IsDM:           conv.Kind == models.ConversationDM,
	}
	var (
		n    int
		errs []error
	)
	for _, member := range conv.MemberIDs {
		if member == msg.SenderID {
			continue
		}
		if err := d.enq.Enqueue(ctx, NewSystemEvent(member, obs)); err != nil {
			d.logger.Warn("dispatch failed", zap.String("user_id", member), zap.String("message_id", msg.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("dispatch to %s: %w", member, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
