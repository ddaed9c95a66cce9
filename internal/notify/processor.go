package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/pkg/idempotency"
)

// handlerName keys inbox entries written by the notifier.
const handlerName = "pharmacy-notifier"

// EventHandler delivers one event.
type EventHandler interface {
	Handle(ctx context.Context, e *events.Event) error
}

// Processor runs an EventHandler at most once per event ID.
type Processor struct {
	inbox   *idempotency.Inbox
	handler EventHandler
	logger  *zap.Logger
}

// NewProcessor creates a processor.
func NewProcessor(inbox *idempotency.Inbox, handler EventHandler, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{inbox: inbox, handler: handler, logger: logger}
}

// Decode parses a relayed event envelope.
func Decode(raw []byte) (*events.Event, error) {
	var e events.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		return nil, errors.New("event has no id")
	}
	return &e, nil
}

// Process handles e through the inbox. Errors that retrying cannot fix are
// returned wrapped with backoff.Permanent.
func (p *Processor) Process(ctx context.Context, e *events.Event, raw []byte) error {
	if cid := e.CorrelationID; cid != "" {
		ctx = events.WithCorrelationID(ctx, cid)
	}

	res, err := p.inbox.Process(ctx, e.ID, handlerName, raw, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := p.handler.Handle(ctx, e); err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return nil, idempotency.Terminal(err)
			}
			return nil, err
		}
		return json.RawMessage(`{"delivered":true}`), nil
	})

	switch {
	case err == nil:
		if res.Duplicate {
			p.logger.Debug("duplicate event skipped", zap.String("event_id", e.ID))
		}
		return nil
	case idempotency.IsTerminal(err), errors.Is(err, idempotency.ErrPreviouslyFailed):
		return backoff.Permanent(err)
	default:
		return err
	}
}
