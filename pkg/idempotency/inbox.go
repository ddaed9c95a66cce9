// Package idempotency implements the inbox pattern: each message key is
// claimed before its handler runs, so redelivered messages are processed at
// most once successfully.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox record.
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Store persists inbox entries.
type Store interface {
	// Claim marks key STARTED if it is new, RECOVERABLE, or STARTED longer
	// than staleAfter. It reports whether the claim succeeded and returns the
	// existing entry when it did not.
	Claim(ctx context.Context, e *Entry, staleAfter time.Duration) (bool, *Entry, error)
	// Complete records the final status and result of a claimed key.
	Complete(ctx context.Context, key string, status Status, result json.RawMessage) error
	// DeleteExpired removes entries whose ExpiresAt is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

var (
	// ErrMessageInProgress indicates another consumer holds the claim.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed terminally before.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// terminalError marks handler errors that must not be retried.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the inbox records the key as FAILED.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was wrapped with Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long entries are kept for duplicate detection.
	TTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned.
	RecoveryTimeout time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
		CleanupInterval: time.Hour,
	}
}

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates an inbox over store.
func New(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Duplicate is set when the key had already finished; Result then holds
	// the stored result and the handler did not run.
	Duplicate bool
	Result    json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process claims key and runs fn. Handler errors leave the key RECOVERABLE
// unless wrapped with Terminal.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	now := i.now()
	claimed, existing, err := i.store.Claim(ctx, &Entry{
		Key:       key,
		Handler:   handler,
		Status:    StatusStarted,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(i.config.TTL),
	}, i.config.RecoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}

	if !claimed {
		switch existing.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: existing.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		default:
			return nil, ErrMessageInProgress
		}
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Complete(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.Complete(ctx, key, StatusFinished, result); err != nil {
		// The handler already ran; a redelivery would see a stale STARTED
		// entry and run it again after RecoveryTimeout.
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{Result: result}, nil
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	i.started = true
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	if i.started {
		<-i.done
	}
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			n, err := i.store.DeleteExpired(i.ctx, i.now())
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}
