package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/medisync/go-cpf/internal/domain/events"
)

type recordingPublisher struct {
	mu   sync.Mutex
	fail bool
	sent map[string][][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	if p.sent == nil {
		p.sent = make(map[string][][]byte)
	}
	p.sent[topic] = append(p.sent[topic], value)
	return nil
}

func TestOutbox_RelayAndDeadLetter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	emit := func() {
		t.Helper()
		err := store.InTx(ctx, func(ctx context.Context) error {
			return events.Emit(ctx, store, events.AggregatePrescription, 9, events.EventPrescriptionIssued,
				events.PrescriptionData{PrescriptionID: 9, PickupToken: "1234"})
		})
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	pub := &recordingPublisher{}
	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 2
	outbox := NewOutbox(store.pool, pub, cfg, nil, zaptest.NewLogger(t))

	emit()
	n, err := outbox.ProcessBatch(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ProcessBatch = %d, %v; want 1", n, err)
	}
	msgs := pub.sent[events.TopicPrescriptions]
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	var e events.Event
	if err := json.Unmarshal(msgs[0], &e); err != nil || e.EventType != events.EventPrescriptionIssued {
		t.Fatalf("published envelope = %s (%v)", msgs[0], err)
	}

	// A second entry fails until it is dead-lettered.
	emit()
	pub.fail = true
	for i := 0; i < cfg.MaxRetries; i++ {
		if n, _ := outbox.ProcessBatch(ctx); n != 0 {
			t.Fatalf("attempt %d published %d", i, n)
		}
	}
	stats, err := outbox.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Pending != 0 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 0 pending, 1 failed", stats)
	}

	pub.fail = false
	moved, err := outbox.MoveToDeadLetter(ctx)
	if err != nil || moved != 1 {
		t.Fatalf("MoveToDeadLetter = %d, %v; want 1", moved, err)
	}
	if len(pub.sent[events.TopicDeadLetter]) != 1 {
		t.Errorf("dead-letter messages = %d, want 1", len(pub.sent[events.TopicDeadLetter]))
	}
}
