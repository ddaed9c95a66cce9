package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func testConfig() Config {
	return Config{Workers: 4, QueueSize: 16, MaxRetries: 2, RetryDelay: time.Millisecond, ShutdownTimeout: time.Second}
}

func TestSubmitWait_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	p, err := New(testConfig(), func(ctx context.Context, task *Task) error {
		if calls.Add(1) < 3 {
			return errors.New("webhook 503")
		}
		return nil
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	defer p.Stop()

	if err := p.SubmitWait(context.Background(), &Task{ID: "t1"}); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if s := p.Stats(); s.TasksRetried != 2 || s.TasksCompleted != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSubmitWait_GivesUp(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	p, _ := New(testConfig(), func(context.Context, *Task) error {
		calls.Add(1)
		return boom
	}, zaptest.NewLogger(t))
	p.Start()
	defer p.Stop()

	err := p.SubmitWait(context.Background(), &Task{ID: "t1"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
	if p.Stats().TasksFailed != 1 {
		t.Errorf("failed = %d", p.Stats().TasksFailed)
	}
}

func TestSubmitWait_PermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	bad := errors.New("webhook 400")
	p, _ := New(testConfig(), func(context.Context, *Task) error {
		calls.Add(1)
		return backoff.Permanent(bad)
	}, zaptest.NewLogger(t))
	p.Start()
	defer p.Stop()

	if err := p.SubmitWait(context.Background(), &Task{ID: "t1"}); !errors.Is(err, bad) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSubmitWait_Concurrent(t *testing.T) {
	var running, peak atomic.Int32
	p, _ := New(testConfig(), func(context.Context, *Task) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}, zaptest.NewLogger(t))
	p.Start()
	defer p.Stop()

	var g errgroup.Group
	for i := 0; i < 40; i++ {
		g.Go(func() error {
			return p.SubmitWait(context.Background(), &Task{ID: "t"})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if peak.Load() > 4 {
		t.Errorf("peak concurrency = %d, want <= 4 workers", peak.Load())
	}
	if p.Stats().TasksCompleted != 40 {
		t.Errorf("completed = %d", p.Stats().TasksCompleted)
	}
}

func TestSubmit_AfterStop(t *testing.T) {
	p, _ := New(testConfig(), func(context.Context, *Task) error { return nil }, zaptest.NewLogger(t))
	p.Start()
	p.Stop()
	p.Stop()

	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit err = %v, want ErrStopped", err)
	}
	if err := p.SubmitWait(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("SubmitWait err = %v, want ErrStopped", err)
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	p, _ := New(cfg, func(context.Context, *Task) error { return nil }, zaptest.NewLogger(t))

	if err := p.Submit(&Task{ID: "a"}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := p.Submit(&Task{ID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	p.Start()
	p.Stop()
}
