package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type clientError struct{}

func (clientError) Error() string { return "400 bad request" }

func TestBreaker_TripsAndRecovers(t *testing.T) {
	var mu sync.Mutex
	var transitions []State

	cfg := DefaultConfig("pharmacy-display")
	cfg.FailureThreshold = 2
	cfg.Timeout = 20 * time.Millisecond
	cfg.OnStateChange = func(name string, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}
	cb, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	down := errors.New("503")

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func(context.Context) error { return down }); !errors.Is(err, down) {
			t.Fatalf("call %d err = %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	err = cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("open breaker ran the call or err = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := cb.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	cfg := DefaultConfig("display")
	cfg.FailureThreshold = 1
	cfg.IsSuccessful = func(err error) bool {
		var ce clientError
		return err == nil || errors.As(err, &ce)
	}
	cb, _ := New(cfg, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return clientError{} })
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestManager_OneBreakerPerName(t *testing.T) {
	m := NewManager(DefaultConfig(""), zaptest.NewLogger(t))
	a, _ := m.Get("a")
	again, _ := m.Get("a")
	b, _ := m.Get("b")
	if a != again || a == b {
		t.Error("manager did not reuse breakers by name")
	}
	if n := len(m.Health()); n != 2 {
		t.Errorf("health entries = %d, want 2", n)
	}
}

func TestStateValue(t *testing.T) {
	if StateClosed.Value() != 0 || StateHalfOpen.Value() != 1 || StateOpen.Value() != 2 {
		t.Error("unexpected gauge values")
	}
}
