package session

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func fire(t *testing.T, m *Machine, trigger Trigger) {
	t.Helper()
	if err := m.Fire(context.Background(), trigger); err != nil {
		t.Fatalf("Fire(%s) from %s: %v", trigger, m.Current(), err)
	}
}

func TestHappyPathTransitions(t *testing.T) {
	m := NewMachine()
	defer m.Close()

	steps := []struct {
		trigger Trigger
		want    State
	}{
		{TriggerAudio, StateListening},
		{TriggerAudio, StateListening},
		{TriggerEndUtterance, StateProcessing},
		{TriggerFinalTranscript, StateProcessing},
		{TriggerFirstChunk, StateSpeaking},
		{TriggerDrained, StateIdle},
	}
	for _, step := range steps {
		fire(t, m, step.trigger)
		if got := m.Current(); got != step.want {
			t.Fatalf("after %s: state %s, want %s", step.trigger, got, step.want)
		}
	}
}

func TestInterruptFromSpeakingAndProcessing(t *testing.T) {
	for _, start := range []Trigger{TriggerFirstChunk, TriggerFinalTranscript} {
		m := NewMachine()
		fire(t, m, TriggerAudio)
		fire(t, m, TriggerEndUtterance)
		if start == TriggerFirstChunk {
			fire(t, m, TriggerFirstChunk)
		}

		fire(t, m, TriggerInterrupt)
		if got := m.Current(); got != StateInterrupted {
			t.Errorf("state %s, want interrupted", got)
		}
		fire(t, m, TriggerStabilized)
		if got := m.Current(); got != StateListening {
			t.Errorf("state %s, want listening", got)
		}
		m.Close()
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := NewMachine()
	defer m.Close()

	err := m.Fire(context.Background(), TriggerDrained) // idle cannot drain
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	if got := m.Current(); got != StateIdle {
		t.Errorf("state %s, want idle after rejected trigger", got)
	}
}

func TestInterruptWhileIdleRejected(t *testing.T) {
	m := NewMachine()
	defer m.Close()

	if err := m.Fire(context.Background(), TriggerInterrupt); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestRecoverableFailureVisitsErrorAndReturns(t *testing.T) {
	m := NewMachine()
	defer m.Close()

	var mu sync.Mutex
	var seen []Transition
	m.Subscribe(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})

	fire(t, m, TriggerAudio)
	fire(t, m, TriggerEndUtterance)
	fire(t, m, TriggerRecoverable)

	if got := m.Current(); got != StateProcessing {
		t.Fatalf("state %s, want processing restored", got)
	}

	mu.Lock()
	defer mu.Unlock()
	n := len(seen)
	if n < 4 {
		t.Fatalf("saw %d transitions, want at least 4", n)
	}
	if seen[n-2] != (Transition{From: StateProcessing, To: StateError}) {
		t.Errorf("penultimate transition %+v, want processing→error", seen[n-2])
	}
	if seen[n-1] != (Transition{From: StateError, To: StateProcessing}) {
		t.Errorf("last transition %+v, want error→processing", seen[n-1])
	}
}

func TestFatalFailureLandsAtIdle(t *testing.T) {
	m := NewMachine()
	defer m.Close()

	fire(t, m, TriggerAudio)
	fire(t, m, TriggerEndUtterance)
	fire(t, m, TriggerFirstChunk)
	fire(t, m, TriggerFatal)
	if got := m.Current(); got != StateIdle {
		t.Errorf("state %s, want idle after fatal failure", got)
	}
}

func TestConcurrentFiresAreSerialized(t *testing.T) {
	m := NewMachine()
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Fire(context.Background(), TriggerAudio)
		}()
	}
	wg.Wait()

	if got := m.Current(); got != StateListening {
		t.Errorf("state %s, want listening", got)
	}
}
