package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is a conversation state.
type State string

const (
	StateIdle        State = "idle"
	StateListening   State = "listening"
	StateProcessing  State = "processing"
	StateSpeaking    State = "speaking"
	StateInterrupted State = "interrupted"
	StateError       State = "error"
)

// Trigger is a transition request.
type Trigger string

const (
	// TriggerAudio is inbound audio arriving while idle or listening.
	TriggerAudio Trigger = "audio_chunk"
	// TriggerEndUtterance closes the utterance (explicit frame or VAD
	// silence) and starts the turn.
	TriggerEndUtterance Trigger = "end_utterance"
	// TriggerFinalTranscript hands the final transcript to retrieval.
	TriggerFinalTranscript Trigger = "final_transcript"
	// TriggerFirstChunk marks the first synthesised chunk ready.
	TriggerFirstChunk Trigger = "first_tts_chunk"
	// TriggerDrained marks the reply fully delivered.
	TriggerDrained Trigger = "response_drained"
	// TriggerInterrupt pre-empts the current turn.
	TriggerInterrupt Trigger = "interruption"
	// TriggerStabilized completes the post-interrupt settle and resumes
	// listening.
	TriggerStabilized Trigger = "stabilized"
	// TriggerRecoverable reports a stage failure the session survives; the
	// machine visits error momentarily and returns to the prior state.
	TriggerRecoverable Trigger = "recoverable_failure"
	// TriggerFatal reports an unrecoverable failure; the session lands at
	// idle.
	TriggerFatal Trigger = "fatal_failure"
	// TriggerDisconnect reports the bound connection is gone; the session
	// resets to idle so a reconnect inside the grace window starts fresh.
	TriggerDisconnect Trigger = "disconnected"
)

// Transition is one observed state change.
type Transition struct {
	From State
	To   State
}

// ErrInvalidTransition reports a trigger not admissible from the current
// state. The state is unchanged.
var ErrInvalidTransition = errors.New("session: invalid transition")

var errTurnInFlight = errors.New("session: previous turn not finalized")

// Observer receives state changes. Observers run on the machine's actor
// goroutine and must not block.
type Observer func(Transition)

type fireRequest struct {
	trigger Trigger
	reply   chan error
}

// Machine is the authoritative per-session conversation state machine.
//
// All transitions are serialized through a single-consumer actor
// goroutine, so they never interleave: a rejected trigger returns
// ErrInvalidTransition and leaves the state untouched.
type Machine struct {
	requests chan fireRequest
	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	state     State
	observers []Observer
}

// NewMachine creates a Machine in StateIdle and starts its actor.
func NewMachine() *Machine {
	m := &Machine{
		requests: make(chan fireRequest),
		stop:     make(chan struct{}),
		state:    StateIdle,
	}
	go m.loop()
	return m
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers an observer for subsequent transitions.
func (m *Machine) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Fire requests a transition and waits for the actor's verdict.
func (m *Machine) Fire(ctx context.Context, trigger Trigger) error {
	req := fireRequest{trigger: trigger, reply: make(chan error, 1)}
	select {
	case m.requests <- req:
	case <-m.stop:
		return errors.New("session: state machine closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the actor. Pending Fire calls fail.
func (m *Machine) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Machine) loop() {
	for {
		select {
		case <-m.stop:
			return
		case req := <-m.requests:
			req.reply <- m.apply(req.trigger)
		}
	}
}

// apply runs on the actor goroutine only.
func (m *Machine) apply(trigger Trigger) error {
	from := m.Current()

	if trigger == TriggerRecoverable {
		// Momentary visit to error, then back to the prior steady state.
		m.setState(from, StateError)
		m.setState(StateError, from)
		return nil
	}

	to, ok := next(from, trigger)
	if !ok {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, from)
	}
	if to != from {
		m.setState(from, to)
	}
	return nil
}

func (m *Machine) setState(from, to State) {
	m.mu.Lock()
	m.state = to
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, o := range observers {
		o(Transition{From: from, To: to})
	}
}

// next is the admissible-transition table.
func next(from State, trigger Trigger) (State, bool) {
	switch trigger {
	case TriggerAudio:
		switch from {
		case StateIdle, StateListening:
			return StateListening, true
		}
	case TriggerEndUtterance:
		if from == StateListening {
			return StateProcessing, true
		}
	case TriggerFinalTranscript:
		if from == StateProcessing {
			return StateProcessing, true
		}
	case TriggerFirstChunk:
		if from == StateProcessing {
			return StateSpeaking, true
		}
	case TriggerDrained:
		if from == StateSpeaking {
			return StateIdle, true
		}
	case TriggerInterrupt:
		switch from {
		case StateSpeaking, StateProcessing:
			return StateInterrupted, true
		}
	case TriggerStabilized:
		if from == StateInterrupted {
			return StateListening, true
		}
	case TriggerFatal, TriggerDisconnect:
		return StateIdle, true
	}
	return from, false
}
