package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/mirrortalk/mirrortalk/internal/session"
	"github.com/mirrortalk/mirrortalk/internal/twerr"
)

// EventKind discriminates outbound events bound for the client.
type EventKind string

const (
	EventTranscript    EventKind = "transcript"
	EventResponseStart EventKind = "response_start"
	EventResponseAudio EventKind = "response_audio"
	EventResponseVideo EventKind = "response_video"
	EventResponseEnd   EventKind = "response_end"
	EventStateChanged  EventKind = "state_changed"
	EventWarning       EventKind = "warning"
	EventError         EventKind = "error"
)

// Event is one outbound frame before wire encoding. Which fields are
// populated depends on Kind.
type Event struct {
	Kind      EventKind
	TurnID    string
	TurnIndex int

	// transcript
	Text       string
	Final      bool
	Confidence float64

	// response_start
	Sources []string

	// response_audio / response_video
	Unit        int
	Chunk       int
	Audio       []byte
	Video       []byte
	VideoFormat string

	// response_end
	Status  session.TurnStatus
	Timings session.StageTimings

	// state_changed
	StateFrom string
	StateTo   string

	// warning / error
	Code        twerr.Code
	Message     string
	Recoverable bool
}

// ErrQueueClosed is returned by Push and Pop after Close.
var ErrQueueClosed = errors.New("pipeline: outbound queue closed")

// defaultQueueDepth bounds buffered outbound events per session. A full
// queue blocks the producer, which is how a slow client throttles
// synthesis instead of ballooning memory.
const defaultQueueDepth = 64

// Queue is the bounded per-session outbound buffer between the turn
// pipeline and the websocket writer. Push blocks when full. On
// interruption DropTurn discards the interrupted turn's response
// events wholesale; frames already written to the socket stay written.
type Queue struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once

	// pushMu serialises producers with DropTurn, so slots freed by a
	// drain cannot be claimed before the kept events go back in.
	pushMu sync.Mutex
}

func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Queue{
		ch:   make(chan Event, depth),
		done: make(chan struct{}),
	}
}

// Push enqueues one event, blocking while the queue is full.
func (q *Queue) Push(ctx context.Context, e Event) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	select {
	case q.ch <- e:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next event, blocking while the queue is empty.
func (q *Queue) Pop(ctx context.Context) (Event, error) {
	select {
	case e := <-q.ch:
		return e, nil
	case <-q.done:
		// Drain what was enqueued before Close.
		select {
		case e := <-q.ch:
			return e, nil
		default:
			return Event{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Len reports the number of buffered events.
func (q *Queue) Len() int { return len(q.ch) }

// DropTurn discards buffered response events for the given turn. Other
// event kinds and other turns' events keep their relative order. It
// holds the push lock for the whole drain, so a producer racing the
// drop cannot steal the freed slots and force a kept event out.
func (q *Queue) DropTurn(turnIndex int) int {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	var kept []Event
	dropped := 0
	for {
		select {
		case e := <-q.ch:
			if e.TurnIndex == turnIndex && responseKind(e.Kind) {
				dropped++
				continue
			}
			kept = append(kept, e)
		default:
			// The drain freed at least len(kept) slots and no producer
			// can run while the lock is held.
			for _, e := range kept {
				q.ch <- e
			}
			return dropped
		}
	}
}

func responseKind(k EventKind) bool {
	switch k {
	case EventResponseStart, EventResponseAudio, EventResponseVideo, EventResponseEnd:
		return true
	}
	return false
}

// Close releases blocked producers and consumers.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
