// Package session provides session lifecycle management for the
// conversation core: the per-connection Session and Turn model, the
// Manager that binds connections to sessions, the per-session state
// machine, and the short-term conversation history fed into prompts.
//
// All exported types are safe for concurrent use unless noted otherwise.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TurnStatus is the terminal outcome of a turn.
type TurnStatus string

const (
	TurnCompleted   TurnStatus = "completed"
	TurnInterrupted TurnStatus = "interrupted"
	TurnFailed      TurnStatus = "failed"
)

// StageTimings records per-stage latency for one turn.
type StageTimings struct {
	ASR        time.Duration `json:"asr_ms"`
	RAG        time.Duration `json:"rag_ms"`
	LLMFirst   time.Duration `json:"llm_first_token_ms"`
	TTSFirst   time.Duration `json:"tts_first_chunk_ms"`
	LipSync    time.Duration `json:"lipsync_first_frame_ms"`
	Total      time.Duration `json:"total_latency_ms"`
	RAGTimeout bool          `json:"rag_timeout"`
}

// Turn is one user-utterance → system-reply transaction. Fields are
// mutated only by the owning pipeline controller while the turn is live;
// once Finalize is called the turn is immutable.
type Turn struct {
	ID        string
	SessionID string

	// Index is the turn's position within the session, dense and strictly
	// increasing from 1.
	Index int

	// AudioBytes is the cumulative inbound audio length for the utterance.
	AudioBytes int64

	// Transcript is the final recognised utterance text.
	Transcript string

	// Sources lists the IDs of retrieved knowledge chunks grounding the
	// reply.
	Sources []string

	// Generated is the reply text accumulated from the model stream.
	Generated string

	Timings StageTimings

	StartedAt time.Time

	mu     sync.Mutex
	status TurnStatus
	final  bool
}

// newTurn allocates a turn with the given index.
func newTurn(sessionID string, index int) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Index:     index,
		StartedAt: time.Now(),
	}
}

// Finalize sets the turn's terminal status. The first call wins;
// subsequent calls are ignored so a late failure cannot overwrite an
// interruption.
func (t *Turn) Finalize(status TurnStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final {
		return
	}
	t.final = true
	t.status = status
}

// Status returns the terminal status, or empty while the turn is live.
func (t *Turn) Status() TurnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Finalized reports whether the turn has reached a terminal status.
func (t *Turn) Finalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}

// Session is the long-lived object bound to one client connection.
type Session struct {
	ID     string
	UserID string

	// VoiceModel and FaceModel are opaque handles to the user's enrolled
	// models. Empty FaceModel disables video.
	VoiceModel string
	FaceModel  string

	// LLMProvider and TTSProvider are the user's preferred provider names.
	LLMProvider string
	TTSProvider string

	StartedAt time.Time

	machine *Machine
	history *History

	mu           sync.Mutex
	conn         Conn
	lastActivity time.Time
	turnIndex    int
	current      *Turn
}

// newSession allocates a session for userID bound to conn.
func newSession(userID string, conn Conn, historyTurns int) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		StartedAt:    now,
		machine:      NewMachine(),
		history:      NewHistory(historyTurns),
		conn:         conn,
		lastActivity: now,
	}
	return s
}

// Machine returns the session's state machine.
func (s *Session) Machine() *Machine { return s.machine }

// History returns the session's short-term conversation history.
func (s *Session) History() *History { return s.history }

// Conn returns the currently bound connection, or nil while the session
// is in its reconnect grace window.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Touch records client activity, deferring idle eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent client activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// BeginTurn allocates the session's next turn. It fails if a live turn
// exists; the pipeline must finalize the previous turn first.
func (s *Session) BeginTurn() (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !s.current.Finalized() {
		return nil, errTurnInFlight
	}
	s.turnIndex++
	s.current = newTurn(s.ID, s.turnIndex)
	return s.current, nil
}

// CurrentTurn returns the live turn, or nil when the session is idle.
func (s *Session) CurrentTurn() *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Finalized() {
		return nil
	}
	return s.current
}

// EndTurn finalizes the live turn with status and pushes its exchange
// into the history buffer.
func (s *Session) EndTurn(status TurnStatus) {
	s.mu.Lock()
	turn := s.current
	s.mu.Unlock()
	if turn == nil || turn.Finalized() {
		return
	}
	turn.Finalize(status)
	if turn.Transcript != "" {
		s.history.Push(Exchange{User: turn.Transcript, Reply: turn.Generated})
	}
}

// setConn swaps the bound connection. Called only by the Manager.
func (s *Session) setConn(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.lastActivity = time.Now()
}
