// Package asr is the recognition stage of the turn pipeline. It feeds
// inbound audio frames to a streaming recognizer, throttles interim
// transcripts to a client-friendly cadence, enforces the strict frame
// sequence contract, and detects the silence-based end of utterance when
// the client does not send one explicitly.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirrortalk/mirrortalk/internal/twerr"
	asrprov "github.com/mirrortalk/mirrortalk/pkg/provider/asr"
)

// EventKind discriminates utterance events.
type EventKind int

const (
	// EventInterim is a provisional transcript for live feedback.
	EventInterim EventKind = iota
	// EventFinal is the authoritative transcript; it ends the event stream.
	EventFinal
	// EventEndOfUtterance reports VAD silence; the caller should finish the
	// utterance as if the client had sent end_utterance.
	EventEndOfUtterance
	// EventError is a terminal failure; the turn aborts.
	EventError
)

// Event is one occurrence within an utterance.
type Event struct {
	Kind       EventKind
	Text       string
	Confidence float64
	Err        error
}

// Frame is one inbound audio frame.
type Frame struct {
	Seq        uint64
	Bytes      []byte
	CapturedAt time.Time
}

// Config tunes the streamer. Zero values select the defaults.
type Config struct {
	SampleRate      int           // default 16000
	Language        string        // recognizer language hint
	VADSilence      time.Duration // default 500ms
	InterimCadence  time.Duration // default 300ms
	EnergyThreshold float64       // default RMS 500
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.VADSilence <= 0 {
		c.VADSilence = 500 * time.Millisecond
	}
	if c.InterimCadence <= 0 {
		c.InterimCadence = 300 * time.Millisecond
	}
}

// Streamer opens recognition utterances against a provider. Safe for
// concurrent use across sessions.
type Streamer struct {
	provider asrprov.Provider
	cfg      Config
	logger   *slog.Logger
}

// NewStreamer creates a Streamer. logger may be nil.
func NewStreamer(provider asrprov.Provider, cfg Config, logger *slog.Logger) *Streamer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{provider: provider, cfg: cfg, logger: logger}
}

// Start opens a recognition stream for one utterance.
func (s *Streamer) Start(ctx context.Context) (*Utterance, error) {
	handle, err := s.provider.StartStream(ctx, asrprov.StreamConfig{
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
		Language:   s.cfg.Language,
	})
	if err != nil {
		return nil, twerr.New(twerr.CodeASRError, fmt.Errorf("asr: start stream: %w", err))
	}

	u := &Utterance{
		handle:  handle,
		cfg:     s.cfg,
		logger:  s.logger,
		events:  make(chan Event, 32),
		local:   make(chan Event, 8),
		done:    make(chan struct{}),
		silence: newSilenceDetector(s.cfg.VADSilence, s.cfg.EnergyThreshold),
	}
	go u.run(ctx)
	return u, nil
}

// Utterance is one open recognition stream plus its core-side state:
// sequence checking, interim throttling, and silence detection.
//
// PushFrame and EndUtterance must be called from a single goroutine (the
// session controller); Events may be consumed elsewhere.
type Utterance struct {
	handle  asrprov.StreamHandle
	cfg     Config
	logger  *slog.Logger
	events  chan Event
	local   chan Event // controller-originated events merged into the stream
	done    chan struct{}
	silence *silenceDetector

	haveSeq     bool
	lastSeq     uint64
	audioBytes  int64
	lastInterim time.Time

	closeOnce sync.Once
	endOnce   sync.Once
}

// Events returns the utterance's event stream. It is closed after an
// EventFinal or EventError is delivered, or when the utterance is closed.
func (u *Utterance) Events() <-chan Event { return u.events }

// AudioBytes reports the cumulative inbound audio length.
func (u *Utterance) AudioBytes() int64 { return u.audioBytes }

// PushFrame forwards one audio frame to the recognizer.
//
// A sequence gap (anything but previous+1) aborts the utterance with a
// recoverable ASR_ERROR. A recognizer that cannot keep up aborts with
// ASR_OVERLOAD; the audio intake itself is never paused.
func (u *Utterance) PushFrame(frame Frame) error {
	if u.haveSeq && frame.Seq != u.lastSeq+1 {
		err := twerr.New(twerr.CodeASRError,
			fmt.Errorf("asr: sequence gap: got %d after %d", frame.Seq, u.lastSeq))
		u.post(Event{Kind: EventError, Err: err})
		return err
	}
	u.haveSeq = true
	u.lastSeq = frame.Seq
	u.audioBytes += int64(len(frame.Bytes))

	ts := frame.CapturedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	if err := u.handle.SendAudio(frame.Bytes); err != nil {
		var terr *twerr.Error
		if errors.Is(err, asrprov.ErrOverloaded) {
			terr = twerr.New(twerr.CodeASROverload, err)
		} else {
			terr = twerr.New(twerr.CodeASRError, fmt.Errorf("asr: send audio: %w", err))
		}
		u.post(Event{Kind: EventError, Err: terr})
		return terr
	}

	if u.silence.observe(frame.Bytes, ts) {
		u.post(Event{Kind: EventEndOfUtterance})
	}
	return nil
}

// EndUtterance signals end of audio; the recognizer flushes its final
// transcript. Safe to call more than once.
func (u *Utterance) EndUtterance() {
	u.endOnce.Do(func() {
		if err := u.handle.CloseSend(); err != nil {
			u.post(Event{Kind: EventError, Err: twerr.New(twerr.CodeASRError, fmt.Errorf("asr: close send: %w", err))})
		}
	})
}

// Close aborts the utterance and releases the recognition stream.
func (u *Utterance) Close() {
	u.closeOnce.Do(func() {
		close(u.done)
		_ = u.handle.Close()
	})
}

// post hands a controller-side event to the run loop. The local channel
// is never closed, so this cannot panic after the stream ends.
func (u *Utterance) post(e Event) {
	select {
	case u.local <- e:
	case <-u.done:
	}
}

// run merges recognizer transcripts and controller events into the single
// outbound event stream. It is the only goroutine that sends on or closes
// u.events.
func (u *Utterance) run(ctx context.Context) {
	defer close(u.events)

	deliver := func(e Event) bool {
		select {
		case u.events <- e:
			return true
		case <-u.done:
			return false
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-u.done:
			return
		case <-ctx.Done():
			return
		case e := <-u.local:
			if !deliver(e) {
				return
			}
			if e.Kind == EventError {
				u.Close()
				return
			}
		case t, ok := <-u.handle.Transcripts():
			if !ok {
				if err := u.handle.Err(); err != nil {
					deliver(Event{Kind: EventError, Err: twerr.New(twerr.CodeASRError, err)})
					u.Close()
				}
				return
			}
			if t.Final {
				deliver(Event{Kind: EventFinal, Text: t.Text, Confidence: t.Confidence})
				return
			}
			now := time.Now()
			if now.Sub(u.lastInterim) < u.cfg.InterimCadence {
				continue
			}
			u.lastInterim = now
			if !deliver(Event{Kind: EventInterim, Text: t.Text, Confidence: t.Confidence}) {
				return
			}
		}
	}
}
