package asr

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/mirrortalk/mirrortalk/internal/twerr"
	asrprov "github.com/mirrortalk/mirrortalk/pkg/provider/asr"
	asrmock "github.com/mirrortalk/mirrortalk/pkg/provider/asr/mock"
)

// pcmFrame builds a 16-bit PCM frame of n samples at the given amplitude.
func pcmFrame(n int, amplitude int16) []byte {
	b := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(amplitude))
	}
	return b
}

func collect(t *testing.T, u *Utterance, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-u.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-deadline:
			return events
		}
	}
}

func TestSequenceGapAbortsUtterance(t *testing.T) {
	s := NewStreamer(&asrmock.Provider{Script: []string{"hi", "hi there"}}, Config{}, nil)
	u, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	loud := pcmFrame(160, 2000)
	if err := u.PushFrame(Frame{Seq: 1, Bytes: loud}); err != nil {
		t.Fatalf("PushFrame(1): %v", err)
	}
	err = u.PushFrame(Frame{Seq: 3, Bytes: loud}) // gap: 2 skipped
	if twerr.CodeOf(err) != twerr.CodeASRError {
		t.Fatalf("got %v, want ASR_ERROR", err)
	}
	if !twerr.IsRecoverable(err) {
		t.Error("sequence-gap abort should be recoverable")
	}

	events := collect(t, u, time.Second)
	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Errorf("last event kind %d, want EventError", last.Kind)
	}
}

func TestVADSilenceEndsUtterance(t *testing.T) {
	s := NewStreamer(&asrmock.Provider{Script: []string{"hello", "hello world"}}, Config{
		VADSilence:     50 * time.Millisecond,
		InterimCadence: time.Nanosecond,
	}, nil)
	u, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	base := time.Now()
	// Speech, then a run of silent frames spanning the threshold.
	if err := u.PushFrame(Frame{Seq: 1, Bytes: pcmFrame(160, 2000), CapturedAt: base}); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	for i := uint64(2); i <= 5; i++ {
		ts := base.Add(time.Duration(i-1) * 25 * time.Millisecond)
		if err := u.PushFrame(Frame{Seq: i, Bytes: pcmFrame(160, 0), CapturedAt: ts}); err != nil {
			t.Fatalf("PushFrame(%d): %v", i, err)
		}
	}

	deadline := time.After(time.Second)
	for {
		select {
		case e, ok := <-u.Events():
			if !ok {
				t.Fatal("events closed without end-of-utterance")
			}
			if e.Kind == EventEndOfUtterance {
				return
			}
		case <-deadline:
			t.Fatal("no end-of-utterance event within 1s")
		}
	}
}

func TestSilenceAloneNeverEndsUtterance(t *testing.T) {
	d := newSilenceDetector(50*time.Millisecond, 0)
	base := time.Now()
	for i := 0; i < 10; i++ {
		if d.observe(pcmFrame(160, 0), base.Add(time.Duration(i)*25*time.Millisecond)) {
			t.Fatal("pure silence fired end-of-utterance without any speech")
		}
	}
}

func TestFinalTranscriptDelivered(t *testing.T) {
	s := NewStreamer(&asrmock.Provider{Script: []string{"inter", "full sentence"}}, Config{}, nil)
	u, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	if err := u.PushFrame(Frame{Seq: 1, Bytes: pcmFrame(160, 2000)}); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	u.EndUtterance()

	events := collect(t, u, time.Second)
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if last.Kind != EventFinal || last.Text != "full sentence" {
		t.Errorf("last event %+v, want final %q", last, "full sentence")
	}
}

func TestInterimCadenceThrottles(t *testing.T) {
	provider := &asrmock.Provider{Script: []string{"a", "ab", "abc", "abcd", "final"}}
	s := NewStreamer(provider, Config{InterimCadence: time.Hour}, nil)
	u, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Close()

	for i := uint64(1); i <= 4; i++ {
		if err := u.PushFrame(Frame{Seq: i, Bytes: pcmFrame(160, 2000)}); err != nil {
			t.Fatalf("PushFrame(%d): %v", i, err)
		}
	}
	u.EndUtterance()

	events := collect(t, u, time.Second)
	interims := 0
	for _, e := range events {
		if e.Kind == EventInterim {
			interims++
		}
	}
	// An hour-long cadence admits exactly the first interim.
	if interims > 1 {
		t.Errorf("%d interims delivered, want at most 1", interims)
	}
	if events[len(events)-1].Kind != EventFinal {
		t.Error("final transcript must pass the throttle")
	}
}

func TestOverloadMapsToASROverload(t *testing.T) {
	u := &Utterance{
		handle:  overloadHandle{},
		events:  make(chan Event, 8),
		local:   make(chan Event, 8),
		done:    make(chan struct{}),
		silence: newSilenceDetector(time.Second, 0),
	}
	err := u.PushFrame(Frame{Seq: 1, Bytes: pcmFrame(160, 2000)})
	if twerr.CodeOf(err) != twerr.CodeASROverload {
		t.Fatalf("got %v, want ASR_OVERLOAD", err)
	}
}

// overloadHandle always reports recognizer overload.
type overloadHandle struct{}

func (overloadHandle) SendAudio([]byte) error                 { return asrprov.ErrOverloaded }
func (overloadHandle) Transcripts() <-chan asrprov.Transcript { return nil }
func (overloadHandle) CloseSend() error                       { return nil }
func (overloadHandle) Err() error                             { return nil }
func (overloadHandle) Close() error                           { return nil }
