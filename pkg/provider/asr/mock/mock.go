// Package mock provides an in-memory asr.Provider for tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/mirrortalk/mirrortalk/pkg/provider/asr"
)

// Provider implements asr.Provider with scripted transcripts.
//
// By default every stream emits one interim transcript per received audio
// chunk (the chunk count as text) and a final transcript on CloseSend.
// Use Script to fix the transcripts instead, or FailStart/StreamErr to
// exercise error paths.
type Provider struct {
	mu sync.Mutex

	// Script, when non-empty, is emitted verbatim: all but the last entry as
	// interims, the last as the final transcript.
	Script []string

	// FailStart, when non-nil, is returned by StartStream.
	FailStart error

	// StreamErr, when non-nil, terminates the stream with this error after
	// the first audio chunk.
	StreamErr error

	// Handles records every handle opened, in order.
	Handles []*Handle
}

var _ asr.Provider = (*Provider)(nil)

// StartStream implements asr.Provider.
func (p *Provider) StartStream(_ context.Context, _ asr.StreamConfig) (asr.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailStart != nil {
		return nil, p.FailStart
	}
	h := &Handle{
		provider:    p,
		script:      append([]string(nil), p.Script...),
		streamErr:   p.StreamErr,
		transcripts: make(chan asr.Transcript, 64),
		done:        make(chan struct{}),
	}
	p.Handles = append(p.Handles, h)
	return h, nil
}

// Handle implements asr.StreamHandle.
type Handle struct {
	provider  *Provider
	script    []string
	streamErr error

	transcripts chan asr.Transcript
	done        chan struct{}

	mu        sync.Mutex
	chunks    int
	err       error
	closed    bool
	sendDone  bool
	interimAt int
}

// SendAudio implements asr.StreamHandle. Each chunk produces an interim
// transcript so the core's cadence and interruption logic can be exercised.
func (h *Handle) SendAudio(chunk []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.sendDone {
		return context.Canceled
	}
	h.chunks++

	if h.streamErr != nil {
		h.err = h.streamErr
		h.finish()
		return nil
	}

	var text string
	if len(h.script) > 1 && h.interimAt < len(h.script)-1 {
		text = h.script[h.interimAt]
		h.interimAt++
	} else if len(h.script) == 0 {
		text = strings.Repeat("word ", h.chunks)
	} else {
		return nil
	}
	select {
	case h.transcripts <- asr.Transcript{Text: strings.TrimSpace(text), Final: false, Confidence: 0.5}:
	default:
	}
	return nil
}

// CloseSend implements asr.StreamHandle, emitting the final transcript.
func (h *Handle) CloseSend() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendDone || h.closed {
		return nil
	}
	h.sendDone = true

	final := "final transcript"
	if len(h.script) > 0 {
		final = h.script[len(h.script)-1]
	}
	select {
	case h.transcripts <- asr.Transcript{Text: final, Final: true, Confidence: 0.93}:
	default:
	}
	h.finish()
	return nil
}

// Transcripts implements asr.StreamHandle.
func (h *Handle) Transcripts() <-chan asr.Transcript { return h.transcripts }

// Err implements asr.StreamHandle.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close implements asr.StreamHandle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.finish()
	}
	return nil
}

// Chunks reports how many audio chunks this handle received.
func (h *Handle) Chunks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chunks
}

// finish closes the transcript channel once. Must be called with h.mu held.
func (h *Handle) finish() {
	select {
	case <-h.done:
	default:
		close(h.done)
		close(h.transcripts)
	}
}
