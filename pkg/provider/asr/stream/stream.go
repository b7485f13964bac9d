// Package stream provides an ASR provider speaking the service's framed
// websocket protocol: binary frames carry PCM audio upstream, JSON text
// frames carry transcripts downstream. It implements the asr.Provider
// interface against any recognizer exposing this contract.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/mirrortalk/mirrortalk/pkg/provider/asr"
)

const (
	// audioBuf is the depth of the outbound audio channel. At ~100 ms per
	// chunk this absorbs several seconds of recognizer lag before SendAudio
	// reports overload.
	audioBuf = 64

	// transcriptBuf is the depth of the transcript channel.
	transcriptBuf = 32
)

// ErrOverloaded is returned by SendAudio when the recognizer cannot keep up
// with the incoming audio rate. It wraps asr.ErrOverloaded so callers can
// match it without importing this package.
var ErrOverloaded = fmt.Errorf("asr stream: %w", asr.ErrOverloaded)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHeader adds an HTTP header sent on the websocket dial (e.g., an
// Authorization header for the recognizer).
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers.Set(key, value) }
}

// Provider implements asr.Provider over a websocket duplex stream.
type Provider struct {
	url     string
	headers http.Header
}

var _ asr.Provider = (*Provider)(nil)

// New creates a Provider dialing the recognizer at url.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("asr stream: url must not be empty")
	}
	p := &Provider{url: url, headers: http.Header{}}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startMessage is the JSON handshake sent before any audio.
type startMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language,omitempty"`
}

// transcriptMessage is the JSON frame received from the recognizer.
type transcriptMessage struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// StartStream implements asr.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{HTTPHeader: p.headers})
	if err != nil {
		return nil, fmt.Errorf("asr stream: dial: %w", err)
	}

	start := startMessage{
		Type:       "start",
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Language:   cfg.Language,
	}
	raw, _ := json.Marshal(start)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("asr stream: handshake: %w", err)
	}

	h := &handle{
		conn:        conn,
		audio:       make(chan []byte, audioBuf),
		transcripts: make(chan asr.Transcript, transcriptBuf),
		done:        make(chan struct{}),
	}
	h.wg.Add(2)
	go h.readLoop(ctx)
	go h.writeLoop(ctx)
	return h, nil
}

// handle implements asr.StreamHandle for one websocket stream.
type handle struct {
	conn        *websocket.Conn
	audio       chan []byte
	transcripts chan asr.Transcript
	done        chan struct{}
	wg          sync.WaitGroup

	mu        sync.Mutex
	err       error
	sendDone  bool
	closeOnce sync.Once
}

// SendAudio implements asr.StreamHandle. It never blocks: when the outbound
// buffer is full the recognizer is behind and the caller must abort the
// utterance rather than queue unboundedly.
func (h *handle) SendAudio(chunk []byte) error {
	h.mu.Lock()
	if h.sendDone {
		h.mu.Unlock()
		return errors.New("asr stream: send after CloseSend")
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return errors.New("asr stream: closed")
	default:
	}

	select {
	case h.audio <- chunk:
		return nil
	default:
		return ErrOverloaded
	}
}

// Transcripts implements asr.StreamHandle.
func (h *handle) Transcripts() <-chan asr.Transcript {
	return h.transcripts
}

// CloseSend implements asr.StreamHandle.
func (h *handle) CloseSend() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendDone {
		return nil
	}
	h.sendDone = true
	close(h.audio)
	return nil
}

// Err implements asr.StreamHandle.
func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close implements asr.StreamHandle.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.conn.Close(websocket.StatusNormalClosure, "done")
	})
	return nil
}

// setErr records the first terminal error.
func (h *handle) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// writeLoop drains the audio channel onto the websocket as binary frames,
// then sends the end-of-audio marker.
func (h *handle) writeLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case <-ctx.Done():
			return
		case chunk, ok := <-h.audio:
			if !ok {
				// End of audio: tell the recognizer to flush finals.
				eos, _ := json.Marshal(map[string]string{"type": "end"})
				_ = h.conn.Write(ctx, websocket.MessageText, eos)
				return
			}
			if err := h.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				h.setErr(fmt.Errorf("asr stream: write audio: %w", err))
				return
			}
		}
	}
}

// readLoop decodes transcript frames until the stream ends.
func (h *handle) readLoop(ctx context.Context) {
	defer h.wg.Done()
	defer close(h.transcripts)

	for {
		_, raw, err := h.conn.Read(ctx)
		if err != nil {
			select {
			case <-h.done:
				// Close() was called; a read error here is expected.
			default:
				h.setErr(fmt.Errorf("asr stream: read: %w", err))
			}
			return
		}

		var msg transcriptMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.setErr(fmt.Errorf("asr stream: decode transcript: %w", err))
			return
		}
		if msg.Error != "" {
			h.setErr(fmt.Errorf("asr stream: recognizer: %s", msg.Error))
			return
		}

		t := asr.Transcript{Text: msg.Text, Final: msg.IsFinal, Confidence: msg.Confidence}
		select {
		case h.transcripts <- t:
		case <-h.done:
			return
		case <-ctx.Done():
			return
		}

		if msg.IsFinal {
			return
		}
	}
}
