// Package stream provides a TTS provider speaking the service's framed
// websocket protocol: one JSON handshake per unit upstream, binary audio
// frames downstream, a JSON control frame signalling end or error.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/mirrortalk/mirrortalk/pkg/provider/tts"
)

// chunkBuf is the depth of the audio chunk channel.
const chunkBuf = 32

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHeader adds an HTTP header sent on the websocket dial.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers.Set(key, value) }
}

// Provider implements tts.Provider over a websocket stream, one dial per
// synthesis unit.
type Provider struct {
	url     string
	headers http.Header
}

var _ tts.Provider = (*Provider)(nil)

// New creates a Provider dialing the synthesiser at url.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("tts stream: url must not be empty")
	}
	p := &Provider{url: url, headers: http.Header{}}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesizeMessage is the JSON handshake opening one unit.
type synthesizeMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	VoiceModel string `json:"voice_model"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// controlMessage is a JSON text frame from the synthesiser. Audio itself
// arrives as binary frames; text frames carry only end/error control.
type controlMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	if req.Text == "" {
		return nil, errors.New("tts stream: text must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{HTTPHeader: p.headers})
	if err != nil {
		return nil, fmt.Errorf("tts stream: dial: %w", err)
	}

	start := synthesizeMessage{
		Type:       "synthesize",
		Text:       req.Text,
		VoiceModel: req.VoiceModel,
		SampleRate: req.SampleRate,
	}
	raw, _ := json.Marshal(start)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("tts stream: handshake: %w", err)
	}

	ch := make(chan tts.Chunk, chunkBuf)
	go readAudio(ctx, conn, ch)
	return ch, nil
}

// readAudio receives frames until the synthesiser signals end or error.
// Binary frames are audio chunks; text frames are control.
func readAudio(ctx context.Context, conn *websocket.Conn, ch chan<- tts.Chunk) {
	defer close(ch)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	index := 0
	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			emit(ctx, ch, tts.Chunk{Index: index, Err: fmt.Errorf("tts stream: read: %w", err)})
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if !emit(ctx, ch, tts.Chunk{Index: index, Audio: raw}) {
				return
			}
			index++
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				emit(ctx, ch, tts.Chunk{Index: index, Err: fmt.Errorf("tts stream: decode control: %w", err)})
				return
			}
			if msg.Error != "" {
				emit(ctx, ch, tts.Chunk{Index: index, Err: fmt.Errorf("tts stream: synthesiser: %s", msg.Error)})
				return
			}
			if msg.Type == "end" {
				emit(ctx, ch, tts.Chunk{Index: index, Final: true})
				return
			}
		}
	}
}

func emit(ctx context.Context, ch chan<- tts.Chunk, c tts.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
