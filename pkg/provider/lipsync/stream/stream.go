// Package stream provides a lip-sync provider speaking the service's framed
// websocket protocol. Each direction carries single JSON frames; audio and
// video payloads travel base64-encoded inside them, keyed by
// (turn, unit, chunk) so frames pair with their source audio out of order.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/mirrortalk/mirrortalk/pkg/provider/lipsync"
)

const (
	submitBuf = 32
	frameBuf  = 32
)

// ErrOverloaded is returned by Submit when the renderer cannot keep up.
var ErrOverloaded = errors.New("lipsync stream: renderer cannot keep up")

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHeader adds an HTTP header sent on the websocket dial.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers.Set(key, value) }
}

// Provider implements lipsync.Provider over a websocket duplex stream.
type Provider struct {
	url     string
	headers http.Header
}

var _ lipsync.Provider = (*Provider)(nil)

// New creates a Provider dialing the renderer at url.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("lipsync stream: url must not be empty")
	}
	p := &Provider{url: url, headers: http.Header{}}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startMessage is the JSON handshake opening a rendering stream.
type startMessage struct {
	Type       string `json:"type"`
	FaceModel  string `json:"face_model"`
	SampleRate int    `json:"sample_rate"`
}

// chunkMessage carries one audio chunk to the renderer.
type chunkMessage struct {
	Type  string `json:"type"`
	Turn  int    `json:"turn"`
	Unit  int    `json:"unit"`
	Chunk int    `json:"chunk"`
	Audio []byte `json:"audio"`
}

// frameMessage is a rendered frame (or error) from the renderer.
type frameMessage struct {
	Type   string `json:"type"`
	Turn   int    `json:"turn"`
	Unit   int    `json:"unit"`
	Chunk  int    `json:"chunk"`
	Video  []byte `json:"video,omitempty"`
	Silent bool   `json:"silent,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OpenStream implements lipsync.Provider.
func (p *Provider) OpenStream(ctx context.Context, faceModel string, sampleRate int) (lipsync.Stream, error) {
	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{HTTPHeader: p.headers})
	if err != nil {
		return nil, fmt.Errorf("lipsync stream: dial: %w", err)
	}

	start := startMessage{Type: "start", FaceModel: faceModel, SampleRate: sampleRate}
	raw, _ := json.Marshal(start)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("lipsync stream: handshake: %w", err)
	}

	s := &streamHandle{
		conn:    conn,
		submits: make(chan chunkMessage, submitBuf),
		frames:  make(chan lipsync.Frame, frameBuf),
		done:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

// streamHandle implements lipsync.Stream for one websocket stream.
type streamHandle struct {
	conn    *websocket.Conn
	submits chan chunkMessage
	frames  chan lipsync.Frame
	done    chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	err       error
	sendDone  bool
	closeOnce sync.Once
}

// Submit implements lipsync.Stream. It never blocks: a full submit buffer
// means the renderer is behind and the caller should degrade to audio-only
// rather than queue unboundedly.
func (s *streamHandle) Submit(key lipsync.Key, audio []byte) error {
	s.mu.Lock()
	if s.sendDone {
		s.mu.Unlock()
		return errors.New("lipsync stream: submit after CloseSend")
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return errors.New("lipsync stream: closed")
	default:
	}

	msg := chunkMessage{Type: "chunk", Turn: key.TurnIndex, Unit: key.UnitIndex, Chunk: key.ChunkIndex, Audio: audio}
	select {
	case s.submits <- msg:
		return nil
	default:
		return ErrOverloaded
	}
}

// Frames implements lipsync.Stream.
func (s *streamHandle) Frames() <-chan lipsync.Frame { return s.frames }

// CloseSend implements lipsync.Stream.
func (s *streamHandle) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return nil
	}
	s.sendDone = true
	close(s.submits)
	return nil
}

// Err implements lipsync.Stream.
func (s *streamHandle) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements lipsync.Stream.
func (s *streamHandle) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "done")
	})
	return nil
}

func (s *streamHandle) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// writeLoop forwards queued chunks to the renderer, then the end marker.
func (s *streamHandle) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-s.submits:
			if !ok {
				eos, _ := json.Marshal(map[string]string{"type": "end"})
				_ = s.conn.Write(ctx, websocket.MessageText, eos)
				return
			}
			raw, _ := json.Marshal(msg)
			if err := s.conn.Write(ctx, websocket.MessageText, raw); err != nil {
				s.setErr(fmt.Errorf("lipsync stream: write chunk: %w", err))
				return
			}
		}
	}
}

// readLoop decodes frames until the renderer signals end of stream.
func (s *streamHandle) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)

	for {
		_, raw, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(fmt.Errorf("lipsync stream: read: %w", err))
			}
			return
		}

		var msg frameMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.setErr(fmt.Errorf("lipsync stream: decode frame: %w", err))
			return
		}
		if msg.Type == "end" {
			return
		}

		f := lipsync.Frame{
			Key:    lipsync.Key{TurnIndex: msg.Turn, UnitIndex: msg.Unit, ChunkIndex: msg.Chunk},
			Video:  msg.Video,
			Silent: msg.Silent,
		}
		if msg.Error != "" {
			f.Err = fmt.Errorf("lipsync stream: renderer: %s", msg.Error)
		}

		select {
		case s.frames <- f:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
