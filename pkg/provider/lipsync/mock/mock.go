// Package mock provides a scripted lipsync.Provider for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/mirrortalk/mirrortalk/pkg/provider/lipsync"
)

// Provider opens mock rendering streams that echo each submitted audio
// chunk back as a video frame with the same bytes.
type Provider struct {
	// FailOpen, when non-nil, is returned from OpenStream.
	FailOpen error

	// SilentKeys marks submissions whose frames come back Silent with no
	// video, exercising audio-only degradation.
	SilentKeys map[lipsync.Key]bool

	// Hold, when non-nil, delays each frame until the channel is closed.
	Hold chan struct{}

	mu      sync.Mutex
	streams []*Stream
}

var _ lipsync.Provider = (*Provider)(nil)

// Streams returns every stream opened so far.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.streams))
	copy(out, p.streams)
	return out
}

// OpenStream implements lipsync.Provider.
func (p *Provider) OpenStream(ctx context.Context, faceModel string, sampleRate int) (lipsync.Stream, error) {
	if p.FailOpen != nil {
		return nil, p.FailOpen
	}
	s := &Stream{
		FaceModel:  faceModel,
		SampleRate: sampleRate,
		parent:     p,
		frames:     make(chan lipsync.Frame, 64),
		done:       make(chan struct{}),
	}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

// Stream is a mock rendering stream. Submitted audio echoes back as video.
type Stream struct {
	FaceModel  string
	SampleRate int

	parent *Provider
	frames chan lipsync.Frame
	done   chan struct{}

	mu        sync.Mutex
	submitted []lipsync.Key
	sendDone  bool
	pending   sync.WaitGroup
	closeOnce sync.Once
}

var _ lipsync.Stream = (*Stream)(nil)

// Submitted returns the keys submitted so far, in order.
func (s *Stream) Submitted() []lipsync.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]lipsync.Key, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// Submit implements lipsync.Stream.
func (s *Stream) Submit(key lipsync.Key, audio []byte) error {
	s.mu.Lock()
	if s.sendDone {
		s.mu.Unlock()
		return errors.New("lipsync mock: submit after CloseSend")
	}
	s.submitted = append(s.submitted, key)
	s.mu.Unlock()

	f := lipsync.Frame{Key: key, Video: audio}
	if s.parent.SilentKeys[key] {
		f = lipsync.Frame{Key: key, Silent: true}
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if s.parent.Hold != nil {
			select {
			case <-s.parent.Hold:
			case <-s.done:
				return
			}
		}
		select {
		case s.frames <- f:
		case <-s.done:
		}
	}()
	return nil
}

// Frames implements lipsync.Stream.
func (s *Stream) Frames() <-chan lipsync.Frame { return s.frames }

// CloseSend implements lipsync.Stream.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendDone = true
	return nil
}

// Err implements lipsync.Stream.
func (s *Stream) Err() error { return nil }

// Close implements lipsync.Stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pending.Wait()
		close(s.frames)
	})
	return nil
}
