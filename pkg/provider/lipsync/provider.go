// Package lipsync defines the Provider interface for lip-sync rendering
// backends.
//
// A lip-sync provider turns synthesised audio chunks into matching video
// frames of the user's face model. Submissions and results are keyed by
// (turn, unit, chunk) so the voice core can pair each video frame with its
// audio chunk regardless of rendering order.
package lipsync

import "context"

// Key identifies one audio chunk within a conversation.
type Key struct {
	TurnIndex  int
	UnitIndex  int
	ChunkIndex int
}

// Frame is one rendered video fragment.
type Frame struct {
	// Key pairs the frame with its source audio chunk.
	Key Key

	// Video is the encoded video fragment. Empty when Silent is set.
	Video []byte

	// Silent indicates the renderer degraded this chunk to audio-only
	// (e.g., the face model failed to animate this fragment).
	Silent bool

	// Err is set when rendering this chunk failed. The stream stays open;
	// subsequent chunks may still render.
	Err error
}

// Stream is an open rendering stream bound to one face model.
//
// Callers must call Close when done. All methods must be safe for
// concurrent use.
type Stream interface {
	// Submit queues one audio chunk for rendering. Returns an error when
	// the stream is closed or the renderer is overloaded.
	Submit(key Key, audio []byte) error

	// Frames returns a read-only channel emitting rendered frames, not
	// necessarily in submission order. Closed when the stream ends or
	// fails; check Err after close.
	Frames() <-chan Frame

	// CloseSend signals that no more chunks will be submitted. The renderer
	// flushes pending frames before closing the Frames channel.
	CloseSend() error

	// Err returns the terminal stream error, if any, once Frames is closed.
	Err() error

	// Close aborts the stream and releases all resources. Safe to call more
	// than once.
	Close() error
}

// Provider is the abstraction over any lip-sync rendering backend.
type Provider interface {
	// OpenStream opens a rendering stream for one face model. sampleRate
	// describes the audio that will be submitted.
	OpenStream(ctx context.Context, faceModel string, sampleRate int) (Stream, error)
}
