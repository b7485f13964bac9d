// Package tts defines the Provider interface for streaming text-to-speech
// backends.
//
// A TTS provider converts one synthesis unit (roughly a sentence) into a
// stream of audio chunks. The voice core opens one synthesis per unit and
// may run several units concurrently; ordering across units is the caller's
// concern.
package tts

import "context"

// Request describes one synthesis unit.
type Request struct {
	// Text is the unit text to synthesise.
	Text string

	// VoiceModel is the opaque voice-model handle selecting the user's
	// cloned or stock voice.
	VoiceModel string

	// SampleRate is the desired output sample rate in Hz. Zero means
	// provider default.
	SampleRate int
}

// Chunk is one fragment of synthesised audio.
type Chunk struct {
	// Index is the chunk's position within the unit, starting at 0.
	Index int

	// Audio is raw PCM audio. Empty on a terminal error chunk.
	Audio []byte

	// Final marks the last chunk of the unit.
	Final bool

	// Err is set on a terminal chunk when synthesis failed mid-stream. The
	// channel is closed immediately after an error chunk.
	Err error
}

// Provider is the abstraction over any streaming synthesis backend.
//
// Implementations must be safe for concurrent use; multiple units may be in
// flight at once.
type Provider interface {
	// Synthesize streams audio for one unit. The returned channel is closed
	// when the unit completes, fails (terminal Chunk.Err), or ctx is
	// cancelled. The error return is non-nil only when synthesis cannot
	// start. Callers must drain the channel.
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, error)
}
