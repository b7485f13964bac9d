// Package asr defines the Provider interface for streaming speech
// recognition backends.
//
// An ASR provider wraps a real-time transcription service and exposes a
// uniform duplex interface: the caller feeds raw PCM audio chunks in and
// receives interim and final [Transcript] values out. The recognition core
// never sees provider SDKs directly; it talks only to [Provider] and
// [StreamHandle].
//
// Implementations must be safe for concurrent use. A single [StreamHandle]
// serves one utterance stream; open one per turn.
package asr

import (
	"context"
	"errors"
)

// ErrOverloaded is returned by SendAudio when the recognizer cannot keep
// up with the incoming audio rate. The caller aborts the utterance rather
// than queueing unboundedly.
var ErrOverloaded = errors.New("asr: recognizer overloaded")

// StreamConfig describes the audio format for a new recognition stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The conversation core feeds
	// 16000 Hz mono.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider auto-detect, if supported.
	Language string
}

// Transcript is a recognition result. Interim transcripts carry Final=false
// and may be revised; a final transcript is authoritative for the utterance.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Final indicates an authoritative result.
	Final bool

	// Confidence is the overall confidence score in [0,1]. May be zero when
	// the provider does not report confidence.
	Confidence float64
}

// StreamHandle is an open recognition stream.
//
// Callers must call Close when the stream is no longer needed; failing to do
// so may leak goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type StreamHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// Calling SendAudio after CloseSend or Close returns an error.
	SendAudio(chunk []byte) error

	// Transcripts returns a read-only channel emitting interim and final
	// [Transcript] values. The channel is closed when the stream ends or
	// fails; callers should check Err after the channel closes.
	Transcripts() <-chan Transcript

	// CloseSend signals end of audio. The provider flushes pending audio and
	// emits its final transcript before closing the Transcripts channel.
	CloseSend() error

	// Err returns the terminal stream error, if any, once Transcripts is
	// closed. nil means the stream ended cleanly.
	Err() error

	// Close aborts the stream and releases all resources. Safe to call more
	// than once.
	Close() error
}

// Provider is the abstraction over any streaming recognition backend.
//
// Implementations must be safe for concurrent use; multiple streams may be
// open simultaneously across sessions.
type Provider interface {
	// StartStream opens a new recognition stream. The returned handle is
	// ready to accept audio immediately. The caller owns the handle and must
	// call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}
