// Package voicestream is the synthesis stage of the turn pipeline. For
// each synthesis unit it streams TTS audio, pairs every audio chunk with
// its lip-sync video frame when video is enabled, and adapts delivery
// quality per session from network measurements.
package voicestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mirrortalk/mirrortalk/internal/twerr"
	"github.com/mirrortalk/mirrortalk/pkg/provider/lipsync"
	"github.com/mirrortalk/mirrortalk/pkg/provider/tts"
)

// ErrUnitSkipped reports that a unit failed synthesis twice and was
// dropped; delivery continues with subsequent units.
var ErrUnitSkipped = errors.New("voicestream: unit skipped after retry")

// Frame is one paired outbound chunk: audio plus optional video.
type Frame struct {
	Unit  int
	Chunk int
	Audio []byte
	// Video is nil when the mode is audio-only or the renderer degraded.
	Video       []byte
	VideoFormat string
	// Final marks the unit's last chunk.
	Final bool
}

// Config tunes the synthesizer. Zero values select the defaults.
type Config struct {
	SampleRate int // default 16000

	// VideoWait caps how long a ready audio chunk waits for its video
	// frame before shipping audio-only. Default 375ms.
	VideoWait time.Duration

	// VideoFormat tags outbound video frames. Default "h264".
	VideoFormat string
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.VideoWait <= 0 {
		c.VideoWait = 375 * time.Millisecond
	}
	if c.VideoFormat == "" {
		c.VideoFormat = "h264"
	}
}

// Synthesizer produces paired audio/video frames per turn. Safe for
// concurrent use across sessions.
type Synthesizer struct {
	tts     tts.Provider
	lipsync lipsync.Provider
	cfg     Config
	logger  *slog.Logger
}

// New creates a Synthesizer. lipsyncProvider may be nil to disable video
// entirely; logger may be nil.
func New(ttsProvider tts.Provider, lipsyncProvider lipsync.Provider, cfg Config, logger *slog.Logger) *Synthesizer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{tts: ttsProvider, lipsync: lipsyncProvider, cfg: cfg, logger: logger}
}

// TurnSpec identifies one turn's synthesis parameters.
type TurnSpec struct {
	TurnIndex  int
	VoiceModel string
	FaceModel  string
	// Video enables lip-sync for this turn; requires a face model.
	Video bool
	// VideoEligible, when non-nil, gates video per chunk on the session's
	// current delivery mode. A quality change mid-turn takes effect on
	// the next chunk instead of waiting for the next turn.
	VideoEligible func() bool
}

// StartTurn prepares per-turn synthesis state. When video is enabled it
// opens one rendering stream reused across the turn's units. A lip-sync
// open failure degrades the turn to audio-only rather than failing it.
func (s *Synthesizer) StartTurn(ctx context.Context, spec TurnSpec) *TurnSynth {
	ts := &TurnSynth{
		parent: s,
		spec:   spec,
	}

	if spec.Video && spec.FaceModel != "" && s.lipsync != nil {
		stream, err := s.lipsync.OpenStream(ctx, spec.FaceModel, s.cfg.SampleRate)
		if err != nil {
			s.logger.Warn("lip-sync unavailable, degrading to audio-only",
				"turn", spec.TurnIndex, "error", err)
		} else {
			ts.stream = stream
			ts.pairs = newPairer(stream)
		}
	}
	return ts
}

// TurnSynth is one turn's synthesis state. Unit may be called from
// several goroutines concurrently (the pipeline's TTS parallelism);
// Close must be called once when the turn ends.
type TurnSynth struct {
	parent *Synthesizer
	spec   TurnSpec

	stream lipsync.Stream
	pairs  *pairer

	mu       sync.Mutex
	degraded bool
}

// VideoActive reports whether this turn pairs video right now: the
// stream is open, the turn has not degraded, and the delivery mode still
// carries video.
func (ts *TurnSynth) VideoActive() bool {
	ts.mu.Lock()
	open := ts.stream != nil && !ts.degraded
	ts.mu.Unlock()
	if !open {
		return false
	}
	return ts.spec.VideoEligible == nil || ts.spec.VideoEligible()
}

// degrade switches the rest of the turn to audio-only. Silent by
// contract: the client simply stops receiving video frames.
func (ts *TurnSynth) degrade(why error) {
	ts.mu.Lock()
	already := ts.degraded
	ts.degraded = true
	ts.mu.Unlock()
	if !already {
		ts.parent.logger.Warn("lip-sync degraded to audio-only",
			"turn", ts.spec.TurnIndex, "error", why)
	}
}

// Unit synthesises one unit, emitting paired frames in chunk order
// through emit. TTS failure is retried once; a second failure returns
// ErrUnitSkipped. emit's error (e.g. turn cancelled) aborts the unit.
func (ts *TurnSynth) Unit(ctx context.Context, unitIndex int, text string, emit func(Frame) error) error {
	err := ts.synthesizeOnce(ctx, unitIndex, text, emit)
	if err == nil || ctx.Err() != nil {
		return err
	}

	ts.parent.logger.Warn("tts unit failed, retrying once",
		"turn", ts.spec.TurnIndex, "unit", unitIndex, "error", err)
	if err := ts.synthesizeOnce(ctx, unitIndex, text, emit); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: unit %d: %v", ErrUnitSkipped, unitIndex, err)
	}
	return nil
}

func (ts *TurnSynth) synthesizeOnce(ctx context.Context, unitIndex int, text string, emit func(Frame) error) error {
	chunks, err := ts.parent.tts.Synthesize(ctx, tts.Request{
		Text:       text,
		VoiceModel: ts.spec.VoiceModel,
		SampleRate: ts.parent.cfg.SampleRate,
	})
	if err != nil {
		return twerr.New(twerr.CodeTTSError, fmt.Errorf("voicestream: synthesize unit %d: %w", unitIndex, err))
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			return twerr.New(twerr.CodeTTSError, fmt.Errorf("voicestream: unit %d chunk %d: %w", unitIndex, chunk.Index, chunk.Err))
		}
		if len(chunk.Audio) == 0 && !chunk.Final {
			continue
		}

		f := Frame{
			Unit:  unitIndex,
			Chunk: chunk.Index,
			Audio: chunk.Audio,
			Final: chunk.Final,
		}
		if len(chunk.Audio) > 0 && ts.VideoActive() {
			f.Video, f.VideoFormat = ts.renderVideo(ctx, unitIndex, chunk.Index, chunk.Audio)
		}
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

// renderVideo pairs one audio chunk with its rendered frame. Any failure
// or an over-budget wait degrades the turn and returns no video.
func (ts *TurnSynth) renderVideo(ctx context.Context, unitIndex, chunkIndex int, audio []byte) ([]byte, string) {
	key := lipsync.Key{TurnIndex: ts.spec.TurnIndex, UnitIndex: unitIndex, ChunkIndex: chunkIndex}

	if err := ts.stream.Submit(key, audio); err != nil {
		ts.degrade(err)
		return nil, ""
	}

	frame, ok := ts.pairs.await(ctx, key, ts.parent.cfg.VideoWait)
	if !ok {
		// Renderer fell behind; audio must not stall behind video.
		ts.parent.logger.Debug("video frame missed its slot, shipping audio-only",
			"turn", ts.spec.TurnIndex, "unit", unitIndex, "chunk", chunkIndex)
		return nil, ""
	}
	if frame.Err != nil {
		ts.degrade(frame.Err)
		return nil, ""
	}
	if frame.Silent {
		return nil, ""
	}
	return frame.Video, ts.parent.cfg.VideoFormat
}

// Close releases the turn's lip-sync stream.
func (ts *TurnSynth) Close() {
	if ts.stream != nil {
		_ = ts.stream.CloseSend()
		_ = ts.stream.Close()
		ts.pairs.stop()
	}
}

// pairer routes out-of-order lip-sync frames to the chunk waiting on each
// key.
type pairer struct {
	mu      sync.Mutex
	waiting map[lipsync.Key]chan lipsync.Frame
	done    chan struct{}
	once    sync.Once
}

func newPairer(stream lipsync.Stream) *pairer {
	p := &pairer{
		waiting: make(map[lipsync.Key]chan lipsync.Frame),
		done:    make(chan struct{}),
	}
	go p.dispatch(stream)
	return p
}

func (p *pairer) dispatch(stream lipsync.Stream) {
	for {
		select {
		case <-p.done:
			return
		case f, ok := <-stream.Frames():
			if !ok {
				return
			}
			p.mu.Lock()
			ch, waiting := p.waiting[f.Key]
			if waiting {
				delete(p.waiting, f.Key)
			}
			p.mu.Unlock()
			if waiting {
				ch <- f
			}
			// Frames nobody awaits were already skipped; drop them.
		}
	}
}

// await blocks for the frame keyed key, up to wait. On timeout the key is
// abandoned; a late frame is discarded by dispatch.
func (p *pairer) await(ctx context.Context, key lipsync.Key, wait time.Duration) (lipsync.Frame, bool) {
	ch := make(chan lipsync.Frame, 1)
	p.mu.Lock()
	p.waiting[key] = ch
	p.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case f := <-ch:
		return f, true
	case <-timer.C:
	case <-ctx.Done():
	case <-p.done:
	}

	p.mu.Lock()
	delete(p.waiting, key)
	p.mu.Unlock()
	return lipsync.Frame{}, false
}

func (p *pairer) stop() {
	p.once.Do(func() { close(p.done) })
}
