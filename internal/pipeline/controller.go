package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirrortalk/mirrortalk/internal/asr"
	"github.com/mirrortalk/mirrortalk/internal/genstream"
	"github.com/mirrortalk/mirrortalk/internal/retrieval"
	"github.com/mirrortalk/mirrortalk/internal/session"
	"github.com/mirrortalk/mirrortalk/internal/transcript"
	"github.com/mirrortalk/mirrortalk/internal/twerr"
	"github.com/mirrortalk/mirrortalk/internal/voicestream"
	"github.com/mirrortalk/mirrortalk/pkg/provider/llm"
)

// Config tunes the per-turn pipeline.
type Config struct {
	// MinUnitRunes is the minimum synthesis unit length before a
	// sentence boundary flushes.
	MinUnitRunes int

	// Parallelism bounds concurrently synthesised units per turn.
	Parallelism int

	// ReorderStall is how long the reorder buffer tolerates a gap at
	// its cursor before warning; twice this aborts the turn.
	ReorderStall time.Duration

	// QueueDepth bounds the outbound event queue.
	QueueDepth int

	// RAGBudget caps knowledge retrieval per turn. On expiry the turn
	// proceeds without knowledge context.
	RAGBudget time.Duration

	// BargeIn enables energy-based interruption: loud inbound audio while
	// the twin is speaking cancels the reply, without waiting for an
	// explicit interruption frame.
	BargeIn bool

	// BargeInEnergy is the RMS threshold (16-bit PCM scale) a frame must
	// exceed to count as a barge-in. Zero uses a conservative default
	// above normal room noise.
	BargeInEnergy float64
}

func (c *Config) applyDefaults() {
	if c.MinUnitRunes <= 0 {
		c.MinUnitRunes = defaultMinUnitRunes
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 2
	}
	if c.ReorderStall <= 0 {
		c.ReorderStall = 750 * time.Millisecond
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.RAGBudget <= 0 {
		c.RAGBudget = 200 * time.Millisecond
	}
	if c.BargeInEnergy <= 0 {
		c.BargeInEnergy = 1200
	}
}

// Recorder receives pipeline telemetry. Implementations must not block.
type Recorder interface {
	ObserveTurn(status session.TurnStatus, timings session.StageTimings)
	ObserveUnitSkipped()
	ObserveStall()
	ObserveError(code twerr.Code)
	ObserveUsage(audioBytes int64, replyChars int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTurn(session.TurnStatus, session.StageTimings) {}
func (nopRecorder) ObserveUnitSkipped()                                  {}
func (nopRecorder) ObserveStall()                                        {}
func (nopRecorder) ObserveError(twerr.Code)                              {}
func (nopRecorder) ObserveUsage(int64, int)                              {}

// Controller drives one session's conversation loop: it feeds inbound
// audio to recognition, runs the retrieval → generation → synthesis
// pipeline for each utterance, and emits ordered events on Out. All
// Handle methods are called from the connection's read loop; the heavy
// lifting happens on controller-owned goroutines.
type Controller struct {
	cfg       Config
	sess      *session.Session
	persona   string
	asr       *asr.Streamer
	corrector *transcript.Corrector
	rag       *retrieval.Coordinator
	gen       *genstream.Streamer
	synth     *voicestream.Synthesizer
	estimator *voicestream.QualityEstimator
	out       *Queue
	rec       Recorder
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	utterance  *asr.Utterance
	endedAt    time.Time // when end-of-utterance was signalled
	turnCancel context.CancelFunc
	turnDone   chan struct{}
	closed     bool
}

// Deps bundles the subsystems a controller drives.
type Deps struct {
	Session   *session.Session
	Persona   string
	ASR       *asr.Streamer
	Corrector *transcript.Corrector // optional vocabulary correction
	Retrieval *retrieval.Coordinator
	Generator *genstream.Streamer
	Synth     *voicestream.Synthesizer
	Estimator *voicestream.QualityEstimator
	Recorder  Recorder
	Logger    *slog.Logger
}

func NewController(deps Deps, cfg Config) *Controller {
	cfg.applyDefaults()
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Estimator == nil {
		deps.Estimator = &voicestream.QualityEstimator{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		sess:      deps.Session,
		persona:   deps.Persona,
		asr:       deps.ASR,
		corrector: deps.Corrector,
		rag:       deps.Retrieval,
		gen:       deps.Generator,
		synth:     deps.Synth,
		estimator: deps.Estimator,
		out:       NewQueue(cfg.QueueDepth),
		rec:       deps.Recorder,
		logger:    deps.Logger.With("session", deps.Session.ID),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.sess.Machine().Subscribe(func(t session.Transition) {
		c.tryPush(Event{Kind: EventStateChanged, StateFrom: string(t.From), StateTo: string(t.To)})
	})
	return c
}

// Out is the ordered outbound event stream; the connection's write loop
// drains it.
func (c *Controller) Out() *Queue { return c.out }

// Estimator exposes the adaptive-quality estimator so the transport can
// feed it RTT and drop observations.
func (c *Controller) Estimator() *voicestream.QualityEstimator { return c.estimator }

// HandleAudio ingests one inbound audio frame. Frames arriving while a
// reply is in flight are dropped; the client signals a barge-in with an
// explicit interruption event.
func (c *Controller) HandleAudio(ctx context.Context, frame asr.Frame) error {
	c.sess.Touch()

	switch c.sess.Machine().Current() {
	case session.StateProcessing, session.StateSpeaking:
		if c.cfg.BargeIn && asr.RMSEnergy(frame.Bytes) >= c.cfg.BargeInEnergy {
			c.logger.Debug("energy barge-in", "energy", asr.RMSEnergy(frame.Bytes))
			if err := c.HandleInterrupt(ctx); err != nil {
				return err
			}
			// Fall through: the frame that barged in opens the next
			// utterance.
			break
		}
		return nil
	case session.StateInterrupted:
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	u := c.utterance
	c.mu.Unlock()

	if u == nil {
		if err := c.sess.Machine().Fire(ctx, session.TriggerAudio); err != nil {
			return nil
		}
		var err error
		u, err = c.startUtterance(ctx)
		if err != nil {
			return err
		}
	}
	return u.PushFrame(frame)
}

// HandleEndUtterance handles the client's explicit end-of-speech signal.
func (c *Controller) HandleEndUtterance(ctx context.Context) error {
	c.sess.Touch()

	c.mu.Lock()
	u := c.utterance
	if u != nil && c.endedAt.IsZero() {
		c.endedAt = time.Now()
	}
	c.mu.Unlock()
	if u == nil {
		return nil
	}
	if err := c.sess.Machine().Fire(ctx, session.TriggerEndUtterance); err != nil {
		return nil
	}
	u.EndUtterance()
	return nil
}

// HandleInterrupt cancels the in-flight reply and discards its buffered
// output, then returns the session to listening.
func (c *Controller) HandleInterrupt(ctx context.Context) error {
	c.sess.Touch()

	if err := c.sess.Machine().Fire(ctx, session.TriggerInterrupt); err != nil {
		// Nothing to interrupt.
		return nil
	}

	c.mu.Lock()
	cancelTurn := c.turnCancel
	done := c.turnDone
	c.mu.Unlock()

	turn := c.sess.CurrentTurn()
	if cancelTurn != nil {
		cancelTurn()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
			c.logger.Warn("turn teardown exceeded interrupt budget")
		}
	}
	if turn != nil {
		dropped := c.out.DropTurn(turn.Index)
		c.sess.EndTurn(session.TurnInterrupted)
		c.tryPush(Event{
			Kind:      EventResponseEnd,
			TurnID:    turn.ID,
			TurnIndex: turn.Index,
			Status:    session.TurnInterrupted,
			Timings:   turn.Timings,
		})
		c.logger.Info("turn interrupted",
			"turn", turn.Index, "dropped_events", dropped)
		c.rec.ObserveTurn(session.TurnInterrupted, turn.Timings)
	}

	return c.sess.Machine().Fire(ctx, session.TriggerStabilized)
}

// HandleDisconnect resets the session after its connection is lost. An
// in-flight reply is cancelled and finalized as interrupted with its
// buffered output discarded, a half-open utterance is abandoned, and the
// machine settles at idle so a reconnect inside the grace window starts
// fresh. The outbound queue itself survives for the reconnect.
func (c *Controller) HandleDisconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	u := c.utterance
	c.utterance = nil
	cancelTurn := c.turnCancel
	done := c.turnDone
	c.mu.Unlock()

	if u != nil {
		u.Close()
	}

	turn := c.sess.CurrentTurn()
	if cancelTurn != nil {
		cancelTurn()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
			c.logger.Warn("turn teardown exceeded interrupt budget")
		}
	}
	if turn != nil {
		dropped := c.out.DropTurn(turn.Index)
		c.sess.EndTurn(session.TurnInterrupted)
		c.tryPush(Event{
			Kind:      EventResponseEnd,
			TurnID:    turn.ID,
			TurnIndex: turn.Index,
			Status:    session.TurnInterrupted,
			Timings:   turn.Timings,
		})
		c.logger.Info("turn interrupted by disconnect",
			"turn", turn.Index, "dropped_events", dropped)
		c.rec.ObserveTurn(session.TurnInterrupted, turn.Timings)
	}

	if c.sess.Machine().Current() != session.StateIdle {
		_ = c.sess.Machine().Fire(ctx, session.TriggerDisconnect)
	}
}

// Close tears down the controller. Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	u := c.utterance
	c.utterance = nil
	c.mu.Unlock()

	c.cancel()
	if u != nil {
		u.Close()
	}
	c.out.Close()
}

// startUtterance opens a recognition stream and spawns its consumer.
// The stream lives on the controller context, not the inbound message's.
func (c *Controller) startUtterance(ctx context.Context) (*asr.Utterance, error) {
	u, err := c.asr.Start(c.ctx)
	if err != nil {
		werr := twerr.New(twerr.CodeASRError, fmt.Errorf("pipeline: start recognition: %w", err))
		c.pushError(werr)
		_ = c.sess.Machine().Fire(ctx, session.TriggerFatal)
		return nil, werr
	}
	c.mu.Lock()
	c.utterance = u
	c.endedAt = time.Time{}
	c.mu.Unlock()

	go c.consumeUtterance(u)
	return u, nil
}

// consumeUtterance relays recognition events until the utterance ends,
// then hands the final transcript to runTurn.
func (c *Controller) consumeUtterance(u *asr.Utterance) {
	defer func() {
		c.mu.Lock()
		if c.utterance == u {
			c.utterance = nil
		}
		c.mu.Unlock()
		u.Close()
	}()

	for ev := range u.Events() {
		switch ev.Kind {
		case asr.EventInterim:
			c.tryPush(Event{Kind: EventTranscript, Text: ev.Text, Confidence: ev.Confidence})

		case asr.EventEndOfUtterance:
			c.mu.Lock()
			if c.endedAt.IsZero() {
				c.endedAt = time.Now()
			}
			c.mu.Unlock()
			if err := c.sess.Machine().Fire(c.ctx, session.TriggerEndUtterance); err == nil {
				u.EndUtterance()
			}

		case asr.EventFinal:
			text := ev.Text
			if c.corrector != nil {
				if fixed, corrections := c.corrector.Correct(text); corrections != nil {
					c.logger.Debug("vocabulary corrections applied",
						"count", len(corrections), "text", fixed)
					text = fixed
				}
			}
			c.push(Event{Kind: EventTranscript, Text: text, Final: true, Confidence: ev.Confidence})
			if err := c.sess.Machine().Fire(c.ctx, session.TriggerFinalTranscript); err != nil {
				return
			}
			c.runTurn(text, u.AudioBytes())
			return

		case asr.EventError:
			c.pushError(ev.Err)
			if twerr.IsRecoverable(ev.Err) {
				_ = c.sess.Machine().Fire(c.ctx, session.TriggerRecoverable)
				_ = c.sess.Machine().Fire(c.ctx, session.TriggerFatal)
			} else {
				_ = c.sess.Machine().Fire(c.ctx, session.TriggerFatal)
			}
			return
		}
	}
}

// runTurn executes one retrieval → generation → synthesis turn. It runs
// on the utterance consumer goroutine and returns when the turn reaches
// a terminal state.
func (c *Controller) runTurn(text string, audioBytes int64) {
	turn, err := c.sess.BeginTurn()
	if err != nil {
		c.pushError(twerr.New(twerr.CodeInternal, err))
		return
	}
	turn.Transcript = text
	turn.AudioBytes = audioBytes

	c.mu.Lock()
	if !c.endedAt.IsZero() {
		turn.Timings.ASR = time.Since(c.endedAt)
	}
	turnCtx, cancel := context.WithCancel(c.ctx)
	c.turnCancel = cancel
	done := make(chan struct{})
	c.turnDone = done
	c.mu.Unlock()

	defer func() {
		cancel()
		close(done)
		c.mu.Lock()
		c.turnCancel = nil
		c.turnDone = nil
		c.mu.Unlock()
	}()

	logger := c.logger.With("turn", turn.Index)
	start := time.Now()

	in := c.retrieve(turnCtx, turn, text, logger)
	turn.Timings.RAG = time.Since(start)

	// The client learns the reply is coming as soon as retrieval (or
	// its budget) resolves, before the first model token.
	if err := c.push(Event{
		Kind:      EventResponseStart,
		TurnID:    turn.ID,
		TurnIndex: turn.Index,
		Sources:   turn.Sources,
	}); err != nil {
		c.finishTurn(turn, session.TurnInterrupted, start, logger)
		return
	}

	chunks, err := c.gen.Stream(turnCtx, in)
	if err != nil {
		c.failTurn(turnCtx, turn, err, start, logger)
		return
	}

	status, err := c.speak(turnCtx, turn, chunks, start, logger)
	if err != nil {
		c.failTurn(turnCtx, turn, err, start, logger)
		return
	}
	c.finishTurn(turn, status, start, logger)
}

// retrieve gathers knowledge context within the RAG budget. Failure or
// an expired budget degrades to an answer without knowledge context.
func (c *Controller) retrieve(ctx context.Context, turn *session.Turn, text string, logger *slog.Logger) genstream.PromptInput {
	in := genstream.PromptInput{
		Persona:    c.persona,
		History:    c.sess.History().Recent(),
		Transcript: text,
	}

	ragCtx, cancel := context.WithTimeout(ctx, c.cfg.RAGBudget)
	defer cancel()

	results, err := c.rag.Retrieve(ragCtx, c.sess.UserID, text)
	switch {
	case err == nil:
		in.Chunks = results
		for _, r := range results {
			turn.Sources = append(turn.Sources, r.Chunk.ID)
		}
	case errors.Is(err, retrieval.ErrNoKnowledge):
		in.NoKnowledge = true
	case errors.Is(err, context.DeadlineExceeded):
		turn.Timings.RAGTimeout = true
		in.NoKnowledge = true
		logger.Warn("retrieval over budget, answering without knowledge",
			"budget", c.cfg.RAGBudget)
		c.rec.ObserveError(twerr.CodeRAGTimeout)
	default:
		in.NoKnowledge = true
		logger.Warn("retrieval failed, answering without knowledge", "error", err)
	}
	return in
}

// speak drains the model stream through segmentation, synthesis and the
// reorder buffer into the outbound queue.
func (c *Controller) speak(ctx context.Context, turn *session.Turn, chunks <-chan llm.Chunk, start time.Time, logger *slog.Logger) (session.TurnStatus, error) {
	// The stream opens whenever the session can do video at all; each
	// chunk then consults the live delivery mode, so an estimator
	// downgrade or recovery lands mid-turn rather than on the next one.
	ts := c.synth.StartTurn(ctx, voicestream.TurnSpec{
		TurnIndex:     turn.Index,
		VoiceModel:    c.sess.VoiceModel,
		FaceModel:     c.sess.FaceModel,
		Video:         c.sess.FaceModel != "",
		VideoEligible: func() bool { return c.estimator.Mode().Video() },
	})
	defer ts.Close()

	buf := newReorderBuffer(c.cfg.ReorderStall)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	var watchErr error
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		watchErr = buf.Watch(watchCtx, func(gap chunkKey, waited time.Duration) {
			logger.Warn("synthesis stalled",
				"unit", gap.unit, "chunk", gap.chunk, "waited", waited,
				"parked", len(buf.pendingKeys()))
			c.tryPush(Event{
				Kind: EventWarning, TurnID: turn.ID, TurnIndex: turn.Index,
				Code: twerr.CodeTTSStall, Message: twerr.CodeTTSStall.Message(),
			})
			c.rec.ObserveStall()
		})
	}()

	// Forward ordered frames to the client. Back-pressure from a full
	// queue propagates through Offer into the synthesis workers.
	var (
		firstChunk sync.Once
		firstVideo sync.Once
		fwdErr     error
	)
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		for f := range buf.Out() {
			firstChunk.Do(func() {
				turn.Timings.TTSFirst = time.Since(start)
				_ = c.sess.Machine().Fire(ctx, session.TriggerFirstChunk)
			})
			if err := c.out.Push(ctx, Event{
				Kind: EventResponseAudio, TurnID: turn.ID, TurnIndex: turn.Index,
				Unit: f.Unit, Chunk: f.Chunk, Audio: f.Audio, Final: f.Final,
			}); err != nil {
				fwdErr = err
				return
			}
			if len(f.Video) > 0 {
				firstVideo.Do(func() { turn.Timings.LipSync = time.Since(start) })
				if err := c.out.Push(ctx, Event{
					Kind: EventResponseVideo, TurnID: turn.ID, TurnIndex: turn.Index,
					Unit: f.Unit, Chunk: f.Chunk, Video: f.Video, VideoFormat: f.VideoFormat,
				}); err != nil {
					fwdErr = err
					return
				}
			}
		}
	}()

	status, genErr := c.generateUnits(ctx, turn, chunks, ts, buf, start, logger)

	buf.Close()
	<-fwdDone
	stopWatch()
	<-watchDone

	switch {
	case genErr != nil:
		return "", genErr
	case watchErr != nil:
		return "", watchErr
	case fwdErr != nil && !errors.Is(fwdErr, context.Canceled):
		return "", fwdErr
	}
	return status, nil
}

// generateUnits segments the model stream into units and fans them out
// to bounded-parallel synthesis, offering frames to the reorder buffer.
func (c *Controller) generateUnits(ctx context.Context, turn *session.Turn, chunks <-chan llm.Chunk, ts *voicestream.TurnSynth, buf *reorderBuffer, start time.Time, logger *slog.Logger) (session.TurnStatus, error) {
	seg := newSegmenter(c.cfg.MinUnitRunes)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)

	nextUnit := 0
	launch := func(text string) {
		unit := nextUnit
		nextUnit++
		g.Go(func() error {
			err := ts.Unit(gctx, unit, text, func(f voicestream.Frame) error {
				return buf.Offer(gctx, f)
			})
			if errors.Is(err, voicestream.ErrUnitSkipped) {
				logger.Warn("unit skipped after failed synthesis", "unit", unit)
				c.tryPush(Event{
					Kind: EventWarning, TurnID: turn.ID, TurnIndex: turn.Index,
					Code: twerr.CodeTTSError, Message: twerr.CodeTTSError.Message(),
				})
				c.rec.ObserveUnitSkipped()
				return buf.SkipUnit(gctx, unit)
			}
			return err
		})
	}

	var (
		generated  strings.Builder
		firstToken bool
		truncated  bool
	)
drain:
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			if !firstToken {
				// Nothing reached the client yet; the turn can still
				// fail cleanly.
				return "", twerr.New(twerr.CodeLLMError, errors.New(chunk.Text))
			}
			logger.Warn("model stream broke mid-reply, truncating", "error", chunk.Text)
			truncated = true
			break drain
		}
		if chunk.Text != "" {
			if !firstToken {
				firstToken = true
				turn.Timings.LLMFirst = time.Since(start)
			}
			generated.WriteString(chunk.Text)
			for _, unit := range seg.Feed(chunk.Text) {
				launch(unit)
			}
		}
		if chunk.FinishReason != "" {
			break drain
		}
		if gctx.Err() != nil {
			break drain
		}
	}

	if !truncated && gctx.Err() == nil {
		if tail, ok := seg.Flush(); ok {
			launch(tail)
		}
	}

	turn.Generated = generated.String()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return "", err
	}
	if ctx.Err() != nil {
		return session.TurnInterrupted, nil
	}
	return session.TurnCompleted, nil
}

// finishTurn emits response_end and settles bookkeeping for a turn that
// ran to a terminal state without a pipeline error.
func (c *Controller) finishTurn(turn *session.Turn, status session.TurnStatus, start time.Time, logger *slog.Logger) {
	if status == session.TurnInterrupted {
		// HandleInterrupt owns the interrupted epilogue.
		return
	}
	turn.Timings.Total = time.Since(start) + turn.Timings.ASR

	switch c.sess.Machine().Current() {
	case session.StateSpeaking:
		_ = c.sess.Machine().Fire(c.ctx, session.TriggerDrained)
	case session.StateProcessing:
		// Nothing was spoken (empty reply); still settle to idle.
		_ = c.sess.Machine().Fire(c.ctx, session.TriggerFatal)
	}

	c.sess.EndTurn(status)
	c.tryPush(Event{
		Kind:      EventResponseEnd,
		TurnID:    turn.ID,
		TurnIndex: turn.Index,
		Status:    status,
		Timings:   turn.Timings,
	})
	logger.Info("turn finished",
		"status", status,
		"asr_ms", turn.Timings.ASR.Milliseconds(),
		"rag_ms", turn.Timings.RAG.Milliseconds(),
		"llm_first_ms", turn.Timings.LLMFirst.Milliseconds(),
		"tts_first_ms", turn.Timings.TTSFirst.Milliseconds(),
		"total_ms", turn.Timings.Total.Milliseconds())
	c.rec.ObserveTurn(status, turn.Timings)
	c.rec.ObserveUsage(turn.AudioBytes, len(turn.Generated))
}

// failTurn settles a turn that died on a pipeline error.
func (c *Controller) failTurn(ctx context.Context, turn *session.Turn, err error, start time.Time, logger *slog.Logger) {
	if ctx.Err() != nil && c.sess.Machine().Current() == session.StateInterrupted {
		// The turn lost a race with an interruption; not a failure.
		return
	}
	turn.Timings.Total = time.Since(start) + turn.Timings.ASR
	c.sess.EndTurn(session.TurnFailed)

	logger.Error("turn failed", "error", err)
	c.pushError(err)
	c.tryPush(Event{
		Kind:      EventResponseEnd,
		TurnID:    turn.ID,
		TurnIndex: turn.Index,
		Status:    session.TurnFailed,
		Timings:   turn.Timings,
	})
	_ = c.sess.Machine().Fire(c.ctx, session.TriggerFatal)
	c.rec.ObserveTurn(session.TurnFailed, turn.Timings)
	c.rec.ObserveError(twerr.CodeOf(err))
}

// push enqueues an event with back-pressure.
func (c *Controller) push(e Event) error {
	return c.out.Push(c.ctx, e)
}

// tryPush enqueues advisory events (state changes, warnings) without
// blocking; under back-pressure they are dropped rather than stalling
// the state machine.
func (c *Controller) tryPush(e Event) {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Millisecond)
	defer cancel()
	if err := c.out.Push(ctx, e); err != nil && !errors.Is(err, ErrQueueClosed) {
		c.logger.Debug("advisory event dropped", "kind", e.Kind)
	}
}

// pushError translates err into an outbound error event, preserving a
// coded error's own client-facing message.
func (c *Controller) pushError(err error) {
	e := twerr.New(twerr.CodeInternal, err)
	var te *twerr.Error
	if errors.As(err, &te) {
		e = te
	}
	c.tryPush(Event{
		Kind:        EventError,
		Code:        e.Code,
		Message:     e.Message,
		Recoverable: e.Recoverable,
	})
	c.rec.ObserveError(e.Code)
}
