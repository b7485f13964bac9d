package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mirrortalk/mirrortalk/internal/asr"
	"github.com/mirrortalk/mirrortalk/internal/genstream"
	"github.com/mirrortalk/mirrortalk/internal/retrieval"
	"github.com/mirrortalk/mirrortalk/internal/session"
	"github.com/mirrortalk/mirrortalk/internal/transcript"
	"github.com/mirrortalk/mirrortalk/internal/twerr"
	"github.com/mirrortalk/mirrortalk/internal/voicestream"
	"github.com/mirrortalk/mirrortalk/pkg/knowledge"
	"github.com/mirrortalk/mirrortalk/pkg/knowledge/memstore"
	asrmock "github.com/mirrortalk/mirrortalk/pkg/provider/asr/mock"
	embmock "github.com/mirrortalk/mirrortalk/pkg/provider/embeddings/mock"
	llmmock "github.com/mirrortalk/mirrortalk/pkg/provider/llm/mock"
	ttsmock "github.com/mirrortalk/mirrortalk/pkg/provider/tts/mock"
)

type fakeConn struct {
	mu      sync.Mutex
	reasons []string
}

func (c *fakeConn) CloseWithReason(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
	return nil
}

// speechFrame builds n little-endian PCM16 samples loud enough not to
// trip the silence detector.
func speechFrame(n int, seq uint64) asr.Frame {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(2000)))
	}
	return asr.Frame{Seq: seq, Bytes: buf, CapturedAt: time.Now()}
}

type harness struct {
	ctrl *Controller
	sess *session.Session
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	mgr  *session.Manager
}

type harnessOpts struct {
	llm       *llmmock.Provider
	tts       *ttsmock.Provider
	store     knowledge.Store
	asrScript []string
	corrector *transcript.Corrector
	cfg       Config
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr := session.NewManager(session.ManagerConfig{}, logger)
	t.Cleanup(mgr.Close)
	sess, err := mgr.Bind(context.Background(), "user-1", &fakeConn{})
	if err != nil {
		t.Fatal(err)
	}
	sess.VoiceModel = "voice-a"

	emb := &embmock.Provider{}
	store := opts.store
	if store == nil {
		ms := memstore.New()
		vec, _ := emb.Embed(context.Background(), "hello there")
		if err := ms.Upsert(context.Background(), []knowledge.Chunk{{
			ID:      "chunk-1",
			UserID:  "user-1",
			Content: "The user enjoys long walks and short sentences.",
			Source:  knowledge.SourceFAQ,
			Embedding: vec,
			ModelID: emb.ModelID(),
		}}); err != nil {
			t.Fatal(err)
		}
		store = ms
	}

	llmProv := opts.llm
	if llmProv == nil {
		llmProv = &llmmock.Provider{Script: []string{"Here is the reply. ", "And a little more detail."}}
	}
	ttsProv := opts.tts
	if ttsProv == nil {
		ttsProv = &ttsmock.Provider{ChunksPerUnit: 2}
	}
	script := opts.asrScript
	if script == nil {
		script = []string{"hello", "hello there"}
	}

	ctrl := NewController(Deps{
		Session:   sess,
		Persona:   "You are the user's digital twin.",
		ASR:       asr.NewStreamer(&asrmock.Provider{Script: script}, asr.Config{}, logger),
		Corrector: opts.corrector,
		Retrieval: retrieval.New(emb, store, retrieval.Config{}, logger),
		Generator: genstream.New(llmProv, genstream.Config{}, logger),
		Synth:     voicestream.New(ttsProv, nil, voicestream.Config{}, logger),
		Logger:    logger,
	}, opts.cfg)
	t.Cleanup(ctrl.Close)

	return &harness{ctrl: ctrl, sess: sess, llm: llmProv, tts: ttsProv, mgr: mgr}
}

// speakTurn feeds one utterance and signals its end.
func (h *harness) speakTurn(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		if err := h.ctrl.HandleAudio(ctx, speechFrame(320, seq)); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.ctrl.HandleEndUtterance(ctx); err != nil {
		t.Fatal(err)
	}
}

// drainUntilEnd pops events until a response_end (or error without a
// following end) arrives.
func drainUntilEnd(t *testing.T, q *Queue) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []Event
	for {
		e, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("drain: %v (got %d events)", err, len(events))
		}
		events = append(events, e)
		if e.Kind == EventResponseEnd {
			return events
		}
	}
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestTurnHappyPath(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.speakTurn(t)
	events := drainUntilEnd(t, h.ctrl.Out())

	finals := eventsOfKind(events, EventTranscript)
	if len(finals) == 0 || !finals[len(finals)-1].Final {
		t.Fatalf("no final transcript in %d events", len(events))
	}
	if got := finals[len(finals)-1].Text; got != "hello there" {
		t.Fatalf("final transcript = %q", got)
	}

	starts := eventsOfKind(events, EventResponseStart)
	if len(starts) != 1 {
		t.Fatalf("got %d response_start events, want 1", len(starts))
	}
	if len(starts[0].Sources) != 1 || starts[0].Sources[0] != "chunk-1" {
		t.Fatalf("sources = %v, want [chunk-1]", starts[0].Sources)
	}

	audio := eventsOfKind(events, EventResponseAudio)
	if len(audio) == 0 {
		t.Fatal("no audio frames")
	}
	for i := 1; i < len(audio); i++ {
		a := chunkKey{unit: audio[i-1].Unit, chunk: audio[i-1].Chunk}
		b := chunkKey{unit: audio[i].Unit, chunk: audio[i].Chunk}
		if !a.less(b) {
			t.Fatalf("audio out of order at %d: %v then %v", i, a, b)
		}
	}

	end := events[len(events)-1]
	if end.Status != session.TurnCompleted {
		t.Fatalf("status = %s, want completed", end.Status)
	}
	if end.Timings.RAGTimeout {
		t.Fatal("rag_timeout set on a healthy turn")
	}

	waitForState(t, h.sess, session.StateIdle)

	if got := h.sess.History().Recent(); len(got) != 1 || got[0].User != "hello there" {
		t.Fatalf("history = %+v", got)
	}
}

func TestStateChangedEventsCarryBothEndpoints(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.speakTurn(t)
	events := drainUntilEnd(t, h.ctrl.Out())

	changes := eventsOfKind(events, EventStateChanged)
	if len(changes) == 0 {
		t.Fatal("no state_changed events")
	}
	if changes[0].StateFrom != string(session.StateIdle) || changes[0].StateTo != string(session.StateListening) {
		t.Fatalf("first transition = %s -> %s, want idle -> listening", changes[0].StateFrom, changes[0].StateTo)
	}
	for i, c := range changes {
		if c.StateFrom == "" || c.StateTo == "" {
			t.Fatalf("transition %d missing an endpoint: %q -> %q", i, c.StateFrom, c.StateTo)
		}
		if i > 0 && c.StateFrom != changes[i-1].StateTo {
			t.Fatalf("transition %d starts at %q, previous ended at %q", i, c.StateFrom, changes[i-1].StateTo)
		}
	}
}

func TestVocabularyCorrectionOnFinalTranscript(t *testing.T) {
	h := newHarness(t, harnessOpts{
		asrScript: []string{"tell el drina", "tell el drina I said hi"},
		corrector: transcript.New([]string{"Eldrina"}),
	})
	h.speakTurn(t)
	events := drainUntilEnd(t, h.ctrl.Out())

	finals := eventsOfKind(events, EventTranscript)
	if len(finals) == 0 {
		t.Fatal("no transcript events")
	}
	final := finals[len(finals)-1]
	if !final.Final {
		t.Fatal("last transcript event is not final")
	}
	if final.Text != "tell Eldrina I said hi" {
		t.Fatalf("final transcript = %q, want corrected vocabulary", final.Text)
	}

	end := events[len(events)-1]
	if end.Status != session.TurnCompleted {
		t.Fatalf("status = %s, want completed", end.Status)
	}

	waitForState(t, h.sess, session.StateIdle)

	// The corrected text, not the raw recognition, enters history.
	if got := h.sess.History().Recent(); len(got) != 1 || got[0].User != "tell Eldrina I said hi" {
		t.Fatalf("history = %+v", got)
	}
}

func waitForState(t *testing.T, sess *session.Session, want session.State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sess.Machine().Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", sess.Machine().Current(), want)
}

func TestInterruptDiscardsBufferedOutput(t *testing.T) {
	longScript := make([]string, 40)
	for i := range longScript {
		longScript[i] = "This sentence keeps the model stream going for a while. "
	}
	h := newHarness(t, harnessOpts{
		llm: &llmmock.Provider{Script: longScript},
		tts: &ttsmock.Provider{ChunksPerUnit: 4, Delay: 10 * time.Millisecond},
	})
	h.speakTurn(t)

	q := h.ctrl.Out()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Wait for the first audio frame, then barge in.
	for {
		e, err := q.Pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if e.Kind == EventResponseAudio {
			break
		}
	}
	interruptStart := time.Now()
	if err := h.ctrl.HandleInterrupt(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(interruptStart); elapsed > 400*time.Millisecond {
		t.Fatalf("interrupt took %v", elapsed)
	}

	events := drainUntilEnd(t, q)
	end := events[len(events)-1]
	if end.Status != session.TurnInterrupted {
		t.Fatalf("status = %s, want interrupted", end.Status)
	}
	// Everything buffered for the turn was dropped before response_end.
	for _, e := range events[:len(events)-1] {
		if e.Kind == EventResponseAudio || e.Kind == EventResponseVideo {
			t.Fatalf("buffered response frame survived the interrupt: %+v", e)
		}
	}

	waitForState(t, h.sess, session.StateListening)
}

func TestDisconnectMidSpeakingSettlesToIdle(t *testing.T) {
	longScript := make([]string, 40)
	for i := range longScript {
		longScript[i] = "This sentence keeps the model stream going for a while. "
	}
	h := newHarness(t, harnessOpts{
		llm: &llmmock.Provider{Script: longScript},
		tts: &ttsmock.Provider{ChunksPerUnit: 4, Delay: 10 * time.Millisecond},
	})
	h.speakTurn(t)

	q := h.ctrl.Out()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		e, err := q.Pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if e.Kind == EventResponseAudio {
			break
		}
	}

	// The connection drops mid-reply.
	h.ctrl.HandleDisconnect(ctx)

	events := drainUntilEnd(t, q)
	end := events[len(events)-1]
	if end.Status != session.TurnInterrupted {
		t.Fatalf("status = %s, want interrupted", end.Status)
	}
	// No stale frames from the aborted reply survive for a reconnect.
	for _, e := range events[:len(events)-1] {
		if e.Kind == EventResponseAudio || e.Kind == EventResponseVideo {
			t.Fatalf("buffered response frame survived the disconnect: %+v", e)
		}
	}

	// Unlike a barge-in, a disconnect parks the session at idle so the
	// reconnect starts fresh.
	waitForState(t, h.sess, session.StateIdle)
}

func TestDisconnectWhileListeningAbandonsUtterance(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	if err := h.ctrl.HandleAudio(ctx, speechFrame(320, 1)); err != nil {
		t.Fatal(err)
	}
	waitForState(t, h.sess, session.StateListening)

	h.ctrl.HandleDisconnect(ctx)
	waitForState(t, h.sess, session.StateIdle)

	if turn := h.sess.CurrentTurn(); turn != nil {
		t.Fatalf("live turn %d after disconnect, want none", turn.Index)
	}
}

func TestEnergyBargeInInterruptsSpeech(t *testing.T) {
	longScript := make([]string, 40)
	for i := range longScript {
		longScript[i] = "This sentence keeps the model stream going for a while. "
	}
	h := newHarness(t, harnessOpts{
		llm: &llmmock.Provider{Script: longScript},
		tts: &ttsmock.Provider{ChunksPerUnit: 4, Delay: 10 * time.Millisecond},
		cfg: Config{BargeIn: true, BargeInEnergy: 1000},
	})
	h.speakTurn(t)

	q := h.ctrl.Out()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		e, err := q.Pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if e.Kind == EventResponseAudio {
			break
		}
	}

	// A loud frame while speaking cancels the reply and opens the next
	// utterance.
	if err := h.ctrl.HandleAudio(ctx, speechFrame(320, 1)); err != nil {
		t.Fatal(err)
	}

	events := drainUntilEnd(t, q)
	if end := events[len(events)-1]; end.Status != session.TurnInterrupted {
		t.Fatalf("status = %s, want interrupted", end.Status)
	}
	waitForState(t, h.sess, session.StateListening)
}

// stallStore parks Search until the context expires.
type stallStore struct{ knowledge.Store }

func (s stallStore) Search(ctx context.Context, _ string, _ []float32, _ int, _ float64) ([]knowledge.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRAGBudgetExpiryDegradesToNoKnowledge(t *testing.T) {
	llmProv := &llmmock.Provider{Script: []string{"Answering without any retrieved context, sorry about that."}}
	h := newHarness(t, harnessOpts{
		llm:   llmProv,
		store: stallStore{Store: memstore.New()},
		cfg:   Config{RAGBudget: 50 * time.Millisecond},
	})
	h.speakTurn(t)
	events := drainUntilEnd(t, h.ctrl.Out())

	end := events[len(events)-1]
	if end.Status != session.TurnCompleted {
		t.Fatalf("status = %s, want completed", end.Status)
	}
	if !end.Timings.RAGTimeout {
		t.Fatal("rag_timeout not flagged")
	}
	if starts := eventsOfKind(events, EventResponseStart); len(starts) != 1 || len(starts[0].Sources) != 0 {
		t.Fatalf("degraded turn reported sources: %+v", starts)
	}

	reqs := llmProv.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d llm requests", len(reqs))
	}
	if !strings.Contains(reqs[0].SystemPrompt, "Do not guess or invent an answer.") {
		t.Fatal("grounded-refusal directive missing from degraded system prompt")
	}
}

func TestLLMFailureBeforeFirstTokenFailsTurn(t *testing.T) {
	h := newHarness(t, harnessOpts{
		llm: &llmmock.Provider{FailStart: errors.New("invalid request: model not found")},
	})
	h.speakTurn(t)
	events := drainUntilEnd(t, h.ctrl.Out())

	errs := eventsOfKind(events, EventError)
	if len(errs) == 0 || errs[0].Code != twerr.CodeLLMError {
		t.Fatalf("error events = %+v", errs)
	}
	end := events[len(events)-1]
	if end.Status != session.TurnFailed {
		t.Fatalf("status = %s, want failed", end.Status)
	}
	if len(eventsOfKind(events, EventResponseAudio)) != 0 {
		t.Fatal("audio emitted on a failed turn")
	}

	waitForState(t, h.sess, session.StateIdle)

	// The session recovers: a new utterance starts cleanly.
	h.speakTurn(t)
}

func TestUnitSkipWarnsAndContinues(t *testing.T) {
	// Every synthesis of the poisoned sentence fails, so the retry also
	// fails and the unit is skipped while its neighbours play.
	script := []string{"The first sentence is fine. ", "Poison here. ", "The third sentence is also fine."}
	h := newHarness(t, harnessOpts{
		llm: &llmmock.Provider{Script: script},
		tts: &ttsmock.Provider{ChunksPerUnit: 1, FailText: "Poison here."},
		cfg: Config{MinUnitRunes: 5, Parallelism: 1},
	})
	h.speakTurn(t)
	events := drainUntilEnd(t, h.ctrl.Out())

	end := events[len(events)-1]
	if end.Status != session.TurnCompleted {
		t.Fatalf("status = %s, want completed", end.Status)
	}
	warns := eventsOfKind(events, EventWarning)
	found := false
	for _, w := range warns {
		if w.Code == twerr.CodeTTSError {
			found = true
		}
	}
	if !found {
		t.Fatalf("no skip warning in %+v", warns)
	}

	units := map[int]bool{}
	for _, e := range eventsOfKind(events, EventResponseAudio) {
		units[e.Unit] = true
	}
	if units[1] {
		t.Fatal("audio emitted for the skipped unit")
	}
	if !units[0] || !units[2] {
		t.Fatalf("surviving units missing: %v", units)
	}
}
