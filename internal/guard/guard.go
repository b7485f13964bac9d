// Package guard wraps the external provider adapters with circuit
// breakers. Each adapter gets its own breaker so a flapping TTS upstream
// cannot poison calls to the model or the embedder. Only the call that
// opens a stream is guarded; chunks already flowing on an open stream
// are not re-checked.
package guard

import (
	"context"

	"github.com/mirrortalk/mirrortalk/internal/resilience"
	"github.com/mirrortalk/mirrortalk/pkg/provider/asr"
	"github.com/mirrortalk/mirrortalk/pkg/provider/embeddings"
	"github.com/mirrortalk/mirrortalk/pkg/provider/lipsync"
	"github.com/mirrortalk/mirrortalk/pkg/provider/llm"
	"github.com/mirrortalk/mirrortalk/pkg/provider/tts"
)

// Breakers aggregates the per-adapter circuit breakers so the app can
// expose their state over /readyz and count trips.
type Breakers struct {
	ASR        *resilience.CircuitBreaker
	LLM        *resilience.CircuitBreaker
	TTS        *resilience.CircuitBreaker
	LipSync    *resilience.CircuitBreaker
	Embeddings *resilience.CircuitBreaker
}

// NewBreakers builds one breaker per adapter. onTrip, when non-nil,
// receives every state change for the trip-counter metric.
func NewBreakers(cfg resilience.CircuitBreakerConfig, onTrip func(name string, from, to resilience.State)) *Breakers {
	mk := func(name string) *resilience.CircuitBreaker {
		c := cfg
		c.Name = name
		c.OnStateChange = onTrip
		return resilience.NewCircuitBreaker(c)
	}
	return &Breakers{
		ASR:        mk("asr"),
		LLM:        mk("llm"),
		TTS:        mk("tts"),
		LipSync:    mk("lipsync"),
		Embeddings: mk("embeddings"),
	}
}

// ASRProvider guards StartStream behind a breaker.
type ASRProvider struct {
	inner asr.Provider
	cb    *resilience.CircuitBreaker
}

var _ asr.Provider = (*ASRProvider)(nil)

func ASR(inner asr.Provider, cb *resilience.CircuitBreaker) *ASRProvider {
	return &ASRProvider{inner: inner, cb: cb}
}

func (p *ASRProvider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	var handle asr.StreamHandle
	err := p.cb.Execute(func() error {
		var err error
		handle, err = p.inner.StartStream(ctx, cfg)
		return err
	})
	return handle, err
}

// LLMProvider guards StreamCompletion behind a breaker. CountTokens and
// Capabilities are local computations and pass through.
type LLMProvider struct {
	inner llm.Provider
	cb    *resilience.CircuitBreaker
}

var _ llm.Provider = (*LLMProvider)(nil)

func LLM(inner llm.Provider, cb *resilience.CircuitBreaker) *LLMProvider {
	return &LLMProvider{inner: inner, cb: cb}
}

func (p *LLMProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var chunks <-chan llm.Chunk
	err := p.cb.Execute(func() error {
		var err error
		chunks, err = p.inner.StreamCompletion(ctx, req)
		return err
	})
	return chunks, err
}

func (p *LLMProvider) CountTokens(messages []llm.Message) (int, error) {
	return p.inner.CountTokens(messages)
}

func (p *LLMProvider) Capabilities() llm.Capabilities {
	return p.inner.Capabilities()
}

// TTSProvider guards Synthesize behind a breaker.
type TTSProvider struct {
	inner tts.Provider
	cb    *resilience.CircuitBreaker
}

var _ tts.Provider = (*TTSProvider)(nil)

func TTS(inner tts.Provider, cb *resilience.CircuitBreaker) *TTSProvider {
	return &TTSProvider{inner: inner, cb: cb}
}

func (p *TTSProvider) Synthesize(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	var chunks <-chan tts.Chunk
	err := p.cb.Execute(func() error {
		var err error
		chunks, err = p.inner.Synthesize(ctx, req)
		return err
	})
	return chunks, err
}

// LipSyncProvider guards OpenStream behind a breaker.
type LipSyncProvider struct {
	inner lipsync.Provider
	cb    *resilience.CircuitBreaker
}

var _ lipsync.Provider = (*LipSyncProvider)(nil)

func LipSync(inner lipsync.Provider, cb *resilience.CircuitBreaker) *LipSyncProvider {
	return &LipSyncProvider{inner: inner, cb: cb}
}

func (p *LipSyncProvider) OpenStream(ctx context.Context, faceModel string, sampleRate int) (lipsync.Stream, error) {
	var stream lipsync.Stream
	err := p.cb.Execute(func() error {
		var err error
		stream, err = p.inner.OpenStream(ctx, faceModel, sampleRate)
		return err
	})
	return stream, err
}

// EmbeddingsProvider guards the embedding calls behind a breaker.
type EmbeddingsProvider struct {
	inner embeddings.Provider
	cb    *resilience.CircuitBreaker
}

var _ embeddings.Provider = (*EmbeddingsProvider)(nil)

func Embeddings(inner embeddings.Provider, cb *resilience.CircuitBreaker) *EmbeddingsProvider {
	return &EmbeddingsProvider{inner: inner, cb: cb}
}

func (p *EmbeddingsProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := p.cb.Execute(func() error {
		var err error
		vec, err = p.inner.Embed(ctx, text)
		return err
	})
	return vec, err
}

func (p *EmbeddingsProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := p.cb.Execute(func() error {
		var err error
		vecs, err = p.inner.EmbedBatch(ctx, texts)
		return err
	})
	return vecs, err
}

func (p *EmbeddingsProvider) Dimensions() int { return p.inner.Dimensions() }

func (p *EmbeddingsProvider) ModelID() string { return p.inner.ModelID() }
