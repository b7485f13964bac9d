// Package genstream is the generation stage of the turn pipeline. It
// composes the grounded prompt from persona, retrieved knowledge, and
// conversation history, opens the model stream through the configured
// provider, and classifies provider failures into retryable and fatal.
package genstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mirrortalk/mirrortalk/internal/resilience"
	"github.com/mirrortalk/mirrortalk/internal/session"
	"github.com/mirrortalk/mirrortalk/internal/twerr"
	"github.com/mirrortalk/mirrortalk/pkg/knowledge"
	"github.com/mirrortalk/mirrortalk/pkg/provider/llm"
)

// groundedRefusalDirective is injected when retrieval produced nothing
// usable: the model declines instead of improvising.
const groundedRefusalDirective = `No relevant knowledge was found for this question. ` +
	`Politely say you don't have that information. Do not guess or invent an answer.`

// knowledgePreamble introduces the retrieved chunks inside the system
// prompt.
const knowledgePreamble = "Answer using only the following knowledge:"

// PromptInput carries everything the prompt is composed from.
type PromptInput struct {
	// Persona is the digital twin's persona text.
	Persona string

	// Chunks is the ranked retrieval result, empty when retrieval degraded
	// or found nothing.
	Chunks []knowledge.Result

	// NoKnowledge marks an empty retrieval that should produce a grounded
	// refusal rather than a free answer.
	NoKnowledge bool

	// History is the session's recent exchanges, oldest first.
	History []session.Exchange

	// Transcript is the user's final utterance.
	Transcript string
}

// Config tunes the streamer. Zero values select the defaults.
type Config struct {
	Temperature float64       // default 0.7
	MaxTokens   int           // completion cap; zero uses provider default
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 100ms
	MaxDelay    time.Duration // default 5s
}

func (c *Config) applyDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
}

// Streamer opens completion streams for turns. Safe for concurrent use.
type Streamer struct {
	provider llm.Provider
	cfg      Config
	logger   *slog.Logger
}

// New creates a Streamer. logger may be nil.
func New(provider llm.Provider, cfg Config, logger *slog.Logger) *Streamer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{provider: provider, cfg: cfg, logger: logger}
}

// Stream composes the prompt from in and opens the token stream.
// Retryable start failures (timeouts, rate limits) are retried with
// jittered exponential backoff; fatal ones (auth, bad request) propagate
// immediately. Errors after the stream opens surface as a Chunk with
// FinishReason "error".
func (s *Streamer) Stream(ctx context.Context, in PromptInput) (<-chan llm.Chunk, error) {
	req := s.BuildRequest(in)

	var ch <-chan llm.Chunk
	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts: s.cfg.MaxAttempts,
		BaseDelay:   s.cfg.BaseDelay,
		MaxDelay:    s.cfg.MaxDelay,
		Retryable:   Retryable,
	}, func(ctx context.Context) error {
		var err error
		ch, err = s.provider.StreamCompletion(ctx, req)
		return err
	})
	if err != nil {
		return nil, twerr.New(twerr.CodeLLMError, fmt.Errorf("genstream: open stream: %w", err))
	}
	return ch, nil
}

// BuildRequest composes the completion request: persona, retrieved
// knowledge truncated to the provider's context budget, recent history,
// and the final transcript.
func (s *Streamer) BuildRequest(in PromptInput) llm.CompletionRequest {
	caps := s.provider.Capabilities()

	// Reserve room for the completion plus history and transcript; the
	// remainder of the context window is the knowledge budget.
	completionBudget := s.cfg.MaxTokens
	if completionBudget <= 0 {
		completionBudget = caps.MaxOutputTokens
	}
	messages := historyMessages(in.History, in.Transcript)
	used, _ := s.provider.CountTokens(messages)
	personaTokens, _ := s.provider.CountTokens([]llm.Message{{Content: in.Persona}})
	knowledgeBudget := caps.ContextWindow - completionBudget - used - personaTokens
	if knowledgeBudget < 0 {
		knowledgeBudget = 0
	}

	var sb strings.Builder
	sb.WriteString(in.Persona)

	if in.NoKnowledge {
		sb.WriteString("\n\n")
		sb.WriteString(groundedRefusalDirective)
	} else if len(in.Chunks) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(knowledgePreamble)
		for _, c := range in.Chunks {
			entry := "\n- " + c.Chunk.Content
			tokens, _ := s.provider.CountTokens([]llm.Message{{Content: entry}})
			if tokens > knowledgeBudget {
				break
			}
			knowledgeBudget -= tokens
			sb.WriteString(entry)
		}
	}

	return llm.CompletionRequest{
		SystemPrompt: sb.String(),
		Messages:     messages,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	}
}

// historyMessages converts recent exchanges plus the live transcript into
// the conversation message list.
func historyMessages(history []session.Exchange, transcript string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)*2+1)
	for _, e := range history {
		if e.User != "" {
			messages = append(messages, llm.Message{Role: "user", Content: e.User})
		}
		if e.Reply != "" {
			messages = append(messages, llm.Message{Role: "assistant", Content: e.Reply})
		}
	}
	messages = append(messages, llm.Message{Role: "user", Content: transcript})
	return messages
}

// Retryable classifies a provider failure: true for transient conditions
// (timeouts, rate limits, upstream unavailability), false for fatal ones
// (auth, malformed request).
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch twerr.CodeOf(err) {
	case twerr.CodeLLMTimeout, twerr.CodeRateLimitExceeded, twerr.CodeTimeout:
		return true
	case twerr.CodeAuthInvalid, twerr.CodeAuthExpired, twerr.CodeAuthRequired:
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, fatal := range []string{"api key", "unauthorized", "forbidden", "invalid request", "bad request", "400", "401", "403"} {
		if strings.Contains(msg, fatal) {
			return false
		}
	}
	for _, transient := range []string{"timeout", "timed out", "rate limit", "429", "too many requests", "unavailable", "503", "502", "overloaded", "connection refused", "connection reset"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
