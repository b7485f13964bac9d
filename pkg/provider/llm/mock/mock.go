// Package mock provides a scripted llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/mirrortalk/mirrortalk/pkg/provider/llm"
)

// Provider streams pre-scripted token chunks. Zero value is usable and
// emits a single "stop" chunk with no text.
type Provider struct {
	// Script holds the text fragments to emit, in order. The last chunk
	// carries FinishReason "stop" (or FailMidStream's reason).
	Script []string

	// FailStart, when non-nil, is returned from StreamCompletion before the
	// stream opens.
	FailStart error

	// FailAfter, when > 0, emits that many script chunks and then a chunk
	// with FinishReason "error" and ErrText as the text.
	FailAfter int
	ErrText   string

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Requests returns a copy of every request passed to StreamCompletion.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.FailStart != nil {
		return nil, p.FailStart
	}

	ch := make(chan llm.Chunk, len(p.Script)+1)
	go func() {
		defer close(ch)
		for i, text := range p.Script {
			if p.FailAfter > 0 && i == p.FailAfter {
				emit(ctx, ch, llm.Chunk{Text: p.ErrText, FinishReason: "error"})
				return
			}
			last := i == len(p.Script)-1 && (p.FailAfter <= 0 || p.FailAfter > len(p.Script))
			chunk := llm.Chunk{Text: text}
			if last {
				chunk.FinishReason = "stop"
			}
			if !emit(ctx, ch, chunk) {
				return
			}
		}
		if len(p.Script) == 0 {
			emit(ctx, ch, llm.Chunk{FinishReason: "stop"})
		} else if p.FailAfter >= len(p.Script) && p.FailAfter > 0 {
			emit(ctx, ch, llm.Chunk{Text: p.ErrText, FinishReason: "error"})
		}
	}()
	return ch, nil
}

func emit(ctx context.Context, ch chan<- llm.Chunk, c llm.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{ContextWindow: 8192, MaxOutputTokens: 1024}
}
