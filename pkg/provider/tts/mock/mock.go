// Package mock provides a scripted tts.Provider for tests.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mirrortalk/mirrortalk/pkg/provider/tts"
)

// ErrScripted is the terminal error emitted for a scripted failure.
var ErrScripted = errors.New("tts mock: scripted failure")

// Provider synthesises deterministic audio: one chunk per request whose
// bytes are the request text, unless a script overrides it.
type Provider struct {
	// ChunksPerUnit splits the output into this many chunks. Zero means 1.
	ChunksPerUnit int

	// Delay is an artificial per-chunk latency.
	Delay time.Duration

	// FailStart, when non-nil, is returned before synthesis starts.
	FailStart error

	// FailText makes synthesis of a unit with exactly this text emit a
	// terminal error chunk. FailOnce limits the failure to the first
	// matching request, so a retry succeeds.
	FailText string
	FailOnce bool

	mu       sync.Mutex
	requests []tts.Request
	failed   bool
}

var _ tts.Provider = (*Provider)(nil)

// Requests returns a copy of every request passed to Synthesize.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	fail := p.FailText != "" && req.Text == p.FailText && !(p.FailOnce && p.failed)
	if fail {
		p.failed = true
	}
	p.mu.Unlock()

	if p.FailStart != nil {
		return nil, p.FailStart
	}

	n := p.ChunksPerUnit
	if n <= 0 {
		n = 1
	}

	ch := make(chan tts.Chunk, n+1)
	go func() {
		defer close(ch)
		if fail {
			ch <- tts.Chunk{Err: ErrScripted}
			return
		}
		for i := 0; i < n; i++ {
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return
				}
			}
			chunk := tts.Chunk{Index: i, Audio: []byte(req.Text), Final: i == n-1}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
