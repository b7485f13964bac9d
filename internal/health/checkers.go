package health

import (
	"context"
	"fmt"

	"github.com/mirrortalk/mirrortalk/internal/guard"
	"github.com/mirrortalk/mirrortalk/internal/resilience"
	"github.com/mirrortalk/mirrortalk/pkg/knowledge"
)

// StoreChecker probes the knowledge store. The store's own Ping decides what
// reachable means (a pool query for postgres, a no-op for the in-memory
// store).
func StoreChecker(store knowledge.Store) Checker {
	return Checker{
		Name:  "knowledge_store",
		Check: store.Ping,
	}
}

// BreakerChecker reports a provider as unready while its circuit breaker is
// open. Half-open counts as ready so a recovering provider does not keep the
// service out of rotation.
func BreakerChecker(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if cb.State() == resilience.StateOpen {
				return fmt.Errorf("circuit open")
			}
			return nil
		},
	}
}

// BreakerCheckers returns one checker per provider breaker.
func BreakerCheckers(b *guard.Breakers) []Checker {
	return []Checker{
		BreakerChecker("asr", b.ASR),
		BreakerChecker("llm", b.LLM),
		BreakerChecker("tts", b.TTS),
		BreakerChecker("lipsync", b.LipSync),
		BreakerChecker("embeddings", b.Embeddings),
	}
}
