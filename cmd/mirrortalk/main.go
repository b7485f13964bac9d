// Command mirrortalk is the entry point for the MirrorTalk conversation
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/mirrortalk/mirrortalk/internal/app"
	"github.com/mirrortalk/mirrortalk/internal/config"
	asrstream "github.com/mirrortalk/mirrortalk/pkg/provider/asr/stream"
	oaembed "github.com/mirrortalk/mirrortalk/pkg/provider/embeddings/openai"
	lipsyncstream "github.com/mirrortalk/mirrortalk/pkg/provider/lipsync/stream"
	"github.com/mirrortalk/mirrortalk/pkg/provider/llm"
	"github.com/mirrortalk/mirrortalk/pkg/provider/llm/anyllm"
	oallm "github.com/mirrortalk/mirrortalk/pkg/provider/llm/openai"
	ttsstream "github.com/mirrortalk/mirrortalk/pkg/provider/tts/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mirrortalk: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mirrortalk: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("mirrortalk starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders lists the model families served through the any-llm
// uniform client. "openai" is deliberately absent: it goes through the
// native adapter.
var anyllmProviders = []string{
	"anthropic", "ollama", "gemini", "deepseek", "mistral", "groq",
}

// buildProviders instantiates the providers named in cfg.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	ps := &app.Providers{}

	// ASR, TTS, and lip-sync all speak the framed websocket protocol to a
	// configured upstream.
	if entry := cfg.Providers.ASR; entry.Name != "" {
		p, err := asrstream.New(entry.BaseURL, streamHeaders(entry, asrstream.WithHeader)...)
		if err != nil {
			return nil, fmt.Errorf("create asr provider %q: %w", entry.Name, err)
		}
		ps.ASR = p
		slog.Info("provider created", "kind", "asr", "url", entry.BaseURL)
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		p, err := ttsstream.New(entry.BaseURL, streamHeaders(entry, ttsstream.WithHeader)...)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		ps.TTS = p
		slog.Info("provider created", "kind", "tts", "url", entry.BaseURL)
	}

	if entry := cfg.Providers.LipSync; entry.Name != "" {
		p, err := lipsyncstream.New(entry.BaseURL, streamHeaders(entry, lipsyncstream.WithHeader)...)
		if err != nil {
			return nil, fmt.Errorf("create lipsync provider %q: %w", entry.Name, err)
		}
		ps.LipSync = p
		slog.Info("provider created", "kind", "lipsync", "url", entry.BaseURL)
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, err := buildLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}

	if entry := cfg.Providers.Embeddings; entry.Name != "" {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		p, err := oaembed.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", entry.Model)
	}

	return ps, nil
}

// buildLLM selects the native OpenAI adapter or the any-llm client.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "openai" {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	}

	for _, name := range anyllmProviders {
		if entry.Name != name {
			continue
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(name, entry.Model, opts...)
	}

	return nil, fmt.Errorf("unknown llm provider %q", entry.Name)
}

// streamHeaders converts a provider entry's auth settings into adapter
// options. The withHeader parameter is the adapter's own WithHeader
// constructor so one helper serves all three stream adapters.
func streamHeaders[O any](entry config.ProviderEntry, withHeader func(key, value string) O) []O {
	var opts []O
	if entry.APIKey != "" {
		opts = append(opts, withHeader("Authorization", "Bearer "+entry.APIKey))
	}
	return opts
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        MirrorTalk — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("LipSync", cfg.Providers.LipSync.Name, cfg.Providers.LipSync.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.Auth.AllowGuests {
		fmt.Printf("║  Guest access    : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Guest access    : %-19s ║\n", "disabled")
	}
	fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.Session.MaxSessions)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
