package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
server:
  listen_addr: ":9090"
auth:
  allow_guests: true
`

func TestLoadFromReader_Minimal(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	// Defaults applied.
	if cfg.Session.ReconnectGrace != 30*time.Second {
		t.Errorf("ReconnectGrace = %v, want 30s", cfg.Session.ReconnectGrace)
	}
	if cfg.Conversation.OutboundQueue != 64 {
		t.Errorf("OutboundQueue = %d, want 64", cfg.Conversation.OutboundQueue)
	}
	if cfg.Conversation.TTSParallelism != 2 {
		t.Errorf("TTSParallelism = %d, want 2", cfg.Conversation.TTSParallelism)
	}
	if cfg.Knowledge.TopK != 5 || cfg.Knowledge.MinScore != 0.7 {
		t.Errorf("Knowledge defaults = (%d, %v), want (5, 0.7)", cfg.Knowledge.TopK, cfg.Knowledge.MinScore)
	}
	if cfg.Alerts.MinSuccessRate != 0.95 {
		t.Errorf("MinSuccessRate = %v, want 0.95", cfg.Alerts.MinSuccessRate)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("bogus_section:\n  x: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "server:\n  log_level: loud\nauth:\n  allow_guests: true\n"},
		{"no auth at all", "server:\n  listen_addr: \":1\"\n"},
		{"min_score out of range", "auth:\n  allow_guests: true\nknowledge:\n  min_score: 1.5\n"},
		{"tls missing key", "auth:\n  allow_guests: true\nserver:\n  tls:\n    cert_file: a.pem\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromReader(strings.NewReader(tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestApplyDefaults_DoesNotOverride(t *testing.T) {
	cfg := &Config{}
	cfg.Session.MaxSessions = 8
	cfg.Conversation.TTSParallelism = 4
	cfg.Knowledge.MinScore = 0.5
	ApplyDefaults(cfg)

	if cfg.Session.MaxSessions != 8 {
		t.Errorf("MaxSessions = %d, want 8", cfg.Session.MaxSessions)
	}
	if cfg.Conversation.TTSParallelism != 4 {
		t.Errorf("TTSParallelism = %d, want 4", cfg.Conversation.TTSParallelism)
	}
	if cfg.Knowledge.MinScore != 0.5 {
		t.Errorf("MinScore = %v, want 0.5", cfg.Knowledge.MinScore)
	}
}
