package app

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mirrortalk/mirrortalk/internal/auth"
	"github.com/mirrortalk/mirrortalk/internal/config"
	"github.com/mirrortalk/mirrortalk/pkg/knowledge/memstore"
	asrmock "github.com/mirrortalk/mirrortalk/pkg/provider/asr/mock"
	embmock "github.com/mirrortalk/mirrortalk/pkg/provider/embeddings/mock"
	llmmock "github.com/mirrortalk/mirrortalk/pkg/provider/llm/mock"
	ttsmock "github.com/mirrortalk/mirrortalk/pkg/provider/tts/mock"
)

// wsFrame is the client's view of a websocket message, inbound or outbound.
type wsFrame struct {
	Type      string  `json:"type,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Token     string  `json:"token,omitempty"`
	Seq       uint64  `json:"seq,omitempty"`
	Audio     []byte  `json:"audio,omitempty"`
	Text      string  `json:"text,omitempty"`
	Final     bool    `json:"final,omitempty"`
	Status    string  `json:"status,omitempty"`
	Code      string  `json:"code,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	Conf      float64 `json:"confidence,omitempty"`
}

// newTestApp builds a full application on mock providers and an in-memory
// knowledge store. The OTel provider registers into the process-global
// prometheus registry, so every test shares one app.
func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{}
	cfg.Auth.AllowGuests = true
	config.ApplyDefaults(cfg)

	providers := &Providers{
		ASR:        &asrmock.Provider{Script: []string{"hello", "hello there"}},
		LLM:        &llmmock.Provider{Script: []string{"A short spoken reply."}},
		TTS:        &ttsmock.Provider{ChunksPerUnit: 2},
		Embeddings: &embmock.Provider{},
	}

	a, err := New(context.Background(), cfg, providers,
		WithKnowledgeStore(memstore.New()),
		WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func pcmFrame(samples int, amplitude int16) []byte {
	b := make([]byte, samples*2)
	for i := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(amplitude))
	}
	return b
}

func TestApp(t *testing.T) {
	_, srv := newTestApp(t)

	t.Run("healthz", func(t *testing.T) {
		var body struct {
			Status string `json:"status"`
		}
		if code := getJSON(t, srv.URL+"/healthz", &body); code != 200 {
			t.Fatalf("status = %d", code)
		}
		if body.Status != "ok" {
			t.Errorf("status field = %q", body.Status)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		if code := getJSON(t, srv.URL+"/readyz", &body); code != 200 {
			t.Fatalf("status = %d", code)
		}
		if body.Checks["knowledge_store"] != "ok" {
			t.Errorf("knowledge_store check = %q", body.Checks["knowledge_store"])
		}
		for _, name := range []string{"asr", "llm", "tts", "lipsync", "embeddings"} {
			if body.Checks[name] != "ok" {
				t.Errorf("breaker check %q = %q", name, body.Checks[name])
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if len(body) == 0 {
			t.Error("empty metrics exposition")
		}
	})

	t.Run("turn over websocket", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, strings.Replace(srv.URL, "http", "ws", 1)+"/ws", nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "test done")
		conn.SetReadLimit(1 << 20)

		send := func(f wsFrame) {
			b, err := json.Marshal(f)
			if err != nil {
				t.Fatal(err)
			}
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				t.Fatal(err)
			}
		}
		recvUntil := func(frameType string) wsFrame {
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					t.Fatalf("read waiting for %s: %v", frameType, err)
				}
				var f wsFrame
				if err := json.Unmarshal(data, &f); err != nil {
					t.Fatalf("decode %q: %v", data, err)
				}
				if f.Type == frameType {
					return f
				}
			}
		}

		send(wsFrame{Type: "auth", Token: auth.GenerateGuestToken(time.Now())})
		ready := recvUntil("session_ready")
		if !strings.HasPrefix(ready.UserID, "guest:") {
			t.Errorf("user_id = %q, want guest prefix", ready.UserID)
		}

		frame := pcmFrame(320, 2000)
		for seq := uint64(1); seq <= 3; seq++ {
			send(wsFrame{Type: "audio_chunk", Seq: seq, Audio: frame})
		}
		send(wsFrame{Type: "end_utterance"})

		transcript := recvUntil("transcript")
		for !transcript.Final {
			transcript = recvUntil("transcript")
		}
		if transcript.Text != "hello there" {
			t.Errorf("final transcript = %q", transcript.Text)
		}

		recvUntil("response_audio")
		end := recvUntil("response_end")
		if end.Status != "completed" {
			t.Errorf("turn status = %q, want completed", end.Status)
		}
	})

	t.Run("stats after traffic", func(t *testing.T) {
		var body struct {
			SuccessRate float64          `json:"success_rate"`
			Turns       map[string]int64 `json:"turns"`
		}
		// The turn recorder runs on the pipeline goroutine; poll briefly.
		deadline := time.Now().Add(2 * time.Second)
		for {
			if code := getJSON(t, srv.URL+"/stats", &body); code != 200 {
				t.Fatalf("status = %d", code)
			}
			if body.Turns["completed"] >= 1 || time.Now().After(deadline) {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if body.SuccessRate != 1 {
			t.Errorf("success_rate = %v, want 1", body.SuccessRate)
		}
		if body.Turns["completed"] < 1 {
			t.Errorf("turns = %v, want at least one completed", body.Turns)
		}
	})
}
