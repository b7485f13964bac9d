package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mirrortalk/mirrortalk/internal/pipeline"
	"github.com/mirrortalk/mirrortalk/internal/session"
)

// Inbound frame types.
const (
	typeAuth         = "auth"
	typeAudioChunk   = "audio_chunk"
	typeEndUtterance = "end_utterance"
	typeInterruption = "interruption"
	typePong         = "pong"
)

// Outbound frame types.
const (
	typeSessionReady  = "session_ready"
	typePing          = "ping"
	typeTranscript    = "transcript"
	typeResponseStart = "response_start"
	typeResponseAudio = "response_audio"
	typeResponseVideo = "response_video"
	typeResponseEnd   = "response_end"
	typeStateChanged  = "state_changed"
	typeWarning       = "warning"
	typeError         = "error"
)

// inboundFrame is the superset of all client → server messages; Type
// discriminates. Binary payloads travel base64-encoded per encoding/json's
// []byte convention.
type inboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// audio_chunk
	Seq   uint64 `json:"seq,omitempty"`
	Audio []byte `json:"audio,omitempty"`

	// pong
	T             int64 `json:"t,omitempty"`
	DroppedFrames int   `json:"dropped_frames,omitempty"`
}

// outboundFrame is the superset of all server → client messages.
type outboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`

	// session_ready
	UserID string `json:"user_id,omitempty"`

	// ping
	T int64 `json:"t,omitempty"`

	// transcript
	Text       string  `json:"text,omitempty"`
	Final      bool    `json:"final,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// response_start
	Sources []string `json:"sources,omitempty"`

	// response_audio / response_video
	Unit   int    `json:"unit,omitempty"`
	Chunk  int    `json:"chunk,omitempty"`
	Audio  []byte `json:"audio,omitempty"`
	Video  []byte `json:"video,omitempty"`
	Format string `json:"format,omitempty"`

	// response_end
	Status  string       `json:"status,omitempty"`
	Metrics *turnMetrics `json:"metrics,omitempty"`

	// state_changed
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// warning / error
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	RetryAfter  int64  `json:"retry_after_ms,omitempty"`
}

// turnMetrics is the client-facing latency report, all values in
// milliseconds.
type turnMetrics struct {
	ASRMs      int64 `json:"asr_ms"`
	RAGMs      int64 `json:"rag_ms"`
	LLMFirstMs int64 `json:"llm_first_token_ms"`
	TTSFirstMs int64 `json:"tts_first_chunk_ms"`
	LipSyncMs  int64 `json:"lipsync_first_frame_ms"`
	TotalMs    int64 `json:"total_latency_ms"`
	RAGTimeout bool  `json:"rag_timeout"`
}

func metricsFromTimings(t session.StageTimings) *turnMetrics {
	ms := func(d time.Duration) int64 { return d.Milliseconds() }
	return &turnMetrics{
		ASRMs:      ms(t.ASR),
		RAGMs:      ms(t.RAG),
		LLMFirstMs: ms(t.LLMFirst),
		TTSFirstMs: ms(t.TTSFirst),
		LipSyncMs:  ms(t.LipSync),
		TotalMs:    ms(t.Total),
		RAGTimeout: t.RAGTimeout,
	}
}

// encodeEvent maps one pipeline event onto the wire.
func encodeEvent(sessionID string, e pipeline.Event) ([]byte, error) {
	f := outboundFrame{SessionID: sessionID, TurnID: e.TurnID}
	switch e.Kind {
	case pipeline.EventTranscript:
		f.Type = typeTranscript
		f.Text = e.Text
		f.Final = e.Final
		f.Confidence = e.Confidence
	case pipeline.EventResponseStart:
		f.Type = typeResponseStart
		f.Sources = e.Sources
	case pipeline.EventResponseAudio:
		f.Type = typeResponseAudio
		f.Unit = e.Unit
		f.Chunk = e.Chunk
		f.Audio = e.Audio
		f.Final = e.Final
	case pipeline.EventResponseVideo:
		f.Type = typeResponseVideo
		f.Unit = e.Unit
		f.Chunk = e.Chunk
		f.Video = e.Video
		f.Format = e.VideoFormat
	case pipeline.EventResponseEnd:
		f.Type = typeResponseEnd
		f.Status = string(e.Status)
		f.Metrics = metricsFromTimings(e.Timings)
	case pipeline.EventStateChanged:
		f.Type = typeStateChanged
		f.From = e.StateFrom
		f.To = e.StateTo
	case pipeline.EventWarning:
		f.Type = typeWarning
		f.Code = string(e.Code)
		f.Message = e.Message
	case pipeline.EventError:
		f.Type = typeError
		f.Code = string(e.Code)
		f.Message = e.Message
		f.Recoverable = e.Recoverable
	default:
		return nil, fmt.Errorf("gateway: unknown event kind %q", e.Kind)
	}
	return json.Marshal(f)
}
