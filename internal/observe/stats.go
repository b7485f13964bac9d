package observe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Snapshot is the aggregated service view served at /stats. Rates are in
// [0,1]; durations are milliseconds.
type Snapshot struct {
	ActiveSessions int64 `json:"active_sessions"`
	PeakSessions   int64 `json:"peak_sessions"`

	ConnectionsAccepted int64            `json:"connections_accepted"`
	ConnectionsReady    int64            `json:"connections_ready"`
	Disconnects         map[string]int64 `json:"disconnects,omitempty"`
	SuccessRate         float64          `json:"success_rate"`
	AvgConnectTimeMs    int64            `json:"avg_connect_time_ms"`

	Turns       map[string]int64 `json:"turns,omitempty"`
	TimeoutRate float64          `json:"timeout_rate"`

	Stalls        int64            `json:"stalls"`
	UnitSkips     int64            `json:"unit_skips"`
	Errors        map[string]int64 `json:"errors,omitempty"`
	BreakerTrips  map[string]int64 `json:"breaker_trips,omitempty"`
	AudioSeconds  float64          `json:"asr_audio_seconds"`
	TTSCharacters int64            `json:"tts_characters"`

	// Alerts lists every threshold currently breached; empty means healthy.
	Alerts []string `json:"alerts,omitempty"`
}

// Snapshot computes the current aggregate view and evaluates it against the
// configured thresholds. Rates over an empty denominator report as healthy.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var active int64
	if c.activeSessions != nil {
		active = int64(c.activeSessions())
	}
	if active > c.peakSessions {
		c.peakSessions = active
	}

	s := Snapshot{
		ActiveSessions:      active,
		PeakSessions:        c.peakSessions,
		ConnectionsAccepted: c.connAccepted,
		ConnectionsReady:    c.connReady,
		SuccessRate:         1,
		Stalls:              c.stalls,
		UnitSkips:           c.unitSkips,
		AudioSeconds:        c.audioSeconds,
		TTSCharacters:       c.ttsCharacters,
	}

	if len(c.connClosed) > 0 {
		s.Disconnects = make(map[string]int64, len(c.connClosed))
		for reason, n := range c.connClosed {
			s.Disconnects[reason] = n
		}
	}
	var turnsTotal int64
	if len(c.turns) > 0 {
		s.Turns = make(map[string]int64, len(c.turns))
		for status, n := range c.turns {
			s.Turns[string(status)] = n
			turnsTotal += n
		}
	}
	if len(c.errors) > 0 {
		s.Errors = make(map[string]int64, len(c.errors))
		for code, n := range c.errors {
			s.Errors[string(code)] = n
		}
	}
	if len(c.trips) > 0 {
		s.BreakerTrips = make(map[string]int64, len(c.trips))
		for name, n := range c.trips {
			s.BreakerTrips[name] = n
		}
	}

	if c.connAccepted > 0 {
		s.SuccessRate = float64(c.connReady) / float64(c.connAccepted)
	}
	if c.connReady > 0 {
		s.AvgConnectTimeMs = (c.connectTotal / time.Duration(c.connReady)).Milliseconds()
	}
	if turnsTotal > 0 {
		s.TimeoutRate = float64(c.turnTimeouts) / float64(turnsTotal)
	}

	t := c.cfg.Thresholds
	if s.SuccessRate < t.MinSuccessRate {
		s.Alerts = append(s.Alerts, fmt.Sprintf("success_rate %.3f below %.3f", s.SuccessRate, t.MinSuccessRate))
	}
	if c.connReady > 0 && c.connectTotal/time.Duration(c.connReady) > t.MaxAvgConnectTime {
		s.Alerts = append(s.Alerts, fmt.Sprintf("avg_connect_time %dms above %dms",
			s.AvgConnectTimeMs, t.MaxAvgConnectTime.Milliseconds()))
	}
	if s.TimeoutRate > t.MaxTimeoutRate {
		s.Alerts = append(s.Alerts, fmt.Sprintf("timeout_rate %.3f above %.3f", s.TimeoutRate, t.MaxTimeoutRate))
	}

	return s
}

// StatsHandler serves the JSON snapshot at /stats.
func (c *Collector) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
			http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
		}
	})
}
