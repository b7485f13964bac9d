package voicestream

import (
	"sync"
	"time"
)

// Quality is a per-session delivery mode. Transitions are soft: the
// pipeline consults the estimator at unit boundaries only, never mid-unit.
type Quality string

const (
	QualityHigh      Quality = "high"
	QualityMedium    Quality = "medium"
	QualityLow       Quality = "low"
	QualityAudioOnly Quality = "audio-only"
)

// Video reports whether this mode carries video at all.
func (q Quality) Video() bool { return q != QualityAudioOnly }

// RTT thresholds separating the quality modes.
const (
	rttHigh   = 100 * time.Millisecond
	rttMedium = 250 * time.Millisecond
	rttLow    = 500 * time.Millisecond
)

// ewmaAlpha is the smoothing factor for the RTT estimate. Low enough to
// ride out a single slow ping, high enough to react within a few samples.
const ewmaAlpha = 0.3

// QualityEstimator derives a session's delivery mode from ping/pong RTT
// and client-reported playback metrics. Safe for concurrent use.
type QualityEstimator struct {
	mu      sync.Mutex
	rttEWMA time.Duration
	dropped int
}

// ObserveRTT folds one ping/pong round trip into the estimate.
func (e *QualityEstimator) ObserveRTT(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rttEWMA == 0 {
		e.rttEWMA = rtt
		return
	}
	e.rttEWMA = time.Duration(float64(e.rttEWMA)*(1-ewmaAlpha) + float64(rtt)*ewmaAlpha)
}

// ObserveClientDrops records client-reported dropped video frames since
// the last report. Sustained drops demote the mode one step below what
// RTT alone would choose.
func (e *QualityEstimator) ObserveClientDrops(dropped int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped = dropped
}

// Mode returns the current delivery mode.
func (e *QualityEstimator) Mode() Quality {
	e.mu.Lock()
	defer e.mu.Unlock()

	mode := QualityHigh
	switch {
	case e.rttEWMA == 0 || e.rttEWMA < rttHigh:
		mode = QualityHigh
	case e.rttEWMA < rttMedium:
		mode = QualityMedium
	case e.rttEWMA < rttLow:
		mode = QualityLow
	default:
		return QualityAudioOnly
	}

	if e.dropped > 0 {
		mode = demote(mode)
	}
	return mode
}

func demote(q Quality) Quality {
	switch q {
	case QualityHigh:
		return QualityMedium
	case QualityMedium:
		return QualityLow
	default:
		return QualityAudioOnly
	}
}
