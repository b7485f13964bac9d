package asr

import (
	"encoding/binary"
	"math"
	"time"
)

// defaultEnergyThreshold is the RMS amplitude (16-bit PCM scale) below
// which a frame counts as silence. Tuned for close-mic speech at 16 kHz.
const defaultEnergyThreshold = 500

// silenceDetector tracks consecutive silence across frames and reports
// when the run exceeds the configured threshold. Not safe for concurrent
// use; one detector serves one utterance.
type silenceDetector struct {
	threshold       time.Duration
	energyThreshold float64

	speechSeen  bool
	silenceFrom time.Time
	inSilence   bool
	fired       bool
}

func newSilenceDetector(threshold time.Duration, energyThreshold float64) *silenceDetector {
	if energyThreshold <= 0 {
		energyThreshold = defaultEnergyThreshold
	}
	return &silenceDetector{threshold: threshold, energyThreshold: energyThreshold}
}

// observe processes one frame captured at ts and reports whether the
// end-of-utterance boundary fires. It fires at most once, and only after
// speech has been seen; a stream of pure silence never ends an utterance
// that never started.
func (d *silenceDetector) observe(frame []byte, ts time.Time) bool {
	if d.fired {
		return false
	}

	if rmsEnergy(frame) >= d.energyThreshold {
		d.speechSeen = true
		d.inSilence = false
		return false
	}

	if !d.speechSeen {
		return false
	}
	if !d.inSilence {
		d.inSilence = true
		d.silenceFrom = ts
		return false
	}
	if ts.Sub(d.silenceFrom) >= d.threshold {
		d.fired = true
		return true
	}
	return false
}

// RMSEnergy computes the root-mean-square amplitude of little-endian
// 16-bit PCM samples. Used here for end-of-utterance detection and by
// the pipeline for energy-based barge-in.
func RMSEnergy(frame []byte) float64 {
	return rmsEnergy(frame)
}

// rmsEnergy computes the root-mean-square amplitude of little-endian
// 16-bit PCM samples. Odd trailing bytes are ignored.
func rmsEnergy(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
