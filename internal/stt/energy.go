package stt

import (
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/floats"
)

// dynamicEnergyRatio scales the ambient level measured during calibration.
const dynamicEnergyRatio = 1.5

// EnergyGate drops phrases that are too quiet to contain speech. It either
// uses a fixed threshold or learns one from the first stretch of a session.
type EnergyGate struct {
	threshold float64
	remaining int // calibration bytes still to consume
	sumSq     float64
	count     int
}

// NewEnergyGate returns a gate for 16-bit PCM. A zero calibration window keeps
// threshold as is; a zero threshold with no calibration lets everything through.
func NewEnergyGate(threshold float64, calibrationMS, sampleRate, channels int) *EnergyGate {
	g := &EnergyGate{threshold: threshold}
	if calibrationMS > 0 && sampleRate > 0 && channels > 0 {
		g.remaining = sampleRate * channels * 2 * calibrationMS / 1000
		g.remaining -= g.remaining % 2
	}
	return g
}

// Calibrating reports whether the gate is still measuring ambient noise.
func (g *EnergyGate) Calibrating() bool {
	return g.remaining > 0
}

// Calibrate consumes the part of pcm that belongs to the calibration window
// and returns whatever is left over.
func (g *EnergyGate) Calibrate(pcm []byte) []byte {
	if g.remaining <= 0 {
		return pcm
	}
	n := min(len(pcm), g.remaining)
	n -= n % 2
	if n == 0 {
		return pcm
	}
	samples := decodeSamples(pcm[:n])
	g.sumSq += floats.Dot(samples, samples)
	g.count += len(samples)
	g.remaining -= n
	if g.remaining <= 0 {
		g.remaining = 0
		if g.count > 0 {
			ambient := math.Sqrt(g.sumSq / float64(g.count))
			g.threshold = math.Max(g.threshold, ambient*dynamicEnergyRatio)
		}
	}
	return pcm[n:]
}

// Threshold returns the current RMS threshold.
func (g *EnergyGate) Threshold() float64 {
	return g.threshold
}

// Voiced reports whether pcm is loud enough to be sent for recognition.
func (g *EnergyGate) Voiced(pcm []byte) bool {
	return RMS(pcm) >= g.threshold
}

// RMS returns the root mean square amplitude of 16-bit little-endian PCM.
func RMS(pcm []byte) float64 {
	samples := decodeSamples(pcm)
	if len(samples) == 0 {
		return 0
	}
	return floats.Norm(samples, 2) / math.Sqrt(float64(len(samples)))
}

func decodeSamples(pcm []byte) []float64 {
	samples := make([]float64, len(pcm)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples
}
