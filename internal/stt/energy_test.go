package stt

import (
	"encoding/binary"
	"math"
	"testing"
)

func constantPCM(amplitude int16, samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestRMS(t *testing.T) {
	if got := RMS(constantPCM(1000, 64)); math.Abs(got-1000) > 1e-9 {
		t.Fatalf("expected rms 1000, got %f", got)
	}
	if got := RMS(nil); got != 0 {
		t.Fatalf("expected 0 for empty pcm, got %f", got)
	}
}

func TestEnergyGateFixedThreshold(t *testing.T) {
	gate := NewEnergyGate(500, 0, 16000, 1)
	if gate.Calibrating() {
		t.Fatal("gate without a calibration window must not calibrate")
	}
	if gate.Voiced(constantPCM(100, 32)) {
		t.Fatal("quiet audio should be gated")
	}
	if !gate.Voiced(constantPCM(1000, 32)) {
		t.Fatal("loud audio should pass")
	}
}

func TestEnergyGateCalibration(t *testing.T) {
	// 100ms at 1kHz mono is 100 samples.
	gate := NewEnergyGate(0, 100, 1000, 1)
	if !gate.Calibrating() {
		t.Fatal("expected calibration window")
	}

	rest := gate.Calibrate(constantPCM(100, 60))
	if len(rest) != 0 || !gate.Calibrating() {
		t.Fatalf("partial window: leftover=%d calibrating=%v", len(rest), gate.Calibrating())
	}
	rest = gate.Calibrate(constantPCM(100, 90))
	if len(rest) != 100 {
		t.Fatalf("expected 50 samples left over, got %d bytes", len(rest))
	}
	if gate.Calibrating() {
		t.Fatal("calibration should be complete")
	}
	if got := gate.Threshold(); math.Abs(got-150) > 1e-9 {
		t.Fatalf("expected threshold 150, got %f", got)
	}
	if gate.Voiced(constantPCM(100, 10)) {
		t.Fatal("ambient level must be gated after calibration")
	}
}
