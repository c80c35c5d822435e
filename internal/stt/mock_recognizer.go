package stt

import (
	"context"
	"fmt"
	"sync/atomic"
)

type mockRecognizer struct {
	count atomic.Int64
}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	n := m.count.Add(1)
	ms := 0
	if sampleRate > 0 && channels > 0 {
		ms = len(pcm) * 1000 / (2 * sampleRate * channels)
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[mock phrase %d, %dms of audio]", n, ms),
		Confidence: 0,
	}, nil
}
