package stt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"
	"github.com/loqalabs/arcc/internal/config"
)

func TestNewRecognizerModes(t *testing.T) {
	if _, err := NewRecognizer(config.STTConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "openai", BaseURL: "http://127.0.0.1:1/v1"}); err != nil {
		t.Fatalf("openai: %v", err)
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "telepathy"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestMockRecognizerCountsPhrases(t *testing.T) {
	r := NewMockRecognizer()
	first, err := r.Transcribe(context.Background(), make([]byte, 3200), 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if first.Text != "[mock phrase 1, 100ms of audio]" {
		t.Fatalf("unexpected text %q", first.Text)
	}
	second, _ := r.Transcribe(context.Background(), nil, 16000, 1)
	if !strings.HasPrefix(second.Text, "[mock phrase 2") {
		t.Fatalf("unexpected text %q", second.Text)
	}
}

func TestWritePCMToWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phrase.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := constantPCM(1200, 800)
	if err := writePCMToWav(file, pcm, 8000, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	file.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 8000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if len(buf.Data) != 800 || buf.Data[0] != 1200 || buf.Data[1] != -1200 {
		t.Fatalf("unexpected samples len=%d first=%v", len(buf.Data), buf.Data[:2])
	}

	if err := writePCMToWav(file, []byte{1}, 8000, 1); err == nil {
		t.Fatal("expected error for odd-length pcm")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stt.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecRecognizer(t *testing.T) {
	script := writeScript(t, `echo '{"text":"  hello there ","confidence":0.8}'`)
	r, err := NewExecRecognizer(config.STTConfig{Command: script, Language: "en"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := r.Transcribe(context.Background(), constantPCM(10, 160), 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello there" || res.Confidence != 0.8 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecRecognizerEmptyTextIsUnintelligible(t *testing.T) {
	script := writeScript(t, `echo '{"text":""}'`)
	r, err := NewExecRecognizer(config.STTConfig{Command: script})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := r.Transcribe(context.Background(), constantPCM(10, 160), 16000, 1); !errors.Is(err, ErrUnintelligible) {
		t.Fatalf("expected ErrUnintelligible, got %v", err)
	}
}

func TestExecRecognizerFailure(t *testing.T) {
	script := writeScript(t, `echo boom >&2; exit 3`)
	r, err := NewExecRecognizer(config.STTConfig{Command: script})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = r.Transcribe(context.Background(), constantPCM(10, 160), 16000, 1)
	if err == nil || errors.Is(err, ErrUnintelligible) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected command failure, got %v", err)
	}
}
