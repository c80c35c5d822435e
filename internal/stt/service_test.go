package stt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/arcc/internal/bus"
	"github.com/loqalabs/arcc/internal/caption"
	"github.com/loqalabs/arcc/internal/config"
	"github.com/loqalabs/arcc/internal/natsserver"
	"github.com/loqalabs/arcc/internal/protocol"
	"github.com/nats-io/nats.go"
)

type scriptedRecognizer struct {
	mu      sync.Mutex
	calls   [][]byte
	results []scriptedResult
}

type scriptedResult struct {
	text string
	err  error
}

func (r *scriptedRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, pcm)
	if len(r.results) == 0 {
		return TranscriptResult{Text: "hello"}, nil
	}
	res := r.results[0]
	r.results = r.results[1:]
	return TranscriptResult{Text: res.text}, res.err
}

func (r *scriptedRecognizer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type chanSink chan caption.Outcome

func (c chanSink) Deliver(_ context.Context, o caption.Outcome) { c <- o }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// 100ms phrases at 1kHz mono are 200 bytes.
func testConfig() config.STTConfig {
	return config.STTConfig{
		Enabled:           true,
		Mode:              "mock",
		Source:            "wav",
		SampleRate:        1000,
		Channels:          1,
		PhraseTimeLimitMS: 100,
		RequestTimeoutMS:  1000,
	}
}

func newTestService(t *testing.T, cfg config.STTConfig, rec Recognizer) (*Service, chanSink) {
	t.Helper()
	sink := make(chanSink, 16)
	svc := NewService(context.Background(), cfg, nil, rec, sink, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, sink
}

func waitOutcome(t *testing.T, sink chanSink) caption.Outcome {
	t.Helper()
	select {
	case o := <-sink:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return caption.Outcome{}
	}
}

func TestServicePhraseTimeLimit(t *testing.T) {
	rec := &scriptedRecognizer{}
	svc, sink := newTestService(t, testConfig(), rec)

	svc.Accept(protocol.AudioFrame{SessionID: "s1", PCM: constantPCM(1000, 60)})
	select {
	case o := <-sink:
		t.Fatalf("phrase recognized before the limit: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}

	svc.Accept(protocol.AudioFrame{SessionID: "s1", PCM: constantPCM(1000, 60)})
	o := waitOutcome(t, sink)
	if o.Kind != caption.OutcomeRecognized || o.Text != "hello" || o.At.IsZero() {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if len(rec.calls[0]) != 200 {
		t.Fatalf("expected a 200 byte phrase, got %d", len(rec.calls[0]))
	}
}

func TestServiceFinalFlushesRemainder(t *testing.T) {
	rec := &scriptedRecognizer{}
	svc, sink := newTestService(t, testConfig(), rec)

	svc.Accept(protocol.AudioFrame{SessionID: "s1", PCM: constantPCM(1000, 130), Final: true})
	waitOutcome(t, sink)
	waitOutcome(t, sink)
	if rec.callCount() != 2 {
		t.Fatalf("expected two phrases, got %d", rec.callCount())
	}
	if len(rec.calls[0]) != 200 || len(rec.calls[1]) != 60 {
		t.Fatalf("unexpected phrase sizes %d, %d", len(rec.calls[0]), len(rec.calls[1]))
	}

	svc.mu.Lock()
	remaining := len(svc.sessions)
	svc.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("session not released after final frame, %d left", remaining)
	}
}

func TestServiceOutcomeMapping(t *testing.T) {
	backendErr := errors.New("quota exceeded")
	rec := &scriptedRecognizer{results: []scriptedResult{
		{text: "  "},
		{err: ErrUnintelligible},
		{err: backendErr},
		{text: " spaced out "},
	}}
	svc, sink := newTestService(t, testConfig(), rec)

	want := []caption.OutcomeKind{caption.OutcomeAmbiguous, caption.OutcomeAmbiguous, caption.OutcomeError, caption.OutcomeRecognized}
	for i, kind := range want {
		svc.Accept(protocol.AudioFrame{SessionID: "s1", PCM: constantPCM(1000, 100)})
		o := waitOutcome(t, sink)
		if o.Kind != kind {
			t.Fatalf("phrase %d: expected %s, got %s", i, kind, o.Kind)
		}
		switch kind {
		case caption.OutcomeError:
			if !errors.Is(o.Err, backendErr) || o.At.IsZero() {
				t.Fatalf("error outcome must carry the error and a timestamp: %+v", o)
			}
		case caption.OutcomeRecognized:
			if o.Text != "spaced out" {
				t.Fatalf("expected trimmed text, got %q", o.Text)
			}
		}
	}
}

func TestServiceEnergyGateDropsSilence(t *testing.T) {
	cfg := testConfig()
	cfg.EnergyThreshold = 300
	rec := &scriptedRecognizer{}
	svc, sink := newTestService(t, cfg, rec)

	svc.Accept(protocol.AudioFrame{SessionID: "quiet", PCM: constantPCM(10, 100), Final: true})
	svc.Accept(protocol.AudioFrame{SessionID: "loud", PCM: constantPCM(2000, 100), Final: true})

	o := waitOutcome(t, sink)
	if o.Kind != caption.OutcomeRecognized {
		t.Fatalf("unexpected outcome %+v", o)
	}
	select {
	case o := <-sink:
		t.Fatalf("silent phrase produced an outcome: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
	if rec.callCount() != 1 {
		t.Fatalf("expected only the loud phrase to reach the recognizer, got %d calls", rec.callCount())
	}
}

func TestServiceCalibratedGateDropsAmbientPhrase(t *testing.T) {
	cfg := testConfig()
	cfg.AmbientCalibrationMS = 50
	rec := &scriptedRecognizer{}
	svc, sink := newTestService(t, cfg, rec)

	svc.Accept(protocol.AudioFrame{SessionID: "room", PCM: constantPCM(200, 50)})
	svc.Accept(protocol.AudioFrame{SessionID: "room", PCM: constantPCM(250, 100)})
	svc.Accept(protocol.AudioFrame{SessionID: "room", PCM: constantPCM(2000, 100), Final: true})

	if o := waitOutcome(t, sink); o.Kind != caption.OutcomeRecognized {
		t.Fatalf("unexpected outcome %+v", o)
	}
	select {
	case o := <-sink:
		t.Fatalf("phrase under the calibrated threshold produced an outcome: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 || RMS(rec.calls[0]) < 1000 {
		t.Fatalf("expected only the loud phrase to reach the recognizer, got %d calls", len(rec.calls))
	}
}

func TestServiceDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	svc := NewService(context.Background(), cfg, nil, &scriptedRecognizer{}, nil, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("disabled service should report healthy")
	}
}

func TestServiceBusRoundTrip(t *testing.T) {
	logger := testLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	transcripts := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, transcripts); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cfg := testConfig()
	cfg.Source = "bus"
	cfg.PublishTranscripts = true
	sink := make(chanSink, 4)
	svc := NewService(context.Background(), cfg, client, &scriptedRecognizer{}, sink, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	frame := protocol.AudioFrame{SessionID: "mic", SampleRate: 1000, Channels: 1, PCM: constantPCM(1000, 50), Final: true}
	if err := client.PublishJSON(protocol.AudioFrameSubject("mic"), frame); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if o := waitOutcome(t, sink); o.Kind != caption.OutcomeRecognized {
		t.Fatalf("unexpected outcome %+v", o)
	}
	select {
	case msg := <-transcripts:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		if tr.SessionID != "mic" || tr.Text != "hello" {
			t.Fatalf("unexpected transcript %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
}
