package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/arcc/internal/bus"
	"github.com/loqalabs/arcc/internal/caption"
	"github.com/loqalabs/arcc/internal/config"
	"github.com/loqalabs/arcc/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sink receives one outcome per recognized phrase.
type Sink interface {
	Deliver(ctx context.Context, outcome caption.Outcome)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, outcome caption.Outcome)

func (f SinkFunc) Deliver(ctx context.Context, outcome caption.Outcome) { f(ctx, outcome) }

type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	sink       Sink
	logger     *slog.Logger
	clock      func() time.Time
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      atomic.Bool
}

type sessionState struct {
	Buffer     []byte
	SampleRate int
	Channels   int
	Gate       *EnergyGate
	Inflight   bool
	Final      bool
}

// NewService wires a recognizer to sink. busClient may be nil when audio is
// fed through Accept and transcripts are not published.
func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, sink Sink, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		sink:       sink,
		logger:     logger,
		clock:      time.Now,
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.Source == "bus" {
		if s.bus == nil {
			return errors.New("stt source bus requires a bus connection")
		}
		subject := protocol.SubjectAudioFramePrefix + ".>"
		sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
		if err != nil {
			return fmt.Errorf("subscribe audio frames: %w", err)
		}
		s.sub = sub
	}
	s.ready.Store(true)
	return nil
}

// Close stops accepting audio and waits for in-flight recognitions.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	s.Accept(frame)
}

// Accept buffers one audio frame. A phrase is sent for recognition once the
// session has buffered phrase_time_limit_ms of audio or the frame is final.
func (s *Service) Accept(frame protocol.AudioFrame) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = s.newSession(frame)
		s.sessions[frame.SessionID] = state
	}
	pcm := frame.PCM
	if state.Gate.Calibrating() {
		pcm = state.Gate.Calibrate(pcm)
		if !state.Gate.Calibrating() {
			s.logger.Debug("ambient noise calibrated",
				slog.String("session_id", frame.SessionID),
				slog.Float64("threshold", state.Gate.Threshold()))
		}
	}
	state.Buffer = append(state.Buffer, pcm...)
	if frame.Final {
		state.Final = true
	}
	due := len(state.Buffer) >= s.phraseBytes(state) || state.Final
	s.mu.Unlock()

	if due {
		s.schedule(frame.SessionID)
	}
}

func (s *Service) newSession(frame protocol.AudioFrame) *sessionState {
	rate := frame.SampleRate
	if rate <= 0 {
		rate = s.cfg.SampleRate
	}
	channels := frame.Channels
	if channels <= 0 {
		channels = s.cfg.Channels
	}
	return &sessionState{
		SampleRate: rate,
		Channels:   channels,
		Gate:       NewEnergyGate(s.cfg.EnergyThreshold, s.cfg.AmbientCalibrationMS, rate, channels),
	}
}

func (s *Service) phraseBytes(state *sessionState) int {
	n := state.SampleRate * state.Channels * 2 * s.cfg.PhraseTimeLimitMS / 1000
	n -= n % (2 * state.Channels)
	if n <= 0 {
		n = 2 * state.Channels
	}
	return n
}

// schedule starts recognition of the next phrase of a session. Only one
// recognition per session runs at a time so outcomes arrive in order.
func (s *Service) schedule(sessionID string) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		s.mu.Unlock()
		return
	}
	limit := s.phraseBytes(state)
	n := len(state.Buffer)
	if n > limit {
		n = limit
	}
	if n < limit && !state.Final {
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer[:n]...)
	state.Buffer = append(state.Buffer[:0], state.Buffer[n:]...)
	if state.Final && len(state.Buffer) == 0 {
		delete(s.sessions, sessionID)
	} else {
		state.Inflight = true
	}
	rate, channels := state.SampleRate, state.Channels
	voiced := state.Gate.Voiced(pcm)
	if !voiced {
		s.logger.Debug("phrase below energy threshold",
			slog.String("session_id", sessionID),
			slog.Float64("threshold", state.Gate.Threshold()))
	}
	last := s.sessions[sessionID] == nil
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if voiced {
			s.recognize(sessionID, pcm, rate, channels)
		}
		if last {
			return
		}

		s.mu.Lock()
		if state := s.sessions[sessionID]; state != nil {
			state.Inflight = false
		}
		s.mu.Unlock()
		s.schedule(sessionID)
	}()
}

func (s *Service) recognize(sessionID string, pcm []byte, sampleRate, channels int) {
	if len(pcm) == 0 || s.ctx.Err() != nil {
		return
	}

	timeout := time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	ctx, span := otel.Tracer("github.com/loqalabs/arcc/stt").Start(ctx, "stt.transcribe",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.Int("pcm_bytes", len(pcm)),
		))
	defer span.End()

	result, err := s.recognizer.Transcribe(ctx, pcm, sampleRate, channels)
	if s.ctx.Err() != nil {
		return
	}
	outcome := s.resolve(result, err)
	span.SetAttributes(attribute.String("outcome", outcome.Kind.String()))
	if outcome.Kind == caption.OutcomeError {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome.Message())
	}
	switch outcome.Kind {
	case caption.OutcomeRecognized:
		s.logger.Info("phrase recognized", slog.String("session_id", sessionID), slog.String("text", outcome.Text))
		s.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
			SessionID:  sessionID,
			Text:       outcome.Text,
			Timestamp:  outcome.At.UTC(),
			Confidence: result.Confidence,
		})
	case caption.OutcomeAmbiguous:
		s.logger.Debug("speech not understood", slog.String("session_id", sessionID))
	case caption.OutcomeError:
		s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
		s.publish(protocol.SubjectRecognitionError, protocol.RecognitionError{
			SessionID: sessionID,
			Message:   outcome.Message(),
			Timestamp: outcome.At.UTC(),
		})
	}
	if s.sink != nil {
		s.sink.Deliver(s.ctx, outcome)
	}
}

func (s *Service) resolve(result TranscriptResult, err error) caption.Outcome {
	switch {
	case errors.Is(err, ErrUnintelligible):
		return caption.Ambiguous()
	case err != nil:
		return caption.Failed(err, s.clock())
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return caption.Ambiguous()
	}
	return caption.Recognized(text, s.clock())
}

func (s *Service) publish(subject string, msg any) {
	if !s.cfg.PublishTranscripts || s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish recognition result", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
