// Package audio turns recorded speech into the frame stream the recognizer consumes.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/loqalabs/arcc/internal/bus"
	"github.com/loqalabs/arcc/internal/config"
	"github.com/loqalabs/arcc/internal/protocol"
)

// ErrInvalidWAV is returned for files the WAV decoder rejects.
var ErrInvalidWAV = errors.New("not a valid wav file")

// FrameHandler receives frames in order. Returning an error stops the source.
type FrameHandler func(frame protocol.AudioFrame) error

// PublishTo returns a handler that publishes frames on the bus.
func PublishTo(client *bus.Client) FrameHandler {
	return func(frame protocol.AudioFrame) error {
		return client.PublishJSON(protocol.AudioFrameSubject(frame.SessionID), frame)
	}
}

// FileSource streams a WAV file as 16-bit little-endian PCM frames.
type FileSource struct {
	Path      string
	FrameMS   int
	Realtime  bool
	SessionID string
	logger    *slog.Logger
}

func NewFileSource(cfg config.STTConfig, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		Path:      cfg.WAVPath,
		FrameMS:   cfg.FrameDurationMS,
		Realtime:  cfg.Realtime,
		SessionID: uuid.NewString(),
		logger:    logger,
	}
}

// Run reads the whole file and hands each frame to handle. The last frame is
// marked final. With Realtime set frames are paced at their duration.
func (s *FileSource) Run(ctx context.Context, handle FrameHandler) error {
	file, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return fmt.Errorf("%w: %s", ErrInvalidWAV, s.Path)
	}
	sampleRate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	depth := int(dec.BitDepth)
	frameMS := s.FrameMS
	if frameMS <= 0 {
		frameMS = 20
	}
	perFrame := sampleRate * frameMS / 1000 * channels
	if perFrame <= 0 {
		return fmt.Errorf("%w: %s has no samples per frame", ErrInvalidWAV, s.Path)
	}

	s.logger.Info("streaming wav file",
		slog.String("path", s.Path),
		slog.String("session_id", s.SessionID),
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels),
		slog.Int("bit_depth", depth))

	read := func() ([]byte, error) {
		buf := &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
			Data:   make([]int, perFrame),
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return nil, fmt.Errorf("decode wav: %w", err)
		}
		return toPCM16(buf.Data[:n], depth), nil
	}

	var ticker *time.Ticker
	if s.Realtime {
		ticker = time.NewTicker(time.Duration(frameMS) * time.Millisecond)
		defer ticker.Stop()
	}

	current, err := read()
	if err != nil {
		return err
	}
	for seq := 0; ; seq++ {
		next, err := read()
		if err != nil {
			return err
		}
		final := len(next) == 0
		frame := protocol.AudioFrame{
			SessionID:  s.SessionID,
			Sequence:   seq,
			SampleRate: sampleRate,
			Channels:   channels,
			PCM:        current,
			Final:      final,
		}
		if err := handle(frame); err != nil {
			return fmt.Errorf("handle frame %d: %w", seq, err)
		}
		if final {
			s.logger.Info("wav file finished", slog.String("session_id", s.SessionID), slog.Int("frames", seq+1))
			return nil
		}
		current = next

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func toPCM16(samples []int, depth int) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, v := range samples {
		switch depth {
		case 8:
			v = (v - 128) << 8
		case 24:
			v >>= 8
		case 32:
			v >>= 16
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm
}
