// Package video moves frames from a source through the caption overlay to a display sink.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"time"

	"github.com/loqalabs/arcc/internal/config"
)

// ErrNoFrames is returned when a directory source has nothing to show.
var ErrNoFrames = errors.New("no frames found")

// Frame is one picture on its way to the display.
type Frame struct {
	Image      *image.RGBA
	Sequence   int
	CapturedAt time.Time
}

// Source yields frames. Next returns io.EOF when the source is exhausted.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Sink displays or stores a finished frame.
type Sink interface {
	Show(ctx context.Context, frame Frame) error
}

// NewSource builds the source selected by cfg.Source.
func NewSource(cfg config.VideoConfig, logger *slog.Logger) (Source, error) {
	switch cfg.Source {
	case "", "pattern":
		return NewPatternSource(cfg.Width, cfg.Height), nil
	case "dir":
		return NewDirSource(cfg.Directory, cfg.Loop)
	case "watch":
		return NewWatchSource(cfg.Directory, logger)
	default:
		return nil, fmt.Errorf("unsupported video source %q", cfg.Source)
	}
}

// toRGBA returns img as an *image.RGBA with its origin at (0,0), copying when needed.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
