package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/arcc/internal/caption"
	"github.com/loqalabs/arcc/internal/overlay"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Pipeline pulls frames, burns in the current caption and hands them to a sink.
type Pipeline struct {
	source   Source
	sink     Sink
	renderer *overlay.Renderer
	phrases  *caption.Holder
	position *image.Point
	interval time.Duration
	logger   *slog.Logger
	frames   metric.Int64Counter
}

// PipelineOptions tune a Pipeline. A nil Position centres captions.
type PipelineOptions struct {
	FPS      int
	Position *image.Point
	Logger   *slog.Logger
}

func NewPipeline(source Source, sink Sink, renderer *overlay.Renderer, phrases *caption.Holder, opts PipelineOptions) (*Pipeline, error) {
	if source == nil || sink == nil || renderer == nil || phrases == nil {
		return nil, errors.New("pipeline needs a source, sink, renderer and caption holder")
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = 24
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	frames, err := otel.Meter("github.com/loqalabs/arcc/video").Int64Counter("arcc.video.frames",
		metric.WithDescription("Frames processed by the caption pipeline"))
	if err != nil {
		return nil, fmt.Errorf("create frame counter: %w", err)
	}
	return &Pipeline{
		source:   source,
		sink:     sink,
		renderer: renderer,
		phrases:  phrases,
		position: opts.Position,
		interval: time.Second / time.Duration(fps),
		logger:   logger,
		frames:   frames,
	}, nil
}

// Run processes frames until ctx is cancelled or the source is exhausted.
// A frame that fails to render is dropped and the loop continues.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		frame, err := p.source.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			p.logger.Info("video source exhausted")
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			p.count(ctx, "source_error")
			p.logger.Warn("failed to read frame", slog.String("error", err.Error()))
		default:
			p.Process(ctx, frame)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Process renders and shows a single frame. It reports whether the frame was shown.
func (p *Pipeline) Process(ctx context.Context, frame Frame) bool {
	if err := p.renderer.RenderCaption(frame.Image, p.phrases, p.position); err != nil {
		p.count(ctx, "render_error")
		p.logger.Warn("dropping frame", slog.Int("sequence", frame.Sequence), slog.String("error", err.Error()))
		return false
	}
	if err := p.sink.Show(ctx, frame); err != nil {
		p.count(ctx, "sink_error")
		p.logger.Warn("failed to show frame", slog.Int("sequence", frame.Sequence), slog.String("error", err.Error()))
		return false
	}
	p.count(ctx, "ok")
	return true
}

func (p *Pipeline) count(ctx context.Context, result string) {
	p.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
