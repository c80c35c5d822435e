// Package overlay burns the current caption into video frames.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os"
	"time"

	"github.com/loqalabs/arcc/internal/caption"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
)

var (
	// ErrInvalidFrame is returned for nil or zero-sized frames.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrUnsupportedGlyph is returned when the caption font cannot render a rune.
	ErrUnsupportedGlyph = errors.New("unsupported glyph")
)

// TextSize is the rendered extent of a caption. Height is measured above the
// baseline, Baseline below it.
type TextSize struct {
	Width    int
	Height   int
	Baseline int
}

// Layout is where a caption lands on a frame. Origin is the left end of the
// text baseline.
type Layout struct {
	Origin     image.Point
	Background image.Rectangle
	Text       TextSize
}

// TextBounds returns the box the glyphs are measured to occupy.
func (l Layout) TextBounds() image.Rectangle {
	return image.Rect(l.Origin.X, l.Origin.Y-l.Text.Height, l.Origin.X+l.Text.Width, l.Origin.Y+l.Text.Baseline)
}

// Renderer draws captions with a fixed Style. It is not safe for concurrent
// use; the video loop calls it once per frame.
type Renderer struct {
	style Style
	font  *sfnt.Font
	face  font.Face
	buf   sfnt.Buffer
	fg    *image.Uniform
	bg    *image.Uniform

	drawn    metric.Int64Counter
	expired  metric.Int64Counter
	duration metric.Float64Histogram
}

// Option customises a Renderer.
type Option func(*rendererOptions)

type rendererOptions struct {
	fontData []byte
	fontPath string
}

// WithFontFile loads a TrueType or OpenType font from disk instead of Go Regular.
func WithFontFile(path string) Option {
	return func(o *rendererOptions) { o.fontPath = path }
}

// WithFontData uses an in-memory TrueType or OpenType font.
func WithFontData(data []byte) Option {
	return func(o *rendererOptions) { o.fontData = data }
}

// NewRenderer loads the font (Go Regular unless an option overrides it) and
// sizes a face for style.
func NewRenderer(style Style, opts ...Option) (*Renderer, error) {
	options := rendererOptions{fontData: goregular.TTF}
	for _, opt := range opts {
		opt(&options)
	}
	if options.fontPath != "" {
		data, err := os.ReadFile(options.fontPath)
		if err != nil {
			return nil, fmt.Errorf("read font: %w", err)
		}
		options.fontData = data
	}
	if style.Thickness < 1 {
		style.Thickness = 1
	}
	if style.FontSize <= 0 || style.Scale <= 0 {
		return nil, fmt.Errorf("font size and scale must be positive")
	}

	f, err := opentype.Parse(options.fontData)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    style.FontSize * style.Scale,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("create font face: %w", err)
	}

	r := &Renderer{
		style: style,
		font:  f,
		face:  face,
		fg:    image.NewUniform(style.Foreground),
		bg:    image.NewUniform(style.Background),
	}
	if err := r.initMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Renderer) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/arcc/overlay")
	var err error
	if r.drawn, err = meter.Int64Counter("arcc.captions.drawn", metric.WithDescription("Captions burned into frames")); err != nil {
		return err
	}
	if r.expired, err = meter.Int64Counter("arcc.captions.expired", metric.WithDescription("Captions cleared after their display time")); err != nil {
		return err
	}
	r.duration, err = meter.Float64Histogram("arcc.render.duration",
		metric.WithDescription("Time spent drawing a caption"),
		metric.WithUnit("ms"))
	return err
}

// Style returns the style the renderer was built with.
func (r *Renderer) Style() Style { return r.style }

// Close releases the font face.
func (r *Renderer) Close() error {
	return r.face.Close()
}

// Measure returns the size text occupies when drawn.
func (r *Renderer) Measure(text string) (TextSize, error) {
	for _, ch := range text {
		idx, err := r.font.GlyphIndex(&r.buf, ch)
		if err != nil {
			return TextSize{}, fmt.Errorf("lookup glyph %U: %w", ch, err)
		}
		if idx == 0 {
			return TextSize{}, fmt.Errorf("%w: %U", ErrUnsupportedGlyph, ch)
		}
	}
	metrics := r.face.Metrics()
	stroke := r.style.Thickness - 1
	return TextSize{
		Width:    font.MeasureString(r.face, text).Ceil() + stroke,
		Height:   metrics.Ascent.Ceil() + stroke,
		Baseline: metrics.Descent.Ceil(),
	}, nil
}

// Layout places a caption of the given size on a frame with the given bounds.
// A nil position centres the caption near the bottom edge; otherwise position
// is the top-left corner of the text.
func (r *Renderer) Layout(bounds image.Rectangle, size TextSize, position *image.Point) Layout {
	margin := size.Baseline

	var origin image.Point
	if position != nil {
		origin = image.Pt(position.X, position.Y+size.Height)
	} else {
		origin = image.Pt(
			bounds.Min.X+bounds.Dx()/2-size.Width/2,
			bounds.Min.Y+bounds.Dy()-size.Height-r.style.BottomOffset,
		)
	}

	topLeft := image.Pt(origin.X-margin, origin.Y-margin-size.Height)
	bottomRight := topLeft.Add(image.Pt(size.Width+2*margin, size.Height+2*margin))
	return Layout{
		Origin:     origin,
		Background: image.Rectangle{Min: topLeft, Max: bottomRight},
		Text:       size,
	}
}

// Draw burns text into frame and returns where it was placed. Anything outside
// the frame is clipped.
func (r *Renderer) Draw(frame draw.Image, text string, position *image.Point) (Layout, error) {
	if err := checkFrame(frame); err != nil {
		return Layout{}, err
	}
	size, err := r.Measure(text)
	if err != nil {
		return Layout{}, err
	}
	layout := r.Layout(frame.Bounds(), size, position)

	draw.Draw(frame, layout.Background, r.bg, image.Point{}, draw.Src)

	d := font.Drawer{Dst: frame, Src: r.fg, Face: r.face}
	for dx := 0; dx < r.style.Thickness; dx++ {
		for dy := 0; dy < r.style.Thickness; dy++ {
			d.Dot = fixed.P(layout.Origin.X+dx, layout.Origin.Y-dy)
			d.DrawString(text)
		}
	}
	return layout, nil
}

// RenderCaption draws the phrase held by phrases onto frame and applies expiry.
// The phrase is read once on entry; an expired phrase is still drawn on this
// pass and cleared afterwards. Expiry is applied even when drawing fails so a
// phrase that cannot be rendered does not stick.
func (r *Renderer) RenderCaption(frame draw.Image, phrases *caption.Holder, position *image.Point) error {
	snap := phrases.Snapshot()
	if snap.Empty() {
		return nil
	}

	start := time.Now()
	_, err := r.Draw(frame, snap.Text, position)

	ctx := context.Background()
	if err == nil {
		r.drawn.Add(ctx, 1)
		r.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}
	if phrases.ExpireIfNeeded(snap, phrases.Now()) {
		r.expired.Add(ctx, 1)
	}
	if err != nil {
		return fmt.Errorf("render caption: %w", err)
	}
	return nil
}

func checkFrame(frame draw.Image) error {
	if frame == nil {
		return ErrInvalidFrame
	}
	if rgba, ok := frame.(*image.RGBA); ok && rgba == nil {
		return ErrInvalidFrame
	}
	if frame.Bounds().Empty() {
		return ErrInvalidFrame
	}
	return nil
}
