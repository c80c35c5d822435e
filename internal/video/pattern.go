package video

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"time"
)

var bars = []color.RGBA{
	{R: 192, G: 192, B: 192, A: 255},
	{R: 192, G: 192, B: 0, A: 255},
	{R: 0, G: 192, B: 192, A: 255},
	{R: 0, G: 192, B: 0, A: 255},
	{R: 192, G: 0, B: 192, A: 255},
	{R: 192, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 192, A: 255},
}

// PatternSource generates a colour-bar test card with a sweeping marker so
// that consecutive frames differ. It never runs out.
type PatternSource struct {
	base *image.RGBA
	seq  int
}

func NewPatternSource(width, height int) *PatternSource {
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}
	base := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := (width + len(bars) - 1) / len(bars)
	for i, c := range bars {
		r := image.Rect(i*barWidth, 0, (i+1)*barWidth, height*2/3)
		draw.Draw(base, r, image.NewUniform(c), image.Point{}, draw.Src)
	}
	draw.Draw(base, image.Rect(0, height*2/3, width, height), image.NewUniform(color.RGBA{R: 16, G: 16, B: 16, A: 255}), image.Point{}, draw.Src)
	return &PatternSource{base: base}
}

func (p *PatternSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	b := p.base.Bounds()
	img := image.NewRGBA(b)
	copy(img.Pix, p.base.Pix)

	marker := b.Dx() / 40
	if marker < 1 {
		marker = 1
	}
	x := (p.seq * marker) % b.Dx()
	y := b.Dy() * 2 / 3
	draw.Draw(img, image.Rect(x, y, x+marker, y+marker), image.White, image.Point{}, draw.Src)

	frame := Frame{Image: img, Sequence: p.seq, CapturedAt: time.Now()}
	p.seq++
	return frame, nil
}

func (p *PatternSource) Close() error { return nil }
