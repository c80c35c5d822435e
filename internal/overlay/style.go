package overlay

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/loqalabs/arcc/internal/config"
)

// Style fixes how captions look. Every caption drawn by a Renderer uses the
// same font size, scale and stroke thickness.
type Style struct {
	FontSize     float64
	Scale        float64
	Thickness    int
	BottomOffset int
	Foreground   color.Color
	Background   color.Color
}

// DefaultStyle is white text on an opaque black box, 50px above the bottom edge.
func DefaultStyle() Style {
	return Style{
		FontSize:     24,
		Scale:        1.25,
		Thickness:    2,
		BottomOffset: 50,
		Foreground:   color.NRGBA{R: 255, G: 255, B: 255, A: 255},
		Background:   color.NRGBA{A: 255},
	}
}

// StyleFromConfig builds a Style from the caption section of the config.
func StyleFromConfig(cfg config.CaptionConfig) (Style, error) {
	style := DefaultStyle()
	if cfg.FontSize > 0 {
		style.FontSize = cfg.FontSize
	}
	if cfg.FontScale > 0 {
		style.Scale = cfg.FontScale
	}
	if cfg.Thickness > 0 {
		style.Thickness = cfg.Thickness
	}
	if cfg.BottomOffset >= 0 {
		style.BottomOffset = cfg.BottomOffset
	}
	if cfg.Foreground != "" {
		fg, err := ParseColor(cfg.Foreground)
		if err != nil {
			return Style{}, fmt.Errorf("caption.foreground: %w", err)
		}
		style.Foreground = fg
	}
	if cfg.Background != "" {
		bg, err := ParseColor(cfg.Background)
		if err != nil {
			return Style{}, fmt.Errorf("caption.background: %w", err)
		}
		if bg.A != 0xff {
			return Style{}, fmt.Errorf("caption.background %q must be opaque", cfg.Background)
		}
		style.Background = bg
	}
	return style, nil
}

// ParseColor parses "#RRGGBB" or "#RRGGBBAA" as a non-premultiplied color.
func ParseColor(value string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(value), "#")
	if len(hex) != 6 && len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", value)
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", value, err)
	}
	return color.NRGBA{
		R: uint8(n >> 24),
		G: uint8(n >> 16),
		B: uint8(n >> 8),
		A: uint8(n),
	}, nil
}
