package main

import (
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/loqalabs/arcc/internal/caption"
	"github.com/loqalabs/arcc/internal/config"
	"github.com/loqalabs/arcc/internal/overlay"
	"github.com/loqalabs/arcc/internal/video"
	"github.com/spf13/cobra"
)

type renderOptions struct {
	in   string
	out  string
	text string
	x, y int
}

// newRenderCmd burns one caption into a still image using the configured style.
func newRenderCmd(configPath *string) *cobra.Command {
	var opts renderOptions

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Burn a caption into a single image",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.in == "" || opts.out == "" {
				return errors.New("--in and --out are required")
			}
			captionCfg := config.Default().Caption
			if _, err := os.Stat(*configPath); err == nil {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				captionCfg = cfg.Caption
			}

			var position *image.Point
			if cmd.Flags().Changed("x") || cmd.Flags().Changed("y") {
				position = &image.Point{X: opts.x, Y: opts.y}
			}
			return renderStill(captionCfg, opts, position)
		},
	}
	cmd.Flags().StringVar(&opts.in, "in", "", "Input image (png, jpeg, gif, bmp, tiff, webp)")
	cmd.Flags().StringVar(&opts.out, "out", "", "Output PNG path")
	cmd.Flags().StringVar(&opts.text, "text", "", "Caption text")
	cmd.Flags().IntVar(&opts.x, "x", 0, "Left edge of the caption text")
	cmd.Flags().IntVar(&opts.y, "y", 0, "Top edge of the caption text")
	return cmd
}

func renderStill(cfg config.CaptionConfig, opts renderOptions, position *image.Point) error {
	style, err := overlay.StyleFromConfig(cfg)
	if err != nil {
		return err
	}
	var fontOpts []overlay.Option
	if cfg.FontPath != "" {
		fontOpts = append(fontOpts, overlay.WithFontFile(cfg.FontPath))
	}
	renderer, err := overlay.NewRenderer(style, fontOpts...)
	if err != nil {
		return err
	}
	defer renderer.Close()

	img, err := video.DecodeFile(opts.in)
	if err != nil {
		return err
	}
	holder := caption.NewHolder(caption.ExpiryPolicy{MaxDisplay: time.Duration(cfg.MaxDisplayTimeS) * time.Second})
	holder.Set(opts.text, time.Now())
	if err := renderer.RenderCaption(img, holder, position); err != nil {
		return err
	}
	if err := video.WritePNG(opts.out, video.Frame{Image: img}); err != nil {
		return fmt.Errorf("write %s: %w", opts.out, err)
	}
	return nil
}
