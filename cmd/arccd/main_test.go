package main

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/arcc/internal/video"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arcc.yaml")
	if err := os.WriteFile(path, []byte("video:\n  source: pattern\n  fps: 30\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "config ok") {
		t.Fatalf("unexpected output %q", out.String())
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("video:\n  fps: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check-config", "--config", bad})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestRenderCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "still.png")
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 90, G: 90, B: 90, A: 255}), image.Point{}, draw.Src)
	if err := video.WritePNG(in, video.Frame{Image: img}); err != nil {
		t.Fatalf("write input: %v", err)
	}
	out := filepath.Join(dir, "captioned.png")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"render", "--config", filepath.Join(dir, "none.yaml"), "--in", in, "--out", out, "--text", "HELLO", "--x", "10", "--y", "20"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	result, err := video.DecodeFile(out)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if result.Bounds() != img.Bounds() {
		t.Fatalf("unexpected bounds %v", result.Bounds())
	}
	if bytes.Equal(result.Pix, img.Pix) {
		t.Fatal("caption was not burned in")
	}
}
