package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// DirSink writes every frame as a numbered PNG file.
type DirSink struct {
	dir string
}

func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

// PathFor returns the file a frame sequence number is written to.
func (s *DirSink) PathFor(seq int) string {
	return filepath.Join(s.dir, fmt.Sprintf("frame-%06d.png", seq))
}

func (s *DirSink) Show(_ context.Context, frame Frame) error {
	return WritePNG(s.PathFor(frame.Sequence), frame)
}

// WritePNG encodes frame to path, replacing the file atomically.
func WritePNG(path string, frame Frame) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create frame file: %w", err)
	}
	if err := png.Encode(f, frame.Image); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode png: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LatestSink keeps the most recent frame as JPEG and serves it over HTTP.
type LatestSink struct {
	quality int

	mu       sync.RWMutex
	data     []byte
	seq      int
	captured time.Time
}

func NewLatestSink(quality int) *LatestSink {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &LatestSink{quality: quality}
}

func (s *LatestSink) Show(_ context.Context, frame Frame) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	s.mu.Lock()
	s.data = buf.Bytes()
	s.seq = frame.Sequence
	s.captured = frame.CapturedAt
	s.mu.Unlock()
	return nil
}

// Latest returns the last JPEG and its sequence number.
func (s *LatestSink) Latest() ([]byte, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data, s.seq, s.data != nil
}

func (s *LatestSink) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	data, seq, captured := s.data, s.seq, s.captured
	s.mu.RUnlock()
	if data == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Sequence", strconv.Itoa(seq))
	if !captured.IsZero() {
		w.Header().Set("Last-Modified", captured.UTC().Format(http.TimeFormat))
	}
	_, _ = w.Write(data)
}

// MultiSink fans a frame out to several sinks.
type MultiSink []Sink

func (m MultiSink) Show(ctx context.Context, frame Frame) error {
	var errs []error
	for _, s := range m {
		if err := s.Show(ctx, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
