package video

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

func isImageFile(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// DirSource plays the still images of a directory in name order.
type DirSource struct {
	files []string
	loop  bool
	pos   int
	seq   int
}

func NewDirSource(dir string, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isImageFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	sort.Strings(files)
	return &DirSource{files: files, loop: loop}, nil
}

// Len returns the number of frames in one pass over the directory.
func (d *DirSource) Len() int { return len(d.files) }

func (d *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if d.pos >= len(d.files) {
		if !d.loop {
			return Frame{}, io.EOF
		}
		d.pos = 0
	}
	path := d.files[d.pos]
	d.pos++

	img, err := DecodeFile(path)
	if err != nil {
		return Frame{}, err
	}
	frame := Frame{Image: img, Sequence: d.seq, CapturedAt: time.Now()}
	d.seq++
	return frame, nil
}

func (d *DirSource) Close() error { return nil }

// DecodeFile reads any supported still image into an RGBA frame buffer.
func DecodeFile(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return toRGBA(img), nil
}
