package video

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchSource yields the images an external grabber writes into a directory.
// When frames arrive faster than they are consumed only the newest is kept.
type WatchSource struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	latest  chan string
	done    chan struct{}
	seq     int
}

func NewWatchSource(dir string, logger *slog.Logger) (*WatchSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &WatchSource{
		watcher: watcher,
		logger:  logger,
		latest:  make(chan string, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *WatchSource) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isImageFile(event.Name) {
				continue
			}
			w.offer(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("frame watcher error", slog.String("error", err.Error()))
		}
	}
}

// offer replaces any pending path with path.
func (w *WatchSource) offer(path string) {
	for {
		select {
		case w.latest <- path:
			return
		default:
		}
		select {
		case <-w.latest:
		default:
		}
	}
}

// Next blocks until a new image has been written and decodes it. Files that
// cannot be decoded yet, usually because they are still being written, are
// skipped.
func (w *WatchSource) Next(ctx context.Context) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-w.done:
			return Frame{}, io.EOF
		case path := <-w.latest:
			img, err := DecodeFile(path)
			if err != nil {
				w.logger.Debug("skipping unreadable frame", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			frame := Frame{Image: img, Sequence: w.seq, CapturedAt: time.Now()}
			w.seq++
			return frame, nil
		}
	}
}

func (w *WatchSource) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
