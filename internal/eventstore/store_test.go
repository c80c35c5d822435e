package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/arcc/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.AppendCaption(ctx, "s", TypeRecognized, CaptionPayload{Text: "hi"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.Recent(ctx, 10)
	if err != nil || events != nil {
		t.Fatalf("ephemeral store returned %v, %v", events, err)
	}
}

func TestAppendCaptionAndQuery(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	at := time.Date(2025, 3, 11, 17, 31, 0, 0, time.UTC)
	es.clock = func() time.Time { return at }

	if err := es.StartSession(ctx, "run-1", "wav"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.AppendCaption(ctx, "run-1", TypeRecognized, CaptionPayload{Text: "hello", RecognizedAt: at}); err != nil {
		t.Fatalf("append: %v", err)
	}
	es.clock = func() time.Time { return at.Add(time.Second) }
	if err := es.AppendCaption(ctx, "run-1", TypeError, CaptionPayload{Error: "timeout"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "run-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != TypeRecognized || events[1].Type != TypeError {
		t.Fatalf("unexpected events %+v", events)
	}
	if !events[0].CreatedAt.Equal(at) {
		t.Fatalf("created_at round trip: got %v want %v", events[0].CreatedAt, at)
	}
	payload, err := events[0].Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Text != "hello" || !payload.RecognizedAt.Equal(at) {
		t.Fatalf("unexpected payload %+v", payload)
	}

	recent, err := es.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Type != TypeError {
		t.Fatalf("expected newest event first, got %+v", recent)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "old-run", "bus"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.AppendCaption(ctx, "old-run", TypeAmbiguous, CaptionPayload{}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, "new-run", "bus"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.AppendCaption(ctx, "new-run", TypeRecognized, CaptionPayload{Text: "fresh"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListSessionEvents(ctx, "old-run", 10)
	if err != nil {
		t.Fatalf("list old: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old events pruned, got %d", len(old))
	}
	fresh, err := es.ListSessionEvents(ctx, "new-run", 10)
	if err != nil {
		t.Fatalf("list new: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("expected new session events kept, got %d", len(fresh))
	}
}
