package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/arcc/internal/bus"
	"github.com/loqalabs/arcc/internal/caption"
	"github.com/loqalabs/arcc/internal/config"
	"github.com/loqalabs/arcc/internal/eventstore"
	"github.com/loqalabs/arcc/internal/natsserver"
	"github.com/loqalabs/arcc/internal/protocol"
)

var now = time.Date(2025, 3, 11, 17, 31, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFeed(t *testing.T) (*Feed, *caption.Holder, *eventstore.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.StartSession(ctx, "run", "test"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	holder := caption.NewHolder(caption.DefaultExpiryPolicy(), caption.WithClock(func() time.Time { return now }))
	f, err := New(holder, store, "run", testLogger())
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	t.Cleanup(f.Close)
	return f, holder, store
}

func TestDeliverAppliesAndRecords(t *testing.T) {
	ctx := context.Background()
	f, holder, store := newFeed(t)

	f.Deliver(ctx, caption.Recognized("hello", now))
	if got := holder.Current(); got.Text != "hello" || !got.RecognizedAt.Equal(now) {
		t.Fatalf("unexpected phrase %+v", got)
	}
	f.Deliver(ctx, caption.Failed(errors.New("network down"), now))
	if got := holder.Current().Text; got != caption.DefaultErrorText {
		t.Fatalf("expected error caption, got %q", got)
	}
	f.Deliver(ctx, caption.Ambiguous())
	if !holder.Current().Empty() {
		t.Fatal("ambiguous outcome must clear the caption")
	}

	events, err := store.ListSessionEvents(ctx, "run", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{eventstore.TypeRecognized, eventstore.TypeError, eventstore.TypeAmbiguous}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Fatalf("event %d: expected %s, got %s", i, typ, events[i].Type)
		}
	}
	payload, _ := events[1].Decode()
	if payload.Error != "network down" {
		t.Fatalf("unexpected error payload %+v", payload)
	}
}

func TestDeliverWithoutStore(t *testing.T) {
	holder := caption.NewHolder(caption.DefaultExpiryPolicy())
	f, err := New(holder, nil, "run", testLogger())
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	f.Deliver(context.Background(), caption.Recognized("hi", now))
	if holder.Current().Text != "hi" {
		t.Fatal("expected phrase applied")
	}
}

func TestSubscribeBridgesBus(t *testing.T) {
	logger := testLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	f, holder, _ := newFeed(t)
	if err := f.Subscribe(client); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "remote", Text: "from afar", Timestamp: now.Add(-10 * time.Second)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return holder.Current().Text == "from afar" })
	if !holder.Current().RecognizedAt.Equal(now) {
		t.Fatalf("expected local receive time, got %v", holder.Current().RecognizedAt)
	}

	if err := client.PublishJSON(protocol.SubjectRecognitionError, protocol.RecognitionError{SessionID: "remote", Message: "boom", Timestamp: now.Add(time.Hour)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return holder.Current().Text == caption.DefaultErrorText })
	if !holder.Current().RecognizedAt.Equal(now) {
		t.Fatalf("expected error stamped with local receive time, got %v", holder.Current().RecognizedAt)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
