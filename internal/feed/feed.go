// Package feed resolves recognition outcomes into the displayed caption.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/arcc/internal/bus"
	"github.com/loqalabs/arcc/internal/caption"
	"github.com/loqalabs/arcc/internal/eventstore"
	"github.com/loqalabs/arcc/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Feed is the single writer of the caption holder. Outcomes from the local
// recognizer and from the bus both go through Deliver.
type Feed struct {
	holder    *caption.Holder
	store     *eventstore.Store
	sessionID string
	logger    *slog.Logger
	outcomes  metric.Int64Counter

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New returns a feed writing into holder. store may be nil.
func New(holder *caption.Holder, store *eventstore.Store, sessionID string, logger *slog.Logger) (*Feed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	counter, err := otel.Meter("github.com/loqalabs/arcc/feed").Int64Counter("arcc.recognition.outcomes",
		metric.WithDescription("Recognition outcomes applied to the caption"))
	if err != nil {
		return nil, fmt.Errorf("create outcome counter: %w", err)
	}
	return &Feed{
		holder:    holder,
		store:     store,
		sessionID: sessionID,
		logger:    logger,
		outcomes:  counter,
	}, nil
}

// SessionID identifies this run in the event store.
func (f *Feed) SessionID() string { return f.sessionID }

// Deliver applies outcome to the holder and records it.
func (f *Feed) Deliver(ctx context.Context, outcome caption.Outcome) {
	f.holder.Apply(outcome)
	f.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", outcome.Kind.String())))

	if f.store == nil {
		return
	}
	eventType, payload := eventFor(outcome)
	if err := f.store.AppendCaption(context.WithoutCancel(ctx), f.sessionID, eventType, payload); err != nil {
		f.logger.Warn("failed to record caption event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

func eventFor(o caption.Outcome) (string, eventstore.CaptionPayload) {
	switch o.Kind {
	case caption.OutcomeRecognized:
		return eventstore.TypeRecognized, eventstore.CaptionPayload{Text: o.Text, RecognizedAt: o.At}
	case caption.OutcomeError:
		return eventstore.TypeError, eventstore.CaptionPayload{Error: o.Message(), RecognizedAt: o.At}
	default:
		return eventstore.TypeAmbiguous, eventstore.CaptionPayload{}
	}
}

// Subscribe turns transcripts and recognition errors published by a remote
// recognizer into outcomes. Bridged outcomes are stamped with the local
// receive time since expiry runs against the local clock.
func (f *Feed) Subscribe(client *bus.Client) error {
	if client == nil {
		return errors.New("feed subscribe requires a bus connection")
	}
	transcripts, err := client.Conn().Subscribe(protocol.SubjectTranscriptFinal, f.handleTranscript)
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	failures, err := client.Conn().Subscribe(protocol.SubjectRecognitionError, f.handleError)
	if err != nil {
		_ = transcripts.Unsubscribe()
		return fmt.Errorf("subscribe recognition errors: %w", err)
	}
	f.mu.Lock()
	f.subs = append(f.subs, transcripts, failures)
	f.mu.Unlock()
	return nil
}

func (f *Feed) handleTranscript(msg *nats.Msg) {
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		f.logger.Warn("failed to decode transcript", slog.String("error", err.Error()))
		return
	}
	if tr.Text == "" {
		f.Deliver(context.Background(), caption.Ambiguous())
		return
	}
	f.Deliver(context.Background(), caption.Recognized(tr.Text, f.holder.Now()))
}

func (f *Feed) handleError(msg *nats.Msg) {
	var re protocol.RecognitionError
	if err := json.Unmarshal(msg.Data, &re); err != nil {
		f.logger.Warn("failed to decode recognition error", slog.String("error", err.Error()))
		return
	}
	f.Deliver(context.Background(), caption.Failed(errors.New(re.Message), f.holder.Now()))
}

// Close drops bus subscriptions.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		_ = sub.Unsubscribe()
	}
	f.subs = nil
}
