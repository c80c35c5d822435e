package caption

import (
	"sync/atomic"
	"time"
)

var empty = &TimedPhrase{}

// Snapshot is a consistent view of the holder captured at one instant.
// It remembers which published value it came from so that expiry can be
// applied only if nothing newer has been written since.
type Snapshot struct {
	TimedPhrase
	ref *TimedPhrase
}

// Holder owns the shared TimedPhrase. Writers replace the whole value
// atomically; readers never observe text from one recognition paired with
// the timestamp of another.
type Holder struct {
	current   atomic.Pointer[TimedPhrase]
	policy    ExpiryPolicy
	errorText string
	clock     func() time.Time
}

// Option customises a Holder.
type Option func(*Holder)

// WithClock overrides the time source used for expiry and error stamps.
func WithClock(clock func() time.Time) Option {
	return func(h *Holder) { h.clock = clock }
}

// WithErrorText overrides the caption shown for backend errors.
func WithErrorText(text string) Option {
	return func(h *Holder) {
		if text != "" {
			h.errorText = text
		}
	}
}

// NewHolder returns an empty holder using policy for expiry decisions.
func NewHolder(policy ExpiryPolicy, opts ...Option) *Holder {
	h := &Holder{policy: policy, errorText: DefaultErrorText, clock: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	h.current.Store(empty)
	return h
}

// Now returns the holder's notion of the current time.
func (h *Holder) Now() time.Time { return h.clock() }

// Set replaces the phrase. Empty text clears it.
func (h *Holder) Set(text string, at time.Time) {
	if text == "" {
		h.Clear()
		return
	}
	h.current.Store(&TimedPhrase{Text: text, RecognizedAt: at})
}

// Clear removes any displayed phrase.
func (h *Holder) Clear() {
	h.current.Store(empty)
}

// Current returns a copy of the phrase without any expiry bookkeeping.
func (h *Holder) Current() TimedPhrase {
	return *h.current.Load()
}

// Snapshot captures the phrase for one render pass.
func (h *Holder) Snapshot() Snapshot {
	p := h.current.Load()
	return Snapshot{TimedPhrase: *p, ref: p}
}

// ExpireIfNeeded clears the phrase captured by s when it has expired at now.
// It reports whether s was expired. A phrase published after s was taken is
// left untouched even when s itself is expired.
func (h *Holder) ExpireIfNeeded(s Snapshot, now time.Time) bool {
	if s.Empty() || !h.policy.Expired(s.TimedPhrase, now) {
		return false
	}
	if s.ref != nil {
		h.current.CompareAndSwap(s.ref, empty)
	}
	return true
}

// SnapshotAndExpireIfNeeded captures the phrase and applies expiry in one step.
// The returned snapshot is the pre-expiry state.
func (h *Holder) SnapshotAndExpireIfNeeded(now time.Time) (Snapshot, bool) {
	s := h.Snapshot()
	return s, h.ExpireIfNeeded(s, now)
}

// Apply resolves a recognition outcome into the shared phrase.
func (h *Holder) Apply(o Outcome) {
	switch o.Kind {
	case OutcomeRecognized:
		at := o.At
		if at.IsZero() {
			at = h.clock()
		}
		h.Set(o.Text, at)
	case OutcomeAmbiguous:
		h.Clear()
	case OutcomeError:
		at := o.At
		if at.IsZero() {
			at = h.clock()
		}
		h.Set(h.errorText, at)
	}
}
