// Package caption holds the most recently recognized phrase shared between the
// recognition feed and the frame renderer.
package caption

import "time"

// DefaultErrorText is shown when the recognition backend fails.
const DefaultErrorText = "[recognition error]"

// TimedPhrase pairs recognized text with the moment it was recognized.
// Values are immutable once published through a Holder.
type TimedPhrase struct {
	Text         string
	RecognizedAt time.Time
}

// Empty reports whether there is nothing to show.
func (p TimedPhrase) Empty() bool {
	return p.Text == ""
}

// Elapsed returns the time since recognition, or zero when the phrase was never stamped.
func (p TimedPhrase) Elapsed(now time.Time) time.Duration {
	if p.RecognizedAt.IsZero() {
		return 0
	}
	return now.Sub(p.RecognizedAt)
}

// ExpiryPolicy decides when a displayed phrase must be cleared.
type ExpiryPolicy struct {
	MaxDisplay time.Duration
	// Precise compares the raw elapsed time. When false the elapsed time is
	// truncated to whole seconds first, so a 2s limit keeps the phrase until 3s.
	Precise bool
}

// DefaultExpiryPolicy keeps captions for two seconds with whole-second comparison.
func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{MaxDisplay: 2 * time.Second}
}

// Expired reports whether p has been displayed longer than allowed at now.
// A phrase without a recognition time never expires.
func (e ExpiryPolicy) Expired(p TimedPhrase, now time.Time) bool {
	if p.RecognizedAt.IsZero() {
		return false
	}
	elapsed := now.Sub(p.RecognizedAt)
	if !e.Precise {
		elapsed = elapsed.Truncate(time.Second)
	}
	return elapsed > e.MaxDisplay
}
