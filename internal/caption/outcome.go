package caption

import "time"

// OutcomeKind classifies a recognition attempt.
type OutcomeKind int

const (
	OutcomeRecognized OutcomeKind = iota + 1
	OutcomeAmbiguous
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRecognized:
		return "recognized"
	case OutcomeAmbiguous:
		return "ambiguous"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the resolved result of one recognition attempt.
type Outcome struct {
	Kind OutcomeKind
	Text string
	At   time.Time
	Err  error
}

// Recognized reports text recognized at the given time.
func Recognized(text string, at time.Time) Outcome {
	return Outcome{Kind: OutcomeRecognized, Text: text, At: at}
}

// Ambiguous reports audio that could not be understood.
func Ambiguous() Outcome {
	return Outcome{Kind: OutcomeAmbiguous}
}

// Failed reports a backend error observed at the given time.
func Failed(err error, at time.Time) Outcome {
	return Outcome{Kind: OutcomeError, Err: err, At: at}
}

// Message returns a loggable description of the outcome error, if any.
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
