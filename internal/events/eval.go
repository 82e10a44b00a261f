package events

import "time"

// EvalStart is emitted before a session evaluates source.
type EvalStart struct {
	Session string
	Origin  string
}

// EvalFinish is emitted after evaluation completes.
type EvalFinish struct {
	Session  string
	Origin   string
	Err      error
	Duration time.Duration
}
