package synth

import "errors"

// ErrNoAudio is the cause reported when a session ends without any audio.
var ErrNoAudio = errors.New("engine produced no audio")

// ValidationError is returned for requests rejected before any engine work.
// Validation failures are not counted in the request statistics.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// SynthesisError wraps any failure after a request was counted: engine open
// or read errors, sink write errors and cancellation.
type SynthesisError struct {
	Engine string
	Cause  error
}

func (e *SynthesisError) Error() string {
	if e.Cause == nil {
		return "synthesis failed"
	}
	return "synthesis failed: " + e.Cause.Error()
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}
