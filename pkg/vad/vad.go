// Package vad classifies a stream of capture volume measurements into a
// boolean speaking state with hysteresis.
//
// Entering the speaking state is immediate: a single volume sample above the
// enter threshold flips the detector. Leaving is debounced: the volume must
// stay below the threshold for the full debounce window before the detector
// reports the transition, so micro-pauses and breath noise do not chatter
// the state.
//
// The detector is a pure state machine over its inputs plus an injectable
// clock — no I/O, safe to drive from synthetic sequences in tests. It is
// not safe for concurrent use; drive it from a single goroutine.
package vad

import "time"

// Default detection parameters, tuned for mean-absolute volume in [0, 1]
// from 16 kHz capture frames.
const (
	// DefaultEnterThreshold is the volume above which speech begins.
	DefaultEnterThreshold = 0.02

	// DefaultLeaveDebounce is how long volume must stay below the threshold
	// before speech is considered ended.
	DefaultLeaveDebounce = 500 * time.Millisecond
)

// Transition is the result of observing one volume sample.
type Transition int

const (
	// Unchanged means the speaking state did not flip.
	Unchanged Transition = iota

	// EnteredSpeaking means this sample started a speech segment.
	EnteredSpeaking

	// LeftSpeaking means the debounce window elapsed and speech ended.
	LeftSpeaking
)

// String returns the transition name for logs.
func (t Transition) String() string {
	switch t {
	case EnteredSpeaking:
		return "entered_speaking"
	case LeftSpeaking:
		return "left_speaking"
	default:
		return "unchanged"
	}
}

// Config holds the detector parameters.
type Config struct {
	// EnterThreshold is the volume above which speaking begins immediately.
	// Zero means DefaultEnterThreshold.
	EnterThreshold float64

	// LeaveDebounce is the sustained-silence window required to leave the
	// speaking state. Zero means DefaultLeaveDebounce.
	LeaveDebounce time.Duration
}

// Detector converts volume samples into speaking-state transitions.
type Detector struct {
	cfg Config

	speaking     bool
	belowSince   time.Time
	belowPending bool

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// New creates a Detector with the given configuration.
func New(cfg Config) *Detector {
	if cfg.EnterThreshold <= 0 {
		cfg.EnterThreshold = DefaultEnterThreshold
	}
	if cfg.LeaveDebounce <= 0 {
		cfg.LeaveDebounce = DefaultLeaveDebounce
	}
	return &Detector{cfg: cfg, now: time.Now}
}

// Observe feeds one volume sample to the detector and returns the resulting
// transition.
func (d *Detector) Observe(volume float64) Transition {
	now := d.now()

	if !d.speaking {
		if volume > d.cfg.EnterThreshold {
			d.speaking = true
			d.belowPending = false
			return EnteredSpeaking
		}
		return Unchanged
	}

	// Speaking: a loud sample resets the debounce timer.
	if volume > d.cfg.EnterThreshold {
		d.belowPending = false
		return Unchanged
	}

	if !d.belowPending {
		d.belowPending = true
		d.belowSince = now
		return Unchanged
	}
	if now.Sub(d.belowSince) >= d.cfg.LeaveDebounce {
		d.speaking = false
		d.belowPending = false
		return LeftSpeaking
	}
	return Unchanged
}

// Speaking reports the current speaking state.
func (d *Detector) Speaking() bool { return d.speaking }

// Reset clears all state, returning the detector to silent.
func (d *Detector) Reset() {
	d.speaking = false
	d.belowPending = false
}
