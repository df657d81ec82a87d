// Package playback turns the remote model's streamed audio chunks into
// gapless output.
//
// Chunks arrive in arbitrary sizes and at arbitrary times; the scheduler
// decodes each one, places it on a monotonic timeline directly after the
// previous chunk (never before the current output clock), and hands it to
// the sink exactly when its slot begins. Interrupt cancels the whole
// timeline at once, which is the mechanism behind barge-in.
//
// A decode failure affects only the failing chunk: it is logged, counted,
// and dropped without disturbing the timeline of subsequent chunks.
package playback

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
)

// Clock abstracts the output clock so tests can drive the timeline
// deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// unit is one scheduled chunk on the playback timeline.
type unit struct {
	pcm       []byte
	start     time.Time
	duration  time.Duration
	playTimer *time.Timer
	doneTimer *time.Timer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the output clock. Used in tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithOutputRate sets the sink sample rate. Decoded units at other rates
// are resampled before scheduling. Defaults to DefaultPayloadRate.
func WithOutputRate(rate int) Option {
	return func(s *Scheduler) { s.outputRate = rate }
}

// Scheduler owns the active playback queue. All methods are safe for
// concurrent use and callable from within event handlers: state callbacks
// are invoked after the internal lock is released, so an Interrupt from
// inside a callback cannot deadlock.
type Scheduler struct {
	sink       Sink
	clock      Clock
	outputRate int

	mu      sync.Mutex
	units   map[uint64]*unit
	nextID  uint64
	gen     uint64 // bumped by Interrupt; invalidates in-flight timers
	lastEnd time.Time
	playing bool
	closed  bool
	onState func(playing bool)
	onDone  func()

	dropped atomic.Uint64
}

// NewScheduler creates a scheduler writing to sink.
func NewScheduler(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:       sink,
		clock:      systemClock{},
		outputRate: DefaultPayloadRate,
		units:      make(map[uint64]*unit),
	}
	for _, o := range opts {
		o(s)
	}
	s.lastEnd = s.clock.Now()
	return s
}

// OnStateChange registers cb to be invoked when playback starts (true) and
// when the queue drains or is interrupted (false). Only one callback may be
// registered; subsequent calls replace it. The callback runs on the caller's
// goroutine for Enqueue/Interrupt and on a timer goroutine for completions —
// it must not block.
func (s *Scheduler) OnStateChange(cb func(playing bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = cb
}

// OnUnitComplete registers cb to be invoked each time a scheduled unit
// finishes playing. Replaces any previous registration.
func (s *Scheduler) OnUnitComplete(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDone = cb
}

// Enqueue decodes payload and schedules it directly after the last scheduled
// unit, or at the current clock time when the timeline has drained. Decode
// failures are dropped; Enqueue never fails the session.
func (s *Scheduler) Enqueue(p Payload) {
	dec, err := decode(p)
	if err != nil {
		s.dropped.Add(1)
		slog.Warn("playback: dropping undecodable unit", "mime", p.MIME, "bytes", len(p.Data), "err", err)
		return
	}

	pcm := dec.pcm
	if dec.sampleRate != s.outputRate {
		pcm = audio.ResampleMono16(pcm, dec.sampleRate, s.outputRate)
	}
	samples := len(pcm) / 2
	duration := time.Duration(samples) * time.Second / time.Duration(s.outputRate)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	start := now
	if s.lastEnd.After(now) {
		start = s.lastEnd
	}
	s.lastEnd = start.Add(duration)

	id := s.nextID
	s.nextID++
	gen := s.gen

	u := &unit{pcm: pcm, start: start, duration: duration}
	s.units[id] = u
	u.playTimer = time.AfterFunc(start.Sub(now), func() { s.playUnit(gen, id) })
	u.doneTimer = time.AfterFunc(start.Sub(now)+duration, func() { s.completeUnit(gen, id) })

	wasPlaying := s.playing
	s.playing = true
	cb := s.onState
	s.mu.Unlock()

	if !wasPlaying && cb != nil {
		cb(true)
	}
}

// playUnit writes the unit to the sink when its timeline slot begins.
func (s *Scheduler) playUnit(gen, id uint64) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	u, ok := s.units[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.sink.Write(u.pcm, s.outputRate); err != nil {
		s.dropped.Add(1)
		slog.Warn("playback: sink write failed, unit dropped", "err", err)
	}
}

// completeUnit removes a finished unit and signals idle when the queue
// drains.
func (s *Scheduler) completeUnit(gen, id uint64) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.units, id)
	idle := len(s.units) == 0
	if idle {
		s.playing = false
	}
	stateCB := s.onState
	doneCB := s.onDone
	s.mu.Unlock()

	if doneCB != nil {
		doneCB()
	}
	if idle && stateCB != nil {
		stateCB(false)
	}
}

// Interrupt stops every scheduled and playing unit, silences the sink,
// clears the queue, and resets the timeline to the current clock time so the
// next Enqueue starts from "now" rather than a stale future slot.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	for id, u := range s.units {
		u.playTimer.Stop()
		u.doneTimer.Stop()
		delete(s.units, id)
	}
	s.gen++
	s.lastEnd = s.clock.Now()
	wasPlaying := s.playing
	s.playing = false
	cb := s.onState
	s.mu.Unlock()

	// Stopping the timers only covers units that had not started; anything
	// already written must be cut at the sink.
	s.sink.Interrupt()

	if wasPlaying && cb != nil {
		cb(false)
	}
}

// Playing reports whether any unit is scheduled or rendering.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// QueueLen returns the number of units currently on the timeline.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// Dropped returns the count of units discarded due to decode or sink
// failures.
func (s *Scheduler) Dropped() uint64 { return s.dropped.Load() }

// Close interrupts playback and rejects further enqueues. The sink is owned
// by the caller and is not closed here. Idempotent.
func (s *Scheduler) Close() error {
	s.Interrupt()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
