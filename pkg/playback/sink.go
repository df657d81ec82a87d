package playback

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// Sink receives PCM16 mono audio for immediate rendering. The scheduler
// calls Write exactly when a unit's timeline slot begins, so sinks should
// start playing without additional buffering delay. Interrupt cuts audio
// already handed to Write; the scheduler invokes it on barge-in, where
// cancelling pending timers alone would leave the in-flight unit audible.
type Sink interface {
	Write(pcm []byte, sampleRate int) error
	Interrupt()
	Close() error
}

// OtoSink renders PCM through the system audio output via oto. The oto
// context is created lazily on first write because the context's sample
// rate is fixed at creation; later units at a different rate are resampled
// by the scheduler before they reach the sink.
type OtoSink struct {
	mu      sync.Mutex
	otoCtx  *oto.Context
	rate    int
	players []*oto.Player
	closed  bool
}

// NewOtoSink creates an unopened oto-backed sink.
func NewOtoSink() *OtoSink {
	return &OtoSink{}
}

// Write plays one PCM16 mono buffer.
func (s *OtoSink) Write(pcm []byte, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("oto sink: closed")
	}
	if s.otoCtx == nil {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			return fmt.Errorf("oto sink: create context: %w", err)
		}
		<-ready
		s.otoCtx = ctx
		s.rate = sampleRate
	}
	if sampleRate != s.rate {
		return fmt.Errorf("oto sink: rate %d does not match context rate %d", sampleRate, s.rate)
	}

	player := s.otoCtx.NewPlayer(bytes.NewReader(pcm))
	player.Play()
	s.players = append(s.players, player)

	// Reap finished players so the slice does not grow for the whole session.
	active := s.players[:0]
	for _, p := range s.players {
		if p.IsPlaying() {
			active = append(active, p)
		} else {
			_ = p.Close()
		}
	}
	s.players = active
	return nil
}

// Interrupt stops every in-flight player immediately. The context stays up
// so the next Write plays without re-initialisation.
func (s *OtoSink) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players {
		_ = p.Close()
	}
	s.players = nil
}

// Close stops all in-flight players and suspends the oto context.
// Idempotent.
func (s *OtoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, p := range s.players {
		_ = p.Close()
	}
	s.players = nil
	if s.otoCtx != nil {
		if err := s.otoCtx.Suspend(); err != nil {
			return fmt.Errorf("oto sink: suspend: %w", err)
		}
	}
	return nil
}
