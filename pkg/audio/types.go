// Package audio defines the frame type and PCM16 helpers shared by the
// capture, transport, and playback layers of Voicebridge.
//
// All audio inside the engine is little-endian 16-bit mono PCM. Frames are
// the atomic unit of transport: the capture engine produces them at a fixed
// size, the active transport adapter consumes them immediately, and they are
// never persisted.
package audio

import "time"

// Frame is a single fixed-size chunk of captured microphone audio.
type Frame struct {
	// Samples is little-endian int16 mono PCM data.
	Samples []byte

	// SampleRate in Hz (16000 for model input).
	SampleRate int

	// Seq is the monotonically increasing frame index within a capture run.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame derived from its sample count.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Samples) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Volume returns the mean absolute amplitude of the frame normalised to
// [0.0, 1.0]. It is the measurement the voice activity detector operates on.
func (f Frame) Volume() float64 {
	if len(f.Samples) < 2 {
		return 0
	}
	var sum float64
	n := len(f.Samples) / 2
	for i := 0; i < n; i++ {
		s := int16(f.Samples[i*2]) | int16(f.Samples[i*2+1])<<8
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(n) / 32768.0
}
