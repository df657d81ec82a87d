// Package capture acquires a mono microphone stream and slices it into
// fixed-size frames for the transport layer.
//
// The device itself is abstracted behind the [Source] interface so the
// engine can run against a real input device (see the portaudio source), a
// raw PCM reader, or a synthetic source in tests. The engine owns the
// framing discipline: whatever block sizes the source delivers, consumers
// always see frames of exactly FrameSize samples, each tagged with a
// sequence index and carrying its own volume measurement.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
)

// Capture failure sentinels. Sources wrap these so callers can classify
// device problems with errors.Is.
var (
	// ErrPermissionDenied indicates the OS refused microphone access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable indicates no usable input device exists.
	ErrDeviceUnavailable = errors.New("capture: no input device available")
)

const (
	// DefaultSampleRate is the capture rate expected by both transports.
	DefaultSampleRate = 16000

	// DefaultFrameSize is the number of samples per emitted frame. 2048
	// samples at 16 kHz is 128 ms — small enough to bound latency, large
	// enough to give the VAD a stable measurement cadence.
	DefaultFrameSize = 2048

	frameChannelBuffer = 16
)

// Source delivers raw PCM sample blocks from an input device.
//
// Open acquires the device (requesting OS permission where applicable) and
// returns a channel of little-endian int16 mono PCM blocks of arbitrary
// size. The channel is closed when the device stops or fails. Close
// releases the device; it must be idempotent.
type Source interface {
	Open(ctx context.Context, sampleRate int) (<-chan []byte, error)
	Close() error
}

// Config holds the capture engine parameters.
type Config struct {
	// SampleRate in Hz. Zero means DefaultSampleRate.
	SampleRate int

	// FrameSize is the fixed number of samples per emitted frame.
	// Zero means DefaultFrameSize.
	FrameSize int
}

// Engine slices a Source's sample stream into fixed-size frames.
//
// Lifecycle: Start opens the source and begins emitting on Frames; Stop
// releases the device and closes the frame channel. Stop is idempotent and
// safe to call from any goroutine.
type Engine struct {
	source Source
	cfg    Config

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	frames  chan audio.Frame
}

// NewEngine creates a capture engine reading from source.
func NewEngine(source Source, cfg Config) *Engine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	return &Engine{
		source: source,
		cfg:    cfg,
		frames: make(chan audio.Frame, frameChannelBuffer),
	}
}

// Frames returns the channel on which captured frames arrive. The channel
// is closed after Stop or when the source ends.
func (e *Engine) Frames() <-chan audio.Frame { return e.frames }

// Start opens the source and begins emitting frames. It returns
// ErrPermissionDenied or ErrDeviceUnavailable (wrapped) when the source
// cannot acquire the device. Starting twice is an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("capture: engine already started")
	}
	if e.stopped {
		return fmt.Errorf("capture: engine already stopped")
	}

	runCtx, cancel := context.WithCancel(ctx)
	blocks, err := e.source.Open(runCtx, e.cfg.SampleRate)
	if err != nil {
		cancel()
		return fmt.Errorf("capture: open source: %w", err)
	}

	e.started = true
	e.cancel = cancel
	go e.run(runCtx, blocks)
	return nil
}

// Stop releases the device and closes the frame channel. Safe to call more
// than once; subsequent calls return nil.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.cancel
	started := e.started
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := e.source.Close()
	if !started {
		// run() never launched, so nobody else will close the channel.
		close(e.frames)
	}
	if err != nil {
		return fmt.Errorf("capture: close source: %w", err)
	}
	return nil
}

// run accumulates source blocks into fixed-size frames. It owns the frames
// channel and closes it on exit.
func (e *Engine) run(ctx context.Context, blocks <-chan []byte) {
	defer close(e.frames)

	frameBytes := e.cfg.FrameSize * 2
	buf := make([]byte, 0, frameBytes*2)
	var seq uint64
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-blocks:
			if !ok {
				return
			}
			buf = append(buf, block...)
			for len(buf) >= frameBytes {
				samples := make([]byte, frameBytes)
				copy(samples, buf[:frameBytes])
				buf = buf[frameBytes:]

				frame := audio.Frame{
					Samples:    samples,
					SampleRate: e.cfg.SampleRate,
					Seq:        seq,
					Timestamp:  time.Since(start),
				}
				seq++

				select {
				case e.frames <- frame:
				case <-ctx.Done():
					return
				default:
					// Consumer is stalled — drop rather than block the
					// device read path.
					slog.Warn("capture: frame dropped, consumer stalled", "seq", frame.Seq)
				}
			}
		}
	}
}
