//go:build portaudio

package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
)

const portaudioBlockSamples = 1024

// PortAudioSource captures microphone audio through PortAudio. It opens the
// default input device as mono int16 at the requested rate.
//
// Built only with the "portaudio" tag since it needs cgo and the native
// PortAudio library.
type PortAudioSource struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	closed bool
	cancel context.CancelFunc
}

// NewPortAudioSource creates an unopened PortAudio capture source.
func NewPortAudioSource() *PortAudioSource {
	return &PortAudioSource{}
}

// Open initialises PortAudio and starts reading from the default input
// device. Device errors are classified into the capture sentinels.
func (s *PortAudioSource) Open(ctx context.Context, sampleRate int) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("portaudio source: %w", ErrDeviceUnavailable)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio source: initialise: %w", classifyDeviceError(err))
	}

	buf := make([]int16, portaudioBlockSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio source: open stream: %w", classifyDeviceError(err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio source: start stream: %w", classifyDeviceError(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.stream = stream
	s.cancel = cancel

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		for {
			if runCtx.Err() != nil {
				return
			}
			if err := stream.Read(); err != nil {
				return
			}
			block := audio.Int16sToBytes(buf)
			select {
			case out <- block:
			case <-runCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops the stream and terminates PortAudio. Idempotent.
func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("portaudio source: close: %w", errors.Join(errs...))
	}
	return nil
}

// classifyDeviceError maps PortAudio error text onto the capture sentinels
// so callers can branch with errors.Is.
func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no device") || strings.Contains(msg, "invalid device") || strings.Contains(msg, "device unavailable"):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	default:
		return err
	}
}
