package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

const readerBlockBytes = 3200 // 100 ms of 16 kHz mono PCM16

// ReaderSource adapts an io.Reader of raw little-endian PCM16 mono samples
// into a capture [Source]. It is used to feed the engine from files, pipes,
// or stdin when no real input device is wired in.
type ReaderSource struct {
	r io.Reader

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// NewReaderSource creates a ReaderSource over r. A nil reader yields
// ErrDeviceUnavailable from Open.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// Open begins streaming fixed blocks read from the underlying reader.
// The returned channel closes on EOF, read error, or Close.
func (s *ReaderSource) Open(ctx context.Context, _ int) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("reader source: %w", ErrDeviceUnavailable)
	}
	if s.r == nil {
		return nil, fmt.Errorf("reader source: nil reader: %w", ErrDeviceUnavailable)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		for {
			block := make([]byte, readerBlockBytes)
			n, err := io.ReadFull(s.r, block)
			if n > 0 {
				select {
				case out <- block[:n]:
				case <-runCtx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					// Reader failure ends the stream; the engine surfaces
					// the closed channel to its consumer.
					return
				}
				return
			}
		}
	}()
	return out, nil
}

// Close stops the streaming goroutine. Idempotent.
func (s *ReaderSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
