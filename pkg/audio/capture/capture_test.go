package capture

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
)

// stubSource is a Source fed from a channel the test controls.
type stubSource struct {
	blocks  chan []byte
	openErr error
	closes  int
}

func newStubSource() *stubSource {
	return &stubSource{blocks: make(chan []byte, 16)}
}

func (s *stubSource) Open(_ context.Context, _ int) (<-chan []byte, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.blocks, nil
}

func (s *stubSource) Close() error {
	s.closes++
	return nil
}

func collectFrames(t *testing.T, e *Engine, n int) []audio.Frame {
	t.Helper()
	var out []audio.Frame
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case f, ok := <-e.Frames():
			if !ok {
				t.Fatalf("frame channel closed after %d frames; want %d", len(out), n)
			}
			out = append(out, f)
		case <-timeout:
			t.Fatalf("timeout after %d frames; want %d", len(out), n)
		}
	}
	return out
}

func TestEngine_FixedFrameSlicing(t *testing.T) {
	t.Parallel()
	src := newStubSource()
	e := NewEngine(src, Config{SampleRate: 16000, FrameSize: 4})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	// 10 samples across two oddly sized blocks: expect two 4-sample frames,
	// with 2 samples left buffered.
	src.blocks <- audio.Int16sToBytes([]int16{1, 2, 3})
	src.blocks <- audio.Int16sToBytes([]int16{4, 5, 6, 7, 8, 9, 10})

	frames := collectFrames(t, e, 2)
	want0 := []int16{1, 2, 3, 4}
	want1 := []int16{5, 6, 7, 8}
	for i, want := range [][]int16{want0, want1} {
		got := audio.BytesToInt16s(frames[i].Samples)
		if len(got) != 4 {
			t.Fatalf("frame %d has %d samples; want 4", i, len(got))
		}
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("frame %d sample %d = %d; want %d", i, j, got[j], want[j])
			}
		}
	}
}

func TestEngine_SequenceIndices(t *testing.T) {
	t.Parallel()
	src := newStubSource()
	e := NewEngine(src, Config{FrameSize: 2})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	src.blocks <- audio.Int16sToBytes([]int16{1, 2, 3, 4, 5, 6})
	frames := collectFrames(t, e, 3)
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d Seq = %d; want %d", i, f.Seq, i)
		}
		if f.SampleRate != DefaultSampleRate {
			t.Errorf("frame %d SampleRate = %d; want %d", i, f.SampleRate, DefaultSampleRate)
		}
	}
}

func TestEngine_StartOpenError(t *testing.T) {
	t.Parallel()
	src := newStubSource()
	src.openErr = ErrPermissionDenied
	e := NewEngine(src, Config{})
	err := e.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Start error = %v; want ErrPermissionDenied", err)
	}
}

func TestEngine_StopIdempotent(t *testing.T) {
	t.Parallel()
	src := newStubSource()
	e := NewEngine(src, Config{})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if src.closes != 1 {
		t.Errorf("source closed %d times; want 1", src.closes)
	}
}

func TestEngine_StopWithoutStartClosesFrames(t *testing.T) {
	t.Parallel()
	e := NewEngine(newStubSource(), Config{})
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case _, ok := <-e.Frames():
		if ok {
			t.Error("unexpected frame from unstarted engine")
		}
	case <-time.After(time.Second):
		t.Error("frame channel not closed after Stop on unstarted engine")
	}
}

func TestEngine_StartAfterStartFails(t *testing.T) {
	t.Parallel()
	src := newStubSource()
	e := NewEngine(src, Config{})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()
	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestReaderSource_StreamsAndEOF(t *testing.T) {
	t.Parallel()
	pcm := audio.Int16sToBytes(make([]int16, 5000))
	src := NewReaderSource(bytes.NewReader(pcm))
	blocks, err := src.Open(context.Background(), 16000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	var total int
	for b := range blocks {
		total += len(b)
	}
	if total != len(pcm) {
		t.Errorf("streamed %d bytes; want %d", total, len(pcm))
	}
}

func TestReaderSource_NilReader(t *testing.T) {
	t.Parallel()
	src := NewReaderSource(nil)
	if _, err := src.Open(context.Background(), 16000); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Open error = %v; want ErrDeviceUnavailable", err)
	}
}

func TestReaderSource_CloseIdempotent(t *testing.T) {
	t.Parallel()
	src := NewReaderSource(bytes.NewReader(nil))
	if _, err := src.Open(context.Background(), 16000); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
