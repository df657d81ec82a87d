package capture

import (
	"testing"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
)

func teeFrame(seq uint64) audio.Frame {
	return audio.Frame{Samples: audio.Int16sToBytes([]int16{1, 2}), SampleRate: 16000, Seq: seq}
}

func TestTee_BothBranchesReceive(t *testing.T) {
	t.Parallel()
	in := make(chan audio.Frame, 4)
	tee := NewTee(in)

	for i := uint64(0); i < 3; i++ {
		in <- teeFrame(i)
	}
	close(in)

	for _, branch := range []<-chan audio.Frame{tee.Primary(), tee.Secondary()} {
		for i := uint64(0); i < 3; i++ {
			select {
			case f := <-branch:
				if f.Seq != i {
					t.Errorf("seq = %d; want %d", f.Seq, i)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timeout waiting for frame")
			}
		}
	}
}

func TestTee_ClosesBranchesWhenInputCloses(t *testing.T) {
	t.Parallel()
	in := make(chan audio.Frame)
	tee := NewTee(in)
	close(in)

	for _, branch := range []<-chan audio.Frame{tee.Primary(), tee.Secondary()} {
		select {
		case _, ok := <-branch:
			if ok {
				t.Error("unexpected frame on closed tee")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("branch did not close")
		}
	}
}

func TestTee_SecondaryShedsWhenStalled(t *testing.T) {
	t.Parallel()
	in := make(chan audio.Frame)
	tee := NewTee(in)

	// Nobody reads the secondary branch: fill its buffer and keep going.
	// The primary branch must still see every frame in order.
	total := frameChannelBuffer + 8
	go func() {
		for i := 0; i < total; i++ {
			in <- teeFrame(uint64(i))
		}
		close(in)
	}()

	for i := 0; i < total; i++ {
		select {
		case f := <-tee.Primary():
			if f.Seq != uint64(i) {
				t.Fatalf("primary seq = %d; want %d", f.Seq, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("primary stalled at frame %d", i)
		}
	}

	// Secondary holds at most its buffer worth of frames.
	count := 0
	for range tee.Secondary() {
		count++
	}
	if count > frameChannelBuffer {
		t.Errorf("secondary delivered %d frames; want at most %d", count, frameChannelBuffer)
	}
}
