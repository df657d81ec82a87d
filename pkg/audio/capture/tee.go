package capture

import (
	"log/slog"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
)

// Tee duplicates one frame stream for two independent consumers. The primary
// branch gets every frame with backpressure; the secondary branch is
// best-effort and sheds frames when its consumer stalls, since stale audio is
// worthless to a realtime encoder. Both branches close when the input closes.
type Tee struct {
	primary   chan audio.Frame
	secondary chan audio.Frame
}

// NewTee starts forwarding frames from in to both branches.
func NewTee(in <-chan audio.Frame) *Tee {
	t := &Tee{
		primary:   make(chan audio.Frame, frameChannelBuffer),
		secondary: make(chan audio.Frame, frameChannelBuffer),
	}
	go t.run(in)
	return t
}

// Primary returns the lossless branch.
func (t *Tee) Primary() <-chan audio.Frame { return t.primary }

// Secondary returns the lossy branch.
func (t *Tee) Secondary() <-chan audio.Frame { return t.secondary }

func (t *Tee) run(in <-chan audio.Frame) {
	defer close(t.primary)
	defer close(t.secondary)
	for f := range in {
		t.primary <- f
		select {
		case t.secondary <- f:
		default:
			slog.Warn("capture: tee secondary branch stalled, frame dropped", "seq", f.Seq)
		}
	}
}
