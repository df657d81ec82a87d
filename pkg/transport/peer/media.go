package peer

import (
	"context"
	"fmt"
	"sync"
)

// MediaSession abstracts the peer media connection: SDP negotiation, the
// outbound encoded-audio track, and the bidirectional control channel.
// This decouples the adapter from any particular media stack and allows
// testing the full session dialect without a real peer connection.
type MediaSession interface {
	// CreateOffer creates the local SDP offer.
	CreateOffer(ctx context.Context) (string, error)

	// AcceptAnswer applies the remote SDP answer.
	AcceptAnswer(ctx context.Context, sdpAnswer string) error

	// ControlOpen is closed once the control channel is established.
	ControlOpen() <-chan struct{}

	// Control delivers inbound control-channel messages. The channel is
	// closed when the control channel closes.
	Control() <-chan []byte

	// SendControl writes one message to the control channel.
	SendControl(data []byte) error

	// SendMedia writes one encoded audio packet to the outbound track.
	SendMedia(packet []byte) error

	// Close tears down the media connection. Idempotent.
	Close() error
}

// mockMediaSession is a MediaSession used for testing and as the default
// session when no real media stack is injected. Tests write inbound control
// messages with pushControl and inspect outbound traffic via sentControl and
// sentMedia.
type mockMediaSession struct {
	open      chan struct{}
	controlIn chan []byte

	mu          sync.Mutex
	answer      string
	sentControl [][]byte
	sentMedia   [][]byte
	closed      bool
}

func newMockMediaSession() *mockMediaSession {
	return &mockMediaSession{
		open:      make(chan struct{}),
		controlIn: make(chan []byte, 32),
	}
}

func (m *mockMediaSession) CreateOffer(context.Context) (string, error) {
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n", nil
}

func (m *mockMediaSession) AcceptAnswer(_ context.Context, sdpAnswer string) error {
	m.mu.Lock()
	m.answer = sdpAnswer
	m.mu.Unlock()
	// Answer applied means the channel comes up immediately in the mock.
	select {
	case <-m.open:
	default:
		close(m.open)
	}
	return nil
}

func (m *mockMediaSession) ControlOpen() <-chan struct{} { return m.open }

func (m *mockMediaSession) Control() <-chan []byte { return m.controlIn }

func (m *mockMediaSession) SendControl(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("peer: media session closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.sentControl = append(m.sentControl, cp)
	return nil
}

func (m *mockMediaSession) SendMedia(packet []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("peer: media session closed")
	}
	cp := make([]byte, len(packet))
	copy(cp, packet)
	m.sentMedia = append(m.sentMedia, cp)
	return nil
}

func (m *mockMediaSession) pushControl(data []byte) {
	m.controlIn <- data
}

func (m *mockMediaSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.controlIn)
	return nil
}
