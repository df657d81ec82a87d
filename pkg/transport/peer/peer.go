// Package peer implements the media-transport session variant.
//
// Audio travels over a negotiated peer media connection: the microphone is
// attached as an outbound Opus-encoded track during connection setup, and
// the model's audio is rendered by the media pipeline itself. Everything
// else — speech markers, transcripts, configuration, interruption — flows as
// JSON over an auxiliary control channel.
//
// Connection setup is a three-step handshake: mint an ephemeral token,
// exchange SDP with the signaling endpoint, then wait for the control
// channel to come up and push the initial session configuration.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/audio/capture"
	"github.com/voicebridge-ai/voicebridge/pkg/playback"
	"github.com/voicebridge-ai/voicebridge/pkg/transport"
)

// Compile-time assertion that Adapter satisfies the transport interface.
var _ transport.Adapter = (*Adapter)(nil)

// Sentinel errors for the distinct connection failure modes. Callers match
// with errors.Is; the wrapped error carries the underlying cause.
var (
	ErrTokenFetchFailed       = errors.New("peer: token fetch failed")
	ErrMediaNegotiationFailed = errors.New("peer: media negotiation failed")
	ErrControlChannelClosed   = errors.New("peer: control channel closed")
)

const (
	// opusFrameSamples is the encoder frame size: 20 ms at 16 kHz mono.
	opusFrameSamples = 320

	// controlOpenTimeout bounds how long Connect waits for the control
	// channel after the SDP answer is applied.
	controlOpenTimeout = 15 * time.Second
)

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithMediaSession injects the media session implementation. Defaults to an
// in-process loopback session, which is also what tests use.
func WithMediaSession(m MediaSession) Option {
	return func(a *Adapter) { a.media = m }
}

// WithHTTPClient overrides the HTTP client used for the SDP exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithCaptureStream attaches the live microphone stream. Frames read from ch
// are rechunked to the Opus frame size, encoded, and written to the outbound
// media track for the lifetime of the connection.
func WithCaptureStream(ch <-chan audio.Frame) Option {
	return func(a *Adapter) { a.captureCh = ch }
}

// Adapter is the Peer-variant session transport.
type Adapter struct {
	tokens     TokenSource
	signalURL  string
	media      MediaSession
	httpClient *http.Client
	captureCh  <-chan audio.Frame

	events chan transport.Event

	mu              sync.Mutex
	connected       bool
	closed          bool
	inAudioResponse bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an unconnected Peer adapter. signalURL is the SDP exchange
// endpoint; tokens mints the credential that authorizes it.
func New(tokens TokenSource, signalURL string, opts ...Option) *Adapter {
	a := &Adapter{
		tokens:     tokens,
		signalURL:  signalURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		events:     make(chan transport.Event, 32),
	}
	for _, o := range opts {
		o(a)
	}
	if a.media == nil {
		a.media = newMockMediaSession()
	}
	return a
}

// Connect performs the full handshake: token, SDP exchange, control channel,
// initial session configuration. On any failure the media session is torn
// down and a wrapped sentinel is returned; no retries are attempted.
func (a *Adapter) Connect(ctx context.Context, params transport.SessionParams) error {
	a.mu.Lock()
	if a.connected || a.closed {
		a.mu.Unlock()
		return fmt.Errorf("peer: adapter already used")
	}
	a.mu.Unlock()

	token, err := a.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenFetchFailed, err)
	}

	offer, err := a.media.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("%w: create offer: %w", ErrMediaNegotiationFailed, err)
	}

	answer, err := exchangeSDP(ctx, a.httpClient, a.signalURL, token, offer)
	if err != nil {
		a.media.Close()
		return fmt.Errorf("%w: %w", ErrMediaNegotiationFailed, err)
	}

	if err := a.media.AcceptAnswer(ctx, answer); err != nil {
		a.media.Close()
		return fmt.Errorf("%w: accept answer: %w", ErrMediaNegotiationFailed, err)
	}

	select {
	case <-a.media.ControlOpen():
	case <-time.After(controlOpenTimeout):
		a.media.Close()
		return fmt.Errorf("%w: control channel did not open", ErrMediaNegotiationFailed)
	case <-ctx.Done():
		a.media.Close()
		return fmt.Errorf("%w: %w", ErrMediaNegotiationFailed, ctx.Err())
	}

	if err := a.sendSessionUpdate(params); err != nil {
		a.media.Close()
		return fmt.Errorf("%w: initial session update: %w", ErrMediaNegotiationFailed, err)
	}

	a.mu.Lock()
	a.connected = true
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.mu.Unlock()

	go a.receiveLoop()
	if a.captureCh != nil {
		go a.mediaPump()
	}
	return nil
}

// ── Outbound control dialect ───────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions      string `json:"instructions,omitempty"`
	Voice             string `json:"voice,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
}

func (a *Adapter) sendSessionUpdate(params transport.SessionParams) error {
	return a.writeControl(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Instructions:      composeInstructions(params),
			Voice:             params.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	})
}

// composeInstructions folds the destination context and user label into the
// system instructions, since the control dialect has no dedicated fields for
// them.
func composeInstructions(params transport.SessionParams) string {
	parts := make([]string, 0, 3)
	if params.Instructions != "" {
		parts = append(parts, params.Instructions)
	}
	if params.DestinationContext != "" {
		parts = append(parts, "Context for this conversation: "+params.DestinationContext)
	}
	if params.UserLabel != "" {
		parts = append(parts, "The user's name is "+params.UserLabel+".")
	}
	return strings.Join(parts, "\n\n")
}

func (a *Adapter) writeControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("peer: marshal control message: %w", err)
	}
	return a.media.SendControl(data)
}

// SendControl translates a logical control message into the wire dialect.
func (a *Adapter) SendControl(msg transport.ControlMessage) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("peer: adapter closed")
	}
	a.mu.Unlock()

	switch m := msg.(type) {
	case transport.SessionUpdate:
		return a.sendSessionUpdate(m.Params)
	case transport.InterruptNotice:
		return a.writeControl(map[string]string{"type": "response.cancel"})
	default:
		return fmt.Errorf("peer: unsupported control message %T", msg)
	}
}

// SendAudioFrame is a no-op: the microphone stream is attached as a media
// track at connect time, so frame delivery does not pass through the control
// path. It exists to satisfy the transport interface.
func (a *Adapter) SendAudioFrame(audio.Frame) error { return nil }

// ── Inbound control dialect ────────────────────────────────────────────────────

type controlEvent struct {
	Type string `json:"type"`

	Item *struct {
		Role    string `json:"role"`
		Content []struct {
			Transcript string `json:"transcript,omitempty"`
			Text       string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"item,omitempty"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// receiveLoop translates inbound control messages into normalized events.
// It owns the events channel and closes it when the control channel ends.
func (a *Adapter) receiveLoop() {
	defer close(a.events)

	for data := range a.media.Control() {
		var evt controlEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("peer: discarding malformed control message", "err", err)
			continue
		}
		a.handleControlEvent(&evt)
	}

	// Channel closed underneath us: fatal unless we initiated the close.
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if !closed {
		a.emit(transport.Event{Type: transport.EventError, Err: ErrControlChannelClosed})
	}
}

func (a *Adapter) handleControlEvent(evt *controlEvent) {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		a.emit(transport.Event{Type: transport.SpeechStarted})

	case "input_audio_buffer.speech_stopped":
		a.emit(transport.Event{Type: transport.SpeechStopped})

	case "response.audio.delta":
		// Only the first delta of a response marks the boundary; the audio
		// itself arrives on the media track, not here.
		a.mu.Lock()
		first := !a.inAudioResponse
		a.inAudioResponse = true
		a.mu.Unlock()
		if first {
			a.emit(transport.Event{Type: transport.AudioDeltaBegin})
		}

	case "response.audio.done":
		a.mu.Lock()
		open := a.inAudioResponse
		a.inAudioResponse = false
		a.mu.Unlock()
		if open {
			a.emit(transport.Event{Type: transport.AudioDeltaEnd})
		}

	case "conversation.item.created":
		if evt.Item == nil || len(evt.Item.Content) == 0 {
			return
		}
		text := evt.Item.Content[0].Transcript
		if text == "" {
			text = evt.Item.Content[0].Text
		}
		if text == "" {
			return
		}
		role := evt.Item.Role
		if role != "assistant" {
			role = "user"
		}
		a.emit(transport.Event{Type: transport.TranscriptChunk, Role: role, Text: text})

	case "response.done":
		a.emit(transport.Event{Type: transport.TurnComplete})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		a.emit(transport.Event{Type: transport.EventError, Err: fmt.Errorf("peer: backend error: %s", msg)})
	}
}

func (a *Adapter) emit(evt transport.Event) {
	select {
	case a.events <- evt:
	case <-a.ctx.Done():
	}
}

// ── Media pump ─────────────────────────────────────────────────────────────────

// mediaPump rechunks captured frames to the Opus frame size, encodes them,
// and writes packets to the outbound track until the capture stream or the
// session ends.
func (a *Adapter) mediaPump() {
	enc, err := gopus.NewEncoder(capture.DefaultSampleRate, 1, gopus.Voip)
	if err != nil {
		slog.Error("peer: opus encoder init failed, outbound audio disabled", "err", err)
		return
	}

	var pending []int16
	buf := make([]int16, 0, opusFrameSamples)
	for {
		select {
		case frame, ok := <-a.captureCh:
			if !ok {
				return
			}
			pending = append(pending, audio.BytesToInt16s(frame.Samples)...)
			for len(pending) >= opusFrameSamples {
				buf = append(buf[:0], pending[:opusFrameSamples]...)
				pending = pending[opusFrameSamples:]

				packet, err := enc.Encode(buf, opusFrameSamples, 1024)
				if err != nil {
					slog.Warn("peer: opus encode failed, frame dropped", "err", err)
					continue
				}
				if err := a.media.SendMedia(packet); err != nil {
					slog.Warn("peer: media send failed", "err", err)
				}
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// Events returns the normalized control event stream.
func (a *Adapter) Events() <-chan transport.Event { return a.events }

// Audio returns nil: inbound model audio is rendered by the media pipeline
// and never surfaces as discrete payloads.
func (a *Adapter) Audio() <-chan playback.Payload { return nil }

// Close tears down the media session. Idempotent; safe to call whether or
// not Connect succeeded.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return a.media.Close()
}
