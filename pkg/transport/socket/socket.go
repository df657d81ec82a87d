// Package socket implements the websocket session variant.
//
// A single persistent websocket carries everything: captured audio leaves as
// base64-encoded PCM chunks inside JSON frames, and the model's audio comes
// back the same way inside serverContent messages. There is no side channel —
// setup, transcripts, and turn boundaries all share the one connection.
//
// Outbound audio passes through a bounded send queue. When the socket cannot
// drain fast enough the oldest queued frame is dropped and counted; realtime
// audio is only useful fresh.
package socket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/playback"
	"github.com/voicebridge-ai/voicebridge/pkg/transport"
)

// Compile-time assertion that Adapter satisfies the transport interface.
var _ transport.Adapter = (*Adapter)(nil)

// Sentinel errors for the distinct failure modes. Callers match with
// errors.Is; the wrapped error carries the underlying cause.
var (
	ErrSocketConnectFailed      = errors.New("socket: connect failed")
	ErrSetupRejected            = errors.New("socket: setup rejected")
	ErrSocketClosedUnexpectedly = errors.New("socket: connection closed unexpectedly")
)

const (
	defaultModel = "models/live-audio-v1"

	// sendQueueSize bounds outbound frames awaiting the writer. At 128 ms
	// per frame this is roughly eight seconds of backlog before drops.
	sendQueueSize = 64

	setupTimeout = 10 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the model requested in the setup message.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// Adapter is the Socket-variant session transport.
type Adapter struct {
	url   string
	model string

	conn    *websocket.Conn
	events  chan transport.Event
	audioCh chan playback.Payload
	sendQ   chan []byte
	done    chan struct{}

	mu        sync.Mutex
	connected bool
	closed    bool

	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an unconnected Socket adapter. url is the full websocket
// endpoint including any credential query parameter.
func New(url string, opts ...Option) *Adapter {
	a := &Adapter{
		url:     url,
		model:   defaultModel,
		events:  make(chan transport.Event, 32),
		audioCh: make(chan playback.Payload, 64),
		sendQ:   make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Connect dials the endpoint, performs the setup handshake, and pushes the
// opening context turn. The adapter is ready for audio as soon as Connect
// returns.
func (a *Adapter) Connect(ctx context.Context, params transport.SessionParams) error {
	a.mu.Lock()
	if a.connected || a.closed {
		a.mu.Unlock()
		return fmt.Errorf("socket: adapter already used")
	}
	a.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, a.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSocketConnectFailed, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	a.conn = conn
	a.ctx = sessCtx
	a.cancel = sessCancel

	fail := func(e error) error {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return e
	}

	if err := a.writeJSON(ctx, a.setupMessage(params)); err != nil {
		return fail(fmt.Errorf("%w: send setup: %w", ErrSetupRejected, err))
	}

	// The first server message must acknowledge the setup.
	ackCtx, ackCancel := context.WithTimeout(ctx, setupTimeout)
	defer ackCancel()
	_, data, err := conn.Read(ackCtx)
	if err != nil {
		return fail(fmt.Errorf("%w: awaiting ack: %w", ErrSetupRejected, err))
	}
	var ack serverMessage
	if err := json.Unmarshal(data, &ack); err != nil || ack.SetupComplete == nil {
		return fail(fmt.Errorf("%w: first message was not setupComplete", ErrSetupRejected))
	}

	if msg := openingTurn(params); msg != nil {
		if err := a.writeJSON(ctx, msg); err != nil {
			return fail(fmt.Errorf("%w: opening turn: %w", ErrSetupRejected, err))
		}
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	go a.receiveLoop()
	go a.writeLoop()
	go a.keepaliveLoop()
	return nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

func (a *Adapter) setupMessage(params transport.SessionParams) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: a.model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if params.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: params.Instructions}},
		}
	}
	if params.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: params.Voice},
			},
		}
	}
	return msg
}

// openingTurn builds the initial text turn that seeds the conversation with
// the destination context and user label. Returns nil when there is nothing
// to seed.
func openingTurn(params transport.SessionParams) *clientContentMessage {
	var text string
	switch {
	case params.DestinationContext != "" && params.UserLabel != "":
		text = fmt.Sprintf("Context: %s. You are speaking with %s.", params.DestinationContext, params.UserLabel)
	case params.DestinationContext != "":
		text = "Context: " + params.DestinationContext + "."
	case params.UserLabel != "":
		text = "You are speaking with " + params.UserLabel + "."
	default:
		return nil
	}
	return &clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type serverContent struct {
	ModelTurn          *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete       bool           `json:"turnComplete,omitempty"`
	Interrupted        bool           `json:"interrupted,omitempty"`
	InputTranscription *transcription `json:"inputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// receiveLoop reads server messages and dispatches them. It owns the events
// and audio channels: both close when it exits.
func (a *Adapter) receiveLoop() {
	defer func() {
		close(a.events)
		close(a.audioCh)
	}()

	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.emit(transport.Event{
				Type: transport.EventError,
				Err:  fmt.Errorf("%w: %w", ErrSocketClosedUnexpectedly, err),
			})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("socket: discarding malformed frame", "err", err)
			continue
		}
		a.handleServerMessage(&msg)
	}
}

func (a *Adapter) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		text := "unknown error"
		if msg.Error.Message != "" {
			text = msg.Error.Message
		}
		a.emit(transport.Event{Type: transport.EventError, Err: fmt.Errorf("socket: backend error: %s", text)})
	}
	if msg.ServerContent == nil {
		return
	}
	sc := msg.ServerContent

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					slog.Warn("socket: discarding undecodable audio part", "err", err)
					continue
				}
				select {
				case a.audioCh <- playback.Payload{MIME: p.InlineData.MIMEType, Data: pcm}:
				case <-a.ctx.Done():
					return
				}
			}
			if p.Text != "" {
				a.emit(transport.Event{Type: transport.TranscriptChunk, Role: "assistant", Text: p.Text})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		a.emit(transport.Event{Type: transport.TranscriptChunk, Role: "user", Text: sc.InputTranscription.Text})
	}

	if sc.TurnComplete {
		a.emit(transport.Event{Type: transport.TurnComplete})
	}
}

func (a *Adapter) emit(evt transport.Event) {
	select {
	case a.events <- evt:
	case <-a.ctx.Done():
	}
}

// ── Outbound path ──────────────────────────────────────────────────────────────

// SendAudioFrame frames one captured chunk and queues it for the writer.
// When the queue is full the oldest pending frame is discarded so the stream
// stays fresh; drops are counted, never returned as errors.
func (a *Adapter) SendAudioFrame(frame audio.Frame) error {
	a.mu.Lock()
	if a.closed || !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("socket: adapter not connected")
	}
	a.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", frame.SampleRate),
				Data:     base64.StdEncoding.EncodeToString(frame.Samples),
			}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("socket: marshal frame: %w", err)
	}
	a.enqueue(data)
	return nil
}

// enqueue adds data to the send queue, evicting the oldest entry when full.
func (a *Adapter) enqueue(data []byte) {
	for {
		select {
		case a.sendQ <- data:
			return
		default:
		}
		select {
		case <-a.sendQ:
			a.dropped.Add(1)
			slog.Warn("socket: send queue full, dropped oldest frame")
		default:
		}
	}
}

// writeLoop drains the send queue onto the socket.
func (a *Adapter) writeLoop() {
	for {
		select {
		case data := <-a.sendQ:
			if err := a.conn.Write(a.ctx, websocket.MessageText, data); err != nil {
				if a.ctx.Err() != nil {
					return
				}
				a.dropped.Add(1)
				slog.Warn("socket: write failed, frame dropped", "err", err)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// SendControl translates a logical control message into the wire dialect.
//
// InterruptNotice is a deliberate no-op: the backend detects barge-in from
// the uninterrupted inbound audio stream itself, so there is nothing to
// send. SessionUpdate is not representable mid-session on this protocol.
func (a *Adapter) SendControl(msg transport.ControlMessage) error {
	a.mu.Lock()
	if a.closed || !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("socket: adapter not connected")
	}
	a.mu.Unlock()

	switch msg.(type) {
	case transport.InterruptNotice:
		return nil
	case transport.SessionUpdate:
		return fmt.Errorf("socket: mid-session updates are not supported")
	default:
		return fmt.Errorf("socket: unsupported control message %T", msg)
	}
}

// keepaliveLoop sends websocket pings so idle stretches do not drop the
// connection.
func (a *Adapter) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(a.ctx, keepaliveTimeout)
			_ = a.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// Events returns the normalized control event stream.
func (a *Adapter) Events() <-chan transport.Event { return a.events }

// Audio returns the inbound model audio payload stream.
func (a *Adapter) Audio() <-chan playback.Payload { return a.audioCh }

// Dropped returns the count of outbound frames discarded due to
// backpressure or write failures.
func (a *Adapter) Dropped() uint64 { return a.dropped.Load() }

// Close terminates the session and releases all resources. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	connected := a.connected
	a.mu.Unlock()

	close(a.done)
	if connected {
		a.cancel()
		a.conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}

// writeJSON marshals v and writes it as a text websocket message.
func (a *Adapter) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("socket: marshal: %w", err)
	}
	return a.conn.Write(ctx, websocket.MessageText, data)
}
