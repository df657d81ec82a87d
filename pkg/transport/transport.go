// Package transport defines the capability interface implemented by the two
// voice-session backends and the protocol-independent event shape both must
// produce from their native wire formats.
//
// The Peer variant negotiates a media session with an auxiliary JSON control
// channel; the Socket variant pushes explicitly framed base64 audio over a
// persistent websocket. The two protocols are irreconcilable at the wire
// level, so the session controller only ever speaks this interface — variant
// selection happens once, at session start.
package transport

import (
	"context"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/playback"
)

// EventType discriminates the normalized control events.
type EventType int

const (
	// SpeechStarted reports that the remote endpoint detected user speech.
	SpeechStarted EventType = iota

	// SpeechStopped reports that the remote endpoint detected end of user
	// speech.
	SpeechStopped

	// AudioDeltaBegin marks the start of a model audio response.
	AudioDeltaBegin

	// AudioDeltaEnd marks the end of a model audio response.
	AudioDeltaEnd

	// TranscriptChunk carries a piece of transcript text with its role.
	TranscriptChunk

	// TurnComplete reports that the model finished its conversational turn.
	// Informational only.
	TurnComplete

	// EventError carries a session-fatal transport error.
	EventError
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case SpeechStarted:
		return "speech_started"
	case SpeechStopped:
		return "speech_stopped"
	case AudioDeltaBegin:
		return "audio_delta_begin"
	case AudioDeltaEnd:
		return "audio_delta_end"
	case TranscriptChunk:
		return "transcript_chunk"
	case TurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the protocol-independent control event shape. Role and Text are
// set for TranscriptChunk; Err is set for EventError.
type Event struct {
	Type EventType
	Role string // "user" or "assistant"
	Text string
	Err  error
}

// SessionParams configures a session at connect time.
type SessionParams struct {
	// Instructions is the system-level prompt for the model.
	Instructions string

	// DestinationContext is the destination/context string supplied by the
	// UI collaborator at session start.
	DestinationContext string

	// UserLabel is the display name of the signed-in user.
	UserLabel string

	// Voice selects the model's output voice.
	Voice string
}

// ControlMessage is a logical outbound control message. The two concrete
// messages are SessionUpdate and InterruptNotice; adapters translate them
// into their native wire format.
type ControlMessage interface {
	controlMessage()
}

// SessionUpdate replaces the session configuration mid-conversation.
type SessionUpdate struct {
	Params SessionParams
}

func (SessionUpdate) controlMessage() {}

// InterruptNotice tells the backend that local playback of the current model
// response was cancelled (barge-in), so it can stop generating.
type InterruptNotice struct{}

func (InterruptNotice) controlMessage() {}

// Adapter is the backend-agnostic session transport. Exactly one adapter
// instance is live per session.
//
// Events delivers the normalized control stream; Audio delivers inbound
// model audio payloads for the playback scheduler. Both channels are closed
// when the connection ends. Audio may be nil for variants whose media
// pipeline renders inbound audio itself (the Peer variant); callers must
// tolerate a nil channel.
//
// Close is idempotent and always safe to call, including mid-failure.
type Adapter interface {
	// Connect establishes the session. Returns a variant-specific sentinel
	// (wrapped) on failure; no retries are attempted.
	Connect(ctx context.Context, params SessionParams) error

	// SendAudioFrame delivers one captured frame to the backend. The Peer
	// variant attaches the live capture stream at connect time instead and
	// documents this method as a no-op.
	SendAudioFrame(frame audio.Frame) error

	// SendControl delivers a logical control message.
	SendControl(msg ControlMessage) error

	// Events returns the normalized control event stream.
	Events() <-chan Event

	// Audio returns inbound model audio payloads, or nil when the variant
	// renders audio through its own media pipeline.
	Audio() <-chan playback.Payload

	// Close tears the connection down. Safe to call repeatedly.
	Close() error
}
