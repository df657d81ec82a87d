// Package config provides the configuration schema and validating loader for
// the voicebridge session engine.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Transport selects the session transport variant.
type Transport string

const (
	// TransportPeer negotiates a media connection with a JSON control
	// channel alongside it.
	TransportPeer Transport = "peer"

	// TransportSocket runs everything over one websocket with JSON-framed
	// base64 audio.
	TransportSocket Transport = "socket"
)

// IsValid reports whether t is a recognised transport variant.
func (t Transport) IsValid() bool {
	return t == TransportPeer || t == TransportSocket
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Defaults to info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving /metrics and /healthz
	// (e.g. ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// Transport selects the session variant.
	Transport Transport `yaml:"transport"`

	Peer    PeerConfig    `yaml:"peer"`
	Socket  SocketConfig  `yaml:"socket"`
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	Session SessionConfig `yaml:"session"`
}

// PeerConfig configures the media-transport variant.
type PeerConfig struct {
	// SignalURL is the SDP exchange endpoint.
	SignalURL string `yaml:"signal_url"`

	// TokenURL mints the ephemeral token authorizing the exchange.
	TokenURL string `yaml:"token_url"`

	// APIKey is the long-lived credential presented to the token endpoint.
	APIKey string `yaml:"api_key"`

	// Model selects the realtime model requested when minting tokens.
	Model string `yaml:"model"`

	// Voice selects the model's output voice.
	Voice string `yaml:"voice"`
}

// SocketConfig configures the websocket variant.
type SocketConfig struct {
	// URL is the full websocket endpoint, including any credential query
	// parameter.
	URL string `yaml:"url"`

	// Model is sent in the setup message.
	Model string `yaml:"model"`

	// Voice selects the model's output voice.
	Voice string `yaml:"voice"`
}

// AudioConfig tunes the capture and playback pipeline.
type AudioConfig struct {
	// SampleRate is the capture rate in Hz. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per captured frame. Defaults
	// to 2048.
	FrameSize int `yaml:"frame_size"`

	// PlaybackRate is the output rate in Hz. Defaults to 24000.
	PlaybackRate int `yaml:"playback_rate"`
}

// VADConfig tunes the local voice-activity detector.
type VADConfig struct {
	// EnterThreshold is the normalized volume above which speech begins.
	// Range (0, 1]; defaults to the detector's built-in threshold.
	EnterThreshold float64 `yaml:"enter_threshold"`

	// LeaveDebounceMs is how long the signal must stay quiet before speech
	// is considered over. Defaults to the detector's built-in debounce.
	LeaveDebounceMs int `yaml:"leave_debounce_ms"`
}

// SessionConfig carries conversation-level defaults.
type SessionConfig struct {
	// Instructions is the system prompt applied to every session.
	Instructions string `yaml:"instructions"`
}
