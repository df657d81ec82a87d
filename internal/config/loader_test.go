package config

import (
	"strings"
	"testing"
)

const validSocketYAML = `
log_level: debug
metrics_addr: ":9090"
transport: socket
socket:
  url: "wss://example.com/live?key=abc"
  model: "models/live-audio-v1"
  voice: "Kore"
audio:
  sample_rate: 16000
  frame_size: 2048
  playback_rate: 24000
vad:
  enter_threshold: 0.02
  leave_debounce_ms: 500
session:
  instructions: "Be helpful."
`

func TestLoadFromReader_ValidSocket(t *testing.T) {
	t.Parallel()
	cfg, err := LoadFromReader(strings.NewReader(validSocketYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Transport != TransportSocket {
		t.Errorf("transport = %q", cfg.Transport)
	}
	if cfg.Socket.URL == "" || cfg.Socket.Voice != "Kore" {
		t.Errorf("socket config = %+v", cfg.Socket)
	}
	if cfg.Audio.FrameSize != 2048 {
		t.Errorf("frame_size = %d", cfg.Audio.FrameSize)
	}
	if cfg.VAD.EnterThreshold != 0.02 {
		t.Errorf("enter_threshold = %v", cfg.VAD.EnterThreshold)
	}
}

func TestLoadFromReader_ValidPeer(t *testing.T) {
	t.Parallel()
	cfg, err := LoadFromReader(strings.NewReader(`
transport: peer
peer:
  signal_url: "https://example.com/v1/realtime"
  token_url: "https://example.com/v1/realtime/sessions"
  api_key: "sk-test"
  voice: "sage"
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Transport != TransportPeer {
		t.Errorf("transport = %q", cfg.Transport)
	}
	if cfg.Peer.SignalURL == "" || cfg.Peer.TokenURL == "" {
		t.Errorf("peer config = %+v", cfg.Peer)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := LoadFromReader(strings.NewReader(`
transport: socket
socket:
  url: "wss://example.com"
sokcet:
  url: "typo"
`))
	if err == nil {
		t.Error("unknown top-level field should be rejected")
	}
}

func TestValidate_MissingTransport(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{})
	if err == nil || !strings.Contains(err.Error(), "transport is required") {
		t.Errorf("err = %v; want missing-transport error", err)
	}
}

func TestValidate_PeerRequiresEndpoints(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{Transport: TransportPeer})
	if err == nil {
		t.Fatal("peer transport without URLs should fail")
	}
	for _, want := range []string{"peer.signal_url", "peer.token_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{
		LogLevel:  "loud",
		Transport: "carrier-pigeon",
		VAD:       VADConfig{EnterThreshold: 3},
		Audio:     AudioConfig{SampleRate: -1},
	})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"log_level", "transport", "enter_threshold", "sample_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_ZeroAudioValuesMeanDefaults(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{
		Transport: TransportSocket,
		Socket:    SocketConfig{URL: "wss://example.com/live"},
	})
	if err != nil {
		t.Errorf("zero audio/vad values should validate: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load("/nonexistent/voicebridge.yaml"); err == nil {
		t.Error("missing file should fail")
	}
}
