package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown fields are rejected so typos fail loudly instead of silently
// falling back to defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Transport == "" {
		errs = append(errs, errors.New("transport is required; valid values: peer, socket"))
	} else if !cfg.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("transport %q is invalid; valid values: peer, socket", cfg.Transport))
	}

	switch cfg.Transport {
	case TransportPeer:
		if cfg.Peer.SignalURL == "" {
			errs = append(errs, errors.New("peer.signal_url is required for the peer transport"))
		}
		if cfg.Peer.TokenURL == "" {
			errs = append(errs, errors.New("peer.token_url is required for the peer transport"))
		}
		if cfg.Peer.APIKey == "" {
			slog.Warn("peer.api_key is empty; token requests will likely be rejected")
		}
	case TransportSocket:
		if cfg.Socket.URL == "" {
			errs = append(errs, errors.New("socket.url is required for the socket transport"))
		}
	}

	// Zero means "use the built-in default" for all three audio knobs.
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}
	if cfg.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must not be negative", cfg.Audio.PlaybackRate))
	}

	if cfg.VAD.EnterThreshold < 0 || cfg.VAD.EnterThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.enter_threshold %.3f is out of range (0, 1]", cfg.VAD.EnterThreshold))
	}
	if cfg.VAD.LeaveDebounceMs < 0 {
		errs = append(errs, fmt.Errorf("vad.leave_debounce_ms %d must not be negative", cfg.VAD.LeaveDebounceMs))
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured level onto slog's scale. Unset or invalid
// levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
