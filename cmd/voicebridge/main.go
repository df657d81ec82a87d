// Command voicebridge runs one realtime voice conversation from the terminal:
// microphone in, transcript out, model audio through the system speakers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicebridge-ai/voicebridge/internal/config"
	"github.com/voicebridge-ai/voicebridge/internal/health"
	"github.com/voicebridge-ai/voicebridge/internal/observe"
	"github.com/voicebridge-ai/voicebridge/internal/session"
	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/audio/capture"
	"github.com/voicebridge-ai/voicebridge/pkg/playback"
	"github.com/voicebridge-ai/voicebridge/pkg/transport"
	"github.com/voicebridge-ai/voicebridge/pkg/transport/peer"
	"github.com/voicebridge-ai/voicebridge/pkg/transport/socket"
	"github.com/voicebridge-ai/voicebridge/pkg/vad"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	destination := flag.String("context", "", "what this conversation is about (required)")
	userLabel := flag.String("user", defaultUserLabel(), "name the model should use for the user")
	inputPath := flag.String("input", "", "raw PCM16 input file instead of the microphone ('-' for stdin)")
	flag.Parse()

	if *destination == "" {
		fmt.Fprintln(os.Stderr, "voicebridge: -context is required")
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("voicebridge starting",
		"version", version,
		"config", *configPath,
		"transport", cfg.Transport,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicebridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Playback pipeline ─────────────────────────────────────────────────────
	sink := playback.NewOtoSink()
	defer sink.Close()

	var playOpts []playback.Option
	if cfg.Audio.PlaybackRate > 0 {
		playOpts = append(playOpts, playback.WithOutputRate(cfg.Audio.PlaybackRate))
	}
	player := playback.NewScheduler(sink, playOpts...)
	defer player.Close()

	// ── Voice activity detection ──────────────────────────────────────────────
	detector := vad.New(vad.Config{
		EnterThreshold: cfg.VAD.EnterThreshold,
		LeaveDebounce:  time.Duration(cfg.VAD.LeaveDebounceMs) * time.Millisecond,
	})

	// ── Session controller ────────────────────────────────────────────────────
	deps, voice, err := buildTransportDeps(cfg, *inputPath)
	if err != nil {
		slog.Error("failed to build transport", "err", err)
		return 1
	}
	deps.Player = player
	deps.Detector = detector
	deps.Metrics = metrics

	controller := session.NewController(deps)
	controller.OnStateChange(func(s session.State) {
		slog.Info("session state", "state", s)
	})
	controller.OnTranscript(func(e session.TranscriptEntry) {
		fmt.Printf("[%s] %s\n", e.Role, e.Text)
	})

	endCh := make(chan error, 1)
	controller.OnSessionEnd(func(err error) { endCh <- err })

	// ── Metrics endpoint ──────────────────────────────────────────────────────
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = newMetricsServer(cfg.MetricsAddr, metrics, controller)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
		slog.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
	}

	// ── Run the session ───────────────────────────────────────────────────────
	params := session.StartParams{
		Identity: session.Identity{
			Label: *userLabel,
			// The CLI runs on behalf of the local operator; there is no
			// separate sign-in step.
			Authenticated: true,
		},
		DestinationContext: *destination,
		Instructions:       cfg.Session.Instructions,
		Voice:              voice,
	}

	if err := controller.Start(ctx, params); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}
	slog.Info("session running — press Ctrl+C to hang up", "session_id", controller.SessionID())

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
		if err := controller.Stop(); err != nil {
			slog.Warn("session stop error", "err", err)
		}
		<-endCh
	case err := <-endCh:
		if err != nil {
			slog.Error("session ended with error", "err", err)
			exitCode = 1
		} else {
			slog.Info("session ended")
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Transport wiring ──────────────────────────────────────────────────────────

// buildTransportDeps assembles the adapter and capture factories for the
// configured transport variant and returns the voice to request.
func buildTransportDeps(cfg *config.Config, inputPath string) (session.Deps, string, error) {
	captureCfg := capture.Config{
		SampleRate: cfg.Audio.SampleRate,
		FrameSize:  cfg.Audio.FrameSize,
	}

	switch cfg.Transport {
	case config.TransportSocket:
		var sockOpts []socket.Option
		if cfg.Socket.Model != "" {
			sockOpts = append(sockOpts, socket.WithModel(cfg.Socket.Model))
		}
		deps := session.Deps{
			Transport: string(cfg.Transport),
			NewAdapter: func() transport.Adapter {
				return socket.New(cfg.Socket.URL, sockOpts...)
			},
			NewSource: func() (session.FrameSource, error) {
				src, err := newCaptureSource(inputPath)
				if err != nil {
					return nil, err
				}
				return capture.NewEngine(src, captureCfg), nil
			},
		}
		return deps, cfg.Socket.Voice, nil

	case config.TransportPeer:
		tokens := &peer.HTTPTokenSource{
			URL:    cfg.Peer.TokenURL,
			APIKey: cfg.Peer.APIKey,
			Model:  cfg.Peer.Model,
			Voice:  cfg.Peer.Voice,
		}
		w := &peerWiring{
			signalURL:  cfg.Peer.SignalURL,
			tokens:     tokens,
			captureCfg: captureCfg,
			inputPath:  inputPath,
		}
		deps := session.Deps{
			Transport:  string(cfg.Transport),
			NewAdapter: w.newAdapter,
			NewSource:  w.newSource,
		}
		return deps, cfg.Peer.Voice, nil

	default:
		return session.Deps{}, "", fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// peerWiring coordinates the capture engine between the controller and the
// peer adapter: the adapter encodes the microphone onto the outbound media
// track, while the controller still needs the same frames for voice activity
// detection. A tee feeds both from one engine per session. The controller
// always builds the adapter before the source, so newAdapter prepares the
// pair that newSource hands out.
type peerWiring struct {
	signalURL  string
	tokens     peer.TokenSource
	captureCfg capture.Config
	inputPath  string

	mu      sync.Mutex
	pending *teeSource
}

func (w *peerWiring) newAdapter() transport.Adapter {
	w.mu.Lock()
	defer w.mu.Unlock()

	src, err := newCaptureSource(w.inputPath)
	if err != nil {
		// Surface the capture failure from newSource, where the controller
		// can report it; the adapter itself connects fine without frames.
		w.pending = &teeSource{err: err}
		return peer.New(w.tokens, w.signalURL)
	}

	eng := capture.NewEngine(src, w.captureCfg)
	tee := capture.NewTee(eng.Frames())
	w.pending = &teeSource{eng: eng, tee: tee}
	return peer.New(w.tokens, w.signalURL, peer.WithCaptureStream(tee.Secondary()))
}

func (w *peerWiring) newSource() (session.FrameSource, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.pending
	w.pending = nil
	if s == nil {
		return nil, errors.New("peer capture not prepared")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

// teeSource is the controller-facing half of a teed capture engine.
type teeSource struct {
	eng *capture.Engine
	tee *capture.Tee
	err error
}

func (s *teeSource) Start(ctx context.Context) error { return s.eng.Start(ctx) }

func (s *teeSource) Frames() <-chan audio.Frame { return s.tee.Primary() }

func (s *teeSource) Stop() error { return s.eng.Stop() }

// ── Metrics server ────────────────────────────────────────────────────────────

func newMetricsServer(addr string, m *observe.Metrics, c *session.Controller) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New(health.Checker{
		Name: "session",
		Check: func(context.Context) error {
			if c.State() == session.StateFailed {
				return errors.New("session in failed state")
			}
			return nil
		},
	})
	h.Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func defaultUserLabel() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "user"
}
