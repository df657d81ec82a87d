// Package session owns the conversation lifecycle: one controller drives the
// capture engine, the voice-activity detector, the transport adapter, and the
// playback scheduler through the Idle → Connecting → Active → Ending cycle.
//
// The controller is the only component that knows about all the others. In
// particular, barge-in is mediated here: the detector reports that the user
// started speaking, and the controller decides whether that interrupts
// playback and notifies the transport. Adapters never touch the scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voicebridge-ai/voicebridge/internal/observe"
	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/playback"
	"github.com/voicebridge-ai/voicebridge/pkg/transport"
	"github.com/voicebridge-ai/voicebridge/pkg/vad"
)

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnding
	StateFailed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Guard errors returned by Start. Matched with errors.Is.
var (
	ErrNotAuthenticated     = errors.New("session: user not authenticated")
	ErrInvalidContext       = errors.New("session: destination context required")
	ErrSessionAlreadyActive = errors.New("session: a session is already active")
)

// Identity describes the signed-in user as reported by the hosting
// application. The controller only gates on the flag; it performs no
// authentication itself.
type Identity struct {
	Label         string
	Authenticated bool
}

// StartParams carries everything a new session needs.
type StartParams struct {
	Identity           Identity
	DestinationContext string
	Instructions       string
	Voice              string
}

// FrameSource is the capture engine as the controller sees it.
// *capture.Engine satisfies it.
type FrameSource interface {
	Start(ctx context.Context) error
	Frames() <-chan audio.Frame
	Stop() error
}

// Player is the playback scheduler as the controller sees it.
// *playback.Scheduler satisfies it.
type Player interface {
	Enqueue(p playback.Payload)
	Interrupt()
	Playing() bool
	OnStateChange(cb func(playing bool))
}

// Deps wires the controller's collaborators. Adapter and capture source are
// factories because both are single-use per session.
type Deps struct {
	NewAdapter func() transport.Adapter
	NewSource  func() (FrameSource, error)
	Player     Player
	Detector   *vad.Detector

	// Transport names the active variant for logs and metric attributes.
	Transport string

	// Metrics defaults to observe.DefaultMetrics when nil.
	Metrics *observe.Metrics
}

// Controller is the session state machine. One controller manages at most
// one live session at a time; starting a second session while one is active
// is rejected without disturbing the running one.
type Controller struct {
	deps       Deps
	transcript transcriptLog

	mu        sync.Mutex
	state     State
	sessionID string
	adapter   transport.Adapter
	source    FrameSource
	cancel    context.CancelFunc
	startedAt time.Time
	onState   func(State)
	onEnd     func(err error)

	endOnce     *sync.Once
	teardownOne *sync.Once
	teardownErr error

	userSpeaking atomic.Bool
	aiSpeaking   atomic.Bool
}

// NewController creates an idle controller.
func NewController(deps Deps) *Controller {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Controller{deps: deps, state: StateIdle}
}

// OnStateChange registers cb for lifecycle transitions. Replaces any
// previous registration; must be set before Start.
func (c *Controller) OnStateChange(cb func(State)) {
	c.mu.Lock()
	c.onState = cb
	c.mu.Unlock()
}

// OnSessionEnd registers cb to be invoked exactly once per session when it
// ends, with the terminal error (nil for a user-initiated stop).
func (c *Controller) OnSessionEnd(cb func(err error)) {
	c.mu.Lock()
	c.onEnd = cb
	c.mu.Unlock()
}

// OnTranscript registers a sink observing each transcript entry as it is
// appended.
func (c *Controller) OnTranscript(sink func(TranscriptEntry)) {
	c.transcript.setSink(sink)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the ID of the current (or most recent) session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Entries returns an ordered snapshot of the transcript.
func (c *Controller) Entries() []TranscriptEntry {
	return c.transcript.snapshot()
}

// UserSpeaking reports whether the user is currently speaking, from the
// local detector or the transport's remote markers.
func (c *Controller) UserSpeaking() bool { return c.userSpeaking.Load() }

// AISpeaking reports whether model audio is currently being produced. For
// the peer variant this follows the transport's delta markers; for the
// socket variant it follows the local playback queue. The two signals differ
// slightly: the marker covers generation, the queue covers audible output.
func (c *Controller) AISpeaking() bool { return c.aiSpeaking.Load() }

// Start brings up a new session. It validates the request, connects the
// transport, starts capture, and launches the event pumps. On any setup
// failure everything already started is torn down and the error is returned;
// the end callback is reserved for sessions that reached Active.
func (c *Controller) Start(ctx context.Context, params StartParams) error {
	if !params.Identity.Authenticated {
		return ErrNotAuthenticated
	}
	if strings.TrimSpace(params.DestinationContext) == "" {
		return ErrInvalidContext
	}

	// The Idle check and the transition to Connecting are one critical
	// section so two racing Starts cannot both pass the guard.
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrSessionAlreadyActive
	}
	c.state = StateConnecting
	c.sessionID = uuid.NewString()
	c.endOnce = &sync.Once{}
	c.teardownOne = &sync.Once{}
	c.teardownErr = nil
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	c.transcript.reset()
	c.userSpeaking.Store(false)
	c.aiSpeaking.Store(false)
	c.deps.Detector.Reset()

	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()
	log := observe.Logger(ctx).With("session_id", c.SessionID(), "transport", c.deps.Transport)

	adapter := c.deps.NewAdapter()
	connectStart := time.Now()
	if err := adapter.Connect(ctx, transport.SessionParams{
		Instructions:       params.Instructions,
		DestinationContext: params.DestinationContext,
		UserLabel:          params.Identity.Label,
		Voice:              params.Voice,
	}); err != nil {
		adapter.Close()
		c.abortStart(log, err)
		return fmt.Errorf("session: connect: %w", err)
	}
	c.deps.Metrics.RecordConnect(ctx, c.deps.Transport, time.Since(connectStart))

	source, err := c.deps.NewSource()
	if err != nil {
		adapter.Close()
		c.abortStart(log, err)
		return fmt.Errorf("session: capture init: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	if err := source.Start(sessCtx); err != nil {
		cancel()
		adapter.Close()
		c.abortStart(log, err)
		return fmt.Errorf("session: capture start: %w", err)
	}

	// Commit and go Active in one critical section, re-checking that no Stop
	// arrived while the handshake was in flight. A Stop from Connecting has
	// already consumed the teardown once with nothing registered, so the
	// resources opened above must be released here, not committed.
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		cancel()
		if err := source.Stop(); err != nil {
			log.Warn("session: capture stop failed", "err", err)
		}
		adapter.Close()
		return fmt.Errorf("session: stopped during connect")
	}
	c.adapter = adapter
	c.source = source
	c.cancel = cancel
	c.startedAt = time.Now()
	c.state = StateActive
	c.mu.Unlock()
	c.notifyState(StateActive)

	// The playback queue is the audible-output signal for transports that
	// route model audio through the scheduler.
	c.deps.Player.OnStateChange(func(playing bool) {
		c.aiSpeaking.Store(playing)
	})

	c.deps.Metrics.ActiveSessions.Add(sessCtx, 1)
	log.Info("session active")

	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error { return c.eventPump(gctx, adapter) })
	g.Go(func() error { return c.audioPump(gctx, adapter) })
	g.Go(func() error { return c.framePump(gctx, adapter, source) })
	go c.supervise(g, log)

	return nil
}

// abortStart unwinds a failed Start before the session reached Active.
func (c *Controller) abortStart(log *slog.Logger, err error) {
	log.Error("session start failed", "err", err)
	c.setState(StateFailed)
	c.setState(StateIdle)
}

// supervise waits for the pumps and finalises the session exactly once.
func (c *Controller) supervise(g *errgroup.Group, log *slog.Logger) {
	err := g.Wait()

	c.mu.Lock()
	stopping := c.state == StateEnding || c.state == StateIdle
	c.mu.Unlock()

	if err != nil && !stopping {
		log.Error("session failed", "err", err)
		c.setState(StateFailed)
	}
	c.teardown(err != nil && !stopping)
	c.setState(StateIdle)

	c.mu.Lock()
	once := c.endOnce
	cb := c.onEnd
	c.mu.Unlock()
	if once != nil {
		once.Do(func() {
			if cb != nil {
				if stopping {
					cb(nil)
				} else {
					cb(err)
				}
			}
		})
	}
}

// Stop ends the session from any state. Cleanup runs in a fixed order —
// capture, transport, playback — and continues past individual failures.
// Idempotent; returns the first cleanup error.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateEnding
	cancel := c.cancel
	once := c.endOnce
	cb := c.onEnd
	c.mu.Unlock()
	c.notifyState(StateEnding)

	if cancel != nil {
		cancel()
	}
	c.teardown(false)
	c.setState(StateIdle)

	if once != nil {
		once.Do(func() {
			if cb != nil {
				cb(nil)
			}
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardownErr
}

// teardown releases all session resources exactly once per session.
func (c *Controller) teardown(failed bool) {
	c.mu.Lock()
	once := c.teardownOne
	source := c.source
	adapter := c.adapter
	startedAt := c.startedAt
	c.mu.Unlock()
	if once == nil {
		return
	}

	once.Do(func() {
		var errs []error
		if source != nil {
			if err := source.Stop(); err != nil {
				slog.Warn("session: capture stop failed", "err", err)
				errs = append(errs, err)
			}
		}
		if adapter != nil {
			if err := adapter.Close(); err != nil {
				slog.Warn("session: transport close failed", "err", err)
				errs = append(errs, err)
			}
		}
		c.deps.Player.Interrupt()

		ctx := context.Background()
		if !startedAt.IsZero() {
			c.deps.Metrics.RecordSessionEnd(ctx, time.Since(startedAt), failed)
			c.deps.Metrics.ActiveSessions.Add(ctx, -1)
		}

		c.mu.Lock()
		c.teardownErr = errors.Join(errs...)
		c.adapter = nil
		c.source = nil
		c.cancel = nil
		c.startedAt = time.Time{}
		c.mu.Unlock()
	})
}

// ── Pumps ──────────────────────────────────────────────────────────────────────

// eventPump consumes normalized transport events. A transport error is
// session-fatal and fails the group.
func (c *Controller) eventPump(ctx context.Context, adapter transport.Adapter) error {
	for {
		select {
		case evt, ok := <-adapter.Events():
			if !ok {
				return nil
			}
			switch evt.Type {
			case transport.SpeechStarted:
				c.userSpeaking.Store(true)
			case transport.SpeechStopped:
				c.userSpeaking.Store(false)
			case transport.AudioDeltaBegin:
				c.aiSpeaking.Store(true)
			case transport.AudioDeltaEnd:
				c.aiSpeaking.Store(false)
			case transport.TranscriptChunk:
				c.appendTranscript(evt.Role, evt.Text)
			case transport.TurnComplete:
				slog.Debug("session: turn complete")
			case transport.EventError:
				return evt.Err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// audioPump forwards inbound model audio to the playback scheduler. Exits
// immediately for transports that render audio themselves.
func (c *Controller) audioPump(ctx context.Context, adapter transport.Adapter) error {
	ch := adapter.Audio()
	if ch == nil {
		return nil
	}
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			c.deps.Player.Enqueue(payload)
			c.deps.Metrics.PlaybackUnits.Add(ctx, 1)
		case <-ctx.Done():
			return nil
		}
	}
}

// framePump forwards captured frames to the transport and feeds the local
// detector. Send failures drop the frame, never the session; barge-in fires
// when local speech onset coincides with model playback.
func (c *Controller) framePump(ctx context.Context, adapter transport.Adapter, source FrameSource) error {
	for {
		select {
		case frame, ok := <-source.Frames():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("session: capture stream ended")
			}
			if err := adapter.SendAudioFrame(frame); err != nil {
				slog.Warn("session: frame send failed", "err", err)
				c.deps.Metrics.RecordFrameDropped(ctx, "egress")
			} else {
				c.deps.Metrics.FramesSent.Add(ctx, 1)
			}

			switch c.deps.Detector.Observe(frame.Volume()) {
			case vad.EnteredSpeaking:
				c.userSpeaking.Store(true)
				if c.aiSpeaking.Load() {
					c.bargeIn(ctx, adapter)
				}
			case vad.LeftSpeaking:
				c.userSpeaking.Store(false)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// bargeIn cancels local playback and tells the backend to stop generating.
func (c *Controller) bargeIn(ctx context.Context, adapter transport.Adapter) {
	c.deps.Player.Interrupt()
	if err := adapter.SendControl(transport.InterruptNotice{}); err != nil {
		slog.Warn("session: interrupt notice failed", "err", err)
	}
	c.deps.Metrics.BargeIns.Add(ctx, 1)
	slog.Info("session: barge-in, playback interrupted")
}

func (c *Controller) appendTranscript(role, text string) {
	entry := TranscriptEntry{Role: role, Text: text, Timestamp: time.Now()}
	c.transcript.append(entry)
	c.deps.Metrics.RecordTranscriptEntry(context.Background(), role)
}

// setState updates the state and notifies the callback outside the lock.
func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Controller) notifyState(s State) {
	c.mu.Lock()
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}
