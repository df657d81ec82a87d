package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/transport"
)

// newSignalingServer returns an httptest server that validates the bearer
// token and responds to SDP offers with a canned answer.
func newSignalingServer(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/sdp" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		w.Write([]byte("v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=answer\r\n"))
	}))
}

func connectedAdapter(t *testing.T, opts ...Option) (*Adapter, *mockMediaSession) {
	t.Helper()
	srv := newSignalingServer(t, "tok-123")
	t.Cleanup(srv.Close)

	media := newMockMediaSession()
	opts = append(opts, WithMediaSession(media))
	a := New(StaticTokenSource("tok-123"), srv.URL, opts...)

	params := transport.SessionParams{
		Instructions:       "Be concise.",
		DestinationContext: "travel planning",
		UserLabel:          "Jordan",
		Voice:              "sage",
	}
	if err := a.Connect(context.Background(), params); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, media
}

func waitEvent(t *testing.T, a *Adapter) transport.Event {
	t.Helper()
	select {
	case evt, ok := <-a.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return transport.Event{}
}

func TestConnect_SendsInitialSessionUpdate(t *testing.T) {
	t.Parallel()
	_, media := connectedAdapter(t)

	media.mu.Lock()
	defer media.mu.Unlock()
	if len(media.sentControl) != 1 {
		t.Fatalf("sent %d control messages; want 1", len(media.sentControl))
	}

	var msg sessionUpdateMessage
	if err := json.Unmarshal(media.sentControl[0], &msg); err != nil {
		t.Fatalf("unmarshal session update: %v", err)
	}
	if msg.Type != "session.update" {
		t.Errorf("type = %q; want session.update", msg.Type)
	}
	if msg.Session.Voice != "sage" {
		t.Errorf("voice = %q; want sage", msg.Session.Voice)
	}
	for _, want := range []string{"Be concise.", "travel planning", "Jordan"} {
		if !strings.Contains(msg.Session.Instructions, want) {
			t.Errorf("instructions %q missing %q", msg.Session.Instructions, want)
		}
	}
}

func TestConnect_TokenFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tokens := &HTTPTokenSource{URL: srv.URL, APIKey: "bad-key", Model: "m"}
	a := New(tokens, "http://127.0.0.1:1/sdp", WithMediaSession(newMockMediaSession()))
	err := a.Connect(context.Background(), transport.SessionParams{})
	if !errors.Is(err, ErrTokenFetchFailed) {
		t.Errorf("err = %v; want ErrTokenFetchFailed", err)
	}
}

func TestConnect_SignalingFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(StaticTokenSource("tok"), srv.URL, WithMediaSession(newMockMediaSession()))
	err := a.Connect(context.Background(), transport.SessionParams{})
	if !errors.Is(err, ErrMediaNegotiationFailed) {
		t.Errorf("err = %v; want ErrMediaNegotiationFailed", err)
	}
}

func TestHTTPTokenSource(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer api-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model != "model-x" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]string{"value": "ephemeral-1"},
		})
	}))
	defer srv.Close()

	tokens := &HTTPTokenSource{URL: srv.URL, APIKey: "api-key", Model: "model-x"}
	tok, err := tokens.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "ephemeral-1" {
		t.Errorf("token = %q; want ephemeral-1", tok)
	}
}

func TestHTTPTokenSource_MissingSecret(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tokens := &HTTPTokenSource{URL: srv.URL, APIKey: "k"}
	if _, err := tokens.Token(context.Background()); err == nil {
		t.Error("missing client_secret should fail")
	}
}

func TestControlDialect_SpeechMarkers(t *testing.T) {
	t.Parallel()
	a, media := connectedAdapter(t)

	media.pushControl([]byte(`{"type":"input_audio_buffer.speech_started"}`))
	media.pushControl([]byte(`{"type":"input_audio_buffer.speech_stopped"}`))

	if evt := waitEvent(t, a); evt.Type != transport.SpeechStarted {
		t.Errorf("first event = %v; want SpeechStarted", evt.Type)
	}
	if evt := waitEvent(t, a); evt.Type != transport.SpeechStopped {
		t.Errorf("second event = %v; want SpeechStopped", evt.Type)
	}
}

func TestControlDialect_AudioDeltaBoundaries(t *testing.T) {
	t.Parallel()
	a, media := connectedAdapter(t)

	// Three deltas in one response must produce exactly one begin marker.
	media.pushControl([]byte(`{"type":"response.audio.delta"}`))
	media.pushControl([]byte(`{"type":"response.audio.delta"}`))
	media.pushControl([]byte(`{"type":"response.audio.delta"}`))
	media.pushControl([]byte(`{"type":"response.audio.done"}`))
	media.pushControl([]byte(`{"type":"response.done"}`))

	want := []transport.EventType{transport.AudioDeltaBegin, transport.AudioDeltaEnd, transport.TurnComplete}
	for i, wt := range want {
		if evt := waitEvent(t, a); evt.Type != wt {
			t.Errorf("event %d = %v; want %v", i, evt.Type, wt)
		}
	}
}

func TestControlDialect_Transcripts(t *testing.T) {
	t.Parallel()
	a, media := connectedAdapter(t)

	media.pushControl([]byte(`{"type":"conversation.item.created","item":{"role":"user","content":[{"transcript":"hello there"}]}}`))
	media.pushControl([]byte(`{"type":"conversation.item.created","item":{"role":"assistant","content":[{"text":"hi, how can I help?"}]}}`))
	media.pushControl([]byte(`{"type":"conversation.item.created","item":{"role":"user","content":[]}}`)) // empty: dropped

	evt := waitEvent(t, a)
	if evt.Type != transport.TranscriptChunk || evt.Role != "user" || evt.Text != "hello there" {
		t.Errorf("user chunk = %+v", evt)
	}
	evt = waitEvent(t, a)
	if evt.Type != transport.TranscriptChunk || evt.Role != "assistant" || evt.Text != "hi, how can I help?" {
		t.Errorf("assistant chunk = %+v", evt)
	}
}

func TestControlDialect_BackendError(t *testing.T) {
	t.Parallel()
	a, media := connectedAdapter(t)

	media.pushControl([]byte(`{"type":"error","error":{"message":"quota exceeded"}}`))
	evt := waitEvent(t, a)
	if evt.Type != transport.EventError {
		t.Fatalf("event = %v; want EventError", evt.Type)
	}
	if evt.Err == nil || !strings.Contains(evt.Err.Error(), "quota exceeded") {
		t.Errorf("err = %v; want quota message", evt.Err)
	}
}

func TestControlChannelLoss_SurfacesAsError(t *testing.T) {
	t.Parallel()
	a, media := connectedAdapter(t)

	media.Close() // remote channel drops without adapter Close

	evt := waitEvent(t, a)
	if evt.Type != transport.EventError || !errors.Is(evt.Err, ErrControlChannelClosed) {
		t.Errorf("event = %+v; want ErrControlChannelClosed", evt)
	}
	// Channel must close after the terminal error.
	select {
	case _, ok := <-a.Events():
		if ok {
			t.Error("expected closed event channel")
		}
	case <-time.After(time.Second):
		t.Error("event channel never closed")
	}
}

func TestSendControl_Interrupt(t *testing.T) {
	t.Parallel()
	a, media := connectedAdapter(t)

	if err := a.SendControl(transport.InterruptNotice{}); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	media.mu.Lock()
	defer media.mu.Unlock()
	last := media.sentControl[len(media.sentControl)-1]
	var msg map[string]string
	if err := json.Unmarshal(last, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["type"] != "response.cancel" {
		t.Errorf("type = %q; want response.cancel", msg["type"])
	}
}

func TestSendAudioFrame_IsNoOp(t *testing.T) {
	t.Parallel()
	a, media := connectedAdapter(t)

	frame := audio.Frame{Samples: make([]byte, 640), SampleRate: 16000}
	if err := a.SendAudioFrame(frame); err != nil {
		t.Fatalf("SendAudioFrame: %v", err)
	}

	media.mu.Lock()
	defer media.mu.Unlock()
	if len(media.sentMedia) != 0 {
		t.Error("SendAudioFrame must not write to the media track")
	}
}

func TestMediaPump_EncodesCaptureStream(t *testing.T) {
	t.Parallel()
	frames := make(chan audio.Frame, 4)
	a, media := connectedAdapter(t, WithCaptureStream(frames))

	// 2048 samples yields six full 320-sample opus frames plus remainder.
	frames <- audio.Frame{Samples: make([]byte, 4096), SampleRate: 16000}

	deadline := time.After(2 * time.Second)
	for {
		media.mu.Lock()
		n := len(media.sentMedia)
		media.mu.Unlock()
		if n == 6 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("media track received %d packets; want 6", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
	_ = a
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	a, _ := connectedAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConnect_Twice(t *testing.T) {
	t.Parallel()
	a, _ := connectedAdapter(t)
	if err := a.Connect(context.Background(), transport.SessionParams{}); err == nil {
		t.Error("second Connect should fail")
	}
}
