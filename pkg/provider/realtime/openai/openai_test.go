package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/realtime"
	"github.com/voxgate/voxgate/pkg/provider/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startBackend launches a test WebSocket server that consumes the initial
// session.update and acknowledges it with session.created before invoking
// handler. The server is closed when the test finishes.
func startBackend(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "session.created"})

		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// connect dials the test backend and fatals on error.
func connect(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig) realtime.SessionHandle {
	t.Helper()
	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

// waitEvent drains handle.Events() until an event of type want arrives.
func waitEvent(t *testing.T, handle realtime.SessionHandle, want realtime.EventType) realtime.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-handle.Events():
			if !ok {
				t.Fatalf("Events channel closed while waiting for %s", want)
			}
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdateAndWaitsForAck(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			TurnDetection     *struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
			Tools []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		<-conn.CloseRead(context.Background()).Done()
	}))
	t.Cleanup(srv.Close)

	cfg := realtime.SessionConfig{
		Voice:        "alloy",
		Instructions: "Greet the caller warmly.",
		InputFormat:  "g711_ulaw",
		OutputFormat: "g711_ulaw",
		TurnDetection: realtime.TurnDetection{
			Threshold:         0.6,
			SilenceDurationMs: 500,
		},
		Tools: []realtime.ToolDefinition{{Name: "route_intent", Description: "Routes the caller"}},
	}
	_ = connect(t, srv, cfg)

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.Voice != "alloy" {
			t.Errorf("voice = %q; want alloy", msg.Session.Voice)
		}
		if msg.Session.InputAudioFormat != "g711_ulaw" {
			t.Errorf("input_audio_format = %q; want g711_ulaw", msg.Session.InputAudioFormat)
		}
		if msg.Session.TurnDetection == nil {
			t.Fatal("turn_detection missing")
		}
		if msg.Session.TurnDetection.Type != "server_vad" {
			t.Errorf("turn_detection.type = %q; want server_vad", msg.Session.TurnDetection.Type)
		}
		if len(msg.Session.Tools) != 1 || msg.Session.Tools[0].Name != "route_intent" {
			t.Errorf("tools = %+v; want route_intent", msg.Session.Tools)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_SendsAuthHeaders(t *testing.T) {
	t.Parallel()

	authHeader := make(chan string, 1)

	srv := startBackend(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("my-secret-token", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case auth := <-authHeader:
		if auth != "Bearer my-secret-token" {
			t.Errorf("Authorization = %q; want Bearer my-secret-token", auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_NoAck_FailsHandshake(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		// Never acknowledge; just close after reading the session.update.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _, _ = conn.Read(ctx)
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(srv.Close)

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := p.Connect(ctx, realtime.SessionConfig{}); err == nil {
		t.Fatal("Connect without session.created should fail")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Connect(ctx, realtime.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── Commands ──────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	audioMsg := make(chan appendMsg, 1)

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg appendMsg
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	want := []byte{0x10, 0x20, 0x30, 0x40}
	if err := handle.SendAudio(want); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		got, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(want) {
			t.Errorf("decoded audio = %v; want %v", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append message")
	}
}

func TestCommandWireTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		invoke   func(h realtime.SessionHandle) error
		wantType string
	}{
		{"commit", func(h realtime.SessionHandle) error { return h.CommitInput() }, "input_audio_buffer.commit"},
		{"clear", func(h realtime.SessionHandle) error { return h.ClearInput() }, "input_audio_buffer.clear"},
		{"create response", func(h realtime.SessionHandle) error { return h.CreateResponse() }, "response.create"},
		{"cancel response", func(h realtime.SessionHandle) error { return h.CancelResponse("resp_1") }, "response.cancel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := make(chan string, 1)
			srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
				var msg struct {
					Type string `json:"type"`
				}
				readJSON(t, conn, &msg)
				got <- msg.Type
				<-conn.CloseRead(context.Background()).Done()
			})

			handle := connect(t, srv, realtime.SessionConfig{})
			if err := tt.invoke(handle); err != nil {
				t.Fatalf("command: %v", err)
			}

			select {
			case typ := <-got:
				if typ != tt.wantType {
					t.Errorf("wire type = %q; want %q", typ, tt.wantType)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("timeout waiting for command frame")
			}
		})
	}
}

func TestSubmitToolResult_SendsOutputThenContinues(t *testing.T) {
	t.Parallel()

	frames := make(chan string, 2)

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 2 {
			var raw map[string]any
			readJSON(t, conn, &raw)
			data, _ := json.Marshal(raw)
			frames <- string(data)
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	if err := handle.SubmitToolResult("call-42", `{"routed":true}`); err != nil {
		t.Fatalf("SubmitToolResult: %v", err)
	}

	var first, second string
	select {
	case first = <-frames:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for function_call_output")
	}
	select {
	case second = <-frames:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}

	if !strings.Contains(first, "function_call_output") || !strings.Contains(first, "call-42") {
		t.Errorf("first frame = %q; want function_call_output with call-42", first)
	}
	if !strings.Contains(second, "response.create") {
		t.Errorf("second frame = %q; want response.create", second)
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	_ = handle.Close()

	if err := handle.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_AudioDeltaDecoded(t *testing.T) {
	t.Parallel()

	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":        "response.audio.delta",
			"response_id": "resp_7",
			"delta":       base64.StdEncoding.EncodeToString(want),
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	evt := waitEvent(t, handle, realtime.EventAudioDelta)

	if string(evt.Audio) != string(want) {
		t.Errorf("audio = %v; want %v", evt.Audio, want)
	}
	if evt.ResponseID != "resp_7" {
		t.Errorf("response id = %q; want resp_7", evt.ResponseID)
	}
}

func TestEvents_LifecycleTranslation(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped"})
		writeJSON(t, conn, map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": "resp_1"},
		})
		writeJSON(t, conn, map[string]any{
			"type":     "response.done",
			"response": map[string]any{"id": "resp_1"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	waitEvent(t, handle, realtime.EventSpeechStarted)
	waitEvent(t, handle, realtime.EventSpeechStopped)

	created := waitEvent(t, handle, realtime.EventResponseCreated)
	if created.ResponseID != "resp_1" {
		t.Errorf("created response id = %q; want resp_1", created.ResponseID)
	}

	done := waitEvent(t, handle, realtime.EventResponseDone)
	if done.ResponseID != "resp_1" {
		t.Errorf("done response id = %q; want resp_1", done.ResponseID)
	}
}

func TestEvents_TranscriptAndToolCall(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "I want to check my balance",
		})
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"name":      "route_intent",
			"arguments": `{"intent":"balance"}`,
			"call_id":   "call-1",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	tr := waitEvent(t, handle, realtime.EventTranscriptDone)
	if tr.Text != "I want to check my balance" {
		t.Errorf("transcript = %q", tr.Text)
	}

	tc := waitEvent(t, handle, realtime.EventToolCall)
	if tc.Tool.Name != "route_intent" || tc.Tool.CallID != "call-1" {
		t.Errorf("tool call = %+v", tc.Tool)
	}
}

func TestEvents_ErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"message": "Could not understand audio.",
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	evt := waitEvent(t, handle, realtime.EventError)

	if evt.Err == nil || !strings.Contains(evt.Err.Error(), "Could not understand audio") {
		t.Errorf("err = %v; want audio message", evt.Err)
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestClose_ClosesEventsChannel(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	_ = handle.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, open := <-handle.Events():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for Events channel to close")
		}
	}
}

// ── Concurrency ───────────────────────────────────────────────────────────────

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	const goroutines = 8
	const chunksPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range chunksPerGoroutine {
				_ = handle.SendAudio([]byte{0xCA, 0xFE, 0xBA, 0xBE})
			}
		})
	}
	wg.Wait()
}
