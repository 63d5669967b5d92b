package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"camlens/internal/api"
	"camlens/internal/camera"
	"camlens/internal/config"
	"camlens/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testEnv はテスト用のサーバーとモック一式
type testEnv struct {
	srv       *Server
	session   *camera.CaptureSession
	devices   *camera.MockMediaDevices
	display   *camera.MockDisplay
	scheduler *camera.ManualScheduler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	devices := camera.NewMockMediaDevices(camera.NewMockVideoDevice(0))
	display := camera.NewMockDisplay()
	scheduler := camera.NewManualScheduler()
	log := logging.Discard()

	session := camera.NewSession(devices, camera.Options{},
		camera.WithDisplay(display),
		camera.WithScheduler(scheduler),
		camera.WithLogger(log),
	)
	t.Cleanup(session.Dispose)

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	srv, err := New(cfg, session, devices, log, opts...)
	if err != nil {
		t.Fatalf("サーバーの作成に失敗しました: %v", err)
	}
	t.Cleanup(func() { srv.closeStreams() })

	return &testEnv{srv: srv, session: session, devices: devices, display: display, scheduler: scheduler}
}

// do はハンドラへ直接リクエストを送る
func (e *testEnv) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func testFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 200, A: 255})
		}
	}
	return img
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func decodeJSON[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(body).Decode(&v); err != nil {
		t.Fatalf("JSONのデコードに失敗しました: %v", err)
	}
	return v
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(testContext(t), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.srv.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestServerEndpoints は状態に依存しないエンドポイントをテストする
func TestServerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
		contains       string
	}{
		{"ルートエンドポイント", "/", http.StatusOK, "camlens"},
		{"静的ファイル", "/static/app.js", http.StatusOK, "EventSource"},
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK, `"healthy"`},
		{"ステータスエンドポイント", "/api/status", http.StatusOK, `"idle"`},
		{"API定義", "/api/openapi.yaml", http.StatusOK, "openapi:"},
		{"未定義のパス", "/nope", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodGet, tc.endpoint)
			if w.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d", w.Code, tc.expectedStatus)
			}
			if !strings.Contains(w.Body.String(), tc.contains) {
				t.Errorf("応答に %q が含まれていません: %s", tc.contains, w.Body.String())
			}
		})
	}
}

func TestStartCamera_Success(t *testing.T) {
	env := newTestEnv(t)
	env.devices.SetCapabilities(&camera.Capabilities{
		DeviceID: "/dev/video0",
		Width:    camera.IntRange{Min: 320, Max: 1920},
	})

	w := env.do(http.MethodPost, "/api/camera/start")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decodeJSON[api.StartResponse](t, w.Body)
	if resp.StreamID == "" {
		t.Error("Expected stream id")
	}
	if resp.Capabilities == nil || resp.Capabilities.Width.Max != 1920 {
		t.Errorf("Unexpected capabilities: %+v", resp.Capabilities)
	}
	if resp.Status.State != camera.StateRunning || !resp.Status.Running {
		t.Errorf("Unexpected status: %+v", resp.Status)
	}
	if resp.Status.SessionID != env.session.ID() {
		t.Errorf("Expected session id %s, got %s", env.session.ID(), resp.Status.SessionID)
	}
}

func TestStartCamera_Failures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(env *testEnv)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "permission denied",
			setup:      func(env *testEnv) { env.devices.SetAcquireError(camera.ErrPermissionDenied) },
			wantStatus: http.StatusForbidden,
			wantCode:   api.ErrorPermissionDenied,
		},
		{
			name:       "device not found",
			setup:      func(env *testEnv) { env.devices.SetAcquireError(camera.ErrDeviceNotFound) },
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   api.ErrorCaptureFailure,
		},
		{
			name:       "play failure",
			setup:      func(env *testEnv) { env.display.SetPlayError(errors.New("decode failed")) },
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   api.ErrorCaptureFailure,
		},
		{
			name:       "disposed",
			setup:      func(env *testEnv) { env.session.Dispose() },
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   api.ErrorSessionDisposed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env)

			w := env.do(http.MethodPost, "/api/camera/start")
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			resp := decodeJSON[api.ErrorResponse](t, w.Body)
			if resp.Error != tt.wantCode {
				t.Errorf("Expected error code %s, got %s", tt.wantCode, resp.Error)
			}
			if resp.Message == "" {
				t.Error("Expected message")
			}
		})
	}
}

func TestStartCamera_PermissionMessage(t *testing.T) {
	env := newTestEnv(t)
	env.devices.SetAcquireError(fmt.Errorf("open /dev/video0: %w", camera.ErrPermissionDenied))

	w := env.do(http.MethodPost, "/api/camera/start")
	resp := decodeJSON[api.ErrorResponse](t, w.Body)
	if resp.Message != camera.MessagePermissionDenied {
		t.Errorf("Expected %q, got %q", camera.MessagePermissionDenied, resp.Message)
	}
	if resp.Details == nil || !strings.Contains(*resp.Details, "/dev/video0") {
		t.Errorf("Expected details to carry the cause, got %v", resp.Details)
	}
}

func TestStartCamera_AbortedByStop(t *testing.T) {
	env := newTestEnv(t)
	release := env.devices.BlockAcquire(false)
	defer release()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(http.MethodPost, "/api/camera/start")
	}()

	waitFor(t, func() bool { return env.devices.AcquireCount() == 1 }, "取得が開始されませんでした")

	stop := env.do(http.MethodPost, "/api/camera/stop")
	if stop.Code != http.StatusOK {
		t.Fatalf("Expected 200 from stop, got %d", stop.Code)
	}

	select {
	case w := <-done:
		if w.Code != http.StatusConflict {
			t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("開始リクエストが終了しませんでした")
	}
	if env.session.Running() {
		t.Error("Session should not be running")
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	steps := []struct {
		path    string
		state   camera.State
		running bool
		paused  bool
	}{
		{"/api/camera/pause", camera.StateIdle, false, false},
		{"/api/camera/start", camera.StateRunning, true, false},
		{"/api/camera/pause", camera.StatePaused, true, true},
		{"/api/camera/resume", camera.StateRunning, true, false},
		{"/api/camera/stop", camera.StateStopped, false, false},
		{"/api/camera/stop", camera.StateStopped, false, false},
	}

	for _, step := range steps {
		w := env.do(http.MethodPost, step.path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", step.path, w.Code)
		}

		var status api.StatusResponse
		if step.path == "/api/camera/start" {
			status = decodeJSON[api.StartResponse](t, w.Body).Status
		} else {
			status = decodeJSON[api.StatusResponse](t, w.Body)
		}
		if status.State != step.state || status.Running != step.running || status.Paused != step.paused {
			t.Errorf("%s: unexpected status %+v", step.path, status)
		}
	}
}

func TestGetSnapshot(t *testing.T) {
	env := newTestEnv(t)

	// フレームがなければ 204
	if w := env.do(http.MethodGet, "/api/camera/snapshot"); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 before start, got %d", w.Code)
	}

	if w := env.do(http.MethodPost, "/api/camera/start"); w.Code != http.StatusOK {
		t.Fatalf("Start failed: %d", w.Code)
	}
	env.display.SetFrame(testFrame(32, 24))

	tests := []struct {
		query    string
		wantType string
	}{
		{"", camera.FormatJPEG},
		{"?format=image/jpeg", camera.FormatJPEG},
		{"?format=image/png", camera.FormatPNG},
		{"?format=image/webp", camera.FormatPNG},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do(http.MethodGet, "/api/camera/snapshot"+tt.query)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}
			if got := w.Header().Get("Content-Type"); got != tt.wantType {
				t.Errorf("Expected %s, got %s", tt.wantType, got)
			}

			img, _, err := image.Decode(w.Body)
			if err != nil {
				t.Fatalf("Failed to decode snapshot: %v", err)
			}
			if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
				t.Errorf("Expected 32x24, got %dx%d", b.Dx(), b.Dy())
			}
		})
	}
}

func TestGetDevices(t *testing.T) {
	env := newTestEnv(t)
	env.devices.AddDevice(camera.NewMockVideoDevice(1))

	w := env.do(http.MethodGet, "/api/devices")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := decodeJSON[api.DevicesResponse](t, w.Body)
	if len(resp.Devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(resp.Devices))
	}
	if resp.Devices[1].DeviceID != "/dev/video1" || resp.Devices[1].Kind != camera.KindVideoInput {
		t.Errorf("Unexpected device: %+v", resp.Devices[1])
	}

	env.devices.SetEnumerateError(errors.New("udev unavailable"))
	w = env.do(http.MethodGet, "/api/devices")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	if resp := decodeJSON[api.ErrorResponse](t, w.Body); resp.Error != api.ErrorEnumerationFailure {
		t.Errorf("Expected %s, got %s", api.ErrorEnumerationFailure, resp.Error)
	}
}

func TestGetCameraStream_NotRunning(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/camera/stream")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	if resp := decodeJSON[api.ErrorResponse](t, w.Body); resp.Error != api.ErrorCameraNotActive {
		t.Errorf("Expected %s, got %s", api.ErrorCameraNotActive, resp.Error)
	}
}

func TestGetCameraStream_MJPEG(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	if _, err := env.session.Start(testContext(t)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	env.display.SetFrame(testFrame(16, 16))

	// フレーム通知を流し続ける
	stopTicking := make(chan struct{})
	defer close(stopTicking)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopTicking:
				return
			case <-ticker.C:
				env.scheduler.Tick()
			}
		}
	}()

	ctx, cancel := context.WithTimeout(testContext(t), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/camera/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace") {
		t.Fatalf("Unexpected content type: %s", resp.Header.Get("Content-Type"))
	}

	reader := multipart.NewReader(resp.Body, "frame")
	for i := 0; i < 2; i++ {
		part, err := reader.NextPart()
		if err != nil {
			t.Fatalf("Failed to read part %d: %v", i, err)
		}
		if part.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("Unexpected part type: %s", part.Header.Get("Content-Type"))
		}
		n, err := strconv.Atoi(part.Header.Get("Content-Length"))
		if err != nil || n == 0 {
			t.Fatalf("Invalid Content-Length: %q", part.Header.Get("Content-Length"))
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(part, buf); err != nil {
			t.Fatalf("Failed to read frame: %v", err)
		}
		if buf[0] != 0xFF || buf[1] != 0xD8 {
			t.Errorf("Frame %d is not a JPEG", i)
		}
	}
}

// readEvent は次のSSEイベント名とデータを読む
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

// nextEvent は heartbeat を読み飛ばして次のイベントを返す
func nextEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	for {
		event, data := readEvent(t, r)
		if event != "heartbeat" {
			return event, data
		}
	}
}

func TestGetEvents(t *testing.T) {
	env := newTestEnv(t, WithHeartbeatInterval(50*time.Millisecond))
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(testContext(t), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("Unexpected content type: %s", resp.Header.Get("Content-Type"))
	}

	r := bufio.NewReader(resp.Body)
	if event, _ := readEvent(t, r); event != "connected" {
		t.Fatalf("Expected connected, got %q", event)
	}

	// ready
	stream, err := env.session.Start(testContext(t))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	event, data := nextEvent(t, r)
	if event != "ready" || !strings.Contains(data, stream.ID()) {
		t.Errorf("Expected ready with stream id, got %q %s", event, data)
	}

	// error
	env.devices.SetAcquireError(camera.ErrPermissionDenied)
	if _, err := env.session.Start(testContext(t)); err == nil {
		t.Fatal("Expected start to fail")
	}
	event, data = nextEvent(t, r)
	if event != "error" || !strings.Contains(data, camera.MessagePermissionDenied) {
		t.Errorf("Expected error event, got %q %s", event, data)
	}

	// device:change
	env.devices.AddDevice(camera.NewMockVideoDevice(1))
	env.devices.TriggerDeviceChange()
	event, data = nextEvent(t, r)
	if event != "device:change" || !strings.Contains(data, "/dev/video1") {
		t.Errorf("Expected device:change event, got %q %s", event, data)
	}

	// heartbeat
	if event, _ := readEvent(t, r); event != "heartbeat" {
		t.Errorf("Expected heartbeat, got %q", event)
	}
}

func TestEventHub(t *testing.T) {
	env := newTestEnv(t)
	hub := env.srv.Events()

	_, ch1, unsubscribe1 := hub.Subscribe()
	_, ch2, unsubscribe2 := hub.Subscribe()
	defer unsubscribe2()

	if hub.ClientCount() != 2 {
		t.Fatalf("Expected 2 clients, got %d", hub.ClientCount())
	}

	hub.Broadcast(Message{Event: "test", Data: 1})
	for i, ch := range []<-chan Message{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg.Event != "test" {
				t.Errorf("client %d: unexpected event %q", i, msg.Event)
			}
		default:
			t.Errorf("client %d: expected message", i)
		}
	}

	unsubscribe1()
	unsubscribe1()
	if _, ok := <-ch1; ok {
		t.Error("Expected closed channel after unsubscribe")
	}
	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.ClientCount())
	}

	// 詰まったクライアントがいても Broadcast はブロックしない
	for i := 0; i < clientBuffer*2; i++ {
		hub.Broadcast(Message{Event: "flood"})
	}
	if len(ch2) != clientBuffer {
		t.Errorf("Expected %d buffered, got %d", clientBuffer, len(ch2))
	}

	hub.Close()
	for range ch2 {
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients after close, got %d", hub.ClientCount())
	}

	// Close 後の購読は閉じたチャンネルを返す
	_, ch3, unsubscribe3 := hub.Subscribe()
	unsubscribe3()
	if _, ok := <-ch3; ok {
		t.Error("Expected closed channel after Close")
	}
}

func TestShutdown_EndsStreams(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)
	readEvent(t, r)

	if err := env.srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, r)
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SSE stream did not end after shutdown")
	}
}
