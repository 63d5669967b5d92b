package camera

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultEnumerateTimeout はデバイス変化時の列挙のタイムアウト
const DefaultEnumerateTimeout = 5 * time.Second

// CaptureSession はカメラ取得のライフサイクル、フレーム通知ループ、
// スナップショット出力、デバイス変化通知を担う
//
// 全ての状態変更は mu の下で完結し、通知は mu を解放してから配送する。
// そのためハンドラの中からセッションのメソッドを呼んでもよい。
type CaptureSession struct {
	id        string
	opts      Options
	devices   MediaDevices
	display   Display
	scheduler Scheduler
	notifier  *Notifier
	log       *logrus.Entry

	enumerateTimeout time.Duration

	mu      sync.Mutex
	state   State
	stream  Stream
	running bool
	paused  bool
	pending CallbackID // 未実行のフレームコールバック（0 なら無し）

	// epoch は Start / Stop のたびに進む。古い epoch に属する取得結果や
	// コールバックは破棄される
	epoch       uint64
	startCancel context.CancelFunc

	canvas             *drawingSurface
	unsubscribeDevices func()
	// inflight は実行中のデバイス列挙を数える。テストの同期用で Dispose は待たない
	inflight sync.WaitGroup
}

// SessionOption はセッション作成時の追加設定
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	display          Display
	scheduler        Scheduler
	log              *logrus.Entry
	refresh          time.Duration
	enumerateTimeout time.Duration
}

// WithDisplay は表示面を差し替える
func WithDisplay(d Display) SessionOption {
	return func(c *sessionConfig) { c.display = d }
}

// WithScheduler はフレームループのスケジューラを固定する
func WithScheduler(s Scheduler) SessionOption {
	return func(c *sessionConfig) { c.scheduler = s }
}

// WithLogger はロガーを設定する
func WithLogger(l *logrus.Entry) SessionOption {
	return func(c *sessionConfig) { c.log = l }
}

// WithRefreshInterval は汎用スケジューラの間隔を設定する
func WithRefreshInterval(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.refresh = d }
}

// WithEnumerateTimeout はデバイス列挙のタイムアウトを設定する
func WithEnumerateTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.enumerateTimeout = d }
}

// NewSession は新しい CaptureSession を作成し、デバイス変化通知を購読する
func NewSession(devices MediaDevices, opts Options, options ...SessionOption) *CaptureSession {
	cfg := sessionConfig{
		refresh:          DefaultRefreshInterval,
		enumerateTimeout: DefaultEnumerateTimeout,
	}
	for _, o := range options {
		o(&cfg)
	}

	id := uuid.New().String()
	if cfg.log == nil {
		cfg.log = logrus.NewEntry(logrus.StandardLogger())
	}
	log := cfg.log.WithField("session_id", id)

	if cfg.display == nil {
		cfg.display = NewPreview(log)
	}
	if cfg.scheduler == nil {
		cfg.scheduler = SelectScheduler(cfg.display, cfg.refresh)
	}

	s := &CaptureSession{
		id:               id,
		opts:             opts.withDefaults(),
		devices:          devices,
		display:          cfg.display,
		scheduler:        cfg.scheduler,
		notifier:         NewNotifier(log),
		log:              log,
		enumerateTimeout: cfg.enumerateTimeout,
		state:            StateIdle,
	}
	s.unsubscribeDevices = devices.OnDeviceChange(s.handleDeviceChange)

	return s
}

// ID はセッション ID を返す
func (s *CaptureSession) ID() string { return s.id }

// Options は正規化済みの取得条件を返す
func (s *CaptureSession) Options() Options { return s.opts }

// Video は表示面を返す
func (s *CaptureSession) Video() Display { return s.display }

// State は現在の状態を返す
func (s *CaptureSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running は取得済みで動作中か返す
func (s *CaptureSession) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Paused はフレーム通知が一時停止中か返す
func (s *CaptureSession) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Stream は保持中のストリームを返す（なければ nil）
func (s *CaptureSession) Stream() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// On は通知を購読する
func (s *CaptureSession) On(kind EventKind, h Handler) string {
	return s.notifier.Subscribe(kind, h)
}

// Off は購読を解除する
func (s *CaptureSession) Off(id string) bool {
	return s.notifier.Unsubscribe(id)
}

// OnReady は ready 通知を購読する
func (s *CaptureSession) OnReady(fn func(ReadyEvent)) string {
	return s.On(EventReady, func(e Event) { fn(e.(ReadyEvent)) })
}

// OnFrame は frame 通知を購読する
func (s *CaptureSession) OnFrame(fn func(FrameEvent)) string {
	return s.On(EventFrame, func(e Event) { fn(e.(FrameEvent)) })
}

// OnError は error 通知を購読する
func (s *CaptureSession) OnError(fn func(ErrorEvent)) string {
	return s.On(EventError, func(e Event) { fn(e.(ErrorEvent)) })
}

// OnDeviceChange は device:change 通知を購読する
func (s *CaptureSession) OnDeviceChange(fn func(DeviceChangeEvent)) string {
	return s.On(EventDeviceChange, func(e Event) { fn(e.(DeviceChangeEvent)) })
}

// constraints は取得要求を組み立てる
func (s *CaptureSession) constraints() Constraints {
	return Constraints{
		Video: VideoConstraints{
			Width:      IdealInt{Ideal: s.opts.Width},
			Height:     IdealInt{Ideal: s.opts.Height},
			FrameRate:  IdealInt{Ideal: s.opts.FPS},
			FacingMode: s.opts.FacingMode,
			DeviceID:   s.opts.DeviceID,
		},
		Audio: false,
	}
}

// Start はストリームを取得して表示面に接続し、フレームループを開始する
//
// 既にストリームを保持している場合は先に停止する。取得や再生に失敗した場合は
// error 通知を発行し、同じ失敗を *CaptureError として返す。取得中に Stop や
// 別の Start が呼ばれた場合は、遅れて届いたストリームを解放して
// ErrStartAborted を返す。
func (s *CaptureSession) Start(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil, ErrDisposed
	}
	if s.stream != nil || s.state == StateStarting {
		s.stopLocked()
	}
	s.epoch++
	epoch := s.epoch
	acquireCtx, cancel := context.WithCancel(ctx)
	s.startCancel = cancel
	s.state = StateStarting
	constraints := s.constraints()
	s.mu.Unlock()
	defer cancel()

	s.log.WithFields(logrus.Fields{
		"width":       constraints.Video.Width.Ideal,
		"height":      constraints.Video.Height.Ideal,
		"fps":         constraints.Video.FrameRate.Ideal,
		"facing_mode": constraints.Video.FacingMode,
	}).Debug("ストリームを取得しています")

	stream, err := s.devices.GetUserMedia(acquireCtx, constraints)
	if err != nil {
		return nil, s.failStart(epoch, err)
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		releaseStream(stream)
		s.log.Debug("取得中に停止されたため、届いたストリームを破棄しました")
		return nil, ErrStartAborted
	}
	s.stream = stream
	s.display.Attach(stream)
	s.mu.Unlock()

	if err := s.display.Play(acquireCtx); err != nil {
		return nil, s.failStart(epoch, err)
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil, ErrStartAborted
	}
	caps := StreamCapabilities(stream)
	s.running = true
	s.paused = false
	s.state = StateRunning
	s.startCancel = nil
	s.scheduleLocked(epoch)
	s.mu.Unlock()

	s.log.WithField("stream_id", stream.ID()).Info("カメラを開始しました")
	s.notifier.Publish(ReadyEvent{Stream: stream, Display: s.display, Capabilities: caps})

	return stream, nil
}

// failStart は取得・再生失敗時の後始末と通知を行う
func (s *CaptureSession) failStart(epoch uint64, err error) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return ErrStartAborted
	}
	if s.stream != nil {
		releaseStream(s.stream)
		s.stream = nil
	}
	s.display.Pause()
	s.display.Detach()
	s.startCancel = nil
	s.state = StateIdle
	s.mu.Unlock()

	cerr := classifyStartError(err)
	s.log.WithError(err).WithField("kind", cerr.Kind).Warn("カメラの開始に失敗しました")
	s.notifier.Publish(ErrorEvent{Message: cerr.Message, Err: err})
	return cerr
}

// StreamCapabilities は最初の映像トラックの能力を返す（報告できなければ nil）
func StreamCapabilities(stream Stream) *Capabilities {
	tracks := videoTracks(stream)
	if len(tracks) == 0 {
		return nil
	}
	reporter, ok := tracks[0].(CapabilityReporter)
	if !ok {
		return nil
	}
	caps, ok := reporter.Capabilities()
	if !ok {
		return nil
	}
	return &caps
}

// Stop はストリームを解放しフレームループを止める。何度呼んでもよい
func (s *CaptureSession) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.stopLocked()
	s.mu.Unlock()

	if wasRunning {
		s.log.Info("カメラを停止しました")
	}
}

// stopLocked は mu を保持した状態で呼ぶこと
func (s *CaptureSession) stopLocked() {
	s.epoch++
	if s.startCancel != nil {
		s.startCancel()
		s.startCancel = nil
	}
	if s.stream != nil {
		releaseStream(s.stream)
		s.stream = nil
	}
	s.display.Pause()
	s.display.Detach()
	s.running = false
	s.paused = false
	if s.pending != 0 {
		s.scheduler.Cancel(s.pending)
		s.pending = 0
	}
	switch s.state {
	case StateStarting, StateRunning, StatePaused:
		s.state = StateStopped
	}
}

// Pause はフレーム通知を止める。ループ自体は回り続ける
func (s *CaptureSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.paused = true
	s.state = StatePaused
}

// Resume はフレーム通知を再開する。一時停止中でなければ何もしない
func (s *CaptureSession) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused || !s.running {
		return
	}
	s.paused = false
	s.state = StateRunning
}

// scheduleLocked は次のティックを予約する。mu を保持した状態で呼ぶこと
func (s *CaptureSession) scheduleLocked(epoch uint64) {
	s.pending = s.scheduler.Schedule(func(ts time.Time) {
		s.tick(epoch, ts)
	})
}

// tick はフレームループの 1 ステップ。再予約してから通知の可否を判断する
func (s *CaptureSession) tick(epoch uint64, ts time.Time) {
	s.mu.Lock()
	if !s.running || epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.scheduleLocked(epoch)
	if s.paused {
		s.mu.Unlock()
		return
	}
	width, height := s.display.VideoSize()
	s.mu.Unlock()

	s.notifier.Publish(FrameEvent{
		Display:   s.display,
		Timestamp: ts,
		Width:     width,
		Height:    height,
	})
}

// Snapshot は現在のフレームを指定形式の data URL で返す
// フレームがまだない場合は空文字を返す
func (s *CaptureSession) Snapshot(format string) string {
	return DataURL(s.SnapshotImage(format))
}

// SnapshotImage は現在のフレームをエンコードし、データと MIME タイプを返す
// フレームがまだない場合は nil と空文字を返す
func (s *CaptureSession) SnapshotImage(format string) ([]byte, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisposed {
		return nil, ""
	}
	width, height := s.display.VideoSize()
	if width == 0 || height == 0 {
		return nil, ""
	}
	frame := s.display.CurrentFrame()
	if frame == nil {
		return nil, ""
	}

	if s.canvas == nil {
		s.canvas = newDrawingSurface()
	}
	s.canvas.resize(width, height)
	s.canvas.drawFrame(frame)

	data, mime, err := s.canvas.encode(format)
	if err != nil {
		s.log.WithError(err).Warn("スナップショットの作成に失敗しました")
		return nil, ""
	}
	return data, mime
}

// Dispose はセッションを停止し、デバイス変化通知の購読と描画面を解放する
// 何度呼んでもよい。以降このセッションは使用できない
func (s *CaptureSession) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.state = StateDisposed
	unsubscribe := s.unsubscribeDevices
	s.unsubscribeDevices = nil
	if s.canvas != nil {
		s.canvas.release()
		s.canvas = nil
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.log.Debug("セッションを破棄しました")
}

// handleDeviceChange はデバイス構成の変化を受けて非同期に列挙し、結果を通知する
func (s *CaptureSession) handleDeviceChange() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.enumerateTimeout)
		defer cancel()

		devices, err := s.devices.EnumerateDevices(ctx)
		if err != nil {
			cerr := &CaptureError{Kind: KindEnumerationFailure, Message: "デバイスの列挙に失敗", Err: err}
			s.log.WithError(cerr).Error("デバイスの列挙中にエラーが発生しました")
			return
		}

		if s.State() == StateDisposed {
			return
		}
		s.notifier.Publish(DeviceChangeEvent{Devices: devices})
	}()
}
