package camera

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LinuxMediaDevices はV4L2デバイスを使う MediaDevices 実装
type LinuxMediaDevices struct {
	discovery *LinuxDiscovery
	log       *logrus.Entry

	mu       sync.Mutex
	handlers map[int]func()
	nextID   int
	watcher  *fsnotify.Watcher
}

// NewLinuxMediaDevices は新しい LinuxMediaDevices を作成する
// dir が空の場合は /dev を使用する
func NewLinuxMediaDevices(dir string, log *logrus.Entry) *LinuxMediaDevices {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LinuxMediaDevices{
		discovery: NewLinuxDiscovery(dir),
		log:       log.WithField("component", "mediadevices"),
		handlers:  make(map[int]func()),
	}
}

// Discovery はデバイス検出器を返す
func (m *LinuxMediaDevices) Discovery() *LinuxDiscovery { return m.discovery }

// GetUserMedia は条件に合うデバイスを開き、映像トラック 1 本のストリームを返す
// V4L2 には向きの概念がないため FacingMode は使わない
func (m *LinuxMediaDevices) GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error) {
	device, err := m.selectDevice(ctx, constraints.Video.DeviceID)
	if err != nil {
		return nil, err
	}

	v := constraints.Video
	capturer := NewV4L2Capturer(device, v.Width.Ideal, v.Height.Ideal, v.FrameRate.Ideal, m.log)
	if err := capturer.Open(ctx); err != nil {
		return nil, err
	}

	var caps *Capabilities
	if c, err := m.discovery.Capabilities(ctx, device); err != nil {
		m.log.WithError(err).WithField("device", device).Debug("能力を取得できないため報告しません")
	} else {
		caps = &c
	}
	info := m.discovery.deviceInfo(ctx, device)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	track := newV4L2Track(capturer, info.Label, caps, m.log)
	track.start()

	return &v4l2Stream{id: uuid.New().String(), tracks: []Track{track}}, nil
}

// selectDevice は指定デバイスの存在を確認するか、最初に見つかったカメラを返す
func (m *LinuxMediaDevices) selectDevice(ctx context.Context, deviceID string) (string, error) {
	if deviceID != "" {
		if !m.discovery.IsDeviceAvailable(ctx, deviceID) {
			return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return deviceID, nil
	}

	devices, err := m.discovery.ScanDevices(ctx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("%w: %s にカメラがありません", ErrDeviceNotFound, m.discovery.Dir())
	}
	return devices[0], nil
}

// EnumerateDevices は映像入力デバイスを列挙する
func (m *LinuxMediaDevices) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	return m.discovery.EnumerateDevices(ctx)
}

// OnDeviceChange はデバイスノードの追加・削除を購読する
// 最初の購読でディレクトリの監視を始め、最後の購読解除で監視を止める
func (m *LinuxMediaDevices) OnDeviceChange(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher == nil {
		if err := m.startWatchLocked(); err != nil {
			m.log.WithError(err).Warn("デバイスディレクトリを監視できません")
		}
	}

	id := m.nextID
	m.nextID++
	m.handlers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(id) })
	}
}

func (m *LinuxMediaDevices) unsubscribe(id int) {
	m.mu.Lock()
	delete(m.handlers, id)
	var w *fsnotify.Watcher
	if len(m.handlers) == 0 && m.watcher != nil {
		w = m.watcher
		m.watcher = nil
	}
	m.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			m.log.WithError(err).Debug("監視の終了に失敗しました")
		}
	}
}

// startWatchLocked は mu を保持した状態で呼ぶこと
func (m *LinuxMediaDevices) startWatchLocked() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("監視の作成に失敗: %w", err)
	}
	if err := w.Add(m.discovery.Dir()); err != nil {
		_ = w.Close()
		return fmt.Errorf("%s の監視に失敗: %w", m.discovery.Dir(), err)
	}
	m.watcher = w
	go m.watch(w)
	return nil
}

func (m *LinuxMediaDevices) watch(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !isVideoNode(ev.Name) {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			m.log.WithField("event", ev.String()).Debug("デバイス構成が変化しました")
			m.dispatch()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.WithError(err).Warn("デバイス監視エラー")
		}
	}
}

// dispatch は登録順にハンドラを呼ぶ
func (m *LinuxMediaDevices) dispatch() {
	m.mu.Lock()
	ids := make([]int, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.handlers[id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// Watching はディレクトリを監視中か返す
func (m *LinuxMediaDevices) Watching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watcher != nil
}

// Close は全ての購読を解除し監視を止める
func (m *LinuxMediaDevices) Close() error {
	m.mu.Lock()
	m.handlers = make(map[int]func())
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	if w != nil {
		return w.Close()
	}
	return nil
}

// v4l2Stream はV4L2トラックをまとめたストリーム
type v4l2Stream struct {
	id     string
	tracks []Track
}

func (s *v4l2Stream) ID() string      { return s.id }
func (s *v4l2Stream) Tracks() []Track { return s.tracks }

// v4l2Track はffmpegで取得したMJPEGフレームを配信する映像トラック
type v4l2Track struct {
	id       string
	label    string
	caps     *Capabilities // nil なら報告しない
	capturer *V4L2Capturer
	log      *logrus.Entry

	frames chan []byte

	mu       sync.Mutex
	state    TrackState
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newV4L2Track(capturer *V4L2Capturer, label string, caps *Capabilities, log *logrus.Entry) *v4l2Track {
	id := uuid.New().String()
	return &v4l2Track{
		id:       id,
		label:    label,
		caps:     caps,
		capturer: capturer,
		log:      log.WithField("track_id", id),
		frames:   make(chan []byte, 2),
		state:    TrackLive,
	}
}

// start はキャプチャを開始する
// トラックの寿命は取得要求のコンテキストではなく Stop で決まる
func (t *v4l2Track) start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	raw := make(chan []byte, 10)
	errs := make(chan error, 5)
	go t.capturer.StartStream(ctx, raw, errs)
	go t.forward(ctx, raw, errs)
}

// forward はキャプチャのフレームを転送する。受け手が遅い場合は古いフレームを捨てる
func (t *v4l2Track) forward(ctx context.Context, raw <-chan []byte, errs <-chan error) {
	defer close(t.frames)

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-raw:
			if !ok {
				t.end()
				return
			}
			select {
			case t.frames <- frame:
			default:
				select {
				case <-t.frames:
				default:
				}
				select {
				case t.frames <- frame:
				default:
				}
			}

		case err := <-errs:
			t.log.WithError(err).Warn("キャプチャエラー")
		}
	}
}

func (t *v4l2Track) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TrackEnded
}

func (t *v4l2Track) ID() string       { return t.id }
func (t *v4l2Track) Kind() DeviceKind { return KindVideoInput }
func (t *v4l2Track) Label() string    { return t.label }

// ReadyState はトラックの状態を返す
func (t *v4l2Track) ReadyState() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stop はキャプチャを止める。何度呼んでもよい
func (t *v4l2Track) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		cancel := t.cancel
		t.state = TrackEnded
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Capabilities はデバイスの能力を返す。取得できなかった場合は ok が false
func (t *v4l2Track) Capabilities() (Capabilities, bool) {
	if t.caps == nil {
		return Capabilities{}, false
	}
	return *t.caps, true
}

// Frames はJPEGフレームのチャンネルを返す。トラック終了時に閉じられる
func (t *v4l2Track) Frames() <-chan []byte { return t.frames }
