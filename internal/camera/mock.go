package camera

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockMediaDevices はテスト用の MediaDevices 実装
type MockMediaDevices struct {
	mu sync.Mutex

	devices         []DeviceInfo
	capabilities    *Capabilities
	capsUnavailable bool

	// テスト制御用
	acquireErr    error
	enumerateErr  error
	acquireGate   chan struct{}
	enumerateGate chan struct{}
	ignoreCancel  bool

	streams        []*MockStream
	acquireCount   int
	enumerateCount int
	lastConstraint Constraints

	handlers    map[int]func()
	nextHandler int
}

// NewMockMediaDevices は新しい MockMediaDevices を作成する
func NewMockMediaDevices(devices ...DeviceInfo) *MockMediaDevices {
	return &MockMediaDevices{
		devices:  devices,
		handlers: make(map[int]func()),
	}
}

// NewMockVideoDevice はテスト用の映像入力デバイス情報を作成する
func NewMockVideoDevice(n int) DeviceInfo {
	return DeviceInfo{
		DeviceID: fmt.Sprintf("/dev/video%d", n),
		GroupID:  fmt.Sprintf("group-%d", n),
		Kind:     KindVideoInput,
		Label:    fmt.Sprintf("テストカメラ %d", n+1),
	}
}

// GetUserMedia はモックストリームを返す
func (m *MockMediaDevices) GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error) {
	m.mu.Lock()
	m.acquireCount++
	m.lastConstraint = constraints
	gate := m.acquireGate
	ignoreCancel := m.ignoreCancel
	m.mu.Unlock()

	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.acquireErr != nil {
		return nil, m.acquireErr
	}

	label := "テストカメラ"
	if len(m.devices) > 0 {
		label = m.devices[0].Label
	}
	stream := newMockStream(label, m.capabilities, m.capsUnavailable)
	m.streams = append(m.streams, stream)
	return stream, nil
}

// EnumerateDevices はモックデバイス一覧を返す
func (m *MockMediaDevices) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	m.mu.Lock()
	m.enumerateCount++
	gate := m.enumerateGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enumerateErr != nil {
		return nil, m.enumerateErr
	}
	result := make([]DeviceInfo, len(m.devices))
	copy(result, m.devices)
	return result, nil
}

// OnDeviceChange はハンドラを登録する
func (m *MockMediaDevices) OnDeviceChange(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextHandler
	m.nextHandler++
	m.handlers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// TriggerDeviceChange は登録済みハンドラを登録順に呼ぶ
func (m *MockMediaDevices) TriggerDeviceChange() {
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

// AddDevice はテスト用にデバイスを追加する
func (m *MockMediaDevices) AddDevice(d DeviceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, d)
}

// SetCapabilities は取得するトラックが報告する能力を設定する（nil なら報告しない）
func (m *MockMediaDevices) SetCapabilities(caps *Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities = caps
	m.capsUnavailable = false
}

// SetCapabilitiesUnavailable は能力を報告できるが取得に失敗するトラックを返すようにする
func (m *MockMediaDevices) SetCapabilitiesUnavailable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities = nil
	m.capsUnavailable = true
}

// SetAcquireError はテスト用に取得失敗を設定する
func (m *MockMediaDevices) SetAcquireError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireErr = err
}

// SetEnumerateError はテスト用に列挙失敗を設定する
func (m *MockMediaDevices) SetEnumerateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enumerateErr = err
}

// BlockAcquire は GetUserMedia を解放されるまで待たせる
// ignoreCancel が true の場合、コンテキストが取り消されても待ち続ける
func (m *MockMediaDevices) BlockAcquire(ignoreCancel bool) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gate := make(chan struct{})
	m.acquireGate = gate
	m.ignoreCancel = ignoreCancel

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.acquireGate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// BlockEnumerate は EnumerateDevices を解放されるまで待たせる
func (m *MockMediaDevices) BlockEnumerate() (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gate := make(chan struct{})
	m.enumerateGate = gate

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.enumerateGate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// HandlerCount は登録中のデバイス変化ハンドラ数を返す
func (m *MockMediaDevices) HandlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// AcquireCount は GetUserMedia の呼び出し回数を返す
func (m *MockMediaDevices) AcquireCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireCount
}

// EnumerateCount は EnumerateDevices の呼び出し回数を返す
func (m *MockMediaDevices) EnumerateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enumerateCount
}

// LastConstraints は最後に受け取った取得要求を返す
func (m *MockMediaDevices) LastConstraints() Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConstraint
}

// Streams はこれまでに返したストリームを返す
func (m *MockMediaDevices) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*MockStream, len(m.streams))
	copy(result, m.streams)
	return result
}

// LiveTrackCount は停止されていないトラックの総数を返す
func (m *MockMediaDevices) LiveTrackCount() int {
	count := 0
	for _, s := range m.Streams() {
		for _, t := range s.Tracks() {
			if t.ReadyState() == TrackLive {
				count++
			}
		}
	}
	return count
}

// MockStream はテスト用の Stream 実装
type MockStream struct {
	id     string
	tracks []Track
}

func newMockStream(label string, caps *Capabilities, unavailable bool) *MockStream {
	base := &MockTrack{id: uuid.New().String(), kind: KindVideoInput, label: label, state: TrackLive}
	var track Track = base
	switch {
	case caps != nil:
		track = &MockCapableTrack{MockTrack: base, caps: *caps, ok: true}
	case unavailable:
		track = &MockCapableTrack{MockTrack: base}
	}
	return &MockStream{id: uuid.New().String(), tracks: []Track{track}}
}

func (s *MockStream) ID() string      { return s.id }
func (s *MockStream) Tracks() []Track { return s.tracks }

// MockTrack はテスト用の Track 実装（能力を報告しない）
type MockTrack struct {
	mu    sync.Mutex
	id    string
	kind  DeviceKind
	label string
	state TrackState
	stops int
}

func (t *MockTrack) ID() string       { return t.id }
func (t *MockTrack) Kind() DeviceKind { return t.kind }
func (t *MockTrack) Label() string    { return t.label }

// ReadyState はトラックの状態を返す
func (t *MockTrack) ReadyState() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stop はトラックを終了する
func (t *MockTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TrackEnded
	t.stops++
}

// MockCapableTrack は能力を報告する MockTrack
type MockCapableTrack struct {
	*MockTrack
	caps Capabilities
	ok   bool
}

// Capabilities は設定された能力を返す
func (t *MockCapableTrack) Capabilities() (Capabilities, bool) { return t.caps, t.ok }

// MockDisplay はテスト用の Display 実装
type MockDisplay struct {
	mu       sync.Mutex
	stream   Stream
	playing  bool
	frame    image.Image
	playErr  error
	plays    int
	attaches int
}

// NewMockDisplay は新しい MockDisplay を作成する
func NewMockDisplay() *MockDisplay {
	return &MockDisplay{}
}

// Attach はストリームを保持する
func (d *MockDisplay) Attach(stream Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stream = stream
	d.attaches++
}

// Detach はストリームとフレームを外す
func (d *MockDisplay) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stream = nil
	d.frame = nil
}

// Play は設定された失敗を返すか、再生状態にする
func (d *MockDisplay) Play(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plays++
	if d.playErr != nil {
		return d.playErr
	}
	d.playing = true
	return nil
}

// Pause は再生状態を解除する
func (d *MockDisplay) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playing = false
}

// VideoSize は現在のフレームのサイズを返す
func (d *MockDisplay) VideoSize() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frame == nil {
		return 0, 0
	}
	b := d.frame.Bounds()
	return b.Dx(), b.Dy()
}

// CurrentFrame は現在のフレームを返す
func (d *MockDisplay) CurrentFrame() image.Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}

// SetFrame はテスト用にデコード済みフレームを設定する
func (d *MockDisplay) SetFrame(img image.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame = img
}

// SetPlayError はテスト用に再生失敗を設定する
func (d *MockDisplay) SetPlayError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playErr = err
}

// Attached は接続中のストリームを返す
func (d *MockDisplay) Attached() Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// Playing は再生中か返す
func (d *MockDisplay) Playing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// ManualScheduler はテストから明示的にティックを進めるスケジューラ
type ManualScheduler struct {
	mu        sync.Mutex
	nextID    CallbackID
	pending   map[CallbackID]func(time.Time)
	now       time.Time
	cancelled int
}

// NewManualScheduler は新しい ManualScheduler を作成する
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{
		pending: make(map[CallbackID]func(time.Time)),
		now:     time.Unix(0, 0),
	}
}

// Schedule はコールバックを保留する
func (s *ManualScheduler) Schedule(fn func(time.Time)) CallbackID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.pending[s.nextID] = fn
	return s.nextID
}

// Cancel は保留中のコールバックを取り消す
func (s *ManualScheduler) Cancel(id CallbackID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		delete(s.pending, id)
		s.cancelled++
	}
}

// Tick は現在保留中のコールバックを ID 順に全て実行し、実行数を返す
// 実行中に予約されたコールバックは次の Tick まで保留される
func (s *ManualScheduler) Tick() int {
	s.mu.Lock()
	s.now = s.now.Add(DefaultRefreshInterval)
	now := s.now
	ids := make([]CallbackID, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(time.Time), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.pending[id])
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(now)
	}
	return len(fns)
}

// Pending は保留中のコールバック数を返す
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Cancelled は取り消されたコールバック数を返す
func (s *ManualScheduler) Cancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
