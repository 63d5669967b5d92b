package camera

import (
	"sync"
	"time"
)

// DefaultRefreshInterval は汎用スケジューラの既定間隔（60Hz）
const DefaultRefreshInterval = time.Second / 60

// CallbackID はスケジュール済みコールバックの識別子（0 は無効）
type CallbackID uint64

// Scheduler は「次のティックで呼ぶ」機能を抽象化する
type Scheduler interface {
	// Schedule は fn を次のティックで一度だけ呼ぶ
	Schedule(fn func(ts time.Time)) CallbackID

	// Cancel は未実行のコールバックを取り消す
	Cancel(id CallbackID)
}

// SelectScheduler は表示面がフレーム単位のコールバックを提供するならそれを使い、
// そうでなければリフレッシュ間隔ごとの汎用スケジューラを返す
func SelectScheduler(display Display, refresh time.Duration) Scheduler {
	if fn, ok := display.(FrameNotifier); ok {
		return NewFrameScheduler(fn)
	}
	return NewRefreshScheduler(refresh)
}

// FrameScheduler は表示フレームに同期してコールバックする
type FrameScheduler struct {
	notifier FrameNotifier
}

// NewFrameScheduler は新しい FrameScheduler を作成する
func NewFrameScheduler(n FrameNotifier) *FrameScheduler {
	return &FrameScheduler{notifier: n}
}

// Schedule は次の表示フレームでコールバックする
func (s *FrameScheduler) Schedule(fn func(ts time.Time)) CallbackID {
	return s.notifier.RequestFrameCallback(fn)
}

// Cancel はコールバックを取り消す
func (s *FrameScheduler) Cancel(id CallbackID) {
	s.notifier.CancelFrameCallback(id)
}

// RefreshScheduler は一定間隔のタイマーでコールバックする
type RefreshScheduler struct {
	interval time.Duration

	mu     sync.Mutex
	nextID CallbackID
	timers map[CallbackID]*time.Timer
}

// NewRefreshScheduler は新しい RefreshScheduler を作成する
func NewRefreshScheduler(interval time.Duration) *RefreshScheduler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &RefreshScheduler{
		interval: interval,
		timers:   make(map[CallbackID]*time.Timer),
	}
}

// Schedule は interval 後にコールバックする
func (s *RefreshScheduler) Schedule(fn func(ts time.Time)) CallbackID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(s.interval, func() {
		s.mu.Lock()
		_, pending := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()

		if pending {
			fn(time.Now())
		}
	})
	return id
}

// Cancel はタイマーを止める
func (s *RefreshScheduler) Cancel(id CallbackID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending は未実行のコールバック数を返す
func (s *RefreshScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
