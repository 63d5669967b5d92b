package camera

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind は通知の種類
type EventKind string

const (
	EventReady        EventKind = "ready"
	EventFrame        EventKind = "frame"
	EventError        EventKind = "error"
	EventDeviceChange EventKind = "device:change"
)

// Event は全ての通知が実装するインターフェース
type Event interface {
	Kind() EventKind
}

// ReadyEvent は取得と再生開始に成功したときに発行される
type ReadyEvent struct {
	Stream       Stream
	Display      Display
	Capabilities *Capabilities // 報告できない場合は nil
}

// FrameEvent は通知ループの各ティックで発行される
type FrameEvent struct {
	Display   Display
	Timestamp time.Time
	Width     int
	Height    int
}

// ErrorEvent は取得・再生に失敗したときに発行される
type ErrorEvent struct {
	Message string
	Err     error
}

// DeviceChangeEvent はデバイス構成の変化後、列挙が完了したときに発行される
type DeviceChangeEvent struct {
	Devices []DeviceInfo
}

func (ReadyEvent) Kind() EventKind        { return EventReady }
func (FrameEvent) Kind() EventKind        { return EventFrame }
func (ErrorEvent) Kind() EventKind        { return EventError }
func (DeviceChangeEvent) Kind() EventKind { return EventDeviceChange }

// Handler は通知を受け取る関数
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Notifier は通知種別ごとに購読者を登録順で保持し、同期的に配送する
type Notifier struct {
	mu     sync.RWMutex
	subs   map[EventKind][]subscription
	nextID atomic.Uint64
	log    *logrus.Entry
}

// NewNotifier は新しい Notifier を作成する
func NewNotifier(log *logrus.Entry) *Notifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Notifier{
		subs: make(map[EventKind][]subscription),
		log:  log,
	}
}

// Subscribe は購読者を登録し、解除用の ID を返す
func (n *Notifier) Subscribe(kind EventKind, h Handler) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := fmt.Sprintf("%s#%d", kind, n.nextID.Add(1))
	n.subs[kind] = append(n.subs[kind], subscription{id: id, handler: h})
	return id
}

// Unsubscribe は購読を解除する。見つかった場合 true を返す
func (n *Notifier) Unsubscribe(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for kind, subs := range n.subs {
		for i, sub := range subs {
			if sub.id == id {
				// 配送中のスナップショットを壊さないよう新しいスライスを作る
				next := make([]subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				n.subs[kind] = append(next, subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish は通知を登録順に配送する
func (n *Notifier) Publish(e Event) {
	n.mu.RLock()
	subs := n.subs[e.Kind()]
	n.mu.RUnlock()

	for _, sub := range subs {
		n.safeCall(sub.handler, e)
	}
}

// Count は指定種別の購読者数を返す
func (n *Notifier) Count(kind EventKind) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[kind])
}

// Clear は全ての購読を解除する
func (n *Notifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = make(map[EventKind][]subscription)
}

func (n *Notifier) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.WithField("event", e.Kind()).
				Errorf("通知ハンドラでパニックが発生しました: %v\n%s", r, debug.Stack())
		}
	}()
	h(e)
}
