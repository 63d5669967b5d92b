package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"camlens/internal/camera"
)

// clientBuffer はクライアントごとの未送信メッセージ数の上限
const clientBuffer = 32

// Message はSSEで配信する1件のイベント
type Message struct {
	Event string
	Data  any
}

// readyPayload は ready イベントのデータ
type readyPayload struct {
	StreamID     string               `json:"stream_id"`
	Capabilities *camera.Capabilities `json:"capabilities,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

// errorPayload は error イベントのデータ
type errorPayload struct {
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// devicesPayload は device:change イベントのデータ
type devicesPayload struct {
	Devices   []camera.DeviceInfo `json:"devices"`
	Timestamp time.Time           `json:"timestamp"`
}

// EventHub はセッションの通知を複数のSSEクライアントへ配る
// frame 通知は量が多いため配信しない（MJPEGストリームで代替する）
type EventHub struct {
	log *logrus.Entry

	mu      sync.RWMutex
	clients map[string]chan Message
	closed  bool

	session       *camera.CaptureSession
	subscriptions []string
}

// NewEventHub はセッションの ready / error / device:change を購読するハブを作成する
func NewEventHub(session *camera.CaptureSession, log *logrus.Entry) *EventHub {
	h := &EventHub{
		log:     log,
		clients: make(map[string]chan Message),
		session: session,
	}

	h.subscriptions = []string{
		session.OnReady(func(e camera.ReadyEvent) {
			h.Broadcast(Message{Event: string(camera.EventReady), Data: readyPayload{
				StreamID:     e.Stream.ID(),
				Capabilities: e.Capabilities,
				Timestamp:    time.Now(),
			}})
		}),
		session.OnError(func(e camera.ErrorEvent) {
			payload := errorPayload{Message: e.Message, Timestamp: time.Now()}
			if e.Err != nil {
				payload.Details = e.Err.Error()
			}
			h.Broadcast(Message{Event: string(camera.EventError), Data: payload})
		}),
		session.OnDeviceChange(func(e camera.DeviceChangeEvent) {
			h.Broadcast(Message{Event: string(camera.EventDeviceChange), Data: devicesPayload{
				Devices:   e.Devices,
				Timestamp: time.Now(),
			}})
		}),
	}
	return h
}

// Subscribe はクライアントを登録し、ID・受信チャンネル・解除関数を返す
// 解除関数は何度呼んでもよい。Close 後はすでに閉じたチャンネルを返す
func (h *EventHub) Subscribe() (string, <-chan Message, func()) {
	id := uuid.NewString()
	ch := make(chan Message, clientBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return id, ch, func() {}
	}
	h.clients[id] = ch
	h.mu.Unlock()

	h.log.WithField("client_id", id).Debug("SSEクライアントが接続しました")

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			// Close 済みならチャンネルはもう閉じている
			if c, ok := h.clients[id]; ok {
				delete(h.clients, id)
				close(c)
			}
			h.log.WithField("client_id", id).Debug("SSEクライアントが切断しました")
		})
	}
	return id, ch, unsubscribe
}

// Broadcast は全クライアントへ送信する。詰まっているクライアントには送らない
func (h *EventHub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			h.log.WithFields(logrus.Fields{
				"client_id": id,
				"event":     msg.Event,
			}).Debug("SSEクライアントのバッファが一杯のため破棄しました")
		}
	}
}

// ClientCount は接続中のクライアント数を返す
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close はセッションの購読を解除し、全クライアントのチャンネルを閉じる
func (h *EventHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
	subs := h.subscriptions
	h.subscriptions = nil
	h.mu.Unlock()

	for _, id := range subs {
		h.session.Off(id)
	}
}
