package camera

import (
	"context"
	"image"
	"time"
)

// State はキャプチャセッションのライフサイクル状態を表す
type State string

const (
	StateIdle     State = "idle"     // 未開始
	StateStarting State = "starting" // 取得中
	StateRunning  State = "running"  // 動作中
	StatePaused   State = "paused"   // 通知一時停止中
	StateStopped  State = "stopped"  // 停止済み（再開始可能）
	StateDisposed State = "disposed" // 破棄済み
)

// デフォルトの取得条件
const (
	DefaultWidth      = 1280
	DefaultHeight     = 720
	DefaultFacingMode = "user"
	DefaultFPS        = 30
)

// Options はセッション作成時の取得条件を表す
// いずれもプラットフォームへの要求であり、実際の値は交渉で決まる
type Options struct {
	Width      int    // 要求する幅
	Height     int    // 要求する高さ
	FacingMode string // カメラの向き ("user" / "environment")
	FPS        int    // 要求するフレームレート
	DeviceID   string // 使用するデバイス（空ならプラットフォームの既定）
}

// withDefaults はゼロ値をデフォルト値で埋めたコピーを返す
func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.FacingMode == "" {
		o.FacingMode = DefaultFacingMode
	}
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	return o
}

// Constraints はストリーム取得要求
type Constraints struct {
	Video VideoConstraints
	Audio bool
}

// VideoConstraints は映像トラックへの要求
type VideoConstraints struct {
	Width      IdealInt
	Height     IdealInt
	FrameRate  IdealInt
	FacingMode string
	DeviceID   string
}

// IdealInt は「できればこの値」という要求値
type IdealInt struct {
	Ideal int
}

// DeviceKind はデバイスの種類
type DeviceKind string

const (
	KindVideoInput  DeviceKind = "videoinput"
	KindAudioInput  DeviceKind = "audioinput"
	KindAudioOutput DeviceKind = "audiooutput"
)

// DeviceInfo は列挙されたメディアデバイスの情報
type DeviceInfo struct {
	DeviceID string     `json:"device_id"`
	GroupID  string     `json:"group_id"`
	Kind     DeviceKind `json:"kind"`
	Label    string     `json:"label"`
}

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IntRange は整数の範囲
type IntRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// FloatRange は実数の範囲
type FloatRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Capabilities はトラックが報告するデバイス能力
type Capabilities struct {
	DeviceID    string       `json:"device_id"`
	Width       IntRange     `json:"width"`
	Height      IntRange     `json:"height"`
	FrameRate   FloatRange   `json:"frame_rate"`
	FacingMode  []string     `json:"facing_mode,omitempty"`
	Resolutions []Resolution `json:"resolutions,omitempty"`
	Formats     []string     `json:"formats,omitempty"`
}

// TrackState はトラックの状態
type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// MediaDevices はプラットフォームのメディア取得機能を表す
type MediaDevices interface {
	// GetUserMedia は条件に合うストリームを取得する
	GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error)

	// EnumerateDevices は利用可能なデバイスを列挙する
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)

	// OnDeviceChange はデバイス構成の変化を購読する。戻り値で購読を解除する
	OnDeviceChange(fn func()) (unsubscribe func())
}

// Stream は取得されたメディアストリーム
type Stream interface {
	ID() string
	Tracks() []Track
}

// Track はストリーム内の単一トラック
type Track interface {
	ID() string
	Kind() DeviceKind
	Label() string
	ReadyState() TrackState
	Stop()
}

// CapabilityReporter は能力を報告できるトラック
// 実行時に能力を取得できなかった場合は ok が false になる
type CapabilityReporter interface {
	Capabilities() (caps Capabilities, ok bool)
}

// FrameReader はエンコード済みフレームを供給するトラック
type FrameReader interface {
	Frames() <-chan []byte
}

// Display はライブ映像を表示する面
type Display interface {
	// Attach はストリームを表示ソースとして設定する
	Attach(stream Stream)

	// Detach は表示ソースを外す
	Detach()

	// Play は再生を開始し、最初のフレームが表示可能になるまで待つ
	Play(ctx context.Context) error

	// Pause は再生を止める
	Pause()

	// VideoSize はデコード済みフレームのネイティブ解像度を返す（未デコードなら 0, 0）
	VideoSize() (width, height int)

	// CurrentFrame は現在表示中のフレームを返す（なければ nil）
	CurrentFrame() image.Image
}

// FrameNotifier は表示フレームごとのコールバックを提供できる Display
type FrameNotifier interface {
	RequestFrameCallback(fn func(ts time.Time)) CallbackID
	CancelFrameCallback(id CallbackID)
}

// videoTracks はストリームの映像トラックを返す
func videoTracks(stream Stream) []Track {
	var tracks []Track
	for _, t := range stream.Tracks() {
		if t.Kind() == KindVideoInput {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// releaseStream はストリームの全トラックを停止する
func releaseStream(stream Stream) {
	for _, t := range stream.Tracks() {
		t.Stop()
	}
}
