package api

import (
	"time"

	"camlens/internal/camera"
)

// HealthResponseStatus はヘルスチェックの状態
type HealthResponseStatus string

const (
	Healthy HealthResponseStatus = "healthy"
)

// エラーコード
const (
	ErrorPermissionDenied   = "permission_denied"
	ErrorCaptureFailure     = "capture_failure"
	ErrorStartAborted       = "start_aborted"
	ErrorSessionDisposed    = "session_disposed"
	ErrorCameraNotActive    = "camera_not_active"
	ErrorEnumerationFailure = "enumeration_failure"
	ErrorInvalidRequest     = "invalid_request"
	ErrorStreamUnsupported  = "stream_unsupported"
)

// HealthResponse は /health の応答
type HealthResponse struct {
	Status    HealthResponseStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// StatusResponse はセッション状態
type StatusResponse struct {
	SessionID string       `json:"session_id"`
	State     camera.State `json:"state"`
	Running   bool         `json:"running"`
	Paused    bool         `json:"paused"`
	Width     int          `json:"width,omitempty"`
	Height    int          `json:"height,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// StartResponse は開始成功時の応答
type StartResponse struct {
	StreamID     string               `json:"stream_id"`
	Capabilities *camera.Capabilities `json:"capabilities,omitempty"`
	Status       StatusResponse       `json:"status"`
}

// DevicesResponse はデバイス一覧
type DevicesResponse struct {
	Devices []camera.DeviceInfo `json:"devices"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GetSnapshotParams は /api/camera/snapshot のクエリパラメータ
type GetSnapshotParams struct {
	// Format は出力するMIMEタイプ
	Format *string `form:"format,omitempty" json:"format,omitempty"`
}
