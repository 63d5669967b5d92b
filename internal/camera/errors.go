package camera

import (
	"errors"
	"io/fs"
)

var (
	// ErrPermissionDenied はユーザーまたはポリシーによって取得が拒否されたことを表す
	ErrPermissionDenied = errors.New("camera: permission denied")

	// ErrDeviceNotFound は条件に合うデバイスがないことを表す
	ErrDeviceNotFound = errors.New("camera: device not found")

	// ErrDeviceBusy はデバイスが他で使用中であることを表す
	ErrDeviceBusy = errors.New("camera: device busy")

	// ErrStartAborted は取得中の Start が後続の Stop / Start に追い越されたことを表す
	ErrStartAborted = errors.New("camera: start aborted")

	// ErrDisposed は破棄済みセッションの操作を表す
	ErrDisposed = errors.New("camera: session disposed")
)

// ErrorKind はエラーの分類
type ErrorKind string

const (
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindCaptureFailure     ErrorKind = "capture_failure"
	KindEnumerationFailure ErrorKind = "enumeration_failure"
)

// ユーザー向けメッセージ
const (
	MessagePermissionDenied = "Permission denied"
	MessageCaptureFailure   = "Camera error"
)

// CaptureError は取得・再生・列挙の失敗を分類して保持する
type CaptureError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// classifyStartError は取得・再生の失敗を分類する
func classifyStartError(err error) *CaptureError {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, fs.ErrPermission) {
		return &CaptureError{Kind: KindPermissionDenied, Message: MessagePermissionDenied, Err: err}
	}
	return &CaptureError{Kind: KindCaptureFailure, Message: MessageCaptureFailure, Err: err}
}

// IsPermissionDenied は err が権限拒否に分類されるか判定する
func IsPermissionDenied(err error) bool {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind == KindPermissionDenied
	}
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, fs.ErrPermission)
}
