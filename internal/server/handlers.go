package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"camlens/internal/api"
	"camlens/internal/camera"
)

// DefaultHeartbeatInterval はSSEのハートビート間隔
const DefaultHeartbeatInterval = 30 * time.Second

// CamlensHandler は api.ServerInterface を実装する
type CamlensHandler struct {
	session   *camera.CaptureSession
	devices   camera.MediaDevices
	events    *EventHub
	log       *logrus.Entry
	heartbeat time.Duration

	// done はサーバー終了時に閉じられ、ストリーミング応答を終わらせる
	done <-chan struct{}
}

var _ api.ServerInterface = (*CamlensHandler)(nil)

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *CamlensHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
	})
}

// GetStatus はセッション状態取得エンドポイントの実装
func (h *CamlensHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

// StartCamera はカメラ開始エンドポイントの実装
// 失敗はセッションの error 通知と同じ分類でステータスコードに対応づける
func (h *CamlensHandler) StartCamera(c *gin.Context) {
	stream, err := h.session.Start(c.Request.Context())
	if err != nil {
		h.startError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.StartResponse{
		StreamID:     stream.ID(),
		Capabilities: camera.StreamCapabilities(stream),
		Status:       h.status(),
	})
}

// startError は Start の失敗を応答に変換する
func (h *CamlensHandler) startError(c *gin.Context, err error) {
	var cerr *camera.CaptureError
	switch {
	case errors.Is(err, camera.ErrStartAborted):
		errorJSON(c, http.StatusConflict, api.ErrorStartAborted, "開始処理は後続の操作により中断されました", nil)
	case errors.Is(err, camera.ErrDisposed):
		errorJSON(c, http.StatusServiceUnavailable, api.ErrorSessionDisposed, "セッションは破棄されています", nil)
	case camera.IsPermissionDenied(err):
		errorJSON(c, http.StatusForbidden, api.ErrorPermissionDenied, camera.MessagePermissionDenied, err)
	case errors.As(err, &cerr):
		errorJSON(c, http.StatusServiceUnavailable, api.ErrorCaptureFailure, cerr.Message, cerr.Err)
	default:
		errorJSON(c, http.StatusServiceUnavailable, api.ErrorCaptureFailure, camera.MessageCaptureFailure, err)
	}
}

// StopCamera はカメラ停止エンドポイントの実装
func (h *CamlensHandler) StopCamera(c *gin.Context) {
	h.session.Stop()
	c.JSON(http.StatusOK, h.status())
}

// PauseCamera はフレーム通知の一時停止エンドポイントの実装
func (h *CamlensHandler) PauseCamera(c *gin.Context) {
	h.session.Pause()
	c.JSON(http.StatusOK, h.status())
}

// ResumeCamera はフレーム通知の再開エンドポイントの実装
func (h *CamlensHandler) ResumeCamera(c *gin.Context) {
	h.session.Resume()
	c.JSON(http.StatusOK, h.status())
}

// GetSnapshot はスナップショットエンドポイントの実装
func (h *CamlensHandler) GetSnapshot(c *gin.Context, params api.GetSnapshotParams) {
	format := camera.DefaultSnapshotFormat
	if params.Format != nil && *params.Format != "" {
		format = *params.Format
	}

	data, mime := h.session.SnapshotImage(format)
	if len(data) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, mime, data)
}

// GetCameraStream はMJPEGストリーミングエンドポイントの実装
func (h *CamlensHandler) GetCameraStream(c *gin.Context) {
	if !h.session.Running() {
		errorJSON(c, http.StatusServiceUnavailable, api.ErrorCameraNotActive, "カメラが動作していません", nil)
		return
	}
	h.streamMJPEG(c)
}

// GetDevices はデバイス列挙エンドポイントの実装
func (h *CamlensHandler) GetDevices(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), camera.DefaultEnumerateTimeout)
	defer cancel()

	devices, err := h.devices.EnumerateDevices(ctx)
	if err != nil {
		h.log.WithError(err).Warn("デバイスの列挙に失敗しました")
		errorJSON(c, http.StatusInternalServerError, api.ErrorEnumerationFailure, "デバイスの列挙に失敗しました", err)
		return
	}
	if devices == nil {
		devices = []camera.DeviceInfo{}
	}
	c.JSON(http.StatusOK, api.DevicesResponse{Devices: devices})
}

// GetEvents はSSEエンドポイントの実装
func (h *CamlensHandler) GetEvents(c *gin.Context) {
	id, messages, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.SSEvent("connected", gin.H{"client_id": id, "state": h.session.State()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-h.done:
			return false
		case msg, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(msg.Event, msg.Data)
			return true
		case t := <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": t})
			return true
		}
	})
}

// status は現在のセッション状態を返す
func (h *CamlensHandler) status() api.StatusResponse {
	width, height := h.session.Video().VideoSize()
	return api.StatusResponse{
		SessionID: h.session.ID(),
		State:     h.session.State(),
		Running:   h.session.Running(),
		Paused:    h.session.Paused(),
		Width:     width,
		Height:    height,
		Timestamp: time.Now(),
	}
}

// streamMJPEG はフレーム通知ごとに最新フレームをMJPEGとして配信する
// 一時停止中は通知が止まるため、最後のフレームのまま保持される
func (h *CamlensHandler) streamMJPEG(c *gin.Context) {
	// 通知側を止めないよう、未処理の通知は1件だけ保持する
	tick := make(chan struct{}, 1)
	subID := h.session.OnFrame(func(camera.FrameEvent) {
		select {
		case tick <- struct{}{}:
		default:
		}
	})
	defer h.session.Off(subID)

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	var lastSeq uint64
	frames := 0

	for {
		select {
		case <-clientGone:
			h.log.WithField("frames", frames).Debug("MJPEGクライアントが切断しました")
			return
		case <-h.done:
			return
		case <-tick:
			frame, seq := h.latestJPEG(lastSeq)
			if frame == nil {
				continue
			}
			lastSeq = seq

			if err := writeMJPEGPart(c.Writer, frame); err != nil {
				h.log.WithError(err).Debug("MJPEGフレームの書き込みに失敗しました")
				return
			}
			c.Writer.Flush()
			frames++
		}
	}
}

// latestJPEG は配信するJPEGを返す
// 表示面がデコード前のJPEGを保持していればそれを使い、同じフレームは送らない
func (h *CamlensHandler) latestJPEG(lastSeq uint64) ([]byte, uint64) {
	if src, ok := h.session.Video().(camera.JPEGSource); ok {
		data, seq := src.LatestJPEG()
		if seq == lastSeq || len(data) == 0 {
			return nil, lastSeq
		}
		return data, seq
	}

	data, _ := h.session.SnapshotImage(camera.FormatJPEG)
	if len(data) == 0 {
		return nil, lastSeq
	}
	return data, lastSeq + 1
}

// writeMJPEGPart はマルチパートの1フレームを書き込む
func writeMJPEGPart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// errorJSON はエラー応答を書き込む
func errorJSON(c *gin.Context, status int, code, message string, err error) {
	resp := api.ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err != nil {
		details := err.Error()
		resp.Details = &details
	}
	c.AbortWithStatusJSON(status, resp)
}
