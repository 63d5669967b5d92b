package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface は openapi.yaml の各操作を表す
type ServerInterface interface {
	// ヘルスチェック
	// (GET /health)
	HealthCheck(c *gin.Context)
	// セッション状態の取得
	// (GET /api/status)
	GetStatus(c *gin.Context)
	// カメラを開始する
	// (POST /api/camera/start)
	StartCamera(c *gin.Context)
	// カメラを停止する
	// (POST /api/camera/stop)
	StopCamera(c *gin.Context)
	// フレーム通知を一時停止する
	// (POST /api/camera/pause)
	PauseCamera(c *gin.Context)
	// フレーム通知を再開する
	// (POST /api/camera/resume)
	ResumeCamera(c *gin.Context)
	// 現在フレームのスナップショット
	// (GET /api/camera/snapshot)
	GetSnapshot(c *gin.Context, params GetSnapshotParams)
	// MJPEGストリーミング
	// (GET /api/camera/stream)
	GetCameraStream(c *gin.Context)
	// 映像入力デバイスの列挙
	// (GET /api/devices)
	GetDevices(c *gin.Context)
	// Server-Sent Events
	// (GET /api/events)
	GetEvents(c *gin.Context)
}

// MiddlewareFunc は各操作の前に実行される
type MiddlewareFunc func(c *gin.Context)

// ServerInterfaceWrapper はパラメータを解釈してから ServerInterface を呼ぶ
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandler       func(*gin.Context, error, int)
}

// runMiddlewares は中断されたら false を返す
func (siw *ServerInterfaceWrapper) runMiddlewares(c *gin.Context) bool {
	for _, middleware := range siw.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return false
		}
	}
	return true
}

func (siw *ServerInterfaceWrapper) wrap(fn func(*gin.Context)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !siw.runMiddlewares(c) {
			return
		}
		fn(c)
	}
}

// GetSnapshot はクエリパラメータを解釈する
func (siw *ServerInterfaceWrapper) GetSnapshot(c *gin.Context) {
	var params GetSnapshotParams

	err := runtime.BindQueryParameter("form", true, false, "format", c.Request.URL.Query(), &params.Format)
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("パラメータ format の形式が不正です: %w", err), http.StatusBadRequest)
		return
	}

	if !siw.runMiddlewares(c) {
		return
	}
	siw.Handler.GetSnapshot(c, params)
}

// GinServerOptions は RegisterHandlersWithOptions の設定
type GinServerOptions struct {
	BaseURL      string
	Middlewares  []MiddlewareFunc
	ErrorHandler func(*gin.Context, error, int)
}

// RegisterHandlers はルートを登録する
func RegisterHandlers(router gin.IRouter, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, GinServerOptions{})
}

// RegisterHandlersWithOptions は設定付きでルートを登録する
func RegisterHandlersWithOptions(router gin.IRouter, si ServerInterface, options GinServerOptions) {
	errorHandler := options.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(c *gin.Context, err error, statusCode int) {
			c.JSON(statusCode, gin.H{"msg": err.Error()})
		}
	}

	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandler:       errorHandler,
	}

	base := options.BaseURL
	router.GET(base+"/health", wrapper.wrap(si.HealthCheck))
	router.GET(base+"/api/status", wrapper.wrap(si.GetStatus))
	router.POST(base+"/api/camera/start", wrapper.wrap(si.StartCamera))
	router.POST(base+"/api/camera/stop", wrapper.wrap(si.StopCamera))
	router.POST(base+"/api/camera/pause", wrapper.wrap(si.PauseCamera))
	router.POST(base+"/api/camera/resume", wrapper.wrap(si.ResumeCamera))
	router.GET(base+"/api/camera/snapshot", wrapper.GetSnapshot)
	router.GET(base+"/api/camera/stream", wrapper.wrap(si.GetCameraStream))
	router.GET(base+"/api/devices", wrapper.wrap(si.GetDevices))
	router.GET(base+"/api/events", wrapper.wrap(si.GetEvents))
}
