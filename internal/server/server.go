package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"camlens/internal/api"
	"camlens/internal/camera"
	"camlens/internal/config"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間
const shutdownTimeout = 5 * time.Second

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	log        *logrus.Entry
	engine     *gin.Engine
	httpServer *http.Server
	events     *EventHub

	done      chan struct{}
	closeOnce sync.Once
}

// Option は Server の設定を変更する
type Option func(*Server, *CamlensHandler)

// WithHeartbeatInterval はSSEのハートビート間隔を変更する
func WithHeartbeatInterval(d time.Duration) Option {
	return func(_ *Server, h *CamlensHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, session *camera.CaptureSession, devices camera.MediaDevices, log *logrus.Entry, opts ...Option) (*Server, error) {
	doc, err := api.LoadSpec(context.Background())
	if err != nil {
		return nil, err
	}
	validator, err := api.RequestValidator(doc)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config: cfg,
		log:    log,
		events: NewEventHub(session, log.WithField("component", "events")),
		done:   make(chan struct{}),
	}

	handler := &CamlensHandler{
		session:   session,
		devices:   devices,
		events:    s.events,
		log:       log.WithField("component", "handler"),
		heartbeat: DefaultHeartbeatInterval,
		done:      s.done,
	}
	for _, opt := range opts {
		opt(s, handler)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))
	engine.Use(validator)

	api.RegisterHandlersWithOptions(engine, handler, api.GinServerOptions{
		ErrorHandler: func(c *gin.Context, err error, status int) {
			errorJSON(c, status, api.ErrorInvalidRequest, err.Error(), nil)
		},
	})
	engine.GET("/api/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", api.SpecYAML())
	})
	if err := setupStatic(engine); err != nil {
		return nil, err
	}

	s.engine = engine
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Events はSSEのハブを返す
func (s *Server) Events() *EventHub {
	return s.events
}

// requestLogger はリクエストごとにアクセスログを出力する
func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
			"client":  c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.String())
			return
		}
		entry.Debug("リクエストを処理しました")
	}
}

// Start はサーバーを起動し、ctx が終了するまでブロックする
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve は指定のリスナーでサーバーを起動し、ctx が終了するまでブロックする
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	go func() {
		s.log.WithField("addr", listener.Addr().String()).Info("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("コンテキストがキャンセルされました")
	case err := <-shutdownCh:
		s.closeStreams()
		return err
	}

	return s.Shutdown()
}

// closeStreams はSSE・MJPEGの応答を終わらせる
func (s *Server) closeStreams() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.events.Close()
	})
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.log.Info("サーバーをシャットダウンしています...")

	// 長時間接続は Shutdown では終わらないため先に閉じる
	s.closeStreams()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.log.Info("サーバーが正常にシャットダウンされました")
	return nil
}
