// Package cmd は camlens のコマンドライン（serve / devices / snapshot）を提供する
package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"camlens/internal/camera"
	"camlens/internal/config"
	"camlens/internal/logging"
)

// app はサブコマンド間で共有する状態
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *logrus.Logger
}

// NewRootCommand はルートコマンドを作成する
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "camlens",
		Short: "カメラ取得セッションの操作ツール",
		Long: `camlens はV4L2カメラからストリームを取得し、プレビュー・スナップショット・
デバイス変化の通知を提供します。serve でHTTP経由の操作画面を起動します。`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "設定ファイル（YAML）のパス")
	flags.StringVar(&a.logLevel, "log-level", "", "ログレベル（debug, info, warn, error）")
	flags.StringVar(&a.logFormat, "log-format", "", "ログ形式（text, json）")

	root.AddCommand(
		newServeCommand(a),
		newDevicesCommand(a),
		newSnapshotCommand(a),
	)
	return root
}

// Execute はルートコマンドを実行する
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// load は設定とロガーを準備する
func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("ロガーの作成に失敗: %w", err)
	}
	logger.SetOutput(cmd.ErrOrStderr())

	a.cfg = cfg
	a.logger = logger
	return nil
}

// newCamera は設定からメディアデバイスとセッションを組み立てる
func (a *app) newCamera() (*camera.CaptureSession, *camera.LinuxMediaDevices) {
	log := logrus.NewEntry(a.logger)

	devices := camera.NewLinuxMediaDevices(a.cfg.Camera.DeviceDir, log.WithField("component", "mediadevices"))

	preview := camera.NewPreview(log.WithField("component", "preview"))
	preview.SetPlayTimeout(a.cfg.Camera.PlayTimeout)

	session := camera.NewSession(devices, a.cfg.Camera.Options(),
		camera.WithDisplay(preview),
		camera.WithLogger(log),
		camera.WithEnumerateTimeout(a.cfg.Camera.EnumerateTimeout),
	)
	return session, devices
}
