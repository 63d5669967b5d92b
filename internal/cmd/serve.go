package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"camlens/internal/camera"
	"camlens/internal/server"
)

type serveOptions struct {
	host      string
	port      int
	autoStart bool
}

func newServeCommand(a *app) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "HTTPサーバーと操作画面を起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "サーバーのホスト（デフォルト: 設定値）")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "サーバーのポート（デフォルト: 設定値）")
	cmd.Flags().BoolVar(&opts.autoStart, "autostart", false, "起動時にカメラを開始する")
	return cmd
}

func runServe(ctx context.Context, a *app, opts *serveOptions) error {
	// コマンドラインオプションで設定を上書き
	if opts.host != "" {
		a.cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		a.cfg.Server.Port = opts.port
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logrus.NewEntry(a.logger)
	session, devices := a.newCamera()
	defer devices.Close()

	srv, err := server.New(a.cfg, session, devices, log.WithField("component", "server"))
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return srv.Start(ctx)
	})

	group.Go(func() error {
		if opts.autoStart {
			// 開始の失敗は error 通知とログで伝え、サーバーは動かし続ける
			if _, err := session.Start(ctx); err != nil && !errors.Is(err, camera.ErrStartAborted) {
				log.WithError(err).Warn("起動時のカメラ開始に失敗しました")
			}
		}
		<-ctx.Done()
		session.Dispose()
		return nil
	})

	return group.Wait()
}
