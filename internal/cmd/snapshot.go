package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"camlens/internal/camera"
)

var errNoFrame = errors.New("フレームを取得できませんでした")

type snapshotOptions struct {
	output  string
	format  string
	timeout time.Duration
	dataURL bool
}

func newSnapshotCommand(a *app) *cobra.Command {
	opts := &snapshotOptions{}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "カメラを開始し、最初のフレームを画像として保存する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSnapshot(cmd, a, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "snapshot.jpg", "出力ファイル")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "画像形式のMIMEタイプ（省略時は拡張子から判定）")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "開始から取得までのタイムアウト")
	cmd.Flags().BoolVar(&opts.dataURL, "data-url", false, "ファイルに保存せず data URL を標準出力に書く")
	return cmd
}

// formatFromPath は拡張子から画像形式を決める
func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return camera.FormatPNG
	case ".gif":
		return camera.FormatGIF
	case ".bmp":
		return camera.FormatBMP
	case ".tif", ".tiff":
		return camera.FormatTIFF
	default:
		return camera.FormatJPEG
	}
}

func runSnapshot(cmd *cobra.Command, a *app, opts *snapshotOptions) error {
	format := opts.format
	if format == "" {
		format = formatFromPath(opts.output)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	session, devices := a.newCamera()
	defer devices.Close()
	defer session.Dispose()

	// Start は最初のフレームが表示可能になるまで待つ
	if _, err := session.Start(ctx); err != nil {
		return fmt.Errorf("カメラの開始に失敗: %w", err)
	}

	if opts.dataURL {
		url := session.Snapshot(format)
		if url == "" {
			return errNoFrame
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	}

	data, mime := session.SnapshotImage(format)
	if len(data) == 0 {
		return errNoFrame
	}
	if err := os.WriteFile(opts.output, data, 0o644); err != nil {
		return fmt.Errorf("ファイルの書き込みに失敗: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s を保存しました (%s, %d bytes)\n", opts.output, mime, len(data))
	return nil
}
