package camera

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// スナップショットの形式
const (
	FormatJPEG = "image/jpeg"
	FormatPNG  = "image/png"
	FormatGIF  = "image/gif"
	FormatBMP  = "image/bmp"
	FormatTIFF = "image/tiff"

	DefaultSnapshotFormat = FormatJPEG
	DefaultJPEGQuality    = 92
)

// サポート外の形式は PNG にフォールバックする
var snapshotFormats = map[string]imaging.Format{
	FormatJPEG: imaging.JPEG,
	FormatPNG:  imaging.PNG,
	FormatGIF:  imaging.GIF,
	FormatBMP:  imaging.BMP,
	FormatTIFF: imaging.TIFF,
}

// drawingSurface はスナップショット用のオフスクリーンバッファ
type drawingSurface struct {
	buf *image.RGBA
}

func newDrawingSurface() *drawingSurface {
	return &drawingSurface{}
}

// size はバッファの現在サイズを返す
func (d *drawingSurface) size() (int, int) {
	if d.buf == nil {
		return 0, 0
	}
	b := d.buf.Bounds()
	return b.Dx(), b.Dy()
}

// resize はサイズが異なる場合のみバッファを作り直す
func (d *drawingSurface) resize(width, height int) {
	if w, h := d.size(); w == width && h == height && d.buf != nil {
		return
	}
	d.buf = image.NewRGBA(image.Rect(0, 0, width, height))
}

// drawFrame はフレームを原点に描画する
func (d *drawingSurface) drawFrame(frame image.Image) {
	draw.Copy(d.buf, image.Point{}, frame, frame.Bounds(), draw.Src, nil)
}

// encode は指定形式でエンコードし、データと実際の MIME タイプを返す
func (d *drawingSurface) encode(format string) ([]byte, string, error) {
	mime := normalizeFormat(format)
	f, ok := snapshotFormats[mime]
	if !ok {
		mime, f = FormatPNG, imaging.PNG
	}

	var buf bytes.Buffer
	var opts []imaging.EncodeOption
	if f == imaging.JPEG {
		opts = append(opts, imaging.JPEGQuality(DefaultJPEGQuality))
	}
	if err := imaging.Encode(&buf, d.buf, f, opts...); err != nil {
		return nil, "", fmt.Errorf("スナップショットのエンコードに失敗 (%s): %w", mime, err)
	}
	return buf.Bytes(), mime, nil
}

// release はバッファを解放する
func (d *drawingSurface) release() {
	d.buf = nil
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return DefaultSnapshotFormat
	}
	return format
}

// DataURL はエンコード済み画像を data URL に変換する
func DataURL(data []byte, mime string) string {
	if len(data) == 0 {
		return ""
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
