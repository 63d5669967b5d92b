package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// V4L2Capturer はffmpeg経由でV4L2デバイスからMJPEGフレームを取得する
type V4L2Capturer struct {
	devicePath string
	width      int
	height     int
	fps        int
	log        *logrus.Entry
}

// NewV4L2Capturer は新しいV4L2Capturerを作成する
func NewV4L2Capturer(devicePath string, width, height, fps int, log *logrus.Entry) *V4L2Capturer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &V4L2Capturer{
		devicePath: devicePath,
		width:      width,
		height:     height,
		fps:        fps,
		log:        log.WithField("device", devicePath),
	}
}

// Open はデバイスへのアクセス権を確認する
// 権限がない場合は ErrPermissionDenied、存在しない場合は ErrDeviceNotFound を返す
func (c *V4L2Capturer) Open(_ context.Context) error {
	file, err := os.OpenFile(c.devicePath, os.O_RDWR, 0)
	if err != nil {
		return classifyOpenError(c.devicePath, err)
	}
	return file.Close()
}

// classifyOpenError はデバイスを開く際のエラーを分類する
func classifyOpenError(device string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, device, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %s", ErrDeviceBusy, device)
	default:
		return fmt.Errorf("デバイス %s を開けません: %w", device, err)
	}
}

// args はストリーミング用のffmpeg引数を返す
func (c *V4L2Capturer) args() []string {
	return []string{
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
		"-framerate", strconv.Itoa(c.fps),
		"-i", c.devicePath,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	}
}

// StartStream は連続キャプチャを開始し、ctx が取り消されるかストリームが終わるまでブロックする
// 終了時に frames を閉じる
func (c *V4L2Capturer) StartStream(ctx context.Context, frames chan<- []byte, errs chan<- error) {
	defer close(frames)

	cmd := exec.CommandContext(ctx, "ffmpeg", c.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sendErr(errs, fmt.Errorf("stdoutパイプの作成に失敗: %w", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		sendErr(errs, fmt.Errorf("stderrパイプの作成に失敗: %w", err))
		return
	}

	if err := cmd.Start(); err != nil {
		sendErr(errs, fmt.Errorf("ffmpegの起動に失敗: %w", err))
		return
	}
	defer func() {
		_ = cmd.Wait() // コンテキスト取り消し時のエラーは無視
	}()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			c.log.Debug(scanner.Text())
		}
	}()

	var splitter jpegSplitter
	buffer := make([]byte, 256*1024)
	for {
		n, err := stdout.Read(buffer)
		if n > 0 {
			for _, frame := range splitter.Write(buffer[:n]) {
				select {
				case frames <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				sendErr(errs, fmt.Errorf("フレーム読み取りエラー: %w", err))
			}
			return
		}
	}
}

func sendErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}

// jpegSplitter はMJPEGのバイト列をSOI/EOIマーカーで個々のJPEGに分割する
type jpegSplitter struct {
	buf bytes.Buffer
}

// Write はデータを追加し、完成したフレームを返す
func (s *jpegSplitter) Write(p []byte) [][]byte {
	s.buf.Write(p)

	var frames [][]byte
	data := s.buf.Bytes()
	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// マーカーの片割れだけ残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				data = data[len(data)-1:]
			} else {
				data = nil
			}
			break
		}

		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			data = data[start:]
			break
		}

		end += start + 2 + len(jpegEOI)
		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)
		data = data[end:]
	}

	rest := make([]byte, len(data))
	copy(rest, data)
	s.buf.Reset()
	s.buf.Write(rest)
	return frames
}

// Buffered は未完成フレームとして保持しているバイト数を返す
func (s *jpegSplitter) Buffered() int {
	return s.buf.Len()
}
