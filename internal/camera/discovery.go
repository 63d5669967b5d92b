package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultDeviceDir はビデオデバイスノードが置かれるディレクトリ
const DefaultDeviceDir = "/dev"

var (
	videoNodePattern   = regexp.MustCompile(`^video(\d+)$`)
	formatLinePattern  = regexp.MustCompile(`^\[\d+\]:\s+'(\w+)'`)
	sizeLinePattern    = regexp.MustCompile(`Size:\s+\w+\s+(\d+)x(\d+)`)
	intervalFPSPattern = regexp.MustCompile(`\(([\d.]+)\s+fps\)`)
)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	dir string
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery(dir string) *LinuxDiscovery {
	if dir == "" {
		dir = DefaultDeviceDir
	}
	return &LinuxDiscovery{dir: dir}
}

// Dir は監視対象のデバイスディレクトリを返す
func (d *LinuxDiscovery) Dir() string { return d.dir }

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	var devices []string

	matches, err := filepath.Glob(filepath.Join(d.dir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if d.IsDeviceAvailable(ctx, match) && d.IsMainCamera(ctx, match) {
			devices = append(devices, match)
		}
	}

	return devices, nil
}

// EnumerateDevices は映像入力デバイスの一覧を返す
func (d *LinuxDiscovery) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	paths, err := d.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]DeviceInfo, 0, len(paths))
	for _, path := range paths {
		info := d.deviceInfo(ctx, path)
		infos = append(infos, info)
	}
	return infos, nil
}

// IsDeviceAvailable は指定されたデバイスが存在し、V4L2ノードに見えるかチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !isVideoNode(device) {
		return false
	}
	_, err := os.Stat(device)
	return err == nil
}

// Capabilities はデバイスがサポートする解像度・フレームレート・フォーマットを取得する
func (d *LinuxDiscovery) Capabilities(ctx context.Context, device string) (Capabilities, error) {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext")
	output, err := cmd.Output()
	if err != nil {
		return Capabilities{}, fmt.Errorf("フォーマット一覧の取得に失敗: %w", err)
	}

	caps := parseFormats(string(output))
	caps.DeviceID = device
	return caps, nil
}

// deviceInfo はデバイスの表示名とグループを取得する
func (d *LinuxDiscovery) deviceInfo(ctx context.Context, device string) DeviceInfo {
	info := DeviceInfo{
		DeviceID: device,
		GroupID:  device,
		Kind:     KindVideoInput,
		Label:    fmt.Sprintf("カメラ %d", extractDeviceNumber(device)),
	}

	fields := d.v4l2Info(ctx, device)
	if card := fields["Card type"]; card != "" {
		info.Label = card
	}
	if bus := fields["Bus info"]; bus != "" {
		info.GroupID = bus
	}
	return info
}

// v4l2Info はv4l2-ctl --info の出力をキーと値に分解する
func (d *LinuxDiscovery) v4l2Info(ctx context.Context, device string) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info")
	output, err := cmd.Output()
	if err != nil {
		return map[string]string{}
	}
	return parseV4L2Info(string(output))
}

// IsMainCamera はデバイスがメインカメラ（カラー）かどうかを判定する
func (d *LinuxDiscovery) IsMainCamera(ctx context.Context, device string) bool {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext")
	output, err := cmd.Output()
	if err != nil {
		return false
	}

	if !hasColorFormat(string(output)) {
		return false
	}

	// 同じ物理デバイスの複数チャンネルの場合、最も小さい番号を選択
	name := d.v4l2Info(ctx, device)["Card type"]
	deviceNum := extractDeviceNumber(device)
	for i := 0; i < deviceNum; i++ {
		sibling := filepath.Join(d.dir, fmt.Sprintf("video%d", i))
		if !d.IsDeviceAvailable(ctx, sibling) {
			continue
		}
		siblingOutput, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", sibling, "--list-formats-ext").Output()
		if err != nil || !hasColorFormat(string(siblingOutput)) {
			continue
		}
		if name != "" && name == d.v4l2Info(ctx, sibling)["Card type"] {
			return false
		}
	}

	return true
}

// hasColorFormat はカラーフォーマットを含むか判定する（グレースケールのみのノードを除外）
func hasColorFormat(formats string) bool {
	return strings.Contains(formats, "YUYV") || strings.Contains(formats, "MJPG")
}

// isVideoNode は /dev/videoN 形式のパスか判定する
func isVideoNode(path string) bool {
	return videoNodePattern.MatchString(filepath.Base(path))
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := videoNodePattern.FindStringSubmatch(filepath.Base(device))
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// parseV4L2Info は "Key : Value" 形式の行を分解する
func parseV4L2Info(output string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key != "" && value != "" {
			if _, exists := info[key]; !exists {
				info[key] = value
			}
		}
	}
	return info
}

// parseFormats は v4l2-ctl --list-formats-ext の出力から能力を組み立てる
func parseFormats(output string) Capabilities {
	var caps Capabilities
	seenRes := make(map[Resolution]bool)
	seenFmt := make(map[string]bool)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if m := formatLinePattern.FindStringSubmatch(line); m != nil {
			if !seenFmt[m[1]] {
				seenFmt[m[1]] = true
				caps.Formats = append(caps.Formats, m[1])
			}
			continue
		}

		if m := sizeLinePattern.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			res := Resolution{Width: w, Height: h}
			if !seenRes[res] {
				seenRes[res] = true
				caps.Resolutions = append(caps.Resolutions, res)
			}
			caps.Width = widen(caps.Width, w)
			caps.Height = widen(caps.Height, h)
			continue
		}

		if m := intervalFPSPattern.FindStringSubmatch(line); m != nil {
			fps, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			switch {
			case caps.FrameRate.Max == 0:
				caps.FrameRate = FloatRange{Min: fps, Max: fps}
			case fps < caps.FrameRate.Min:
				caps.FrameRate.Min = fps
			case fps > caps.FrameRate.Max:
				caps.FrameRate.Max = fps
			}
		}
	}

	sort.Slice(caps.Resolutions, func(i, j int) bool {
		a, b := caps.Resolutions[i], caps.Resolutions[j]
		return a.Width*a.Height < b.Width*b.Height
	})
	return caps
}

func widen(r IntRange, v int) IntRange {
	if r.Max == 0 && r.Min == 0 {
		return IntRange{Min: v, Max: v}
	}
	if v < r.Min {
		r.Min = v
	}
	if v > r.Max {
		r.Max = v
	}
	return r
}
