package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"camlens/internal/camera"
)

// executeCommand はコマンドを実行し、出力を返す
func executeCommand(ctx context.Context, args ...string) (string, error) {
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

// emptyDeviceDir はデバイスのない /dev 相当のディレクトリを設定する
func emptyDeviceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CAMERA_DEVICE_DIR", dir)
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRootCommand(t *testing.T) {
	root := NewRootCommand()
	if root.Use != "camlens" {
		t.Errorf("Use = %q, want camlens", root.Use)
	}

	cmds := make(map[string]bool)
	for _, c := range root.Commands() {
		cmds[c.Name()] = true
	}
	for _, want := range []string{"serve", "devices", "snapshot"} {
		if !cmds[want] {
			t.Errorf("expected subcommand %q not found", want)
		}
	}

	for _, flag := range []string{"config", "log-level", "log-format"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("expected persistent flag %q", flag)
		}
	}
}

func TestDevicesCommand_Empty(t *testing.T) {
	dir := emptyDeviceDir(t)

	out, err := executeCommand(testContext(t), "devices")
	if err != nil {
		t.Fatalf("devices failed: %v", err)
	}
	if !strings.Contains(out, dir) {
		t.Errorf("Expected message to name %s, got %q", dir, out)
	}

	out, err = executeCommand(testContext(t), "devices", "--json")
	if err != nil {
		t.Fatalf("devices --json failed: %v", err)
	}
	var list []camera.DeviceInfo
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("Expected JSON array, got %q: %v", out, err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("Expected empty array, got %v", list)
	}
}

func TestConfigErrors(t *testing.T) {
	emptyDeviceDir(t)

	if _, err := executeCommand(testContext(t), "devices", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}

	if _, err := executeCommand(testContext(t), "devices", "--log-format", "xml"); err == nil {
		t.Error("Expected error for invalid log format")
	}
}

func TestConfigFile(t *testing.T) {
	emptyDeviceDir(t)
	t.Setenv("CAMERA_DEVICE_DIR", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "camlens.yaml")
	content := "camera:\n  device_dir: " + dir + "\nlog:\n  level: error\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(testContext(t), "devices", "--config", path)
	if err != nil {
		t.Fatalf("devices failed: %v", err)
	}
	if !strings.Contains(out, dir) {
		t.Errorf("Expected device dir from config file, got %q", out)
	}
}

func TestSnapshotCommand_NoDevice(t *testing.T) {
	emptyDeviceDir(t)
	output := filepath.Join(t.TempDir(), "out.png")

	_, err := executeCommand(testContext(t), "snapshot", "-o", output, "--timeout", "2s")
	if err == nil {
		t.Fatal("Expected error without devices")
	}
	if !errors.Is(err, camera.ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound, got %v", err)
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Error("Output file should not be created")
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a.jpg", camera.FormatJPEG},
		{"a.jpeg", camera.FormatJPEG},
		{"a.PNG", camera.FormatPNG},
		{"a.gif", camera.FormatGIF},
		{"a.bmp", camera.FormatBMP},
		{"a.tiff", camera.FormatTIFF},
		{"a.tif", camera.FormatTIFF},
		{"noext", camera.FormatJPEG},
	}

	for _, tt := range tests {
		if got := formatFromPath(tt.path); got != tt.want {
			t.Errorf("formatFromPath(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestServeCommand(t *testing.T) {
	emptyDeviceDir(t)
	port := freePort(t)

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := executeCommand(ctx, "serve", "--host", "127.0.0.1", "--port", strconv.Itoa(port), "--autostart")
		errCh <- err
	}()

	// 起動を待ってヘルスチェックする
	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("Expected 200, got %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Server did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
