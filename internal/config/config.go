package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"camlens/internal/camera"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server"`
	Camera CameraConfig `yaml:"camera"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はキャプチャセッションの設定
type CameraConfig struct {
	DeviceDir  string `yaml:"device_dir"`  // デバイスノードのディレクトリ
	Device     string `yaml:"device"`      // 使用するデバイス（空なら最初に見つかったもの）
	Width      int    `yaml:"width"`       // 要求する幅
	Height     int    `yaml:"height"`      // 要求する高さ
	FPS        int    `yaml:"fps"`         // 要求するフレームレート
	FacingMode string `yaml:"facing_mode"` // "user" / "environment"

	PlayTimeout      time.Duration `yaml:"play_timeout"`      // 最初のフレームを待つ時間
	EnumerateTimeout time.Duration `yaml:"enumerate_timeout"` // デバイス列挙のタイムアウト
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // trace / debug / info / warn / error
	Format string `yaml:"format"` // text / json
}

// Options はセッションの取得条件に変換する
func (c CameraConfig) Options() camera.Options {
	return camera.Options{
		Width:      c.Width,
		Height:     c.Height,
		FacingMode: c.FacingMode,
		FPS:        c.FPS,
		DeviceID:   c.Device,
	}
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			DeviceDir:        camera.DefaultDeviceDir,
			Width:            camera.DefaultWidth,
			Height:           camera.DefaultHeight,
			FPS:              camera.DefaultFPS,
			FacingMode:       camera.DefaultFacingMode,
			PlayTimeout:      camera.DefaultPlayTimeout,
			EnumerateTimeout: camera.DefaultEnumerateTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// デフォルト値、path の YAML ファイル（空なら読まない）、環境変数の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)

	c.Camera.DeviceDir = getEnvOrDefault("CAMERA_DEVICE_DIR", c.Camera.DeviceDir)
	c.Camera.Device = getEnvOrDefault("CAMERA_DEVICE", c.Camera.Device)
	c.Camera.Width = getEnvAsIntOrDefault("CAMERA_WIDTH", c.Camera.Width)
	c.Camera.Height = getEnvAsIntOrDefault("CAMERA_HEIGHT", c.Camera.Height)
	c.Camera.FPS = getEnvAsIntOrDefault("CAMERA_FPS", c.Camera.FPS)
	c.Camera.FacingMode = getEnvOrDefault("CAMERA_FACING_MODE", c.Camera.FacingMode)

	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("LOG_FORMAT", c.Log.Format)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	// カメラ設定の検証（0 はデフォルト値を意味する）
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		errs = append(errs, fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.FPS < 0 || c.Camera.FPS > 240 {
		errs = append(errs, fmt.Errorf("無効なフレームレート: %d", c.Camera.FPS))
	}
	switch c.Camera.FacingMode {
	case "", "user", "environment":
	default:
		errs = append(errs, fmt.Errorf("無効なカメラの向き: %q", c.Camera.FacingMode))
	}

	// ログ設定の検証
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("無効なログ形式: %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
