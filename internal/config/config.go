package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the bootstrap configuration read once at startup. Runtime-tunable
// values live in the hot-reloaded settings file instead.
type Config struct {
	Settings SettingsConfig `mapstructure:"settings"`
	Source   SourceConfig   `mapstructure:"source"`
	Model    ModelConfig    `mapstructure:"model"`
	Evidence EvidenceConfig `mapstructure:"evidence"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Status   StatusConfig   `mapstructure:"status"`
	Host     HostConfig     `mapstructure:"host"`
	Log      LogConfig      `mapstructure:"log"`
	Overlay  OverlayConfig  `mapstructure:"overlay"`
}

type SettingsConfig struct {
	Path           string        `mapstructure:"path"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

type SourceConfig struct {
	Kind          string        `mapstructure:"kind"` // camera, video, images, shm
	DeviceIndices []int         `mapstructure:"device_indices"`
	Width         int           `mapstructure:"width"`
	Height        int           `mapstructure:"height"`
	Path          string        `mapstructure:"path"` // video file or image directory
	Loop          bool          `mapstructure:"loop"`
	ShmName       string        `mapstructure:"shm_name"`
	FrameTimeout  time.Duration `mapstructure:"frame_timeout"`
}

type ModelConfig struct {
	Path      string `mapstructure:"path"`
	Config    string `mapstructure:"config"` // darknet cfg, empty for ONNX
	InputSize int    `mapstructure:"input_size"`
	CachePath string `mapstructure:"cache_path"`
	Backend   string `mapstructure:"backend"` // default, openvino, cuda
}

type EvidenceConfig struct {
	SpoolDir    string `mapstructure:"spool_dir"`
	DBPath      string `mapstructure:"db_path"`
	JPEGQuality int    `mapstructure:"jpeg_quality"`
}

type UploadConfig struct {
	Backend         string        `mapstructure:"backend"` // http, s3
	BaseURL         string        `mapstructure:"base_url"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	ClientVersion   string        `mapstructure:"client_version"`
	CompanyCode     string        `mapstructure:"company_code"`
	S3              S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	Secure    bool   `mapstructure:"secure"`
}

type StatusConfig struct {
	Addr           string        `mapstructure:"addr"`
	StreamInterval time.Duration `mapstructure:"stream_interval"`
}

type HostConfig struct {
	SentinelPath string        `mapstructure:"sentinel_path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
	File  string `mapstructure:"file"`
}

type OverlayConfig struct {
	Monitors int      `mapstructure:"monitors"`
	Width    int      `mapstructure:"width"`
	Height   int      `mapstructure:"height"`
	Scale    float64  `mapstructure:"scale"`
	FontDirs []string `mapstructure:"font_dirs"`
	Snapshot string   `mapstructure:"snapshot"` // PNG path of the last painted overlay
}

// EnvPrefix is the prefix for environment overrides, e.g. PADETECT_UPLOAD_BASE_URL.
const EnvPrefix = "PADETECT"

// Load reads the YAML file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("failed to read config file: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case "camera", "video", "images", "shm":
	default:
		return fmt.Errorf("invalid source.kind %q", c.Source.Kind)
	}
	switch c.Upload.Backend {
	case "http", "s3":
	default:
		return fmt.Errorf("invalid upload.backend %q", c.Upload.Backend)
	}
	if c.Evidence.SpoolDir == "" {
		return errors.New("evidence.spool_dir must be set")
	}
	if c.Model.InputSize <= 0 {
		return fmt.Errorf("model.input_size must be positive, got %d", c.Model.InputSize)
	}
	if c.Evidence.JPEGQuality < 1 || c.Evidence.JPEGQuality > 100 {
		return fmt.Errorf("evidence.jpeg_quality out of range: %d", c.Evidence.JPEGQuality)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("settings.path", "config.json")
	v.SetDefault("settings.reload_interval", 5*time.Second)

	v.SetDefault("source.kind", "camera")
	v.SetDefault("source.device_indices", []int{0, 1, 2})
	v.SetDefault("source.width", 640)
	v.SetDefault("source.height", 640)
	v.SetDefault("source.path", "")
	v.SetDefault("source.loop", false)
	v.SetDefault("source.shm_name", "/padetect_frames")
	v.SetDefault("source.frame_timeout", 2*time.Second)

	v.SetDefault("model.path", "models/padetect.onnx")
	v.SetDefault("model.config", "")
	v.SetDefault("model.input_size", 416)
	v.SetDefault("model.cache_path", "cache/letterbox.json")
	v.SetDefault("model.backend", "default")

	v.SetDefault("evidence.spool_dir", "./data")
	v.SetDefault("evidence.db_path", "./data/evidence.db")
	v.SetDefault("evidence.jpeg_quality", 90)

	v.SetDefault("upload.backend", "http")
	v.SetDefault("upload.base_url", "http://172.17.66.130:18000")
	v.SetDefault("upload.connect_timeout", 1*time.Second)
	v.SetDefault("upload.transfer_timeout", 30*time.Second)
	v.SetDefault("upload.max_retries", 1)
	v.SetDefault("upload.attempt_timeout", 45*time.Second)
	v.SetDefault("upload.client_version", "1.0.0")
	v.SetDefault("upload.company_code", "")
	v.SetDefault("upload.s3.endpoint", "")
	v.SetDefault("upload.s3.access_key", "")
	v.SetDefault("upload.s3.secret_key", "")
	v.SetDefault("upload.s3.bucket", "padetect")
	v.SetDefault("upload.s3.region", "us-east-1")
	v.SetDefault("upload.s3.prefix", "evidence")
	v.SetDefault("upload.s3.secure", true)

	v.SetDefault("status.addr", "127.0.0.1:8089")
	v.SetDefault("status.stream_interval", 1*time.Second)

	v.SetDefault("host.sentinel_path", "update.json")
	v.SetDefault("host.poll_interval", 1*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)
	v.SetDefault("log.file", "")

	v.SetDefault("overlay.monitors", 1)
	v.SetDefault("overlay.width", 1920)
	v.SetDefault("overlay.height", 1080)
	v.SetDefault("overlay.scale", 1.0)
	v.SetDefault("overlay.font_dirs", []string{"/usr/share/fonts", "/usr/local/share/fonts", "C:\\Windows\\Fonts", "/System/Library/Fonts", "/Library/Fonts"})
	v.SetDefault("overlay.snapshot", "")
}
