package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Camera    CameraConfig    `mapstructure:"camera"`
	Inference InferenceConfig `mapstructure:"inference"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Board     BoardConfig     `mapstructure:"board"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QoS         byte   `mapstructure:"qos"`
	CardTopic   string `mapstructure:"card_topic"`
	CameraTopic string `mapstructure:"camera_topic"`
}

type BackendConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Email    string        `mapstructure:"email"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type CameraConfig struct {
	Model          string        `mapstructure:"model"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout"`
	Attempts       int           `mapstructure:"attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

type InferenceConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DetectionAttempts int           `mapstructure:"detection_attempts"`
	DetectionWorkers  int           `mapstructure:"detection_workers"`
	ReadingAttempts   int           `mapstructure:"reading_attempts"`
	ReadingWorkers    int           `mapstructure:"reading_workers"`
	PlateLabel        string        `mapstructure:"plate_label"`
	MinDetectionConf  float64       `mapstructure:"min_detection_confidence"`
	MinFragmentConf   float64       `mapstructure:"min_fragment_confidence"`
	CenterTolerance   float64       `mapstructure:"center_tolerance"`
	CropMargin        int           `mapstructure:"crop_margin"`
	MinReadWidth      int           `mapstructure:"min_read_width"`
	DenoiseSigma      float64       `mapstructure:"denoise_sigma"`
	SharpenSigma      float64       `mapstructure:"sharpen_sigma"`
}

type JobsConfig struct {
	CleanupDelay time.Duration `mapstructure:"cleanup_delay"`
	QueueSize    int           `mapstructure:"queue_size"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

type JournalConfig struct {
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type BoardConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.dsn", "host=localhost user=gate password=gate dbname=gate port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "gate-controller")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.card_topic", "esp32c3")
	v.SetDefault("mqtt.camera_topic", "esp32cam")

	v.SetDefault("backend.base_url", "http://127.0.0.1:3000/api")
	v.SetDefault("backend.email", "")
	v.SetDefault("backend.password", "")
	v.SetDefault("backend.timeout", 10*time.Second)

	v.SetDefault("camera.model", "esp32-cam")
	v.SetDefault("camera.capture_timeout", 5*time.Second)
	v.SetDefault("camera.attempts", 3)
	v.SetDefault("camera.retry_delay", 500*time.Millisecond)

	v.SetDefault("inference.base_url", "http://127.0.0.1:8000")
	v.SetDefault("inference.timeout", 10*time.Second)
	v.SetDefault("inference.detection_attempts", 5)
	v.SetDefault("inference.detection_workers", 5)
	v.SetDefault("inference.reading_attempts", 3)
	v.SetDefault("inference.reading_workers", 3)
	v.SetDefault("inference.plate_label", "License_Plate")
	v.SetDefault("inference.min_detection_confidence", 0.3)
	v.SetDefault("inference.min_fragment_confidence", 0.3)
	v.SetDefault("inference.center_tolerance", 20.0)
	v.SetDefault("inference.crop_margin", 20)
	v.SetDefault("inference.min_read_width", 600)
	v.SetDefault("inference.denoise_sigma", 0.6)
	v.SetDefault("inference.sharpen_sigma", 2.0)

	v.SetDefault("jobs.cleanup_delay", 50*time.Millisecond)
	v.SetDefault("jobs.queue_size", 64)
	v.SetDefault("jobs.stop_timeout", 10*time.Second)

	v.SetDefault("journal.retention_days", 90)
	v.SetDefault("journal.cleanup_interval", 24*time.Hour)
	v.SetDefault("journal.write_timeout", 5*time.Second)

	v.SetDefault("board.capacity", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads defaults, then the optional config file, then GATE_* environment
// variables (GATE_MQTT_BROKER overrides mqtt.broker).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Inference.BaseURL == "" {
		errs = append(errs, errors.New("inference.base_url is required"))
	}
	if c.Inference.DetectionAttempts < 1 || c.Inference.ReadingAttempts < 1 {
		errs = append(errs, errors.New("inference attempts must be at least 1"))
	}
	if c.Camera.Attempts < 1 {
		errs = append(errs, errors.New("camera.attempts must be at least 1"))
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when the journal database is enabled"))
	}
	return errors.Join(errs...)
}
