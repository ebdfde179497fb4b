package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"airguard-gateway/internal/serial"
)

// Config is built once at startup and passed by value to every component.
// Nothing downstream reads the process environment.
type Config struct {
	Serial SerialConfig `yaml:"serial"`
	Store  StoreConfig  `yaml:"store"`
	Cloud  CloudConfig  `yaml:"cloud"`
	Broker BrokerConfig `yaml:"broker"`
	Log    LogConfig    `yaml:"log"`
	Web    WebConfig    `yaml:"web"`
}

type SerialConfig struct {
	Device      string        `yaml:"device" env:"SERIAL_PORT"`
	Baud        int           `yaml:"baud" env:"SERIAL_BAUD"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	ReopenDelay time.Duration `yaml:"reopen_delay"`
	Record      RecordConfig  `yaml:"record"`
	Replay      ReplayConfig  `yaml:"replay"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
}

type StoreConfig struct {
	Path string `yaml:"path" env:"SQLITE_DB"`
}

type CloudConfig struct {
	URL     string        `yaml:"url" env:"CLOUD_POST_URL"`
	Token   string        `yaml:"token" env:"CLOUD_AUTH_TOKEN"`
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled reports whether the cloud sink has a target.
func (c CloudConfig) Enabled() bool { return c.URL != "" }

type BrokerConfig struct {
	Host           string        `yaml:"host" env:"MQTT_BROKER"`
	Port           int           `yaml:"port" env:"MQTT_PORT"`
	Topic          string        `yaml:"topic" env:"MQTT_TOPIC"`
	Username       string        `yaml:"username" env:"MQTT_USERNAME"`
	Password       string        `yaml:"password" env:"MQTT_PASSWORD"`
	QoS            int           `yaml:"qos" env:"MQTT_QOS"`
	ClientID       string        `yaml:"client_id" env:"MQTT_CLIENT_ID"`
	Encoding       string        `yaml:"encoding"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// Enabled reports whether the broker sink has a target.
func (c BrokerConfig) Enabled() bool { return c.Host != "" }

// Addr returns the broker URL in the form the MQTT client expects.
func (c BrokerConfig) Addr() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

type WebConfig struct {
	// Listen is host:port for /metrics and /api/*. Empty disables it.
	Listen string `yaml:"listen" env:"WEB_LISTEN"`
}

// Load reads the optional YAML file at path, overlays the process
// environment, then the overrides (command-line flags), applies defaults and
// validates. An empty path skips the file.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	return load(path, env.ToMap(os.Environ()), overrides...)
}

func load(path string, environ map[string]string, overrides ...func(*Config)) (Config, error) {
	// QoS 0 is a valid setting, so its default is seeded before decoding
	// rather than filled in by DefaultAndValidate.
	cfg := Config{Broker: BrokerConfig{QoS: 1}}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := decodeYAML(b, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("config environment: %w", err)
	}
	for _, o := range overrides {
		o(&cfg)
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var te *yaml.TypeError
		if errors.As(err, &te) {
			msgs := make([]string, 0, len(te.Errors))
			for _, m := range te.Errors {
				// Drop yaml's "line N: " prefix.
				if i := strings.Index(m, ": "); i >= 0 && strings.HasPrefix(m, "line ") {
					m = m[i+2:]
				}
				msgs = append(msgs, m)
			}
			return fmt.Errorf("config contains unknown fields: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// DefaultAndValidate fills defaults in place and checks cross-field rules.
// Callers that override fields after Load (command-line flags) run it again.
func DefaultAndValidate(cfg *Config) error {
	cfg.Serial.Device = strings.TrimSpace(cfg.Serial.Device)
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Serial.ReadTimeout <= 0 {
		cfg.Serial.ReadTimeout = 1 * time.Second
	}
	if cfg.Serial.ReopenDelay <= 0 {
		cfg.Serial.ReopenDelay = 1 * time.Second
	}
	if cfg.Serial.Replay.Enable {
		if cfg.Serial.Replay.Path == "" {
			return fmt.Errorf("serial.replay.path is required when serial.replay.enable is true")
		}
		if cfg.Serial.Replay.Speed < 0 {
			return fmt.Errorf("serial.replay.speed must be >= 0")
		}
	} else {
		if cfg.Serial.Device == "" {
			return fmt.Errorf("serial.device is required")
		}
		if !serial.SupportedBaud(cfg.Serial.Baud) {
			return fmt.Errorf("serial.baud must be one of %s", serial.SupportedBaudList())
		}
	}
	if cfg.Serial.Record.Enable && cfg.Serial.Record.Path == "" {
		return fmt.Errorf("serial.record.path is required when serial.record.enable is true")
	}
	if cfg.Serial.Record.Enable && cfg.Serial.Replay.Enable {
		return fmt.Errorf("serial.record and serial.replay cannot both be enabled")
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "airguard.db"
	}

	cfg.Cloud.URL = strings.TrimSpace(cfg.Cloud.URL)
	if cfg.Cloud.Timeout <= 0 {
		cfg.Cloud.Timeout = 5 * time.Second
	}
	if cfg.Cloud.URL != "" {
		u, err := url.Parse(cfg.Cloud.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("cloud.url must be an absolute http(s) URL")
		}
	}

	cfg.Broker.Host = strings.TrimSpace(cfg.Broker.Host)
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 1883
	}
	if cfg.Broker.Port < 0 || cfg.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be between 1 and 65535")
	}
	if cfg.Broker.Topic == "" {
		cfg.Broker.Topic = "espnow/samples"
	}
	if cfg.Broker.QoS < 0 || cfg.Broker.QoS > 2 {
		return fmt.Errorf("broker.qos must be 0, 1 or 2")
	}
	cfg.Broker.Encoding = strings.ToLower(strings.TrimSpace(cfg.Broker.Encoding))
	switch cfg.Broker.Encoding {
	case "":
		cfg.Broker.Encoding = "json"
	case "json", "cbor":
	default:
		return fmt.Errorf("broker.encoding must be 'json' or 'cbor'")
	}
	if cfg.Broker.ConnectTimeout <= 0 {
		cfg.Broker.ConnectTimeout = 5 * time.Second
	}
	if cfg.Broker.PublishTimeout <= 0 {
		cfg.Broker.PublishTimeout = 2 * time.Second
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	case "warning":
		cfg.Log.Level = "warn"
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}

	cfg.Web.Listen = strings.TrimSpace(cfg.Web.Listen)
	return nil
}
