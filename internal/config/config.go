package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Transport kinds.
const (
	TransportPipe  = "pipe"
	TransportStdio = "stdio"
	TransportWS    = "ws"
	TransportGRPC  = "grpc"
	TransportRedis = "redis"
)

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Journal   JournalConfig   `yaml:"journal"`
	Worker    WorkerConfig    `yaml:"worker"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

type TransportConfig struct {
	Kind        string        `yaml:"kind"`
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	GracePeriod time.Duration `yaml:"grace_period"`
	URL         string        `yaml:"url"`
	Addr        string        `yaml:"addr"`
	Redis       RedisConfig   `yaml:"redis"`
	// IDs selects the correlation ID generator: sequential or uuid.
	IDs string `yaml:"ids"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type GatewayConfig struct {
	Port           string        `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type JournalConfig struct {
	DSN           string        `yaml:"dsn"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type WorkerConfig struct {
	// Listen is the worker's address for the ws and grpc transports.
	Listen string `yaml:"listen"`
}

// EventsConfig forwards endpoint lifecycle events to Google Cloud Pub/Sub
// when PubSub.Project is set.
type EventsConfig struct {
	PubSub PubSubConfig `yaml:"pubsub"`
}

type PubSubConfig struct {
	Project string `yaml:"project"`
	Topic   string `yaml:"topic"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:        TransportPipe,
			GracePeriod: 2 * time.Second,
			Redis:       RedisConfig{Addr: "localhost:6379", Prefix: "workerlink:"},
			IDs:         "sequential",
		},
		Gateway: GatewayConfig{Port: "8080", RequestTimeout: 30 * time.Second},
		Journal: JournalConfig{BufferSize: 1024, BatchSize: 100, FlushInterval: time.Second},
		Worker:  WorkerConfig{Listen: ":9090"},
		Events:  EventsConfig{PubSub: PubSubConfig{Topic: "workerlink-events"}},
		Log:     LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Load loads .env if present, reads path (or the defaults when path is
// empty), applies WORKERLINK_* overrides and validates the result.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from WORKERLINK_* environment variables.
func (c *Config) ApplyEnv() error {
	setString(&c.Transport.Kind, "WORKERLINK_TRANSPORT")
	setString(&c.Transport.Command, "WORKERLINK_WORKER_COMMAND")
	if v := os.Getenv("WORKERLINK_WORKER_ARGS"); v != "" {
		c.Transport.Args = strings.Fields(v)
	}
	setString(&c.Transport.URL, "WORKERLINK_WORKER_URL")
	setString(&c.Transport.Addr, "WORKERLINK_WORKER_ADDR")
	setString(&c.Transport.IDs, "WORKERLINK_IDS")
	setString(&c.Transport.Redis.Addr, "WORKERLINK_REDIS_ADDR")
	setString(&c.Transport.Redis.Password, "WORKERLINK_REDIS_PASSWORD")
	setString(&c.Transport.Redis.Prefix, "WORKERLINK_REDIS_PREFIX")
	setString(&c.Gateway.Port, "PORT")
	setString(&c.Gateway.Port, "WORKERLINK_GATEWAY_PORT")
	setString(&c.Journal.DSN, "DATABASE_URL")
	setString(&c.Journal.DSN, "WORKERLINK_JOURNAL_DSN")
	setString(&c.Worker.Listen, "WORKERLINK_WORKER_LISTEN")
	setString(&c.Events.PubSub.Project, "GOOGLE_CLOUD_PROJECT")
	setString(&c.Events.PubSub.Project, "WORKERLINK_PUBSUB_PROJECT")
	setString(&c.Events.PubSub.Topic, "WORKERLINK_PUBSUB_TOPIC")
	setString(&c.Log.Level, "WORKERLINK_LOG_LEVEL")

	if err := setInt(&c.Transport.Redis.DB, "WORKERLINK_REDIS_DB"); err != nil {
		return err
	}
	if err := setDuration(&c.Transport.GracePeriod, "WORKERLINK_GRACE_PERIOD"); err != nil {
		return err
	}
	return setDuration(&c.Gateway.RequestTimeout, "WORKERLINK_REQUEST_TIMEOUT")
}

// Validate checks that the selected transport has what it needs.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportPipe, TransportRedis:
	case TransportStdio:
		if c.Transport.Command == "" {
			return fmt.Errorf("transport stdio requires transport.command")
		}
	case TransportWS:
		if c.Transport.URL == "" {
			return fmt.Errorf("transport ws requires transport.url")
		}
	case TransportGRPC:
		if c.Transport.Addr == "" {
			return fmt.Errorf("transport grpc requires transport.addr")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	if c.Events.PubSub.Project != "" && c.Events.PubSub.Topic == "" {
		return fmt.Errorf("events.pubsub.project requires events.pubsub.topic")
	}

	switch c.Transport.IDs {
	case "", "sequential", "uuid":
	default:
		return fmt.Errorf("unknown id generator %q", c.Transport.IDs)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
