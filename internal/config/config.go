package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string
}

// DatabaseConfig selects and tunes the store. Driver is "memory" or "postgres".
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// WorkerConfig drives the delivery loop.
type WorkerConfig struct {
	MaxAttempts         int
	SecondsBetweenLoops int
	AutoStart           bool // start the worker when attempts are added or a campaign resumes
}

// Interval is the pause between worker iterations.
func (w WorkerConfig) Interval() time.Duration {
	return time.Duration(w.SecondsBetweenLoops) * time.Second
}

// RelayConfig is an outbound SMTP endpoint without credentials.
type RelayConfig struct {
	Host string
	Port int
}

// SenderConfig holds the relay credentials for one sender address. The
// sender address doubles as the SMTP username.
type SenderConfig struct {
	Address            string `mapstructure:"address" json:"address"`
	Host               string `mapstructure:"host" json:"host"`
	Port               int    `mapstructure:"port" json:"port"`
	Password           string `mapstructure:"password" json:"password"`
	StartTLS           bool   `mapstructure:"starttls" json:"starttls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// SMTPConfig describes how the worker reaches relays.
type SMTPConfig struct {
	DefaultRelay   RelayConfig
	HeloName       string
	CommandTimeout time.Duration
	Senders        []SenderConfig
}

// Sender returns the credentials configured for address, matched case-insensitively.
func (s SMTPConfig) Sender(address string) (SenderConfig, bool) {
	for _, sc := range s.Senders {
		if strings.EqualFold(sc.Address, address) {
			return sc, true
		}
	}
	return SenderConfig{}, false
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// NotifyConfig enables the external publishers; each is off while its address is empty.
type NotifyConfig struct {
	AMQP  AMQPConfig
	Redis RedisConfig
	Kafka KafkaConfig

	PublishTimeout time.Duration // per publisher, per snapshot
}

type WebSocketConfig struct {
	AllowedOrigins []string
}

// LogConfig configures zap; File enables lumberjack rotation.
type LogConfig struct {
	Level       string
	Development bool
	File        string
	MaxSize     int // MB
	MaxBackups  int
	MaxAge      int // days
	Compress    bool
}

// Config is built once at startup and passed by pointer.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Worker    WorkerConfig
	SMTP      SMTPConfig
	Notify    NotifyConfig
	WebSocket WebSocketConfig
	Log       LogConfig
}

// Load reads configuration from (highest first) environment variables
// prefixed MAILQUEUE_, a .env file, an optional YAML file named by
// MAILQUEUE_CONFIG, and defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path := os.Getenv("MAILQUEUE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.seconds_between_loops", 5)
	v.SetDefault("worker.auto_start", true)
	v.SetDefault("smtp.default_relay.host", "localhost")
	v.SetDefault("smtp.default_relay.port", 1025)
	v.SetDefault("smtp.helo_name", "localhost")
	v.SetDefault("smtp.command_timeout", "30s")
	v.SetDefault("notify.publish_timeout", "5s")
	v.SetDefault("notify.amqp.url", "")
	v.SetDefault("notify.amqp.exchange", "campaign_events")
	v.SetDefault("notify.redis.addr", "")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.redis.channel_prefix", "mailqueue:")
	v.SetDefault("notify.kafka.brokers", "")
	v.SetDefault("notify.kafka.topic", "mailqueue.campaigns")
	v.SetDefault("websocket.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
}

func fromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("mailqueue")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	connMaxLifetime, err := time.ParseDuration(v.GetString("database.conn_max_lifetime"))
	if err != nil {
		return nil, fmt.Errorf("invalid database.conn_max_lifetime: %w", err)
	}
	commandTimeout, err := time.ParseDuration(v.GetString("smtp.command_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid smtp.command_timeout: %w", err)
	}
	publishTimeout, err := time.ParseDuration(v.GetString("notify.publish_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid notify.publish_timeout: %w", err)
	}
	senders, err := parseSenders(v)
	if err != nil {
		return nil, err
	}

	origins := parseList(v.GetString("websocket.allowed_origins"))
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr: v.GetString("server.addr"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(v.GetString("database.driver")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Worker: WorkerConfig{
			MaxAttempts:         v.GetInt("worker.max_attempts"),
			SecondsBetweenLoops: v.GetInt("worker.seconds_between_loops"),
			AutoStart:           v.GetBool("worker.auto_start"),
		},
		SMTP: SMTPConfig{
			DefaultRelay: RelayConfig{
				Host: v.GetString("smtp.default_relay.host"),
				Port: v.GetInt("smtp.default_relay.port"),
			},
			HeloName:       v.GetString("smtp.helo_name"),
			CommandTimeout: commandTimeout,
			Senders:        senders,
		},
		Notify: NotifyConfig{
			AMQP: AMQPConfig{
				URL:      v.GetString("notify.amqp.url"),
				Exchange: v.GetString("notify.amqp.exchange"),
			},
			Redis: RedisConfig{
				Addr:          v.GetString("notify.redis.addr"),
				Password:      v.GetString("notify.redis.password"),
				DB:            v.GetInt("notify.redis.db"),
				ChannelPrefix: v.GetString("notify.redis.channel_prefix"),
			},
			Kafka: KafkaConfig{
				Brokers: parseList(v.GetString("notify.kafka.brokers")),
				Topic:   v.GetString("notify.kafka.topic"),
			},
			PublishTimeout: publishTimeout,
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: origins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
			Compress:    v.GetBool("log.compress"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the worker or store cannot run with.
func (c *Config) Validate() error {
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.SecondsBetweenLoops < 1 {
		return fmt.Errorf("worker.seconds_between_loops must be at least 1, got %d", c.Worker.SecondsBetweenLoops)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	for i, s := range c.SMTP.Senders {
		if s.Address == "" || s.Host == "" {
			return fmt.Errorf("smtp.senders[%d] needs address and host", i)
		}
	}
	return nil
}

// parseSenders accepts the YAML list form or, from the environment, a JSON array.
func parseSenders(v *viper.Viper) ([]SenderConfig, error) {
	var senders []SenderConfig
	switch raw := v.Get("smtp.senders").(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(raw) == "" {
			return nil, nil
		}
		if err := json.Unmarshal([]byte(raw), &senders); err != nil {
			return nil, fmt.Errorf("invalid smtp.senders: %w", err)
		}
	default:
		if err := v.UnmarshalKey("smtp.senders", &senders); err != nil {
			return nil, fmt.Errorf("invalid smtp.senders: %w", err)
		}
	}
	for i := range senders {
		if senders[i].Port == 0 {
			senders[i].Port = 587
		}
	}
	return senders, nil
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
