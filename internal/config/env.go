package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultPort       = 10051
	DefaultKey        = "pm2.events"
	DefaultBufferSize = 6192
)

type Config struct {
	Zabbix              ZabbixConfig
	Source              SourceConfig
	PendingTTL          time.Duration `env:"PENDING_TTL" envDefault:"0s"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr            string        `env:"HTTP_ADDR"`
	GRPCAddr            string        `env:"GRPC_ADDR"`
	DiagnosticsInterval time.Duration `env:"DIAGNOSTICS_INTERVAL" envDefault:"1m"`
	NATS                NATSConfig
	ClickHouseConfig    ClickHouseConfig
}

type ZabbixConfig struct {
	// Host is the host name the item belongs to in Zabbix, not the
	// address of the Zabbix server.
	Host        string        `env:"ZABBIX_HOST"`
	Server      string        `env:"ZABBIX_SERVER" envDefault:"localhost"`
	Port        uint16        `env:"ZABBIX_PORT" envDefault:"10051"`
	Key         string        `env:"ZABBIX_KEY" envDefault:"pm2.events"`
	Compress    bool          `env:"ZABBIX_COMPRESS" envDefault:"false"`
	SendTimeout time.Duration `env:"SEND_TIMEOUT" envDefault:"3s"`
}

type SourceConfig struct {
	SocketPath           string        `env:"PM2_SOCKET"`
	BufferSize           int           `env:"READ_BUFFER_SIZE" envDefault:"6192"`
	ReconnectMin         time.Duration `env:"RECONNECT_MIN" envDefault:"200ms"`
	ReconnectMax         time.Duration `env:"RECONNECT_MAX" envDefault:"30s"`
	MaxConsecutiveErrors int           `env:"MAX_CONSECUTIVE_READ_ERRORS" envDefault:"10"`
	ReadTimeout          time.Duration `env:"READ_IDLE_TIMEOUT" envDefault:"1m"`
}

type NATSConfig struct {
	URL     string `env:"NATS_URL"`
	Subject string `env:"NATS_SUBJECT" envDefault:"pm2.alerts"`
}

type ClickHouseConfig struct {
	Addr     string `env:"CLICKHOUSE_ADDR"`
	User     string `env:"CLICKHOUSE_USER" envDefault:"default"`
	Password string `env:"CLICKHOUSE_PASSWORD"`
	DB       string `env:"CLICKHOUSE_DB" envDefault:"default"`
}

// Load reads the environment and then lets command-line flags override it.
// args excludes the program name.
func Load(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	fs := flag.NewFlagSet("pm2-alerter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var port uint
	fs.StringVar(&cfg.Zabbix.Host, "host", cfg.Zabbix.Host, "Zabbix host name the alert item belongs to")
	fs.StringVar(&cfg.Zabbix.Server, "server", cfg.Zabbix.Server, "Zabbix server or proxy address")
	fs.UintVar(&port, "port", uint(cfg.Zabbix.Port), "Zabbix trapper port")
	fs.StringVar(&cfg.Source.SocketPath, "socket", cfg.Source.SocketPath, "PM2 bus unix socket to connect")
	fs.StringVar(&cfg.Zabbix.Key, "event", cfg.Zabbix.Key, "Zabbix item key to send")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	if port > 65535 {
		return Config{}, fmt.Errorf("port %d out of range", port)
	}
	cfg.Zabbix.Port = uint16(port)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Zabbix.Host == "" {
		errs = append(errs, errors.New("zabbix host is required (-host or ZABBIX_HOST)"))
	}
	if c.Source.SocketPath == "" {
		errs = append(errs, errors.New("pm2 socket is required (-socket or PM2_SOCKET)"))
	}
	if c.Zabbix.Port == 0 {
		errs = append(errs, errors.New("zabbix port must be non-zero"))
	}
	if c.Zabbix.Key == "" {
		errs = append(errs, errors.New("zabbix key must not be empty"))
	}
	if c.Source.BufferSize <= 0 {
		errs = append(errs, errors.New("read buffer size must be positive"))
	}
	if c.Source.ReconnectMin <= 0 || c.Source.ReconnectMax < c.Source.ReconnectMin {
		errs = append(errs, errors.New("reconnect backoff bounds are invalid"))
	}
	if c.Source.ReadTimeout < 0 {
		errs = append(errs, errors.New("read idle timeout must not be negative"))
	}
	if c.PendingTTL < 0 {
		errs = append(errs, errors.New("pending ttl must not be negative"))
	}
	return errors.Join(errs...)
}
