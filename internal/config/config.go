package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = "0.0.0.0:3001"
	DefaultSessionDir        = "./sessions"
	DefaultRouterURL         = "http://localhost:8000/route"
	DefaultRouterTimeout     = "10s"
	DefaultDedupWindow       = 512
	DefaultReconcileSchedule = "@every 10m"
	DefaultReconnectDelay    = "3s"
	DefaultReconnectMaxDelay = "2m"
	DefaultActivityQueueSize = 1024
	DefaultInboundQueueSize  = 64
	DefaultWhatsAppLogLevel  = "warn"
)

const (
	ReconnectFixed       = "fixed"
	ReconnectExponential = "exponential"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Sessions  SessionsConfig  `toml:"sessions"`
	Router    RouterConfig    `toml:"router"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Activity  ActivityConfig  `toml:"activity"`
	WhatsApp  WhatsAppConfig  `toml:"whatsapp"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
}

// AuthConfig enables bearer token auth on the API when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

type SessionsConfig struct {
	Dir               string `toml:"dir"`
	RestoreOnStart    bool   `toml:"restore_on_start"`
	ReconcileSchedule string `toml:"reconcile_schedule"`
	InboundQueueSize  int    `toml:"inbound_queue_size"`
}

type RouterConfig struct {
	URL         string `toml:"url"`
	Token       string `toml:"token"`
	Timeout     string `toml:"timeout"`
	DedupWindow int    `toml:"dedup_window"`
}

func (c RouterConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

type ReconnectConfig struct {
	Strategy    string `toml:"strategy"`
	Delay       string `toml:"delay"`
	MaxDelay    string `toml:"max_delay"`
	MaxAttempts int    `toml:"max_attempts"`
}

func (c ReconnectConfig) DelayDuration() time.Duration {
	return parseDuration(c.Delay, 3*time.Second)
}

func (c ReconnectConfig) MaxDelayDuration() time.Duration {
	return parseDuration(c.MaxDelay, 2*time.Minute)
}

type ActivityConfig struct {
	PostgresDSN string `toml:"postgres_dsn"`
	QueueSize   int    `toml:"queue_size"`
}

type WhatsAppConfig struct {
	LogLevel string `toml:"log_level"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Sessions: SessionsConfig{
			Dir:               DefaultSessionDir,
			RestoreOnStart:    true,
			ReconcileSchedule: DefaultReconcileSchedule,
			InboundQueueSize:  DefaultInboundQueueSize,
		},
		Router: RouterConfig{
			URL:         DefaultRouterURL,
			Timeout:     DefaultRouterTimeout,
			DedupWindow: DefaultDedupWindow,
		},
		Reconnect: ReconnectConfig{
			Strategy: ReconnectFixed,
			Delay:    DefaultReconnectDelay,
			MaxDelay: DefaultReconnectMaxDelay,
		},
		Activity: ActivityConfig{
			QueueSize: DefaultActivityQueueSize,
		},
		WhatsApp: WhatsAppConfig{
			LogLevel: DefaultWhatsAppLogLevel,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}

	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays the environment variables understood by earlier
// deployments of the gateway.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("SESSION_DIR")); v != "" {
		cfg.Sessions.Dir = v
	}
	if v := strings.TrimSpace(getenv("BOT_ROUTER_URL")); v != "" {
		cfg.Router.URL = v
	}
	if v := strings.TrimSpace(getenv("DATABASE_URL")); v != "" {
		cfg.Activity.PostgresDSN = v
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(getenv("JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	host := strings.TrimSpace(getenv("HOST"))
	port := strings.TrimSpace(getenv("PORT"))
	if host == "" && port == "" {
		return
	}
	curHost, curPort, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		curHost, curPort = "0.0.0.0", "3001"
	}
	if host != "" {
		curHost = host
	}
	if port != "" {
		curPort = port
	}
	cfg.Server.Addr = net.JoinHostPort(curHost, curPort)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Sessions.Dir) == "" {
		return fmt.Errorf("sessions.dir is required")
	}
	if strings.TrimSpace(c.Router.URL) == "" {
		return fmt.Errorf("router.url is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Reconnect.Strategy)) {
	case "", ReconnectFixed, ReconnectExponential:
	default:
		return fmt.Errorf("reconnect.strategy %q is not supported", c.Reconnect.Strategy)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
