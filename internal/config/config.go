// Package config loads the daemon configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "PEEKABOO_"

// Sandbox modes.
const (
	SandboxEmbed = "embed"
	SandboxAPI   = "api"
)

// Config is the full daemon configuration.
type Config struct {
	WorkerCount     int           `yaml:"worker_count"`
	QueueSize       int           `yaml:"queue_size"`
	SocketFile      string        `yaml:"socket_file"`
	PidFile         string        `yaml:"pid_file"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	DBURL           string        `yaml:"db_url"`
	User            string        `yaml:"user"`
	Group           string        `yaml:"group"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	// AnalysisTimeout bounds one sandbox analysis. Zero waits forever.
	AnalysisTimeout time.Duration `yaml:"analysis_timeout"`

	Sandbox Sandbox `yaml:"sandbox"`
	Redis   Redis   `yaml:"redis"`
	Control Control `yaml:"control"`
}

// Sandbox selects and configures the analysis backend.
type Sandbox struct {
	Mode         string        `yaml:"mode"`
	Interpreter  string        `yaml:"interpreter"`
	Exec         string        `yaml:"exec"`
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BadThreshold float64       `yaml:"bad_threshold"`
}

// Redis configures the optional verdict cache. An empty Addr disables it.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Control configures the optional operator surfaces.
type Control struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		WorkerCount:     3,
		SocketFile:      "/var/run/peekaboo/peekaboo.sock",
		PidFile:         "/var/run/peekaboo/peekaboo.pid",
		LogLevel:        "info",
		LogFormat:       "console",
		DBURL:           "sqlite3:///var/lib/peekaboo/peekaboo.db",
		User:            "peekaboo",
		Group:           "peekaboo",
		ShutdownTimeout: 600 * time.Second,
		RequestTimeout:  30 * time.Second,
		WriteTimeout:    10 * time.Second,
		Sandbox: Sandbox{
			Mode:         SandboxAPI,
			URL:          "http://127.0.0.1:8090",
			PollInterval: 5 * time.Second,
			BadThreshold: 5.0,
		},
		Redis: Redis{TTL: 24 * time.Hour},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. A missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SOCKET_FILE":  &c.SocketFile,
		"PID_FILE":     &c.PidFile,
		"LOG_LEVEL":    &c.LogLevel,
		"LOG_FORMAT":   &c.LogFormat,
		"DB_URL":       &c.DBURL,
		"USER":         &c.User,
		"GROUP":        &c.Group,
		"SANDBOX_MODE": &c.Sandbox.Mode,
		"SANDBOX_URL":  &c.Sandbox.URL,
		"REDIS_ADDR":   &c.Redis.Addr,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup(envPrefix + "WORKER_COUNT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sWORKER_COUNT: %w", envPrefix, err)
		}
		c.WorkerCount = n
	}
	return nil
}

// Validate checks the invariants the daemon relies on and fills derived
// defaults.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: worker_count must be at least 1, got %d", c.WorkerCount)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.WorkerCount * 4
	}
	if strings.TrimSpace(c.SocketFile) == "" {
		return fmt.Errorf("config: socket_file is required")
	}
	if !strings.Contains(c.DBURL, "://") {
		return fmt.Errorf("config: db_url %q has no scheme", c.DBURL)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 600 * time.Second
	}
	if c.AnalysisTimeout < 0 {
		return fmt.Errorf("config: analysis_timeout must not be negative")
	}

	switch c.Sandbox.Mode {
	case SandboxEmbed:
		if c.Sandbox.Exec == "" {
			return fmt.Errorf("config: sandbox.exec is required in embed mode")
		}
	case SandboxAPI:
		if c.Sandbox.URL == "" {
			return fmt.Errorf("config: sandbox.url is required in api mode")
		}
		if c.Sandbox.PollInterval <= 0 {
			c.Sandbox.PollInterval = 5 * time.Second
		}
	default:
		return fmt.Errorf("config: unknown sandbox.mode %q", c.Sandbox.Mode)
	}
	return nil
}

// BacklogSize is the listen backlog: twice the worker count.
func (c *Config) BacklogSize() int {
	return c.WorkerCount * 2
}
