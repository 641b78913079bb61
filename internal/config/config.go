package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all coordinator configuration
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Log         LogConfig         `toml:"log"`
	Auth        AuthConfig        `toml:"auth"`
	Fleet       FleetConfig       `toml:"fleet"`
	Dispatch    DispatchConfig    `toml:"dispatch"`
	Admission   AdmissionConfig   `toml:"admission"`
	Resources   ResourcesConfig   `toml:"resources"`
	DLQ         DLQConfig         `toml:"dlq"`
	Storage     StorageConfig     `toml:"storage"`
	Logs        LogsConfig        `toml:"logs"`
	Events      EventsConfig      `toml:"events"`
	Assignments AssignmentsConfig `toml:"assignments"`
}

// ServerConfig holds the HTTP/WebSocket listener settings
type ServerConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	RequestTimeout  Duration `toml:"request_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Addr returns host:port for net/http
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AuthConfig holds session credentials. RobotKeys maps robot id to API key;
// the "*" entry applies to robots without a key of their own.
type AuthConfig struct {
	AdminSecret string            `toml:"admin_secret"`
	RobotKeys   map[string]string `toml:"robot_keys"`
}

// FleetConfig holds registry liveness settings
type FleetConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
	OfflineRemoval    Duration `toml:"offline_removal"`
	SweepInterval     Duration `toml:"sweep_interval"`
	PingInterval      Duration `toml:"ping_interval"`
	ReadTimeout       Duration `toml:"read_timeout"`
}

// DispatchConfig holds job dispatcher settings
type DispatchConfig struct {
	JobTimeout        Duration `toml:"job_timeout"`
	MaxRetries        int      `toml:"max_retries"`
	RetryBase         Duration `toml:"retry_base"`
	RetryMax          Duration `toml:"retry_max"`
	LoopInterval      Duration `toml:"loop_interval"`
	CapabilityRules   string   `toml:"capability_rules"`
	DetectorCacheSize int      `toml:"detector_cache_size"`
}

// AdmissionConfig holds the limits applied to triggered submissions
type AdmissionConfig struct {
	MaxExecutions  int      `toml:"max_executions"`
	Window         Duration `toml:"window"`
	CoalesceWindow Duration `toml:"coalesce_window"`
	MaxConcurrent  int      `toml:"max_concurrent"`
}

// ResourcesConfig maps a capability to the number of jobs needing it that may
// hold a permit at once. Capabilities not listed are unlimited.
type ResourcesConfig struct {
	Limits map[string]int64 `toml:"limits"`
}

// DLQConfig holds dead letter retention and REST throttling
type DLQConfig struct {
	PurgeSchedule string  `toml:"purge_schedule"`
	RetentionDays int     `toml:"retention_days"`
	MutationRate  float64 `toml:"mutation_rate"`
	MutationBurst int     `toml:"mutation_burst"`
}

// StorageConfig selects the database driver
type StorageConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// LogsConfig holds robot log retention settings
type LogsConfig struct {
	Path             string   `toml:"path"`
	TTL              Duration `toml:"ttl"`
	CleanupInterval  Duration `toml:"cleanup_interval"`
	Backlog          int      `toml:"backlog"`
	SubscriberBuffer int      `toml:"subscriber_buffer"`
}

// EventsConfig holds the optional NATS bridge
type EventsConfig struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// AssignmentsConfig points at the workflow-to-robot assignment file
type AssignmentsConfig struct {
	File     string   `toml:"file"`
	Watch    bool     `toml:"watch"`
	Debounce Duration `toml:"debounce"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			RequestTimeout:  Duration{30 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			RobotKeys: map[string]string{},
		},
		Fleet: FleetConfig{
			HeartbeatInterval: Duration{30 * time.Second},
			HeartbeatTimeout:  Duration{90 * time.Second},
			OfflineRemoval:    Duration{10 * time.Minute},
			SweepInterval:     Duration{15 * time.Second},
			PingInterval:      Duration{30 * time.Second},
			ReadTimeout:       Duration{120 * time.Second},
		},
		Dispatch: DispatchConfig{
			JobTimeout:        Duration{3600 * time.Second},
			MaxRetries:        3,
			RetryBase:         Duration{5 * time.Second},
			RetryMax:          Duration{5 * time.Minute},
			LoopInterval:      Duration{5 * time.Second},
			DetectorCacheSize: 512,
		},
		Admission: AdmissionConfig{
			MaxExecutions:  10,
			Window:         Duration{60 * time.Second},
			CoalesceWindow: Duration{500 * time.Millisecond},
			MaxConcurrent:  20,
		},
		Resources: ResourcesConfig{
			Limits: map[string]int64{},
		},
		DLQ: DLQConfig{
			PurgeSchedule: "0 3 * * *",
			RetentionDays: 30,
			MutationRate:  1,
			MutationBurst: 5,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(home, ".robot-orchestrator", "orchestrator.db"),
		},
		Logs: LogsConfig{
			Path:             filepath.Join(home, ".robot-orchestrator", "logs"),
			TTL:              Duration{24 * time.Hour},
			CleanupInterval:  Duration{10 * time.Minute},
			Backlog:          100,
			SubscriberBuffer: 256,
		},
		Events: EventsConfig{
			SubjectPrefix: "robot_orch",
		},
		Assignments: AssignmentsConfig{
			Watch:    true,
			Debounce: Duration{500 * time.Millisecond},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = ExpandPath(cfg.Storage.DSN)
	}
	cfg.Logs.Path = ExpandPath(cfg.Logs.Path)
	cfg.Assignments.File = ExpandPath(cfg.Assignments.File)
	cfg.Dispatch.CapabilityRules = ExpandPath(cfg.Dispatch.CapabilityRules)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Auth.AdminSecret = getEnv("ROBOT_ORCH_ADMIN_SECRET", c.Auth.AdminSecret)
	c.Storage.DSN = getEnv("ROBOT_ORCH_STORAGE_DSN", c.Storage.DSN)
	c.Events.NATSURL = getEnv("ROBOT_ORCH_NATS_URL", c.Events.NATSURL)
	c.Server.Port = getEnvInt("ROBOT_ORCH_PORT", c.Server.Port)
}

// Validate rejects settings the coordinator cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Fleet.HeartbeatTimeout.Duration <= 0 {
		errs = append(errs, errors.New("fleet.heartbeat_timeout must be positive"))
	}
	if c.Fleet.HeartbeatInterval.Duration <= 0 || c.Fleet.HeartbeatInterval.Duration >= c.Fleet.HeartbeatTimeout.Duration {
		errs = append(errs, errors.New("fleet.heartbeat_interval must be positive and below fleet.heartbeat_timeout"))
	}
	if c.Dispatch.JobTimeout.Duration <= 0 {
		errs = append(errs, errors.New("dispatch.job_timeout must be positive"))
	}
	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, errors.New("dispatch.max_retries must not be negative"))
	}
	if c.Admission.MaxExecutions <= 0 || c.Admission.Window.Duration <= 0 {
		errs = append(errs, errors.New("admission.max_executions and admission.window must be positive"))
	}
	if c.Admission.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("admission.max_concurrent must be positive"))
	}
	for name, n := range c.Resources.Limits {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("resources.limits.%s must be positive", name))
		}
	}
	if c.DLQ.RetentionDays <= 0 {
		errs = append(errs, errors.New("dlq.retention_days must be positive"))
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q not supported", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "robot-orchestrator", "config.toml")
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
