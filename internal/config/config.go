package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/worldgate/internal/blobstore"
	"github.com/basket/worldgate/internal/otel"
)

// JoinConfig tunes the join coordinator. Durations are in seconds.
type JoinConfig struct {
	PollIntervalSeconds     int `yaml:"poll_interval_seconds"`
	PollAttempts            int `yaml:"poll_attempts"`
	ReachableTimeoutSeconds int `yaml:"reachable_timeout_seconds"`
	HealthTimeoutSeconds    int `yaml:"health_timeout_seconds"`
	// SettleSeconds is the pause between reachable and health polling.
	SettleSeconds     int `yaml:"settle_seconds"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
	MaxRetries        int `yaml:"max_retries"`
}

type SweepConfig struct {
	Enabled              *bool  `yaml:"enabled,omitempty"`
	Schedule             string `yaml:"schedule"`
	IdleThresholdSeconds int    `yaml:"idle_threshold_seconds"`
}

// On reports whether the external sweep runs; it defaults to on.
func (s SweepConfig) On() bool {
	return s.Enabled == nil || *s.Enabled
}

// Paths the registry and game configs are mounted at inside a task.
const (
	TaskDataMount  = "/var/lib/worldgate"
	TaskGamesMount = "/etc/worldgate/games"
)

type DockerConfig struct {
	Network            string `yaml:"network"`
	MemoryMB           int64  `yaml:"memory_mb"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds"`
	// Binds are host:container[:mode] mounts for every task. By default the
	// registry directory and the games directory are mounted at TaskDataMount
	// and TaskGamesMount.
	Binds []string `yaml:"binds"`
}

type HealthCheckConfig struct {
	Protocol           string `yaml:"protocol"`
	Path               string `yaml:"path"`
	IntervalSeconds    int    `yaml:"interval_seconds"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	HealthyThreshold   int    `yaml:"healthy_threshold"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
}

type RateLimitConfig struct {
	// MessagesPerSecond is the sustained per-connection message rate.
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// EndpointConfig overrides the address handed to players, for deployments
// where worlds sit behind a shared load balancer.
type EndpointConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type Config struct {
	HomeDir      string   `yaml:"-"`
	BindAddr     string   `yaml:"bind_addr"`
	LogLevel     string   `yaml:"log_level"`
	AllowOrigins []string `yaml:"allow_origins"`
	// AdminToken guards /metrics and /api on the lobby listener.
	AdminToken string `yaml:"admin_token"`

	DBPath   string `yaml:"db_path"`
	GamesDir string `yaml:"games_dir"`

	// TokenSecret signs capability tokens. Tasks receive it through their
	// environment so they can verify players.
	TokenSecret string `yaml:"token_secret"`
	// TaskRegistryDSN is the registry path as seen from inside a task.
	// Defaults to DBPath.
	TaskRegistryDSN string `yaml:"task_registry_dsn"`
	TaskGamesDir    string `yaml:"task_games_dir"`
	DefaultImage    string `yaml:"default_image"`

	PublicEndpoint EndpointConfig `yaml:"public_endpoint"`

	Join        JoinConfig        `yaml:"join"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Docker      DockerConfig      `yaml:"docker"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Blob        blobstore.Config  `yaml:"blob"`
	Telemetry   otel.Config       `yaml:"telemetry"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// NeedsGenesis is set when config.yaml did not exist at load time.
	NeedsGenesis bool `yaml:"-"`
}

func (j JoinConfig) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalSeconds) * time.Second
}

func (j JoinConfig) ReachableTimeout() time.Duration {
	return time.Duration(j.ReachableTimeoutSeconds) * time.Second
}

func (j JoinConfig) HealthTimeout() time.Duration {
	return time.Duration(j.HealthTimeoutSeconds) * time.Second
}

func (j JoinConfig) Settle() time.Duration {
	return time.Duration(j.SettleSeconds) * time.Second
}

func (j JoinConfig) RetryDelay() time.Duration {
	return time.Duration(j.RetryDelaySeconds) * time.Second
}

func (s SweepConfig) IdleThreshold() time.Duration {
	return time.Duration(s.IdleThresholdSeconds) * time.Second
}

func (p HealthCheckConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

func (p HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// TaskEnv returns the environment every launched task receives on top of
// its world identity.
func (c Config) TaskEnv() map[string]string {
	env := map[string]string{
		EnvTokenSecret: c.TokenSecret,
		EnvRegistryDSN: c.TaskRegistryDSN,
		EnvGamesDir:    c.TaskGamesDir,
		EnvLogLevel:    c.LogLevel,
	}
	if c.Blob.Backend != "" {
		env[EnvBlobBackend] = c.Blob.Backend
	}
	if c.Blob.Backend == blobstore.BackendS3 {
		env[EnvBlobS3Endpoint] = c.Blob.S3.Endpoint
		env[EnvBlobS3Bucket] = c.Blob.S3.Bucket
		env[EnvBlobS3Region] = c.Blob.S3.Region
		env[EnvBlobS3AccessKey] = c.Blob.S3.AccessKey
		env[EnvBlobS3SecretKey] = c.Blob.S3.SecretKey
		env[EnvBlobS3Prefix] = c.Blob.S3.Prefix
		env[EnvBlobS3UseSSL] = strconv.FormatBool(c.Blob.S3.UseSSL)
	}
	return env
}

// Validate reports settings serve cannot run without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.TokenSecret) == "" {
		errs = append(errs, errors.New("token_secret is required (set WORLDGATE_TOKEN_SECRET)"))
	} else if len(c.TokenSecret) < 16 {
		errs = append(errs, errors.New("token_secret must be at least 16 characters"))
	}
	if c.Join.PollAttempts*c.Join.PollIntervalSeconds <= 0 {
		errs = append(errs, errors.New("join poll budget must be positive"))
	}
	if (c.PublicEndpoint.Address == "") != (c.PublicEndpoint.Port == 0) {
		errs = append(errs, errors.New("public_endpoint needs both address and port"))
	}
	switch c.Blob.Backend {
	case "", blobstore.BackendMemory, blobstore.BackendS3:
	default:
		errs = append(errs, fmt.Errorf("blob.backend %q is not supported (memory, s3)", c.Blob.Backend))
	}
	return errors.Join(errs...)
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// EnsureTokenSecret writes a random token_secret into config.yaml when none
// is set, preserving other settings. It returns the secret in effect.
func EnsureTokenSecret(homeDir string) (string, error) {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return "", err
	}
	if s, ok := raw["token_secret"].(string); ok && strings.TrimSpace(s) != "" {
		return s, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	raw["token_secret"] = secret
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create worldgate home: %w", err)
	}
	if err := saveRawConfig(configPath, raw); err != nil {
		return "", err
	}
	return secret, nil
}

// Fingerprint returns a stable hash of the settings that need a restart to
// take effect.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|games=%s|origins=%v|join=%+v|sweep=%s/%d|blob=%s|public=%+v",
		c.BindAddr, c.LogLevel, c.DBPath, c.GamesDir, c.AllowOrigins, c.Join,
		c.Sweep.Schedule, c.Sweep.IdleThresholdSeconds, c.Blob.Backend, c.PublicEndpoint)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Join: JoinConfig{
			PollIntervalSeconds:     3,
			PollAttempts:            20,
			ReachableTimeoutSeconds: 120,
			HealthTimeoutSeconds:    60,
			SettleSeconds:           5,
			RetryDelaySeconds:       3,
			MaxRetries:              5,
		},
		Sweep: SweepConfig{
			Schedule:             "@every 1m",
			IdleThresholdSeconds: 300,
		},
		Docker: DockerConfig{
			Network:            "worldgate",
			MemoryMB:           512,
			StopTimeoutSeconds: 10,
		},
		HealthCheck: HealthCheckConfig{
			Protocol:           "tcp",
			Path:               "/healthz",
			IntervalSeconds:    5,
			TimeoutSeconds:     2,
			HealthyThreshold:   2,
			UnhealthyThreshold: 2,
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 5,
			Burst:             10,
		},
		Blob:                blobstore.Config{Backend: blobstore.BackendMemory},
		DrainTimeoutSeconds: 5,
	}
}

func HomeDir() string {
	if override := os.Getenv("WORLDGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".worldgate")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create worldgate home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "registry.db")
	}
	if cfg.GamesDir == "" {
		cfg.GamesDir = filepath.Join(cfg.HomeDir, "games")
	}
	if cfg.TaskRegistryDSN == "" {
		cfg.TaskRegistryDSN = TaskDataMount + "/" + filepath.Base(cfg.DBPath)
	}
	if cfg.TaskGamesDir == "" {
		cfg.TaskGamesDir = TaskGamesMount
	}
	if len(cfg.Docker.Binds) == 0 {
		cfg.Docker.Binds = []string{
			absPath(filepath.Dir(cfg.DBPath)) + ":" + TaskDataMount,
			absPath(cfg.GamesDir) + ":" + TaskGamesMount + ":ro",
		}
	}

	positive(&cfg.Join.PollIntervalSeconds, def.Join.PollIntervalSeconds)
	positive(&cfg.Join.PollAttempts, def.Join.PollAttempts)
	positive(&cfg.Join.ReachableTimeoutSeconds, def.Join.ReachableTimeoutSeconds)
	positive(&cfg.Join.HealthTimeoutSeconds, def.Join.HealthTimeoutSeconds)
	positive(&cfg.Join.RetryDelaySeconds, def.Join.RetryDelaySeconds)
	positive(&cfg.Join.MaxRetries, def.Join.MaxRetries)
	if cfg.Join.SettleSeconds < 0 {
		cfg.Join.SettleSeconds = 0
	}

	if strings.TrimSpace(cfg.Sweep.Schedule) == "" {
		cfg.Sweep.Schedule = def.Sweep.Schedule
	}
	positive(&cfg.Sweep.IdleThresholdSeconds, def.Sweep.IdleThresholdSeconds)

	if cfg.Docker.Network == "" {
		cfg.Docker.Network = def.Docker.Network
	}
	if cfg.Docker.MemoryMB <= 0 {
		cfg.Docker.MemoryMB = def.Docker.MemoryMB
	}
	positive(&cfg.Docker.StopTimeoutSeconds, def.Docker.StopTimeoutSeconds)

	cfg.HealthCheck.Protocol = strings.ToLower(cfg.HealthCheck.Protocol)
	if cfg.HealthCheck.Protocol != "tcp" && cfg.HealthCheck.Protocol != "http" {
		cfg.HealthCheck.Protocol = def.HealthCheck.Protocol
	}
	if cfg.HealthCheck.Path == "" {
		cfg.HealthCheck.Path = def.HealthCheck.Path
	}
	positive(&cfg.HealthCheck.IntervalSeconds, def.HealthCheck.IntervalSeconds)
	positive(&cfg.HealthCheck.TimeoutSeconds, def.HealthCheck.TimeoutSeconds)
	positive(&cfg.HealthCheck.HealthyThreshold, def.HealthCheck.HealthyThreshold)
	positive(&cfg.HealthCheck.UnhealthyThreshold, def.HealthCheck.UnhealthyThreshold)

	if cfg.RateLimit.MessagesPerSecond <= 0 {
		cfg.RateLimit.MessagesPerSecond = def.RateLimit.MessagesPerSecond
	}
	positive(&cfg.RateLimit.Burst, def.RateLimit.Burst)

	cfg.Blob.Backend = strings.ToLower(strings.TrimSpace(cfg.Blob.Backend))
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = blobstore.BackendMemory
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "worldgate"
	}
	positive(&cfg.DrainTimeoutSeconds, def.DrainTimeoutSeconds)
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WORLDGATE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("WORLDGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WORLDGATE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("WORLDGATE_GAMES_DIR"); raw != "" {
		cfg.GamesDir = raw
	}
	if raw := os.Getenv(EnvTokenSecret); raw != "" {
		cfg.TokenSecret = raw
	}
	if raw := os.Getenv("WORLDGATE_ADMIN_TOKEN"); raw != "" {
		cfg.AdminToken = raw
	}
	if raw := os.Getenv("WORLDGATE_DEFAULT_IMAGE"); raw != "" {
		cfg.DefaultImage = raw
	}
	if raw := os.Getenv("WORLDGATE_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = splitList(raw)
	}
	if raw := os.Getenv("WORLDGATE_PUBLIC_ADDRESS"); raw != "" {
		cfg.PublicEndpoint.Address = raw
	}
	if raw := os.Getenv("WORLDGATE_PUBLIC_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PublicEndpoint.Port = v
		}
	}
	if raw := os.Getenv("WORLDGATE_IDLE_THRESHOLD_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sweep.IdleThresholdSeconds = v
		}
	}
	if raw := os.Getenv("WORLDGATE_SWEEP_SCHEDULE"); raw != "" {
		cfg.Sweep.Schedule = raw
	}
	if raw := os.Getenv("WORLDGATE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv(EnvBlobBackend); raw != "" {
		cfg.Blob.Backend = raw
	}
	if raw := os.Getenv(EnvBlobS3AccessKey); raw != "" {
		cfg.Blob.S3.AccessKey = raw
	}
	if raw := os.Getenv(EnvBlobS3SecretKey); raw != "" {
		cfg.Blob.S3.SecretKey = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
