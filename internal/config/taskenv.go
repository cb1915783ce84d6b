package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/basket/worldgate/internal/blobstore"
	"github.com/basket/worldgate/internal/world"
)

// Environment variables shared between the orchestrator and its tasks.
const (
	EnvTokenSecret     = "WORLDGATE_TOKEN_SECRET"
	EnvRegistryDSN     = "WORLDGATE_REGISTRY_DSN"
	EnvGamesDir        = "WORLDGATE_GAMES_DIR"
	EnvLogLevel        = "WORLDGATE_LOG_LEVEL"
	EnvBlobBackend     = "WORLDGATE_BLOB_BACKEND"
	EnvBlobS3Endpoint  = "WORLDGATE_BLOB_S3_ENDPOINT"
	EnvBlobS3Bucket    = "WORLDGATE_BLOB_S3_BUCKET"
	EnvBlobS3Region    = "WORLDGATE_BLOB_S3_REGION"
	EnvBlobS3AccessKey = "WORLDGATE_BLOB_S3_ACCESS_KEY"
	EnvBlobS3SecretKey = "WORLDGATE_BLOB_S3_SECRET_KEY"
	EnvBlobS3UseSSL    = "WORLDGATE_BLOB_S3_USE_SSL"
	EnvBlobS3Prefix    = "WORLDGATE_BLOB_S3_PREFIX"
)

// TaskEnv is the configuration of the in-task agent, read from the
// environment the launcher sets.
type TaskEnv struct {
	GameKey     string `env:"WORLDGATE_GAME_KEY,required"`
	WorldID     string `env:"WORLDGATE_WORLD_ID,required"`
	LaunchID    string `env:"WORLDGATE_LAUNCH_ID"`
	Port        int    `env:"WORLDGATE_PORT" envDefault:"7777"`
	TokenSecret string `env:"WORLDGATE_TOKEN_SECRET,required,unset"`
	RegistryDSN string `env:"WORLDGATE_REGISTRY_DSN,required"`
	GamesDir    string `env:"WORLDGATE_GAMES_DIR"`
	LogLevel    string `env:"WORLDGATE_LOG_LEVEL" envDefault:"info"`
	// TaskRef is the platform's name for this task. Docker sets HOSTNAME to
	// the container id.
	TaskRef           string           `env:"WORLDGATE_TASK_REF"`
	CheckInterval     time.Duration    `env:"WORLDGATE_SELF_CHECK_INTERVAL" envDefault:"5s"`
	HeartbeatInterval time.Duration    `env:"WORLDGATE_HEARTBEAT_INTERVAL" envDefault:"2m"`
	AuthTimeout       time.Duration    `env:"WORLDGATE_AUTH_TIMEOUT" envDefault:"5s"`
	Blob              blobstore.Config `envPrefix:"WORLDGATE_BLOB_"`
}

// Key returns the world this task serves.
func (t TaskEnv) Key() world.Key {
	return world.Key{GameKey: t.GameKey, WorldID: t.WorldID}
}

// LoadTaskEnv parses the task environment. The token secret is removed from
// the process environment once read.
func LoadTaskEnv() (TaskEnv, error) {
	var cfg TaskEnv
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse task env: %w", err)
	}
	if cfg.TaskRef == "" {
		cfg.TaskRef = os.Getenv("HOSTNAME")
	}
	cfg.GameKey = strings.TrimSpace(cfg.GameKey)
	cfg.WorldID = strings.TrimSpace(cfg.WorldID)
	if err := cfg.Key().Validate(); err != nil {
		return cfg, fmt.Errorf("task env: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("task env: port %d out of range", cfg.Port)
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = blobstore.BackendMemory
	}
	return cfg, nil
}
