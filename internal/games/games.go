// Package games loads per-game configuration shared by the orchestrator and
// the in-task agent.
package games

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

//go:embed game.schema.json
var schemaJSON []byte

const (
	DefaultPort                 = 7777
	DefaultEmptyShutdownSeconds = 300
	DefaultTokenTTLSeconds      = 900

	// EnvPrefix + upper-cased game key holds an inline JSON config.
	EnvPrefix = "GAME_CONFIG_"
)

var (
	ErrUnknownGame    = errors.New("unknown game")
	ErrInvalidGameKey = errors.New("invalid game key")

	gameKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

	// Lookup order for files in the games directory.
	fileExtensions = []string{".yaml", ".yml", ".toml", ".json", ".jsonc"}
)

type WorldServer struct {
	Port                 int    `json:"port"`
	EmptyShutdownSeconds int    `json:"empty_shutdown_seconds"`
	Image                string `json:"image,omitempty"`
	TargetGroup          string `json:"target_group,omitempty"`
}

type Security struct {
	TokenTTLSeconds int `json:"token_ttl_seconds"`
}

type Config struct {
	Key         string      `json:"-"`
	Source      string      `json:"-"`
	DisplayName string      `json:"display_name,omitempty"`
	WorldServer WorldServer `json:"world_server"`
	Security    Security    `json:"security"`
}

func (c *Config) EmptyWindow() time.Duration {
	return time.Duration(c.WorldServer.EmptyShutdownSeconds) * time.Second
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Security.TokenTTLSeconds) * time.Second
}

// TargetGroupName returns the load-balancer group for this game's worlds.
func (c *Config) TargetGroupName() string {
	if c.WorldServer.TargetGroup != "" {
		return c.WorldServer.TargetGroup
	}
	return "wg-" + c.Key
}

func ValidateKey(key string) error {
	if !gameKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidGameKey, key)
	}
	return nil
}

// Loader reads and validates game configs.
type Loader struct {
	dir       string
	schema    *jsonschema.Schema
	lookupEnv func(string) (string, bool)
}

func NewLoader(dir string) (*Loader, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal game schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("game.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add game schema resource: %w", err)
	}
	schema, err := c.Compile("game.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile game schema: %w", err)
	}
	return &Loader{dir: dir, schema: schema, lookupEnv: os.LookupEnv}, nil
}

// SetLookupEnv replaces the environment lookup (tests).
func (l *Loader) SetLookupEnv(fn func(string) (string, bool)) {
	if fn != nil {
		l.lookupEnv = fn
	}
}

func (l *Loader) Dir() string {
	return l.dir
}

// Load resolves key from GAME_CONFIG_<KEY> first, then from the games dir.
func (l *Loader) Load(key string) (*Config, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	envName := EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if raw, ok := l.lookupEnv(envName); ok && strings.TrimSpace(raw) != "" {
		return l.decode(key, "env:"+envName, ".jsonc", []byte(raw))
	}
	if l.dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, key)
	}
	for _, ext := range fileExtensions {
		path := filepath.Join(l.dir, key+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read game config %s: %w", path, err)
		}
		return l.decode(key, path, ext, data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownGame, key)
}

func (l *Loader) decode(key, source, ext string, data []byte) (*Config, error) {
	var generic any
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("parse %s: %w", source, err)
		}
	case ".toml":
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", source, err)
		}
		generic = m
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &generic); err != nil {
			return nil, fmt.Errorf("parse %s: %w", source, err)
		}
	}
	if generic == nil {
		generic = map[string]any{}
	}

	normalized, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", source, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalized))
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", source, err)
	}
	if err := l.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("validate %s: %w", source, err)
	}

	var cfg Config
	if err := json.Unmarshal(normalized, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", source, err)
	}
	cfg.Key = key
	cfg.Source = source
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.WorldServer.Port == 0 {
		cfg.WorldServer.Port = DefaultPort
	}
	if cfg.WorldServer.EmptyShutdownSeconds == 0 {
		cfg.WorldServer.EmptyShutdownSeconds = DefaultEmptyShutdownSeconds
	}
	if cfg.Security.TokenTTLSeconds == 0 {
		cfg.Security.TokenTTLSeconds = DefaultTokenTTLSeconds
	}
}

// Keys lists the game keys that have a file in the games dir.
func (l *Loader) Keys() ([]string, error) {
	if l.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read games dir: %w", err)
	}
	seen := make(map[string]bool)
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := keyFromFile(e.Name())
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys, nil
}

func keyFromFile(name string) (string, bool) {
	ext := filepath.Ext(name)
	for _, want := range fileExtensions {
		if ext == want {
			key := strings.TrimSuffix(name, ext)
			return key, ValidateKey(key) == nil
		}
	}
	return "", false
}
