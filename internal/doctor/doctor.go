// Package doctor runs environment checks for the orchestrator.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/worldgate/internal/blobstore"
	"github.com/basket/worldgate/internal/config"
	"github.com/basket/worldgate/internal/games"
	"github.com/basket/worldgate/internal/persistence"
	"github.com/basket/worldgate/internal/world"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return run(ctx, cfg, version, []check{
		checkConfig,
		checkTokenSecret,
		checkDatabase,
		checkPermissions,
		checkGames,
		checkBlobStore,
		checkDocker,
	})
}

func run(ctx context.Context, cfg *config.Config, version string, checks []check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration invalid", Detail: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: "fingerprint=" + cfg.Fingerprint()}
}

func checkTokenSecret(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Token Secret", Status: "SKIP", Message: "Config missing"}
	}
	n := len(strings.TrimSpace(cfg.TokenSecret))
	switch {
	case n == 0:
		return CheckResult{
			Name:    "Token Secret",
			Status:  "FAIL",
			Message: "token_secret not set",
			Detail:  "Run 'worldgate serve' once to generate one or set WORLDGATE_TOKEN_SECRET",
		}
	case n < 16:
		return CheckResult{Name: "Token Secret", Status: "FAIL", Message: fmt.Sprintf("token_secret too short (%d < 16)", n)}
	}
	return CheckResult{Name: "Token Secret", Status: "PASS", Message: "token_secret is set"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Connection and schema valid (%d worlds)", total),
		Detail:  fmt.Sprintf("path=%s running=%d", cfg.DBPath, counts[world.StatusRunning]),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkGames(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Games", Status: "SKIP", Message: "Config missing"}
	}
	loader, err := games.NewLoader(cfg.GamesDir)
	if err != nil {
		return CheckResult{Name: "Games", Status: "FAIL", Message: fmt.Sprintf("Games dir unusable: %v", err)}
	}
	keys, err := loader.Keys()
	if err != nil {
		return CheckResult{Name: "Games", Status: "FAIL", Message: fmt.Sprintf("List games failed: %v", err)}
	}
	if len(keys) == 0 {
		return CheckResult{Name: "Games", Status: "WARN", Message: "No game configs found", Detail: cfg.GamesDir}
	}
	var bad []string
	for _, key := range keys {
		if _, err := loader.Load(key); err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Name:    "Games",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d game configs invalid", len(bad), len(keys)),
			Detail:  strings.Join(bad, "; "),
		}
	}
	return CheckResult{Name: "Games", Status: "PASS", Message: fmt.Sprintf("%d game configs valid", len(keys)), Detail: strings.Join(keys, ", ")}
}

func checkBlobStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Blob Store", Status: "SKIP", Message: "Config missing"}
	}
	backend := cfg.Blob.Backend
	if backend == "" {
		backend = blobstore.BackendMemory
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := blobstore.Open(checkCtx, cfg.Blob)
	if err != nil {
		return CheckResult{Name: "Blob Store", Status: "FAIL", Message: fmt.Sprintf("Open %s backend failed: %v", backend, err)}
	}
	if backend == blobstore.BackendMemory {
		return CheckResult{Name: "Blob Store", Status: "WARN", Message: "memory backend: bootstraps are lost when a task stops"}
	}
	if _, err := store.Get(checkCtx, "doctor/check"); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return CheckResult{Name: "Blob Store", Status: "FAIL", Message: fmt.Sprintf("%s backend unreachable: %v", backend, err)}
	}
	return CheckResult{Name: "Blob Store", Status: "PASS", Message: fmt.Sprintf("%s backend reachable", backend), Detail: cfg.Blob.S3.Endpoint}
}

var lookPath = exec.LookPath

func checkDocker(ctx context.Context, _ *config.Config) CheckResult {
	if _, err := lookPath("docker"); err != nil {
		return CheckResult{Name: "Docker", Status: "WARN", Message: "docker CLI missing", Detail: "the engine may still be reachable through DOCKER_HOST"}
	}
	infoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(infoCtx, "docker", "info", "--format", "{{.ServerVersion}}")
	out, err := cmd.Output()
	if err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: fmt.Sprintf("daemon unreachable (%v)", err)}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "daemon reachable", Detail: "server=" + strings.TrimSpace(string(out))}
}
