package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/worldgate/internal/blobstore"
	"github.com/basket/worldgate/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	gamesDir := filepath.Join(home, "games")
	if err := os.MkdirAll(gamesDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return &config.Config{
		HomeDir:     home,
		DBPath:      filepath.Join(home, "registry.db"),
		GamesDir:    gamesDir,
		TokenSecret: "0123456789abcdef0123456789abcdef",
		Join:        config.JoinConfig{PollIntervalSeconds: 3, PollAttempts: 20},
		Blob:        blobstore.Config{Backend: blobstore.BackendMemory},
	}
}

func TestCheckConfig_NilAndGenesis(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Fatalf("nil config status = %s", got.Status)
	}
	cfg := testConfig(t)
	cfg.NeedsGenesis = true
	if got := checkConfig(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("genesis status = %s", got.Status)
	}
}

func TestCheckTokenSecret(t *testing.T) {
	cfg := testConfig(t)
	if got := checkTokenSecret(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("status = %s (%s)", got.Status, got.Message)
	}
	cfg.TokenSecret = "short"
	if got := checkTokenSecret(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("short secret status = %s", got.Status)
	}
	cfg.TokenSecret = ""
	if got := checkTokenSecret(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("empty secret status = %s", got.Status)
	}
}

func TestCheckDatabase_CreatesSchema(t *testing.T) {
	cfg := testConfig(t)
	got := checkDatabase(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("status = %s (%s)", got.Status, got.Message)
	}
	if !strings.Contains(got.Message, "0 worlds") {
		t.Fatalf("message = %q", got.Message)
	}
}

func TestCheckGames(t *testing.T) {
	cfg := testConfig(t)
	if got := checkGames(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("empty dir status = %s", got.Status)
	}

	good := "world_server:\n  port: 7777\n  empty_shutdown_seconds: 60\n"
	if err := os.WriteFile(filepath.Join(cfg.GamesDir, "tag.yaml"), []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := checkGames(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("valid config status = %s (%s)", got.Status, got.Detail)
	}

	if err := os.WriteFile(filepath.Join(cfg.GamesDir, "broken.json"), []byte(`{"world_server": {"port": "nope"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	got := checkGames(context.Background(), cfg)
	if got.Status != "FAIL" || !strings.Contains(got.Detail, "broken") {
		t.Fatalf("invalid config result = %+v", got)
	}
}

func TestCheckBlobStore_Memory(t *testing.T) {
	got := checkBlobStore(context.Background(), testConfig(t))
	if got.Status != "WARN" {
		t.Fatalf("memory backend status = %s", got.Status)
	}
}

func TestCheckBlobStore_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Blob.Backend = "tape"
	if got := checkBlobStore(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("unknown backend status = %s", got.Status)
	}
}

func TestCheckDocker_MissingCLI(t *testing.T) {
	orig := lookPath
	lookPath = func(string) (string, error) { return "", errors.New("not found") }
	t.Cleanup(func() { lookPath = orig })

	if got := checkDocker(context.Background(), nil); got.Status != "WARN" {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRun_Failed(t *testing.T) {
	pass := func(context.Context, *config.Config) CheckResult { return CheckResult{Name: "a", Status: "PASS"} }
	fail := func(context.Context, *config.Config) CheckResult { return CheckResult{Name: "b", Status: "FAIL"} }

	d := run(context.Background(), nil, "test", []check{pass})
	if d.Failed() {
		t.Fatal("expected no failure")
	}
	d = run(context.Background(), nil, "test", []check{pass, fail})
	if !d.Failed() || len(d.Results) != 2 {
		t.Fatalf("unexpected diagnosis %+v", d)
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}
