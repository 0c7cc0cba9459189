package confloader

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	Save struct {
		BatchSize int           `koanf:"batch_size"`
		Logging   string        `koanf:"logging"`
		Interval  time.Duration `koanf:"interval"`
	} `koanf:"save"`
	Storage struct {
		DataDir string `koanf:"data_dir"`
	} `koanf:"storage"`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestNewLoader(t *testing.T) {
	l := NewLoader()
	if l == nil {
		t.Fatal("NewLoader() returned nil")
	}
	if l.envPrefix != DefaultEnvPrefix {
		t.Errorf("envPrefix = %q, want %q", l.envPrefix, DefaultEnvPrefix)
	}
}

func TestNewLoader_WithOptions(t *testing.T) {
	l := NewLoader(
		WithEnvPrefix("TEST_"),
		WithConfigFile("/path/to/config.yaml"),
		WithDotEnv(".env", ".env.local"),
	)

	if l.envPrefix != "TEST_" {
		t.Errorf("envPrefix = %q, want %q", l.envPrefix, "TEST_")
	}
	if l.FilePath() != "/path/to/config.yaml" {
		t.Errorf("FilePath() = %q", l.FilePath())
	}
	if len(l.dotEnv) != 2 {
		t.Errorf("dotEnv = %v", l.dotEnv)
	}
}

func TestLoader_LoadFile(t *testing.T) {
	path := writeConfig(t, `
save:
  batch_size: 500
  logging: detailed
storage:
  data_dir: /srv/tablesnap
`)

	l := NewLoader()
	if err := l.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if n := l.GetInt("save.batch_size"); n != 500 {
		t.Errorf("save.batch_size = %d, want 500", n)
	}
	if s := l.GetString("storage.data_dir"); s != "/srv/tablesnap" {
		t.Errorf("storage.data_dir = %q", s)
	}
}

func TestLoader_LoadFile_NotFound(t *testing.T) {
	l := NewLoader()
	if err := l.LoadFile("/nonexistent/config.yaml"); err == nil {
		t.Error("LoadFile() should return error for nonexistent file")
	}
}

func TestLoader_LoadFile_Empty(t *testing.T) {
	l := NewLoader()
	if err := l.LoadFile(""); err != nil {
		t.Errorf("LoadFile(\"\") should not error, got: %v", err)
	}
}

func TestLoader_LoadEnv(t *testing.T) {
	t.Setenv("TABLESNAP_SAVE__BATCH_SIZE", "250")
	t.Setenv("TABLESNAP_STORAGE__DATA_DIR", "/tmp/ts")

	l := NewLoader()
	if err := l.LoadEnv(); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}

	if n := l.GetInt("save.batch_size"); n != 250 {
		t.Errorf("save.batch_size = %d, want 250", n)
	}
	if s := l.GetString("storage.data_dir"); s != "/tmp/ts" {
		t.Errorf("storage.data_dir = %q, want /tmp/ts", s)
	}
}

func TestLoader_LoadEnv_CustomPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER__PORT", "9090")

	l := NewLoader(WithEnvPrefix("MYAPP_"))
	if err := l.LoadEnv(); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}

	if port := l.GetString("server.port"); port != "9090" {
		t.Errorf("server.port = %q, want %q", port, "9090")
	}
}

func TestLoader_LoadMap(t *testing.T) {
	l := NewLoader()

	if err := l.LoadMap(map[string]any{
		"save.logging": "off",
		"debug":        true,
	}); err != nil {
		t.Fatalf("LoadMap() error = %v", err)
	}

	if s := l.GetString("save.logging"); s != "off" {
		t.Errorf("save.logging = %q, want off", s)
	}
	if !l.GetBool("debug") {
		t.Error("debug should be true")
	}
}

func TestLoader_Load_Priority(t *testing.T) {
	path := writeConfig(t, `
save:
  batch_size: 100
  logging: simple
storage:
  data_dir: /from/file
`)
	t.Setenv("TABLESNAP_SAVE__BATCH_SIZE", "200")

	l := NewLoader(
		WithConfigFile(path),
		WithOverrides(map[string]any{"storage.data_dir": "/from/flag"}),
	)

	var cfg testConfig
	cfg.Save.Interval = time.Minute
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Save.BatchSize != 200 {
		t.Errorf("BatchSize = %d, want 200 (env should override file)", cfg.Save.BatchSize)
	}
	if cfg.Storage.DataDir != "/from/flag" {
		t.Errorf("DataDir = %q, want /from/flag (override should win)", cfg.Storage.DataDir)
	}
	if cfg.Save.Logging != "simple" {
		t.Errorf("Logging = %q, want simple", cfg.Save.Logging)
	}
	if cfg.Save.Interval != time.Minute {
		t.Errorf("Interval = %v, default should survive", cfg.Save.Interval)
	}
}

func TestLoader_Load_Duration(t *testing.T) {
	path := writeConfig(t, "save:\n  interval: 90s\n")

	var cfg testConfig
	if err := NewLoader(WithConfigFile(path)).Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Save.Interval != 90*time.Second {
		t.Errorf("Interval = %v, want 90s", cfg.Save.Interval)
	}
}

func TestLoader_DotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("TABLESNAP_SAVE__LOGGING=detailed\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	// godotenv sets process variables; make sure they are restored.
	t.Setenv("TABLESNAP_SAVE__LOGGING", "")
	os.Unsetenv("TABLESNAP_SAVE__LOGGING")

	l := NewLoader(WithDotEnv(envFile, filepath.Join(dir, "missing.env")))
	var cfg testConfig
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Save.Logging != "detailed" {
		t.Errorf("Logging = %q, want detailed from .env", cfg.Save.Logging)
	}
}

func TestLoader_Reload(t *testing.T) {
	path := writeConfig(t, "save:\n  batch_size: 10\n  logging: simple\n")
	l := NewLoader(WithConfigFile(path))

	var cfg testConfig
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("save:\n  batch_size: 20\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var next testConfig
	if err := l.Reload(&next); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if next.Save.BatchSize != 20 {
		t.Errorf("BatchSize = %d, want 20", next.Save.BatchSize)
	}
	if next.Save.Logging != "" {
		t.Errorf("Logging = %q, removed key should not survive a reload", next.Save.Logging)
	}
}

func TestLoader_IsLoaded(t *testing.T) {
	l := NewLoader()

	if l.IsLoaded() {
		t.Error("IsLoaded() should be false before Load()")
	}

	var cfg testConfig
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !l.IsLoaded() {
		t.Error("IsLoaded() should be true after Load()")
	}
}

func TestLoader_Keys(t *testing.T) {
	l := NewLoader()
	if err := l.LoadMap(map[string]any{"a.b": 1, "c": 2}); err != nil {
		t.Fatalf("LoadMap() error = %v", err)
	}

	if keys := l.Keys(); len(keys) != 2 {
		t.Errorf("Keys() = %v, want 2 keys", keys)
	}
}
