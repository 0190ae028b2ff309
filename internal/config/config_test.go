package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8420 {
		t.Errorf("expected default port 8420, got %d", cfg.Port)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("expected default driver sqlite, got %s", cfg.DBDriver)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("port: 9000\ngraph_dir: /srv/graphs\ndb_driver: postgres\ndb_dsn: host=localhost dbname=mindgraph\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigFile, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.GraphDir != "/srv/graphs" {
		t.Errorf("expected graph dir /srv/graphs, got %s", cfg.GraphDir)
	}
	if cfg.DBDriver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.DBDriver)
	}
	// Untouched fields keep their defaults.
	if cfg.StaticDir != "./frontend/dist" {
		t.Errorf("expected default static dir, got %s", cfg.StaticDir)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("port: 9000\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv("PORT", "9100")
	t.Setenv("GRAPH_DIR", "/env/graphs")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("env should win over file, got port %d", cfg.Port)
	}
	if cfg.GraphDir != "/env/graphs" {
		t.Errorf("expected /env/graphs, got %s", cfg.GraphDir)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv(EnvConfigFile, "/nonexistent/config.yaml")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("port: [not a number"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigFile, path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}
