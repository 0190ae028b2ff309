// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigFile points at an explicit config file.
	EnvConfigFile = "MINDGRAPH_CONFIG"

	defaultConfigFileName = "mindgraph.yaml"
)

// Config holds the full server configuration.
type Config struct {
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`

	// Agent subprocess settings.
	AgentCommand string   `yaml:"agent_command"`
	AgentArgs    []string `yaml:"agent_args"`
	WorkDir      string   `yaml:"work_dir"`

	// Graph export directory watched for changes.
	GraphDir string `yaml:"graph_dir"`

	// Persistence settings. An empty driver keeps sessions in memory.
	DBDriver string `yaml:"db_driver"`
	DBDSN    string `yaml:"db_dsn"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:      8420,
		StaticDir: "./frontend/dist",
		GraphDir:  "./data/graphs",
		DBDriver:  "sqlite",
		DBDSN:     "mindgraph.db",
	}
}

// Load reads the config file (MINDGRAPH_CONFIG or ./mindgraph.yaml)
// and applies environment overrides on top of the defaults. A missing
// config file is not an error.
func Load() (Config, error) {
	cfg := Defaults()

	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return Config{}, err
	}
	if ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := os.Getenv(EnvConfigFile); explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", explicit, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", explicit)
		}
		return explicit, true, nil
	}

	info, err := os.Stat(defaultConfigFileName)
	if err == nil {
		if info.IsDir() {
			return "", false, fmt.Errorf("config path %s is a directory", defaultConfigFileName)
		}
		return defaultConfigFileName, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("stat config file %s: %w", defaultConfigFileName, err)
	}
	return "", false, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("AGENT_COMMAND"); v != "" {
		cfg.AgentCommand = v
	}
	if v := os.Getenv("AGENT_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("GRAPH_DIR"); v != "" {
		cfg.GraphDir = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
}
