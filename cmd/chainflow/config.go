package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultVaultSalt = "chainflow-vault-v1"

// Config holds all chainflow settings.
// Priority: CHAINFLOW_* env (including .env) > settings.json > defaults.
type Config struct {
	DBPath            string   `json:"db_path"`
	LogLevel          string   `json:"log_level"`
	LogFormat         string   `json:"log_format"`
	VaultPassphrase   string   `json:"vault_passphrase,omitempty"`
	VaultSalt         string   `json:"vault_salt,omitempty"`
	SchedulerInterval duration `json:"scheduler_interval"`
	RunTimeout        duration `json:"run_timeout"`
	Tracing           bool     `json:"tracing"`
	OpenAIBaseURL     string   `json:"openai_base_url,omitempty"`
	AnthropicBaseURL  string   `json:"anthropic_base_url,omitempty"`
	QueryDriver       string   `json:"query_driver,omitempty"`
	QueryDSN          string   `json:"query_dsn,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(chainflowDir(), "chainflow.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		VaultSalt:         defaultVaultSalt,
		SchedulerInterval: duration(time.Minute),
	}
}

// chainflowDir is $CHAINFLOW_HOME or ~/.chainflow.
func chainflowDir() string {
	if dir := os.Getenv("CHAINFLOW_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainflow"
	}
	return filepath.Join(home, ".chainflow")
}

func settingsPath() string {
	return filepath.Join(chainflowDir(), "settings.json")
}

// loadConfig layers settings.json, the .env file in the working directory
// and CHAINFLOW_* variables over the defaults. A malformed settings file is
// an error; a missing one is not.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}

	// Existing environment wins over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *duration) {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = duration(d)
			}
		}
	}

	str("CHAINFLOW_DB_PATH", &cfg.DBPath)
	str("CHAINFLOW_LOG_LEVEL", &cfg.LogLevel)
	str("CHAINFLOW_LOG_FORMAT", &cfg.LogFormat)
	str("CHAINFLOW_VAULT_PASSPHRASE", &cfg.VaultPassphrase)
	str("CHAINFLOW_VAULT_SALT", &cfg.VaultSalt)
	str("CHAINFLOW_OPENAI_BASE_URL", &cfg.OpenAIBaseURL)
	str("CHAINFLOW_ANTHROPIC_BASE_URL", &cfg.AnthropicBaseURL)
	str("CHAINFLOW_QUERY_DRIVER", &cfg.QueryDriver)
	str("CHAINFLOW_QUERY_DSN", &cfg.QueryDSN)
	dur("CHAINFLOW_SCHEDULER_INTERVAL", &cfg.SchedulerInterval)
	dur("CHAINFLOW_RUN_TIMEOUT", &cfg.RunTimeout)
	if v := os.Getenv("CHAINFLOW_TRACING"); v != "" {
		cfg.Tracing, _ = strconv.ParseBool(strings.TrimSpace(v))
	}
}

// dbURI turns a filesystem path into a libSQL file URI.
func dbURI(path string) string {
	if strings.Contains(path, ":") {
		return path
	}
	return "file:" + path
}

// duration reads "90s"-style strings in settings.json.
type duration time.Duration

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*d = duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}
