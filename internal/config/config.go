// Package config loads server configuration: defaults, then a TOML file,
// then environment variables, with env winning. A .env file next to the
// binary is honored for local development.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Provider  ProviderConfig  `toml:"provider"`
	Models    ModelsConfig    `toml:"models"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Worker    WorkerConfig    `toml:"worker"`
	Queue     QueueConfig     `toml:"queue"`
	Storage   StorageConfig   `toml:"storage"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ServerConfig struct {
	Addr      string `toml:"addr"`
	JWTSecret string `toml:"jwt_secret"`
}

type ProviderConfig struct {
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	Referer           string `toml:"referer"`
	Title             string `toml:"title"`
	EmbeddedToolCalls bool   `toml:"embedded_tool_calls"`
	RPM               int    `toml:"rpm"`
	TPM               int    `toml:"tpm"`

	// Local fallback endpoint, same wire protocol.
	LocalBaseURL string `toml:"local_base_url"`
	LocalModel   string `toml:"local_model"`
}

type ModelsConfig struct {
	Primary   string   `toml:"primary"`
	Secondary string   `toml:"secondary"`
	Tertiary  string   `toml:"tertiary"`
	WebSearch string   `toml:"web_search"`
	Delegate  []string `toml:"delegate"`
}

type SandboxConfig struct {
	Image          string   `toml:"image"`
	HostDataDir    string   `toml:"host_data_dir"`
	MemoryMB       int64    `toml:"memory_mb"`
	CPUs           float64  `toml:"cpus"`
	SessionTTLMin  int      `toml:"session_ttl_minutes"`
	ExposePorts    []string `toml:"expose_ports"`
	CommandTimeout int      `toml:"command_timeout_seconds"`
}

type WorkerConfig struct {
	MaxConcurrent         int  `toml:"max_concurrent"`
	PollIntervalMS        int  `toml:"poll_interval_ms"`
	CleanupAgeDays        int  `toml:"cleanup_age_days"`
	ShutdownGraceSec      int  `toml:"shutdown_grace_seconds"`
	RequireCompletionTool bool `toml:"require_completion_tool"`
}

type QueueConfig struct {
	Driver      string `toml:"driver"` // "sqlite" or "postgres"
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

type StorageConfig struct {
	ConversationsDir string `toml:"conversations_dir"`
	ProceduresPath   string `toml:"procedures_path"`
}

type TelemetryConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	dataDir := filepath.Join(home, "zeus-data")
	return Config{
		Server: ServerConfig{Addr: ":8000"},
		Models: ModelsConfig{
			Primary:   "anthropic/claude-sonnet-4.5",
			Secondary: "openai/gpt-5",
			Tertiary:  "google/gemini-2.5-pro",
			WebSearch: "perplexity/sonar",
		},
		Sandbox: SandboxConfig{
			Image:          "python:3.11-slim",
			HostDataDir:    dataDir,
			MemoryMB:       2048,
			CPUs:           2,
			SessionTTLMin:  120,
			CommandTimeout: 60,
		},
		Worker: WorkerConfig{
			MaxConcurrent:         5,
			PollIntervalMS:        1000,
			CleanupAgeDays:        7,
			ShutdownGraceSec:      30,
			RequireCompletionTool: true,
		},
		Queue: QueueConfig{Driver: "sqlite", SQLitePath: filepath.Join(dataDir, "zeus.db")},
		Storage: StorageConfig{
			ConversationsDir: filepath.Join(dataDir, "conversations"),
			ProceduresPath:   filepath.Join(dataDir, "procedures.db"),
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "zeus.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	_ = godotenv.Load()

	// Env overrides
	if v := os.Getenv("ZEUS_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ZEUS_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("ZEUS_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("ZEUS_MODEL_PRIMARY"); v != "" {
		cfg.Models.Primary = v
	}
	if v := os.Getenv("ZEUS_MODEL_SECONDARY"); v != "" {
		cfg.Models.Secondary = v
	}
	if v := os.Getenv("ZEUS_MODEL_TERTIARY"); v != "" {
		cfg.Models.Tertiary = v
	}
	if v := os.Getenv("ZEUS_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("ZEUS_DATA_DIR"); v != "" {
		cfg.Sandbox.HostDataDir = v
	}
	if v := os.Getenv("ZEUS_QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Queue.PostgresURL = v
	}
	if v := os.Getenv("ZEUS_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.MaxConcurrent = n
		}
	}
	if v := os.Getenv("ZEUS_TELEMETRY"); v == "true" || v == "1" {
		cfg.Telemetry.Enabled = true
	}

	// Fallbacks
	if cfg.Queue.Driver == "postgres" && cfg.Queue.PostgresURL == "" {
		cfg.Queue.Driver = "sqlite"
	}

	return cfg
}
