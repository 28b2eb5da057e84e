package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Default tunables.
const (
	DefaultHistoryLimit     = 50
	DefaultMaxDocumentBytes = 5 << 20
	DefaultLogLevel         = "info"
	DefaultDevLogDir        = ".tally/log"
	DefaultServerBind       = "127.0.0.1:8080"
	DefaultAPIEndpoint      = "/api/v1"
	DefaultMCPEndpoint      = "/mcp"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	History  HistoryConfig  `toml:"history"`
	Storage  StorageConfig  `toml:"storage"`
	Import   ImportConfig   `toml:"import"`
	Logging  LoggingConfig  `toml:"logging"`
	Server   ServerConfig   `toml:"server"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// HistoryConfig bounds the completed-session archive.
type HistoryConfig struct {
	Limit int `toml:"limit"`
	// RetentionDays is applied by "cleanup" when no --days flag is given.
	// Zero disables age-based cleanup.
	RetentionDays int `toml:"retention_days"`
}

type StorageConfig struct {
	MaxDocumentBytes int `toml:"max_document_bytes"`
}

type ImportConfig struct {
	DefaultSheet string `toml:"default_sheet"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

// DevFileConfig controls the dev-mode log file sink.
type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type ServerConfig struct {
	Bind        string `toml:"bind"`
	APIEndpoint string `toml:"api_endpoint"`
	MCPEndpoint string `toml:"mcp_endpoint"`
}

func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		History: HistoryConfig{
			Limit:         DefaultHistoryLimit,
			RetentionDays: 0,
		},
		Storage: StorageConfig{
			MaxDocumentBytes: DefaultMaxDocumentBytes,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     DefaultDevLogDir,
			},
		},
		Server: ServerConfig{
			Bind:        DefaultServerBind,
			APIEndpoint: DefaultAPIEndpoint,
			MCPEndpoint: DefaultMCPEndpoint,
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}
	if c.History.Limit <= 0 {
		return fmt.Errorf("history.limit must be > 0: %d", c.History.Limit)
	}
	if c.History.RetentionDays < 0 {
		return fmt.Errorf("history.retention_days must be >= 0: %d", c.History.RetentionDays)
	}
	if c.Storage.MaxDocumentBytes <= 0 {
		return fmt.Errorf("storage.max_document_bytes must be > 0: %d", c.Storage.MaxDocumentBytes)
	}

	switch strings.TrimSpace(strings.ToLower(c.Logging.Level)) {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if c.Logging.DevFile.Enabled && strings.TrimSpace(c.Logging.DevFile.Dir) == "" {
		return errors.New("logging.dev_file.dir is required when the dev file sink is enabled")
	}

	for name, endpoint := range map[string]string{
		"server.api_endpoint": c.Server.APIEndpoint,
		"server.mcp_endpoint": c.Server.MCPEndpoint,
	} {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
			return fmt.Errorf("%s must start with /: %q", name, endpoint)
		}
	}
	api := strings.TrimRight(strings.TrimSpace(c.Server.APIEndpoint), "/")
	mcp := strings.TrimRight(strings.TrimSpace(c.Server.MCPEndpoint), "/")
	if api != "" && api == mcp {
		return fmt.Errorf("server.api_endpoint and server.mcp_endpoint must differ: %q", api)
	}
	return nil
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
