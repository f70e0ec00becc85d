// Package config loads the server configuration from JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Database     DatabaseConfig     `json:"database"`
	Embedding    EmbeddingConfig    `json:"embedding"`
	Notify       NotifyConfig       `json:"notify"`
}

type ServerConfig struct {
	Port          int    `json:"port"`
	LogLevel      string `json:"log_level"`
	MigrationsDir string `json:"migrations_dir"`
	// IntakePerMinute caps POST /assess across all clients. Zero disables it.
	IntakePerMinute int `json:"intake_per_minute"`
	IntakeBurst     int `json:"intake_burst"`
}

type OrchestratorConfig struct {
	PoolSize       int      `json:"pool_size"`
	TaskTimeout    Duration `json:"task_timeout"`
	IntakeTimeout  Duration `json:"intake_timeout"`
	StatusBasePath string   `json:"status_base_path"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// RedisConfig enables the stream relay. Topics are mirrored out and
// consumed back in.
type RedisConfig struct {
	URL          string   `json:"url"`
	StreamPrefix string   `json:"stream_prefix"`
	Topics       []string `json:"topics"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type NotifyConfig struct {
	Slack   SlackConfig   `json:"slack"`
	Discord DiscordConfig `json:"discord"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.MigrationsDir == "" {
		c.Server.MigrationsDir = "migrations"
	}
	if c.Server.IntakePerMinute > 0 && c.Server.IntakeBurst <= 0 {
		c.Server.IntakeBurst = 1
	}
	if c.Orchestrator.PoolSize <= 0 {
		c.Orchestrator.PoolSize = 10
	}
	if c.Orchestrator.IntakeTimeout == 0 {
		c.Orchestrator.IntakeTimeout = Duration(30 * time.Second)
	}
	if c.Orchestrator.StatusBasePath == "" {
		c.Orchestrator.StatusBasePath = "/api/v1/assessment"
	}
	if c.Database.Redis.StreamPrefix == "" {
		c.Database.Redis.StreamPrefix = "assess:topic:"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 768
	}
}
