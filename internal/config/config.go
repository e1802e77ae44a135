// Package config loads the daemon configuration from YAML or TOML. ${VAR}
// references are expanded from the environment before parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"anchorkeep.ai/internal/anchor"
	"anchorkeep.ai/internal/spatial"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	DataDir    string          `yaml:"data_dir" toml:"data_dir"`
	Storage    StorageConfig   `yaml:"storage" toml:"storage"`
	Journal    JournalConfig   `yaml:"journal" toml:"journal"`
	Anchors    AnchorsConfig   `yaml:"anchors" toml:"anchors"`
	Partitions []PartitionSpec `yaml:"partitions" toml:"partitions"`
	Logging    LoggingConfig   `yaml:"logging" toml:"logging"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	// RecordsPath is relative to DataDir.
	RecordsPath string `yaml:"records_path" toml:"records_path"`
	SQLitePath  string `yaml:"sqlite_path" toml:"sqlite_path"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Dir     string `yaml:"dir" toml:"dir"`
}

type AnchorsConfig struct {
	DefaultRadius    int    `yaml:"default_radius" toml:"default_radius"`
	MaxRadius        int    `yaml:"max_radius" toml:"max_radius"`
	DefaultPartition string `yaml:"default_partition" toml:"default_partition"`
	Origin           Origin `yaml:"origin" toml:"origin"`

	AutosaveInterval    time.Duration `yaml:"-" toml:"-"`
	AutosaveIntervalRaw string        `yaml:"autosave_interval" toml:"autosave_interval"`
}

type Origin struct {
	X float64 `yaml:"x" toml:"x"`
	Y float64 `yaml:"y" toml:"y"`
	Z float64 `yaml:"z" toml:"z"`
}

func (o Origin) Vec3() spatial.Vec3 { return spatial.Vec3{X: o.X, Y: o.Y, Z: o.Z} }

type PartitionSpec struct {
	ID string `yaml:"id" toml:"id"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads path, or returns the defaults when path is empty. Files ending
// in .toml are parsed as TOML, anything else as YAML.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, cfg.parseDurations()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := Parse(path, b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes b over cfg, then normalizes and validates the result. The
// name only selects the format.
func Parse(name string, b []byte, cfg *Config) error {
	data := expandEnvVars(string(b))
	base := filepath.Base(name)
	if strings.EqualFold(filepath.Ext(name), ".toml") {
		if _, err := toml.Decode(data, cfg); err != nil {
			return fmt.Errorf("%s: %w", base, err)
		}
	} else if err := yaml.Unmarshal([]byte(data), cfg); err != nil {
		return fmt.Errorf("%s: %w", base, err)
	}
	if err := cfg.parseDurations(); err != nil {
		return fmt.Errorf("%s: %w", base, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", base, err)
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with its value; unset variables become "".
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

func defaults() Config {
	return Config{
		DataDir: "data",
		Storage: StorageConfig{
			Backend:     BackendFile,
			RecordsPath: "config/anchors.json",
			SQLitePath:  "anchors.sqlite",
		},
		Journal: JournalConfig{
			Enabled: false,
			Dir:     "journal",
		},
		Anchors: AnchorsConfig{
			DefaultRadius:       2,
			MaxRadius:           32,
			DefaultPartition:    "minecraft:overworld",
			Origin:              Origin{X: 0.5, Y: 64, Z: 0.5},
			AutosaveIntervalRaw: "5m",
		},
		Partitions: []PartitionSpec{
			{ID: "minecraft:overworld"},
			{ID: "minecraft:the_nether"},
			{ID: "minecraft:the_end"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func (c *Config) parseDurations() error {
	raw := strings.TrimSpace(c.Anchors.AutosaveIntervalRaw)
	if raw == "" || raw == "0" {
		c.Anchors.AutosaveInterval = 0
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing autosave_interval %q: %w", raw, err)
	}
	c.Anchors.AutosaveInterval = d
	return nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	c.Storage.RecordsPath = filepath.ToSlash(strings.TrimSpace(c.Storage.RecordsPath))
	c.Storage.SQLitePath = strings.TrimSpace(c.Storage.SQLitePath)
	c.Journal.Dir = strings.TrimSpace(c.Journal.Dir)
	c.Anchors.DefaultPartition = strings.TrimSpace(c.Anchors.DefaultPartition)
	for i := range c.Partitions {
		c.Partitions[i].ID = strings.TrimSpace(c.Partitions[i].ID)
	}
	if c.Anchors.DefaultPartition == "" && len(c.Partitions) > 0 {
		c.Anchors.DefaultPartition = c.Partitions[0].ID
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Storage.Backend {
	case BackendFile:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend: %s", c.Storage.Backend)
	}
	if c.Storage.RecordsPath == "" {
		return fmt.Errorf("storage.records_path is required")
	}
	if filepath.IsAbs(c.Storage.RecordsPath) || strings.HasPrefix(c.Storage.RecordsPath, "../") {
		return fmt.Errorf("storage.records_path must stay inside data_dir: %s", c.Storage.RecordsPath)
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is required when the journal is enabled")
	}
	if c.Anchors.DefaultRadius < 0 {
		return fmt.Errorf("%w: anchors.default_radius %d", anchor.ErrInvalidRadius, c.Anchors.DefaultRadius)
	}
	if c.Anchors.MaxRadius < c.Anchors.DefaultRadius {
		return fmt.Errorf("%w: anchors.max_radius %d below default_radius %d",
			anchor.ErrInvalidRadius, c.Anchors.MaxRadius, c.Anchors.DefaultRadius)
	}
	if c.Anchors.AutosaveInterval < 0 {
		return fmt.Errorf("anchors.autosave_interval must not be negative")
	}
	if !c.Anchors.Origin.Vec3().Finite() {
		return fmt.Errorf("%w: anchors.origin", anchor.ErrInvalidPosition)
	}
	if len(c.Partitions) == 0 {
		return fmt.Errorf("at least one partition is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Partitions {
		if p.ID == "" {
			return fmt.Errorf("partition id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate partition id: %s", p.ID)
		}
		seen[p.ID] = true
	}
	if !seen[c.Anchors.DefaultPartition] {
		return fmt.Errorf("anchors.default_partition %q is not a configured partition", c.Anchors.DefaultPartition)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown logging.format: %s", c.Logging.Format)
	}
	return nil
}

func (c Config) PartitionIDs() []string {
	out := make([]string, 0, len(c.Partitions))
	for _, p := range c.Partitions {
		out = append(out, p.ID)
	}
	return out
}

// SQLiteFile resolves the sqlite database path against DataDir.
func (c Config) SQLiteFile() string {
	if filepath.IsAbs(c.Storage.SQLitePath) {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.DataDir, c.Storage.SQLitePath)
}

func (c Config) JournalDir() string {
	if filepath.IsAbs(c.Journal.Dir) {
		return c.Journal.Dir
	}
	return filepath.Join(c.DataDir, c.Journal.Dir)
}
