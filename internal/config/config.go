// Package config loads the pipeline configuration.
//
// Values come from three layers, later ones winning: built-in defaults, a
// YAML file, and ATOMBOND_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/atombond/internal/engine"
	"github.com/roach88/atombond/internal/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ATOMBOND_"

// TierConfig is one level of the hierarchy.
type TierConfig struct {
	Name      string `yaml:"name"`
	Threshold int    `yaml:"threshold"`
}

// Tiers is the ordered hierarchy. Besides a YAML sequence it accepts the
// compact text form "bit:8,byte:1024,KB:1024,TB", used for
// ATOMBOND_TIERS.
type Tiers []TierConfig

// UnmarshalText parses the compact text form.
func (t *Tiers) UnmarshalText(text []byte) error {
	var tiers Tiers
	for _, part := range strings.Split(string(text), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, threshold, found := strings.Cut(part, ":")
		tc := TierConfig{Name: strings.TrimSpace(name)}
		if found {
			n, err := strconv.Atoi(strings.TrimSpace(threshold))
			if err != nil {
				return fmt.Errorf("tier %q: invalid threshold %q", tc.Name, threshold)
			}
			tc.Threshold = n
		}
		tiers = append(tiers, tc)
	}
	*t = tiers
	return nil
}

// String renders the compact text form.
func (t Tiers) String() string {
	parts := make([]string, len(t))
	for i, tc := range t {
		if tc.Threshold > 0 {
			parts[i] = fmt.Sprintf("%s:%d", tc.Name, tc.Threshold)
		} else {
			parts[i] = tc.Name
		}
	}
	return strings.Join(parts, ",")
}

// RetryConfig bounds ledger load/save retries.
type RetryConfig struct {
	Attempts        int           `yaml:"attempts"         env:"ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
}

// PipelineConfig configures one pipeline instance.
type PipelineConfig struct {
	// Root holds one directory per tier: <root>/<tier>/<account>/lane-N.json.
	Root string `yaml:"root" env:"ROOT"`

	// Lanes is K, the number of parallel lanes per (account, tier).
	Lanes int `yaml:"lanes" env:"LANES"`

	Tiers Tiers `yaml:"tiers" env:"TIERS"`

	// ContractsDir holds CUE contracts. Empty means built-in defaults only.
	ContractsDir string `yaml:"contracts_dir" env:"CONTRACTS_DIR"`

	// AuditDB is the SQLite promotion log. Empty means <root>/audit.db.
	AuditDB string `yaml:"audit_db" env:"AUDIT_DB"`

	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	Workers  int           `yaml:"workers"  env:"WORKERS"`

	Retry RetryConfig `yaml:"retry" envPrefix:"RETRY_"`
}

// Default returns the built-in configuration.
func Default() PipelineConfig {
	return PipelineConfig{
		Root:  "ledgers",
		Lanes: engine.DefaultLanes,
		Tiers: Tiers{
			{Name: "bit", Threshold: 8},
			{Name: "byte", Threshold: 1024},
			{Name: "KB", Threshold: 1024},
			{Name: "MB", Threshold: 1024},
			{Name: "GB", Threshold: 1024},
			{Name: "TB"},
		},
		Debounce: 250 * time.Millisecond,
		Workers:  4,
		Retry: RetryConfig{
			Attempts:        store.DefaultRetryPolicy.Attempts,
			InitialInterval: store.DefaultRetryPolicy.InitialInterval,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
//
// Relative paths in the file are resolved against the file's directory.
func Load(path string) (PipelineConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}

		// Strict field validation catches typos like "treshold:"
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("failed to parse YAML: %w", err)
		}
		cfg.resolve(filepath.Dir(path))
	}

	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ParseEnv applies ATOMBOND_* overrides. Unset variables leave the current
// values alone.
func ParseEnv(cfg *PipelineConfig) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *PipelineConfig) resolve(base string) {
	for _, p := range []*string{&c.Root, &c.ContractsDir, &c.AuditDB} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Validate reports the first invalid setting.
func (c PipelineConfig) Validate() error {
	if c.Root == "" {
		return fieldError("root", "is required")
	}
	if c.Lanes < 1 {
		return fieldError("lanes", fmt.Sprintf("must be at least 1, got %d", c.Lanes))
	}
	if len(c.Tiers) < 2 {
		return fieldError("tiers", "needs at least two tiers")
	}

	seen := make(map[string]bool, len(c.Tiers))
	for i, t := range c.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		switch {
		case t.Name == "":
			return fieldError(field, "name is required")
		case strings.HasPrefix(t.Name, ".") || strings.ContainsAny(t.Name, `/\`):
			return fieldError(field, fmt.Sprintf("name %q cannot be a directory name", t.Name))
		case seen[t.Name]:
			return fieldError(field, fmt.Sprintf("duplicate tier %q", t.Name))
		case i < len(c.Tiers)-1 && t.Threshold < 1:
			return fieldError(field, fmt.Sprintf("tier %q needs a positive threshold", t.Name))
		}
		seen[t.Name] = true
	}

	if c.Debounce <= 0 {
		return fieldError("debounce", "must be positive")
	}
	if c.Workers < 1 {
		return fieldError("workers", fmt.Sprintf("must be at least 1, got %d", c.Workers))
	}
	if c.Retry.Attempts < 1 {
		return fieldError("retry.attempts", fmt.Sprintf("must be at least 1, got %d", c.Retry.Attempts))
	}
	if c.Retry.InitialInterval <= 0 {
		return fieldError("retry.initial_interval", "must be positive")
	}
	return nil
}

// FieldError reports an invalid configuration value.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldError(field, msg string) error {
	return &FieldError{Field: field, Message: msg}
}

// EngineTiers converts the hierarchy for engine.New.
func (c PipelineConfig) EngineTiers() []engine.Tier {
	tiers := make([]engine.Tier, len(c.Tiers))
	for i, t := range c.Tiers {
		tiers[i] = engine.Tier{Name: t.Name, Threshold: t.Threshold}
	}
	return tiers
}

// TierNames returns the tier names in order.
func (c PipelineConfig) TierNames() []string {
	names := make([]string, len(c.Tiers))
	for i, t := range c.Tiers {
		names[i] = t.Name
	}
	return names
}

// RetryPolicy converts the retry settings for the ledger store.
func (c PipelineConfig) RetryPolicy() store.RetryPolicy {
	return store.RetryPolicy{Attempts: c.Retry.Attempts, InitialInterval: c.Retry.InitialInterval}
}

// AuditPath returns the audit database path.
func (c PipelineConfig) AuditPath() string {
	if c.AuditDB != "" {
		return c.AuditDB
	}
	return filepath.Join(c.Root, "audit.db")
}
