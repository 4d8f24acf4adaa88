package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version   int            `yaml:"version"`
	Chain     Chain          `yaml:"chain"`
	Registry  string         `yaml:"registry"`
	DBPath    string         `yaml:"db_path"`
	Signer    Signer         `yaml:"signer"`
	Mailbox   Mailbox        `yaml:"mailbox"`
	Effects   Effects        `yaml:"effects"`
	Tx        Tx             `yaml:"tx"`
	StateSync StateSync      `yaml:"statesync"`
	Notify    []NotifyTarget `yaml:"notify"`
}

// Chain points the instance at its one EVM endpoint.
type Chain struct {
	RPCURL        string `yaml:"rpc_url"`
	ChainID       uint64 `yaml:"chain_id"`
	Confirmations uint64 `yaml:"confirmations"`
	// StartBlock picks the first block when no cursor exists: "" or
	// "0" for genesis, an absolute height, or "latest-N".
	StartBlock string `yaml:"start_block"`
}

// Signer names the environment variable carrying the hex private key.
// The key itself never appears in the config file.
type Signer struct {
	KeyEnv string `yaml:"key_env"`
}

// DefaultSignerEnv is used when signer.key_env is unset.
const DefaultSignerEnv = "SEMSEE_SIGNER_KEY"

// Env resolves the variable name to read the key from.
func (s Signer) Env() string {
	if s.KeyEnv == "" {
		return DefaultSignerEnv
	}
	return s.KeyEnv
}

// Mailbox tunes the per-strategy inboxes.
type Mailbox struct {
	Capacity       int    `yaml:"capacity"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

// Effects tunes the action engine.
type Effects struct {
	RetryBudget  int               `yaml:"retry_budget"`
	RetryBackoff string            `yaml:"retry_backoff"`
	GasTable     map[string]uint64 `yaml:"gas_table"`
}

// Backoff parses the retry backoff. Validate has already checked the
// string, so a zero value only means "use the engine default".
func (e Effects) Backoff() time.Duration {
	d, _ := time.ParseDuration(e.RetryBackoff)
	return d
}

// Tx tunes transaction submission and confirmation.
type Tx struct {
	ConfirmTimeout string `yaml:"confirm_timeout"`
	PollInterval   string `yaml:"poll_interval"`
	GasBumpPercent uint64 `yaml:"gas_bump_percent"`
	MaxResubmits   int    `yaml:"max_resubmits"`
}

func (t Tx) ConfirmTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(t.ConfirmTimeout)
	return d
}

func (t Tx) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(t.PollInterval)
	return d
}

// StateSync tunes the read-model mirror.
type StateSync struct {
	// Timeframes are OHLC bucket widths in seconds.
	Timeframes []uint64 `yaml:"timeframes"`
}

// NotifyTarget is one operator alert endpoint.
type NotifyTarget struct {
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
	Template   string `yaml:"template"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks and fills the few
// defaults that belong to the file format rather than a component.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if c.DBPath == "" {
		c.DBPath = "semsee.db"
	}
	if err := c.Mailbox.Validate(); err != nil {
		return fmt.Errorf("mailbox: %w", err)
	}
	if err := c.Effects.Validate(); err != nil {
		return fmt.Errorf("effects: %w", err)
	}
	if err := c.Tx.Validate(); err != nil {
		return fmt.Errorf("tx: %w", err)
	}
	for i, tf := range c.StateSync.Timeframes {
		if tf == 0 {
			return fmt.Errorf("statesync: timeframe %d is zero", i)
		}
	}
	for i := range c.Notify {
		if err := c.Notify[i].Validate(); err != nil {
			return fmt.Errorf("notify[%d]: %w", i, err)
		}
	}
	return nil
}

func (ch *Chain) Validate() error {
	if ch.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if ch.ChainID == 0 {
		return errors.New("chain_id is required")
	}
	return nil
}

func (m *Mailbox) Validate() error {
	switch m.OverflowPolicy {
	case "", "drop-oldest", "drop-newest", "reject":
		return nil
	default:
		return fmt.Errorf("unknown overflow_policy: %s", m.OverflowPolicy)
	}
}

func (e *Effects) Validate() error {
	if e.RetryBackoff != "" {
		if _, err := time.ParseDuration(e.RetryBackoff); err != nil {
			return fmt.Errorf("retry_backoff: %w", err)
		}
	}
	for action, limit := range e.GasTable {
		if limit == 0 {
			return fmt.Errorf("gas_table: %s has zero limit", action)
		}
	}
	return nil
}

func (t *Tx) Validate() error {
	if t.ConfirmTimeout != "" {
		if _, err := time.ParseDuration(t.ConfirmTimeout); err != nil {
			return fmt.Errorf("confirm_timeout: %w", err)
		}
	}
	if t.PollInterval != "" {
		if _, err := time.ParseDuration(t.PollInterval); err != nil {
			return fmt.Errorf("poll_interval: %w", err)
		}
	}
	return nil
}

func (n *NotifyTarget) Validate() error {
	if n.Type == "" {
		return errors.New("type is required")
	}
	switch strings.ToLower(n.Type) {
	case "slack":
		if n.WebhookURL == "" {
			return errors.New("webhook_url is required for slack targets")
		}
	case "webhook":
		if n.URL == "" {
			return errors.New("url is required for webhook targets")
		}
		if n.Method == "" {
			n.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported notify type: %s", n.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
