package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete module configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Registry    RegistryConfig    `yaml:"registry"`
	Replication ReplicationConfig `yaml:"replication"`
	Location    LocationConfig    `yaml:"location"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	// LogMaxSize is the log file size in megabytes that triggers a
	// rotation. Zero means 100.
	LogMaxSize    int64 `yaml:"log_max_size"`
	LogMaxBackups int   `yaml:"log_max_backups"`
	LogCompress   bool  `yaml:"log_compress"`
	MetricsPort   int   `yaml:"metrics_port"`
}

// RegistryConfig describes the shared registry table that maps shards to
// backend slots.
type RegistryConfig struct {
	// ReadURL is used for every registry read.
	ReadURL string `yaml:"read_url"`
	// WriteURL enables self-healing. Empty means a read-only deployment.
	WriteURL       string        `yaml:"write_url"`
	Table          string        `yaml:"table"`
	Columns        ColumnsConfig `yaml:"columns"`
	DBNum          int           `yaml:"db_num"`
	IsolationLevel string        `yaml:"isolation_level"`
}

// ColumnsConfig overrides the registry column names
type ColumnsConfig struct {
	ID           string `yaml:"id"`
	Num          string `yaml:"num"`
	URL          string `yaml:"url"`
	Status       string `yaml:"status"`
	FailoverTime string `yaml:"failover_time"`
	Spare        string `yaml:"spare"`
	Errors       string `yaml:"errors"`
	RiskGroup    string `yaml:"risk_group"`
}

// ReplicationConfig controls routing, quorum and failover
type ReplicationConfig struct {
	UseTransactions   bool          `yaml:"db_use_transactions"`
	Policy            string        `yaml:"policy"`
	FailoverLevel     string        `yaml:"failover_level"`
	ErrorThreshold    int           `yaml:"db_error_threshold"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	ExpireTime        time.Duration `yaml:"expire_time"`
	ConnectionExpires time.Duration `yaml:"connection_expires"`
	UseDomain         bool          `yaml:"use_domain"`
}

// LocationConfig configures the contact table stored on the backends
type LocationConfig struct {
	Table string `yaml:"table"`
}

// Accepted values for the enumerated options.
var (
	ValidPolicies        = []string{"N-1", "N/2", "N"}
	ValidFailoverLevels  = []string{"none", "normal", "last"}
	ValidIsolationLevels = []string{"SERIALIZABLE", "REPEATABLE READ", "READ COMMITTED", "READ UNCOMMITTED"}
	validLogLevels       = []string{"DEBUG", "INFO", "WARN", "ERROR"}
)

// MaxURLLength is the longest backend URL the registry column can hold.
const MaxURLLength = 260

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "text",
			LogMaxSize:    100,
			LogMaxBackups: 5,
			MetricsPort:   9095,
		},
		Registry: RegistryConfig{
			ReadURL:  "sqlite3://file:/var/lib/uldb/registry.db?_busy_timeout=5000",
			WriteURL: "sqlite3://file:/var/lib/uldb/registry.db?_busy_timeout=5000&_txlock=immediate",
			Table:    "locdb",
			Columns: ColumnsConfig{
				ID:           "id",
				Num:          "num",
				URL:          "url",
				Status:       "status",
				FailoverTime: "failover_time",
				Spare:        "spare",
				Errors:       "errors",
				RiskGroup:    "risk_group",
			},
			DBNum:          2,
			IsolationLevel: "SERIALIZABLE",
		},
		Replication: ReplicationConfig{
			UseTransactions:   false,
			Policy:            "N-1",
			FailoverLevel:     "normal",
			ErrorThreshold:    50,
			RetryInterval:     60 * time.Second,
			ExpireTime:        12 * time.Hour,
			ConnectionExpires: 5 * time.Minute,
			UseDomain:         false,
		},
		Location: LocationConfig{
			Table: "location",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from ULDB_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("ULDB_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("ULDB_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("ULDB_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid ULDB_METRICS_PORT: %w", err)
		}
		c.Global.MetricsPort = port
	}

	if val := os.Getenv("ULDB_READ_URL"); val != "" {
		c.Registry.ReadURL = val
	}
	if val, ok := os.LookupEnv("ULDB_WRITE_URL"); ok {
		c.Registry.WriteURL = val
	}
	if val := os.Getenv("ULDB_TABLE"); val != "" {
		c.Registry.Table = val
	}

	if val := os.Getenv("ULDB_POLICY"); val != "" {
		c.Replication.Policy = val
	}
	if val := os.Getenv("ULDB_FAILOVER_LEVEL"); val != "" {
		c.Replication.FailoverLevel = val
	}
	if val := os.Getenv("ULDB_USE_TRANSACTIONS"); val != "" {
		c.Replication.UseTransactions = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("ULDB_USE_DOMAIN"); val != "" {
		c.Replication.UseDomain = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("ULDB_ERROR_THRESHOLD"); val != "" {
		threshold, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid ULDB_ERROR_THRESHOLD: %w", err)
		}
		c.Replication.ErrorThreshold = threshold
	}
	if val := os.Getenv("ULDB_RETRY_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid ULDB_RETRY_INTERVAL: %w", err)
		}
		c.Replication.RetryInterval = d
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ReadOnly reports whether the registry has no write URL.
func (c *Configuration) ReadOnly() bool {
	return c.Registry.WriteURL == ""
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if !contains(validLogLevels, strings.ToUpper(c.Global.LogLevel)) {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if c.Global.LogMaxSize < 0 || c.Global.LogMaxBackups < 0 {
		return fmt.Errorf("log_max_size and log_max_backups must not be negative")
	}

	if c.Registry.ReadURL == "" {
		return fmt.Errorf("registry read_url is required")
	}
	if len(c.Registry.ReadURL) > MaxURLLength || len(c.Registry.WriteURL) > MaxURLLength {
		return fmt.Errorf("registry url longer than %d bytes", MaxURLLength)
	}
	if c.Registry.DBNum < 2 {
		return fmt.Errorf("db_num must be at least 2")
	}
	if !contains(ValidIsolationLevels, strings.ToUpper(c.Registry.IsolationLevel)) {
		return fmt.Errorf("invalid isolation_level: %s (must be one of: %s)",
			c.Registry.IsolationLevel, strings.Join(ValidIsolationLevels, ", "))
	}

	names := map[string]string{
		"table":                 c.Registry.Table,
		"columns.id":            c.Registry.Columns.ID,
		"columns.num":           c.Registry.Columns.Num,
		"columns.url":           c.Registry.Columns.URL,
		"columns.status":        c.Registry.Columns.Status,
		"columns.failover_time": c.Registry.Columns.FailoverTime,
		"columns.spare":         c.Registry.Columns.Spare,
		"columns.errors":        c.Registry.Columns.Errors,
		"columns.risk_group":    c.Registry.Columns.RiskGroup,
		"location.table":        c.Location.Table,
	}
	for key, name := range names {
		if !identifierRe.MatchString(name) {
			return fmt.Errorf("invalid identifier for %s: %q", key, name)
		}
	}

	if !contains(ValidPolicies, c.Replication.Policy) {
		return fmt.Errorf("invalid policy: %s (must be one of: %s)",
			c.Replication.Policy, strings.Join(ValidPolicies, ", "))
	}
	if !contains(ValidFailoverLevels, c.Replication.FailoverLevel) {
		return fmt.Errorf("invalid failover_level: %s (must be one of: %s)",
			c.Replication.FailoverLevel, strings.Join(ValidFailoverLevels, ", "))
	}
	if c.Replication.ErrorThreshold <= 0 {
		return fmt.Errorf("db_error_threshold must be greater than 0")
	}
	if c.Replication.RetryInterval <= 0 {
		return fmt.Errorf("retry_interval must be greater than 0")
	}
	if c.Replication.ExpireTime <= 0 {
		return fmt.Errorf("expire_time must be greater than 0")
	}
	if c.Replication.ConnectionExpires <= 0 {
		return fmt.Errorf("connection_expires must be greater than 0")
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
