// Package config provides configuration management for xfailflake using
// Viper for loading from files, environment variables, and command-line
// flags.
//
// Values come from `.xfailflake.yml`, `XFAILFLAKE_`-prefixed environment
// variables (a `.env` file is honored), and flags bound by the cmd package.
// The database section additionally honors the conventional POSTGRES_*
// variables.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/xfailflake/internal/types"
)

// EnvPrefix is the prefix of every environment variable read by viper.
const EnvPrefix = "XFAILFLAKE"

type Config struct {
	Scan     ScanConfig     `mapstructure:"scan" yaml:"scan" json:"scan"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output" json:"output"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server" json:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database" json:"database"`
	Archive  ArchiveConfig  `mapstructure:"archive" yaml:"archive" json:"archive"`
	Repo     RepoConfig     `mapstructure:"repo" yaml:"repo" json:"repo"`
	Log      LogConfig      `mapstructure:"log" yaml:"log" json:"log"`
}

// ScanConfig controls the extraction pipeline.
type ScanConfig struct {
	Schema       string   `mapstructure:"schema" yaml:"schema" json:"schema"`
	Annotation   string   `mapstructure:"annotation" yaml:"annotation" json:"annotation"`
	TicketPrefix string   `mapstructure:"ticket_prefix" yaml:"ticket_prefix" json:"ticket_prefix"`
	TicketFields []string `mapstructure:"ticket_fields" yaml:"ticket_fields" json:"ticket_fields"`
	SinceField   string   `mapstructure:"since_field" yaml:"since_field" json:"since_field"`
	TestKeyword  string   `mapstructure:"test_keyword" yaml:"test_keyword" json:"test_keyword"`
	OnMalformed  string   `mapstructure:"on_malformed" yaml:"on_malformed" json:"on_malformed"`
	OnUnreadable string   `mapstructure:"on_unreadable" yaml:"on_unreadable" json:"on_unreadable"`
	Decode       string   `mapstructure:"decode" yaml:"decode" json:"decode"`
	Exclude      []string `mapstructure:"exclude" yaml:"exclude" json:"exclude"`
}

// SchemaVersion returns the parsed schema version.
func (s ScanConfig) SchemaVersion() types.SchemaVersion {
	v, err := types.ParseSchemaVersion(s.Schema)
	if err != nil {
		return types.SchemaTagged
	}
	return v
}

type OutputConfig struct {
	Format   string `mapstructure:"format" yaml:"format" json:"format"`
	Encoding string `mapstructure:"encoding" yaml:"encoding" json:"encoding"`
	File     string `mapstructure:"file" yaml:"file" json:"file"`
}

type ServerConfig struct {
	Host          string        `mapstructure:"host" yaml:"host" json:"host"`
	Port          int           `mapstructure:"port" yaml:"port" json:"port"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent" json:"max_concurrent"`
	Watch         bool          `mapstructure:"watch" yaml:"watch" json:"watch"`
	Debounce      time.Duration `mapstructure:"debounce" yaml:"debounce" json:"debounce"`
}

// DatabaseConfig describes the history store connection.
type DatabaseConfig struct {
	Host           string        `mapstructure:"host" yaml:"host" json:"host"`
	Port           int           `mapstructure:"port" yaml:"port" json:"port"`
	Name           string        `mapstructure:"name" yaml:"name" json:"name"`
	User           string        `mapstructure:"user" yaml:"user" json:"user"`
	Password       string        `mapstructure:"password" yaml:"password" json:"password"`
	SSLMode        string        `mapstructure:"sslmode" yaml:"sslmode" json:"sslmode"`
	Schema         string        `mapstructure:"schema" yaml:"schema" json:"schema"`
	Table          string        `mapstructure:"table" yaml:"table" json:"table"`
	MaxFieldLength int           `mapstructure:"max_field_length" yaml:"max_field_length" json:"max_field_length"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
}

// ArchiveConfig describes the S3-compatible bundle archive.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region" json:"region"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key" json:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl" json:"use_ssl"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
}

// RepoConfig controls repository materialization.
type RepoConfig struct {
	Branch   string `mapstructure:"branch" yaml:"branch" json:"branch"`
	TokenEnv string `mapstructure:"token_env" yaml:"token_env" json:"token_env"`
	Keep     bool   `mapstructure:"keep" yaml:"keep" json:"keep"`
	Workdir  string `mapstructure:"workdir" yaml:"workdir" json:"workdir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// SetDefaults registers every default value and environment binding on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("scan.schema", "tagged")
	v.SetDefault("scan.annotation", "xfailflake")
	v.SetDefault("scan.ticket_prefix", "DCOS")
	v.SetDefault("scan.ticket_fields", []string{"reason", "jira"})
	v.SetDefault("scan.since_field", "since")
	v.SetDefault("scan.test_keyword", "def")
	v.SetDefault("scan.on_malformed", "abort")
	v.SetDefault("scan.on_unreadable", "abort")
	v.SetDefault("scan.decode", "replace")
	v.SetDefault("scan.exclude", []string{})

	v.SetDefault("output.format", "default")
	v.SetDefault("output.encoding", "json")
	v.SetDefault("output.file", "")

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_concurrent", 1)
	v.SetDefault("server.watch", false)
	v.SetDefault("server.debounce", 300*time.Millisecond)

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5439)
	v.SetDefault("database.name", "events")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "prefer")
	v.SetDefault("database.schema", "dashboards")
	v.SetDefault("database.table", "xfailflake_history_v1")
	v.SetDefault("database.max_field_length", 65535)
	v.SetDefault("database.connect_timeout", 15*time.Second)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.bucket", "xfailflakes")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("archive.prefix", "bundles")

	v.SetDefault("repo.branch", "")
	v.SetDefault("repo.token_env", "GITHUB_TOKEN")
	v.SetDefault("repo.keep", false)
	v.SetDefault("repo.workdir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, name := range []string{"host", "port", "user", "password"} {
		key := "database." + name
		_ = v.BindEnv(key, EnvPrefix+"_DATABASE_"+strings.ToUpper(name), "POSTGRES_"+strings.ToUpper(name))
	}
	_ = v.BindEnv("database.name", EnvPrefix+"_DATABASE_NAME", "POSTGRES_DB")
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// viper does not split comma-separated env values into slices
	if len(config.Scan.TicketFields) == 1 && strings.Contains(config.Scan.TicketFields[0], ",") {
		config.Scan.TicketFields = splitList(config.Scan.TicketFields[0])
	}
	if len(config.Scan.Exclude) == 1 && strings.Contains(config.Scan.Exclude[0], ",") {
		config.Scan.Exclude = splitList(config.Scan.Exclude[0])
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Redacted returns a copy with credentials masked, suitable for printing.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Database.Password = mask(c.Database.Password)
	c.Archive.AccessKey = mask(c.Archive.AccessKey)
	c.Archive.SecretKey = mask(c.Archive.SecretKey)
	c.Scan.TicketFields = append([]string(nil), c.Scan.TicketFields...)
	c.Scan.Exclude = append([]string(nil), c.Scan.Exclude...)
	return c
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate re-checks c, e.g. after command-line overrides.
func (c *Config) Validate() error {
	if err := validateConfig(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// validateConfig validates configuration values for correctness
func validateConfig(config *Config) error {
	if err := validateScanConfig(&config.Scan); err != nil {
		return fmt.Errorf("scan config: %w", err)
	}
	if err := validateOutputConfig(&config.Output); err != nil {
		return fmt.Errorf("output config: %w", err)
	}
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateDatabaseConfig(&config.Database); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if config.Archive.Enabled && config.Archive.Bucket == "" {
		return fmt.Errorf("archive config: bucket is required when archiving is enabled")
	}
	if _, err := parseLogLevel(config.Log.Level); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	if err := oneOf("log.format", config.Log.Format, "text", "json"); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	return nil
}

func validateScanConfig(config *ScanConfig) error {
	if _, err := types.ParseSchemaVersion(config.Schema); err != nil {
		return err
	}
	if !identifierPattern.MatchString(config.Annotation) {
		return fmt.Errorf("annotation %q is not an identifier", config.Annotation)
	}
	if len(config.TicketFields) == 0 {
		return fmt.Errorf("at least one ticket field is required")
	}
	for _, field := range config.TicketFields {
		if !identifierPattern.MatchString(field) {
			return fmt.Errorf("ticket field %q is not an identifier", field)
		}
	}
	if !identifierPattern.MatchString(config.SinceField) {
		return fmt.Errorf("since field %q is not an identifier", config.SinceField)
	}
	if !identifierPattern.MatchString(config.TestKeyword) {
		return fmt.Errorf("test keyword %q is not an identifier", config.TestKeyword)
	}
	if strings.ContainsAny(config.TicketPrefix, " \t\r\n\"'") {
		return fmt.Errorf("ticket prefix %q contains whitespace or quotes", config.TicketPrefix)
	}
	if err := oneOf("on_malformed", config.OnMalformed, "abort", "skip"); err != nil {
		return err
	}
	if err := oneOf("on_unreadable", config.OnUnreadable, "abort", "skip"); err != nil {
		return err
	}
	return oneOf("decode", config.Decode, "replace", "strict")
}

func validateOutputConfig(config *OutputConfig) error {
	if err := oneOf("format", config.Format, "default", "redash"); err != nil {
		return err
	}
	return oneOf("encoding", config.Encoding, "json", "json-pretty", "yaml")
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}
	if config.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", config.MaxConcurrent)
	}
	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\", " "}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %q", char)
			}
		}
	}
	if config.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	return nil
}

func validateDatabaseConfig(config *DatabaseConfig) error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 1-65535", config.Port)
	}
	if config.MaxFieldLength <= 0 {
		return fmt.Errorf("max_field_length must be positive, got %d", config.MaxFieldLength)
	}
	if !identifierPattern.MatchString(config.Schema) {
		return fmt.Errorf("schema %q is not a safe identifier", config.Schema)
	}
	if !identifierPattern.MatchString(config.Table) {
		return fmt.Errorf("table %q is not a safe identifier", config.Table)
	}
	if config.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative")
	}
	return oneOf("sslmode", config.SSLMode, "disable", "allow", "prefer", "require", "verify-ca", "verify-full")
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be one of %s", name, value, strings.Join(allowed, ", "))
}

func parseLogLevel(level string) (string, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error", "":
		return strings.ToLower(level), nil
	}
	return "", fmt.Errorf("unknown log level %q", level)
}
