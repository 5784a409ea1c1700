// Package copilot – loader.go loads the YAML configuration, expanding
// environment variables and pulling secrets from the environment.
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
// Groups: 1=name, 2=modifier (- or ?), 3=default or message, 4=bare name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Environment variables consulted for the assistant API key, in order.
var apiKeyEnvVars = []string{"MEMBERCLAW_API_KEY", "OPENAI_API_KEY"}

// LoadConfigFromFile reads a YAML config file on top of the defaults.
// A ${VAR:?message} reference to an unset variable is an error.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// LoadConfig loads path, or the first file FindConfigFile finds, or the
// defaults when there is none.
func LoadConfig(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		resolveSecrets(cfg)
		return cfg, "", nil
	}
	cfg, err := LoadConfigFromFile(path)
	return cfg, path, err
}

// ParseConfig parses YAML bytes over DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches the standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"memberclaw.yaml",
		"memberclaw.yml",
		"configs/config.yaml",
		"configs/memberclaw.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Assistant.APIKey = redact(c.Assistant.APIKey)
	out.Webhook.AuthToken = redact(c.Webhook.AuthToken)
	out.Webhook.OutboundToken = redact(c.Webhook.OutboundToken)
	out.Database.PostgreSQL.Password = redact(c.Database.PostgreSQL.Password)
	if out.Database.PostgreSQL.DSN != "" {
		out.Database.PostgreSQL.DSN = "[redacted]"
	}
	return &out
}

// AuditSecrets warns about API keys written in plain text in the file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if looksLikeRealKey(cfg.Assistant.APIKey) && os.Getenv("MEMBERCLAW_API_KEY") != cfg.Assistant.APIKey &&
		os.Getenv("OPENAI_API_KEY") != cfg.Assistant.APIKey {
		logger.Warn("API key appears to be hardcoded in config",
			"hint", "use 'memberclaw auth set-key' or api_key: ${MEMBERCLAW_API_KEY}")
	}
}

// ---------- Internal ----------

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// godotenv.Load never overwrites variables already set.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces variable references with their values. Unset
// plain references are kept as-is so they can be detected later.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+": "+value)
			return ""
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// resolveSecrets fills an empty or placeholder API key from the environment.
func resolveSecrets(cfg *Config) {
	if cfg.Assistant.APIKey != "" && !IsEnvReference(cfg.Assistant.APIKey) {
		return
	}
	for _, name := range apiKeyEnvVars {
		if key := os.Getenv(name); key != "" {
			cfg.Assistant.APIKey = key
			return
		}
	}
}

// resolveRelativePaths makes file paths relative to the config file's
// directory instead of the working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	base := filepath.Dir(configPath)
	if base == "." || base == "" {
		return
	}
	resolve := func(p string) string {
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.Database.SQLite.Path = resolve(cfg.Database.SQLite.Path)
	cfg.Channels.WhatsApp.SessionDir = resolve(cfg.Channels.WhatsApp.SessionDir)
	if cfg.Channels.WhatsApp.DatabasePath != "" {
		cfg.Channels.WhatsApp.DatabasePath = resolve(cfg.Channels.WhatsApp.DatabasePath)
	}
}

// IsEnvReference reports whether s is an unexpanded variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

func looksLikeRealKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-2:]
}

func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
