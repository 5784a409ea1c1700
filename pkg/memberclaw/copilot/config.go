// Package copilot – config.go defines the configuration of the membership
// assistant service.
package copilot

import (
	"fmt"
	"net/url"
	"time"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/assistant"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/channels/whatsapp"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/database"
)

// Config holds all service configuration.
type Config struct {
	// Name is the service name used in logs.
	Name string `yaml:"name"`

	// Assistant configures the hosted assistant API.
	Assistant assistant.Config `yaml:"assistant"`

	// Session configures per-user quotas.
	Session SessionConfig `yaml:"session"`

	// Turn configures the run orchestrator.
	Turn TurnConfig `yaml:"turn"`

	// Tools configures tool dispatch.
	Tools ToolExecutorConfig `yaml:"tools"`

	// Reply configures user-facing texts and outbound chunking.
	Reply ReplyConfig `yaml:"reply"`

	// Members configures the member backend.
	Members MembersConfig `yaml:"members"`

	// Channels configures messaging channels.
	Channels ChannelsConfig `yaml:"channels"`

	// Webhook configures the HTTP server.
	Webhook WebhookConfig `yaml:"webhook"`

	// Database configures the member database.
	Database database.Config `yaml:"database"`

	// Maintenance configures scheduled jobs.
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures Prometheus collection.
	Metrics MetricsConfig `yaml:"metrics"`
}

// MembersConfig configures the member backend.
type MembersConfig struct {
	// EmailDomain is the domain of generated membership emails.
	EmailDomain string `yaml:"email_domain"`

	// PasswordResetTTL is how long password reset links stay valid.
	PasswordResetTTL time.Duration `yaml:"password_reset_ttl"`
}

// ChannelsConfig holds configuration for all channels.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`

	// MaxConcurrent caps inbound messages processed at once across users.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// WebhookConfig configures the HTTP server.
type WebhookConfig struct {
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default ":8085").
	Address string `yaml:"address"`

	// AuthToken protects /webhook and /api routes. Empty disables auth.
	AuthToken string `yaml:"auth_token"`

	// InboundTimeout bounds handling of one inbound request, including the
	// turn and reply delivery. It is detached from the client connection
	// (default 3m).
	InboundTimeout time.Duration `yaml:"inbound_timeout"`

	// OutboundURL is the provider send endpoint replies are POSTed to when
	// no WhatsApp session is connected. Required for webhook-only mode.
	OutboundURL string `yaml:"outbound_url"`

	// OutboundToken is sent as a bearer token to OutboundURL.
	OutboundToken string `yaml:"outbound_token"`
}

// MaintenanceConfig configures background jobs.
type MaintenanceConfig struct {
	// PruneSchedule is the cron expression for session pruning and expired
	// password reset cleanup (default "@hourly").
	PruneSchedule string `yaml:"prune_schedule"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// MetricsConfig configures Prometheus collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "memberclaw",
		Assistant: assistant.DefaultConfig(),
		Session:   DefaultSessionConfig(),
		Turn:      DefaultTurnConfig(),
		Tools: ToolExecutorConfig{
			Timeout:     DefaultToolTimeout,
			MaxParallel: 4,
		},
		Reply: DefaultReplyConfig(),
		Members: MembersConfig{
			EmailDomain:      "members.example.org",
			PasswordResetTTL: time.Hour,
		},
		Channels: ChannelsConfig{
			WhatsApp:      whatsapp.DefaultConfig(),
			MaxConcurrent: 32,
		},
		Webhook: WebhookConfig{
			Address:        ":8085",
			InboundTimeout: 3 * time.Minute,
		},
		Database: database.DefaultConfig(),
		Maintenance: MaintenanceConfig{
			PruneSchedule: "@hourly",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Assistant.AssistantID == "" {
		return fmt.Errorf("assistant.assistant_id is required")
	}
	if c.Assistant.APIKey == "" || IsEnvReference(c.Assistant.APIKey) {
		return fmt.Errorf("no assistant API key: run 'memberclaw auth set-key' or set MEMBERCLAW_API_KEY")
	}
	if c.Turn.AssistantID == "" {
		c.Turn.AssistantID = c.Assistant.AssistantID
	}
	if c.Reply.ChunkChars > DefaultReplyChunkChars {
		return fmt.Errorf("reply.chunk_chars %d exceeds the transport limit %d", c.Reply.ChunkChars, DefaultReplyChunkChars)
	}
	if c.Webhook.OutboundURL != "" {
		u, err := url.Parse(c.Webhook.OutboundURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook.outbound_url %q is not an http(s) URL", c.Webhook.OutboundURL)
		}
	}
	return nil
}
