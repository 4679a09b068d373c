package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every gateway setting: the bootstrap knobs under Server (a
// listener, logging) and one section per pipeline stage.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Models   ModelsConfig   `koanf:"models"`
	RAG      RAGConfig      `koanf:"rag"`
	Policy   PolicyConfig   `koanf:"policy"`
	Provider ProviderConfig `koanf:"provider"`
	Audit    AuditConfig    `koanf:"audit"`
	Budget   BudgetConfig   `koanf:"budget"`
	Webhook  WebhookConfig  `koanf:"webhook"`
	Tracing  TracingConfig  `koanf:"tracing"`
}

// ServerConfig collects the bootstrap knobs owned by the HTTP lifecycle.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// AuthConfig controls the bearer-token gate in front of every /v1/* route.
type AuthConfig struct {
	// APIKeys is the accepted set of bearer tokens. Health/ready/metrics bypass this.
	APIKeys []string `koanf:"apiKeys"`
}

// ModelsConfig declares the model catalog surfaced by GET /v1/models and a
// Default model name. Default is not applied to requests: ingress rejects a
// chat or embeddings request that omits model.
type ModelsConfig struct {
	Default string              `koanf:"default"`
	Catalog []ModelCatalogEntry `koanf:"catalog"`
}

type ModelCatalogEntry struct {
	ID    string `koanf:"id"`
	Owner string `koanf:"owner"`
	Chat  bool   `koanf:"chat"`
	Embed bool   `koanf:"embed"`
}

// RAGConfig toggles retrieval and declares per-connector coordinates.
type RAGConfig struct {
	Enabled         bool                       `koanf:"enabled"`
	DefaultTopK     int                        `koanf:"defaultTopK"`
	AllowConnectors []string                   `koanf:"allowConnectors"`
	Connectors      map[string]ConnectorConfig `koanf:"connectors"`
}

// ConnectorConfig carries the coordinates a retrieval adapter needs to reach
// its backing store; which fields matter depends on Type.
type ConnectorConfig struct {
	Type    string `koanf:"type"` // filesystem|postgres|s3|confluence|jira|sharepoint
	Root    string `koanf:"root"`
	DSN     string `koanf:"dsn"`
	Bucket  string `koanf:"bucket"`
	Prefix  string `koanf:"prefix"`
	BaseURL string `koanf:"baseUrl"`
	Token   string `koanf:"token"`
}

// PolicyConfig selects between the HTTP policy client and the in-process
// engine, and carries the enforce/observe fallback mode.
type PolicyConfig struct {
	URL            string `koanf:"url"`
	Mode           string `koanf:"mode"` // enforce|observe
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
	// BundlePath, when set, enables hot-reloaded in-process rule evaluation
	// instead of calling URL.
	BundlePath string `koanf:"bundlePath"`
}

// ProviderConfig names the default provider and carries the JSON blob used
// to register secondary providers for fallback.
type ProviderConfig struct {
	Default         string `koanf:"default"`
	SecondariesJSON string `koanf:"secondariesJson"`
	FallbackEnabled bool   `koanf:"fallbackEnabled"`
}

// AuditConfig points at the append-only audit log file.
type AuditConfig struct {
	LogPath string `koanf:"logPath"`
}

// BudgetConfig configures the sliding-window token tracker.
type BudgetConfig struct {
	Enabled        bool           `koanf:"enabled"`
	Backend        string         `koanf:"backend"` // memory|redis
	WindowSeconds  int            `koanf:"windowSeconds"`
	DefaultCeiling int            `koanf:"defaultCeiling"`
	Overrides      map[string]int `koanf:"overrides"`
	RedisURL       string         `koanf:"redisUrl"`
}

// WebhookConfig configures outbound event delivery and its dead letter store.
type WebhookConfig struct {
	Enabled        bool              `koanf:"enabled"`
	Endpoints      []string          `koanf:"endpoints"`
	Secrets        map[string]string `koanf:"secrets"` // endpoint URL -> HMAC secret, optional
	TimeoutSeconds int               `koanf:"timeoutSeconds"`
	Retries        int               `koanf:"retries"`
	BackoffSeconds int               `koanf:"backoffSeconds"`
	DeadLetter     DeadLetterConfig  `koanf:"deadLetter"`
}

type DeadLetterConfig struct {
	Backend       string `koanf:"backend"` // sqlite|jsonl are accepted; the store is always JSONL
	Path          string `koanf:"path"`
	RetentionDays int    `koanf:"retentionDays"`
}

// TracingConfig configures the in-memory span collector and its optional
// OTLP export.
type TracingConfig struct {
	Enabled            bool              `koanf:"enabled"`
	MaxTraces          int               `koanf:"maxTraces"`
	OTLPEndpoint       string            `koanf:"otlpEndpoint"`
	OTLPTimeoutSeconds int               `koanf:"otlpTimeoutSeconds"`
	OTLPHeaders        map[string]string `koanf:"otlpHeaders"`
	ServiceName        string            `koanf:"serviceName"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if len(c.Auth.APIKeys) == 0 {
		return errors.New("config: auth.apiKeys must declare at least one key")
	}
	switch strings.ToLower(strings.TrimSpace(c.Policy.Mode)) {
	case "enforce", "observe":
	default:
		return fmt.Errorf("config: policy.mode invalid: %s", c.Policy.Mode)
	}
	if c.Policy.URL == "" && c.Policy.BundlePath == "" {
		return errors.New("config: policy.url or policy.bundlePath required")
	}
	if c.Audit.LogPath == "" {
		return errors.New("config: audit.logPath required")
	}
	if c.Budget.Enabled {
		if c.Budget.WindowSeconds <= 0 {
			return fmt.Errorf("config: budget.windowSeconds invalid: %d", c.Budget.WindowSeconds)
		}
		if c.Budget.DefaultCeiling <= 0 {
			return fmt.Errorf("config: budget.defaultCeiling invalid: %d", c.Budget.DefaultCeiling)
		}
		backend := strings.ToLower(strings.TrimSpace(c.Budget.Backend))
		switch backend {
		case "", "memory":
		case "redis":
			if c.Budget.RedisURL == "" {
				return errors.New("config: budget.redisUrl required for redis backend")
			}
		default:
			return fmt.Errorf("config: budget.backend unsupported: %s", c.Budget.Backend)
		}
	}
	if c.Webhook.Enabled && c.Webhook.DeadLetter.Backend != "" {
		switch strings.ToLower(strings.TrimSpace(c.Webhook.DeadLetter.Backend)) {
		case "sqlite", "jsonl":
		default:
			return fmt.Errorf("config: webhook.deadLetter.backend unsupported: %s", c.Webhook.DeadLetter.Backend)
		}
	}
	if c.Provider.Default == "" {
		return errors.New("config: provider.default required")
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Models: ModelsConfig{
			Default: "gpt-4o-mini",
		},
		RAG: RAGConfig{
			DefaultTopK: 5,
		},
		Policy: PolicyConfig{
			Mode:           "enforce",
			TimeoutSeconds: 5,
		},
		Provider: ProviderConfig{
			// The deterministic in-process stub serves requests until a real
			// provider is configured via secondariesJson.
			Default:         "stub",
			FallbackEnabled: true,
		},
		Audit: AuditConfig{
			LogPath: "./data/audit.ndjson",
		},
		Budget: BudgetConfig{
			Enabled:        true,
			Backend:        "memory",
			WindowSeconds:  60,
			DefaultCeiling: 100000,
		},
		Webhook: WebhookConfig{
			TimeoutSeconds: 5,
			Retries:        3,
			BackoffSeconds: 2,
			DeadLetter: DeadLetterConfig{
				Backend:       "jsonl",
				RetentionDays: 14,
			},
		},
		Tracing: TracingConfig{
			MaxTraces: 1000,
		},
	}
}
