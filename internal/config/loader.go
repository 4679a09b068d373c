package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalEnvKeys maps the lowercased, underscore-collapsed form of a
// camelCase koanf path back to its correct casing, since SRG_BUDGET__DEFAULTCEILING
// loses the camelCase boundary the env provider can't recover on its own.
var canonicalEnvKeys = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"models.default":                   "models.default",
	"rag.defaulttopk":                  "rag.defaultTopK",
	"rag.allowconnectors":              "rag.allowConnectors",
	"policy.timeoutseconds":            "policy.timeoutSeconds",
	"policy.bundlepath":                "policy.bundlePath",
	"provider.default":                 "provider.default",
	"provider.secondariesjson":         "provider.secondariesJson",
	"provider.fallbackenabled":         "provider.fallbackEnabled",
	"audit.logpath":                    "audit.logPath",
	"budget.windowseconds":             "budget.windowSeconds",
	"budget.defaultceiling":            "budget.defaultCeiling",
	"budget.redisurl":                  "budget.redisUrl",
	"webhook.timeoutseconds":           "webhook.timeoutSeconds",
	"webhook.backoffseconds":           "webhook.backoffSeconds",
	"webhook.deadletter.path":          "webhook.deadLetter.path",
	"webhook.deadletter.backend":       "webhook.deadLetter.backend",
	"webhook.deadletter.retentiondays": "webhook.deadLetter.retentionDays",
	"tracing.maxtraces":                "tracing.maxTraces",
	"tracing.otlpendpoint":             "tracing.otlpEndpoint",
	"tracing.otlptimeoutseconds":       "tracing.otlpTimeoutSeconds",
	"tracing.otlpheaders":              "tracing.otlpHeaders",
	"tracing.servicename":              "tracing.serviceName",
	"auth.apikeys":                     "auth.apiKeys",
}

// Load assembles the effective snapshot so the lifecycle agent can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SRG_AUDIT__LOGPATH -> audit.logpath).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalEnvKeys[lower]; ok {
				return mapped
			}
			// Single underscores are removed so values without explicit nesting still collapse.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"models": map[string]any{
			"default": cfg.Models.Default,
		},
		"rag": map[string]any{
			"enabled":         cfg.RAG.Enabled,
			"defaultTopK":     cfg.RAG.DefaultTopK,
			"allowConnectors": cfg.RAG.AllowConnectors,
		},
		"policy": map[string]any{
			"url":            cfg.Policy.URL,
			"mode":           cfg.Policy.Mode,
			"timeoutSeconds": cfg.Policy.TimeoutSeconds,
			"bundlePath":     cfg.Policy.BundlePath,
		},
		"provider": map[string]any{
			"default":         cfg.Provider.Default,
			"secondariesJson": cfg.Provider.SecondariesJSON,
			"fallbackEnabled": cfg.Provider.FallbackEnabled,
		},
		"audit": map[string]any{
			"logPath": cfg.Audit.LogPath,
		},
		"budget": map[string]any{
			"enabled":        cfg.Budget.Enabled,
			"backend":        cfg.Budget.Backend,
			"windowSeconds":  cfg.Budget.WindowSeconds,
			"defaultCeiling": cfg.Budget.DefaultCeiling,
			"redisUrl":       cfg.Budget.RedisURL,
		},
		"webhook": map[string]any{
			"enabled":        cfg.Webhook.Enabled,
			"timeoutSeconds": cfg.Webhook.TimeoutSeconds,
			"retries":        cfg.Webhook.Retries,
			"backoffSeconds": cfg.Webhook.BackoffSeconds,
			"deadLetter": map[string]any{
				"backend":       cfg.Webhook.DeadLetter.Backend,
				"path":          cfg.Webhook.DeadLetter.Path,
				"retentionDays": cfg.Webhook.DeadLetter.RetentionDays,
			},
		},
		"tracing": map[string]any{
			"enabled":            cfg.Tracing.Enabled,
			"maxTraces":          cfg.Tracing.MaxTraces,
			"otlpEndpoint":       cfg.Tracing.OTLPEndpoint,
			"otlpTimeoutSeconds": cfg.Tracing.OTLPTimeoutSeconds,
			"serviceName":        cfg.Tracing.ServiceName,
		},
	}
}
