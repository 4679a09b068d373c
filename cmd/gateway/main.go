// Command gateway boots the Sovereign RAG Gateway: it wires configuration,
// the pipeline stage agents, and the HTTP surface together, then serves
// until SIGINT/SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sovereign-rag/gateway/internal/audit"
	"github.com/sovereign-rag/gateway/internal/budget"
	"github.com/sovereign-rag/gateway/internal/config"
	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/logging"
	"github.com/sovereign-rag/gateway/internal/metrics"
	"github.com/sovereign-rag/gateway/internal/orchestrator"
	"github.com/sovereign-rag/gateway/internal/policy"
	"github.com/sovereign-rag/gateway/internal/provider"
	"github.com/sovereign-rag/gateway/internal/provider/httpcompat"
	"github.com/sovereign-rag/gateway/internal/provider/stub"
	"github.com/sovereign-rag/gateway/internal/redaction"
	"github.com/sovereign-rag/gateway/internal/retrieval"
	"github.com/sovereign-rag/gateway/internal/retrieval/connector/filesystem"
	"github.com/sovereign-rag/gateway/internal/schema"
	"github.com/sovereign-rag/gateway/internal/server"
	"github.com/sovereign-rag/gateway/internal/templates"
	"github.com/sovereign-rag/gateway/internal/trace"
	"github.com/sovereign-rag/gateway/internal/transform"
	"github.com/sovereign-rag/gateway/internal/webhook"
)

const gatewayVersion = "0.1.0"

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "SRG", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	schemas, err := schema.Load()
	if err != nil {
		logger.Error("failed to load contract schemas", slog.Any("error", err))
		os.Exit(1)
	}

	auditWriter, err := audit.New(cfg.Audit.LogPath, schemas)
	if err != nil {
		logger.Error("failed to open audit log", slog.Any("error", err))
		os.Exit(1)
	}
	defer auditWriter.Close()

	policyEngine, policyWatcher := buildPolicyEngine(ctx, cfg.Policy, schemas, logger)
	if policyWatcher != nil {
		defer policyWatcher.Stop()
	}

	redactionEngine := redaction.New()

	budgetTracker := buildBudgetTracker(cfg.Budget, logger)

	providerRouter := buildProviderRouter(cfg.Provider, logger)

	retrievalOrchestrator := buildRetrievalOrchestrator(cfg.RAG, logger)

	templateSandbox, err := templates.NewSandbox(".", false, nil)
	if err != nil {
		logger.Error("failed to build template sandbox", slog.Any("error", err))
		os.Exit(1)
	}
	applier := transform.NewApplier(templates.NewRenderer(templateSandbox))

	deadLetter := buildDeadLetterStore(cfg.Webhook.DeadLetter)
	dispatcher := buildWebhookDispatcher(cfg.Webhook, deadLetter)

	traceCollector := buildTraceCollector(cfg.Tracing, logger)

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	orch := orchestrator.New(orchestrator.Config{
		Policy:                 policyEngine,
		PolicyMode:             gwtypes.PolicyMode(strings.ToLower(cfg.Policy.Mode)),
		Redaction:              redactionEngine,
		RedactionEnabled:       redactionEngine != nil,
		Retrieval:              retrievalOrchestrator,
		DefaultAllowConnectors: cfg.RAG.AllowConnectors,
		DefaultTopK:            cfg.RAG.DefaultTopK,
		Budget:                 budgetTracker,
		Router:                 providerRouter,
		DefaultProvider:        cfg.Provider.Default,
		Transform:              applier,
		Audit:                  auditWriter,
		Webhook:                dispatcher,
		Trace:                  traceCollector,
		Metrics:                metricsRecorder,
		GatewayVersion:         gatewayVersion,
		Logger:                 logger,
	})

	router := server.NewRouter(server.Dependencies{
		Orchestrator: orch,
		Trace:        traceCollector,
		Metrics:      metricsRecorder,
		Config:       cfg,
		Logger:       logger,
	})

	srv, err := server.New(cfg, logger, router)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// reloadablePolicyEngine lets a hot-reloaded *policy.RuleEngine swap
// underneath the orchestrator's policy.Engine field without reconstructing
// the orchestrator on every bundle change.
type reloadablePolicyEngine struct {
	current atomic.Pointer[policy.RuleEngine]
}

func (r *reloadablePolicyEngine) Evaluate(ctx context.Context, input gwtypes.PolicyInput) (gwtypes.PolicyDecision, error) {
	return r.current.Load().Evaluate(ctx, input)
}

func buildPolicyEngine(ctx context.Context, cfg config.PolicyConfig, schemas *schema.Registry, logger *slog.Logger) (policy.Engine, *config.BundleWatcher) {
	if cfg.BundlePath != "" {
		engine, _, err := config.LoadPolicyBundle(cfg.BundlePath)
		if err != nil {
			logger.Error("failed to load policy bundle", slog.Any("error", err))
			os.Exit(1)
		}
		reloadable := &reloadablePolicyEngine{}
		reloadable.current.Store(engine)
		watcher, err := config.WatchPolicyBundle(ctx, cfg.BundlePath, func(next *policy.RuleEngine, _ config.PolicyBundle) {
			reloadable.current.Store(next)
			logger.Info("policy bundle reloaded", slog.String("path", cfg.BundlePath))
		}, func(err error) {
			logger.Error("policy bundle watch error", slog.Any("error", err))
		})
		if err != nil {
			logger.Warn("policy bundle watcher setup failed, continuing without hot reload", slog.Any("error", err))
		}
		return reloadable, watcher
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	client := policy.NewHTTPClient(policy.HTTPClientConfig{
		URL:     cfg.URL,
		Timeout: timeout,
	}, schemas)
	return client, nil
}

func buildBudgetTracker(cfg config.BudgetConfig, logger *slog.Logger) budget.Tracker {
	if !cfg.Enabled {
		return nil
	}
	limits := budget.Limits{
		WindowSeconds:  cfg.WindowSeconds,
		DefaultCeiling: cfg.DefaultCeiling,
		Overrides:      cfg.Overrides,
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "memory":
		return budget.NewMemory(limits)
	case "redis":
		tracker, err := budget.NewRedis(parseRedisConfig(cfg.RedisURL), limits)
		if err != nil {
			// Fail closed: a budget ceiling silently downgraded to a
			// per-host memory window is not the configured control.
			logger.Error("redis budget backend initialization failed", slog.Any("error", err))
			os.Exit(1)
		}
		return tracker
	default:
		logger.Warn("unsupported budget backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return budget.NewMemory(limits)
	}
}

// providerSecondaryConfig is the decoded shape of ProviderConfig.SecondariesJSON:
// one entry per registered provider, including the default.
type providerSecondaryConfig struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"baseUrl"`
	APIKey         string   `json:"apiKey"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	Priority       int      `json:"priority"`
	Chat           bool     `json:"chat"`
	Embeddings     bool     `json:"embeddings"`
	Streaming      bool     `json:"streaming"`
	ModelPrefixes  []string `json:"modelPrefixes"`
}

// parseRedisConfig turns a redis://[user:pass@]host:port[/db] URL into the
// discrete fields budget.RedisConfig expects.
func parseRedisConfig(redisURL string) budget.RedisConfig {
	u, err := url.Parse(redisURL)
	if err != nil {
		return budget.RedisConfig{Address: redisURL}
	}
	cfg := budget.RedisConfig{Address: u.Host}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.DB = n
		}
	}
	return cfg
}

func buildProviderRouter(cfg config.ProviderConfig, logger *slog.Logger) *provider.Router {
	registry := provider.NewRegistry()

	if strings.TrimSpace(cfg.SecondariesJSON) != "" {
		var entries []providerSecondaryConfig
		if err := json.Unmarshal([]byte(cfg.SecondariesJSON), &entries); err != nil {
			logger.Error("failed to decode provider.secondariesJson", slog.Any("error", err))
		}
		for _, e := range entries {
			timeout := time.Duration(e.TimeoutSeconds) * time.Second
			p := httpcompat.New(httpcompat.Config{BaseURL: e.BaseURL, APIKey: e.APIKey, Timeout: timeout})
			registry.Register(provider.Entry{
				Name: e.Name,
				Chat: p,
				Embeddings: p,
				Capabilities: provider.Capabilities{
					Chat:          e.Chat,
					Streaming:     e.Streaming,
					Embeddings:    e.Embeddings,
					ModelPrefixes: e.ModelPrefixes,
				},
				Priority: e.Priority,
				Enabled:  true,
			})
		}
	}

	if len(registry.Names()) == 0 {
		s := stub.New("stub")
		registry.Register(provider.Entry{
			Name:         "stub",
			Chat:         s,
			Embeddings:   s,
			Capabilities: provider.Capabilities{Chat: true, Streaming: true, Embeddings: true},
			Priority:     0,
			Enabled:      true,
		})
		logger.Info("no upstream providers configured, serving from the deterministic stub provider")
	}
	if _, ok := registry.Get(cfg.Default); !ok {
		logger.Warn("provider.default is not a registered provider", slog.String("default", cfg.Default))
	}

	return provider.NewRouter(registry, nil, cfg.FallbackEnabled)
}

func buildRetrievalOrchestrator(cfg config.RAGConfig, logger *slog.Logger) *retrieval.Orchestrator {
	registry := retrieval.NewRegistry()
	for name, connCfg := range cfg.Connectors {
		switch strings.ToLower(connCfg.Type) {
		case "filesystem":
			conn, err := filesystem.New(filesystem.Config{Name: name, RootDir: connCfg.Root})
			if err != nil {
				logger.Error("failed to build filesystem connector", slog.String("connector", name), slog.Any("error", err))
				continue
			}
			registry.Register(name, conn)
		default:
			logger.Warn("unsupported connector type, skipping", slog.String("connector", name), slog.String("type", connCfg.Type))
		}
	}
	return retrieval.NewOrchestrator(registry)
}

func buildDeadLetterStore(cfg config.DeadLetterConfig) *webhook.DeadLetterStore {
	if cfg.Path == "" {
		return nil
	}
	return webhook.NewDeadLetterStore(cfg.Path, cfg.RetentionDays)
}

func buildWebhookDispatcher(cfg config.WebhookConfig, deadLetter *webhook.DeadLetterStore) *webhook.Dispatcher {
	if !cfg.Enabled || len(cfg.Endpoints) == 0 {
		return nil
	}
	endpoints := make([]webhook.Endpoint, len(cfg.Endpoints))
	for i, url := range cfg.Endpoints {
		endpoints[i] = webhook.Endpoint{URL: url, Secret: cfg.Secrets[url]}
	}
	return webhook.NewDispatcher(webhook.Config{
		Endpoints: endpoints,
		Retry: webhook.RetryPolicy{
			MaxRetries:  cfg.Retries,
			BackoffBase: time.Duration(cfg.BackoffSeconds) * time.Second,
		},
		Timeout:        time.Duration(cfg.TimeoutSeconds) * time.Second,
		GatewayVersion: gatewayVersion,
	}, deadLetter)
}

func buildTraceCollector(cfg config.TracingConfig, logger *slog.Logger) *trace.Collector {
	if !cfg.Enabled {
		return nil
	}
	var exporter trace.Exporter
	if cfg.OTLPEndpoint != "" {
		exporter = trace.NewOTLPExporter(trace.OTLPConfig{
			Endpoint:    cfg.OTLPEndpoint,
			ServiceName: cfg.ServiceName,
			Headers:     cfg.OTLPHeaders,
			Timeout:     time.Duration(cfg.OTLPTimeoutSeconds) * time.Second,
		})
	}
	maxTraces := cfg.MaxTraces
	if maxTraces <= 0 {
		maxTraces = 1000
	}
	return trace.NewCollector(maxTraces, exporter, logger)
}
