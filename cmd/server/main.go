// Command server runs the toolrunner orchestrator.
//
// Configuration is loaded from a YAML file (TOOLRUNNER_CONFIG,
// ./config.yaml or /etc/toolrunner/config.yaml) with TOOLRUNNER_*
// environment overrides. See pkg/config for every setting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/client"
	k8sconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/audit"
	"github.com/rhuss/toolrunner/pkg/auth"
	"github.com/rhuss/toolrunner/pkg/auth/apikey"
	"github.com/rhuss/toolrunner/pkg/auth/capability"
	"github.com/rhuss/toolrunner/pkg/auth/jwt"
	"github.com/rhuss/toolrunner/pkg/auth/noop"
	"github.com/rhuss/toolrunner/pkg/config"
	"github.com/rhuss/toolrunner/pkg/debug"
	"github.com/rhuss/toolrunner/pkg/dispatch"
	"github.com/rhuss/toolrunner/pkg/gate"
	"github.com/rhuss/toolrunner/pkg/observability"
	"github.com/rhuss/toolrunner/pkg/orchestrator"
	"github.com/rhuss/toolrunner/pkg/pool"
	"github.com/rhuss/toolrunner/pkg/registry"
	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/runtime/kubernetes"
	"github.com/rhuss/toolrunner/pkg/runtime/process"
	"github.com/rhuss/toolrunner/pkg/sourcecheck"
	"github.com/rhuss/toolrunner/pkg/storage/memory"
	"github.com/rhuss/toolrunner/pkg/storage/postgres"
	"github.com/rhuss/toolrunner/pkg/telemetry"
	transporthttp "github.com/rhuss/toolrunner/pkg/transport/http"
	transportmcp "github.com/rhuss/toolrunner/pkg/transport/mcp"
	"github.com/rhuss/toolrunner/pkg/vault"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// mcpSyncInterval is how often the MCP tool list picks up registrations.
const mcpSyncInterval = 10 * time.Second

// backend is the union of the store interfaces both storage
// implementations satisfy.
type backend interface {
	registry.Store
	gate.WindowStore
	audit.Store
	vault.Store
	Close() error
}

func main() {
	process.Init()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logCfg := cfg.Observability.Logging
	debug.Init(logCfg.Debug, logCfg.Level, logCfg.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx,
		cfg.Observability.Tracing.Endpoint,
		cfg.Observability.Tracing.ServiceName,
		version,
		cfg.Observability.Tracing.Insecure,
	)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store, err := newBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	checker := newChecker(cfg.Validation)
	reg := registry.New(store, checker)

	policy := gate.Policy{
		Inactivity:   cfg.Gate.InactivityTimeout,
		DefaultLimit: cfg.Gate.DefaultSessionsLimit,
	}
	g := gate.New(store, policy)

	tenantTiers := make(map[string]string, len(cfg.Gate.Tenants))
	usages := make([]gate.Usage, 0, len(cfg.Gate.Tenants))
	period := api.BillingPeriodOf(time.Now())
	for _, t := range cfg.Gate.Tenants {
		if t.Tier != "" {
			tenantTiers[t.ID] = t.Tier
		}
		usages = append(usages, gate.Usage{
			TenantID:      t.ID,
			Period:        period,
			SessionsUsed:  t.SessionsUsed,
			SessionsLimit: t.SessionsLimit,
		})
	}
	reconciler := gate.NewReconciler(gate.NewStaticBilling(usages), store, policy, cfg.Gate.ReconcileInterval)

	issuer, err := newIssuer(cfg.Runtime.Kubernetes)
	if err != nil {
		return err
	}
	provs, err := newProvisioners(cfg.Runtime, issuer)
	if err != nil {
		return err
	}
	if len(provs) == 0 {
		return errors.New("no sandbox runtime is available for any language")
	}

	mgr := pool.NewManager(provs, pool.Config{
		Sizing: func(lang api.Language) pool.Sizing {
			s := cfg.Pool.SizingFor(string(lang))
			return pool.Sizing{MinWarm: s.MinWarm, MaxSize: s.MaxSize, IdleTTL: s.IdleTTL, MaxExecutions: s.MaxExecutions}
		},
		Dedicated:        cfg.Pool.Dedicated,
		ScaleInterval:    cfg.Pool.ScaleInterval,
		HealthInterval:   cfg.Pool.HealthInterval,
		ProvisionTimeout: cfg.Pool.ProvisionTimeout,
		MaxQueueWait:     cfg.Pool.MaxQueueWait,
	})
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := mgr.Close(cctx); err != nil {
			slog.Warn("closing worker pools", "error", err)
		}
	}()

	orch := orchestrator.New(mgr, orchestrator.Config{
		DefaultDeadline: cfg.Orchestrator.DefaultDeadline,
		MaxDeadline:     cfg.Orchestrator.MaxDeadline,
		MaxRetries:      cfg.Orchestrator.MaxRetries,
		InitialBackoff:  cfg.Orchestrator.InitialBackoff,
		MaxBackoff:      cfg.Orchestrator.MaxBackoff,
	},
		orchestrator.WithVaultStore(store),
		orchestrator.WithResultStore(store),
	)

	router := dispatch.New(reg, g, orch,
		dispatch.WithResultStore(store),
		dispatch.WithTiers(dispatch.IdentityTier(tenantTiers)),
	)

	chain, err := newAuthChain(cfg)
	if err != nil {
		return err
	}
	var limiter auth.RateLimiter
	if rl := cfg.Auth.RateLimit; rl.RequestsPerMinute > 0 || len(rl.Tiers) > 0 {
		tiers := make(map[string]auth.TierConfig, len(rl.Tiers))
		for name, t := range rl.Tiers {
			tiers[name] = auth.TierConfig{RequestsPerMinute: t.RequestsPerMinute, Burst: t.Burst}
		}
		limiter = auth.NewInProcessLimiter(tiers, rl.RequestsPerMinute)
	}

	services := transporthttp.Services{
		Tools:   reg,
		Usage:   g,
		Results: store,
		Pool:    mgr,
		Vault:   store,
	}
	if issuer != nil {
		services.Capabilities = issuer
	}

	ready := func(w http.ResponseWriter, r *http.Request) {
		if hc, ok := store.(interface{ HealthCheck(context.Context) error }); ok {
			if err := hc.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "storage unavailable: %v\n", err)
				return
			}
		}
		for _, st := range mgr.Stats() {
			if st.MinWarm > 0 && st.Idle+st.Assigned+st.Executing == 0 {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "pool %s has no ready workers\n", st.Language)
				return
			}
		}
		w.Write([]byte("ok\n"))
	}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(":" + strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithHandler("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok\n"))
		})),
		transporthttp.WithHandler("GET /readyz", http.HandlerFunc(ready)),
		transporthttp.WithHTTPMiddleware(
			observability.MetricsMiddleware,
			auth.Middleware(chain, limiter, bypassEndpoints(cfg)),
		),
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts, transporthttp.WithHandler("GET "+cfg.Observability.Metrics.Path, promhttp.Handler()))
	}

	var mcpServer *transportmcp.Server
	if cfg.MCP.Enabled {
		mcpServer = transportmcp.New(router, reg, version)
		if err := mcpServer.Sync(ctx); err != nil {
			return fmt.Errorf("loading tools for MCP: %w", err)
		}
		opts = append(opts, transporthttp.WithHandler(cfg.MCP.Path, mcpServer.Handler()))
	}

	srv := transporthttp.NewServer(router, services, opts...)

	if err := mgr.Warm(ctx); err != nil {
		slog.Warn("warming worker pools", "error", err)
	}

	slog.Info("toolrunner starting",
		"version", version,
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Type,
		"runtime", cfg.Runtime.Type,
		"auth", cfg.Auth.Type,
		"languages", mgr.Languages(),
	)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return srv.Run(gctx) })
	grp.Go(func() error { mgr.Run(gctx); return nil })
	grp.Go(func() error { reconciler.Run(gctx); return nil })
	if mcpServer != nil {
		grp.Go(func() error { mcpServer.Run(gctx, mcpSyncInterval); return nil })
	}
	return grp.Wait()
}

func newBackend(ctx context.Context, cfg config.StorageConfig) (backend, error) {
	switch cfg.Type {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		slog.Info("storage enabled", "type", "postgres")
		return pg, nil
	default:
		slog.Info("storage enabled", "type", "memory", "max_results", cfg.MaxResults)
		return memory.New(cfg.MaxResults), nil
	}
}

func newChecker(cfg config.ValidationConfig) *sourcecheck.Checker {
	opts := []sourcecheck.Option{sourcecheck.WithMaxSourceBytes(cfg.MaxSourceBytes)}
	for lang, idents := range cfg.Forbidden {
		opts = append(opts, sourcecheck.WithForbidden(api.Language(lang), idents))
	}
	return sourcecheck.New(opts...)
}

func newIssuer(cfg config.KubernetesRuntimeConfig) (*capability.Issuer, error) {
	if cfg.CapabilityKey == "" {
		return nil, nil
	}
	issuer, err := capability.NewIssuer([]byte(cfg.CapabilityKey))
	if err != nil {
		return nil, fmt.Errorf("runtime.kubernetes.capability_key: %w", err)
	}
	return issuer, nil
}

// newProvisioners builds one provisioner per language. A local
// interpreter that cannot be found disables its language with a warning.
func newProvisioners(cfg config.RuntimeConfig, issuer *capability.Issuer) ([]runtime.Provisioner, error) {
	switch cfg.Type {
	case "kubernetes":
		return newKubernetesProvisioners(cfg.Kubernetes, issuer)
	default:
		return newProcessProvisioners(cfg.Process), nil
	}
}

func newProcessProvisioners(cfg config.ProcessRuntimeConfig) []runtime.Provisioner {
	interpreters := map[api.Language]string{
		api.LanguagePython:     cfg.PythonPath,
		api.LanguageJavaScript: cfg.NodePath,
	}
	var provs []runtime.Provisioner
	for _, lang := range []api.Language{api.LanguagePython, api.LanguageJavaScript} {
		p, err := process.New(lang, process.Config{
			Interpreter:   interpreters[lang],
			ScratchRoot:   cfg.ScratchRoot,
			MemoryLimit:   cfg.MemoryLimit,
			CPUSeconds:    cfg.CPUSeconds,
			MaxOutput:     cfg.MaxOutput,
			ReadOnlyPaths: cfg.ReadOnlyPaths,
			Unconfined:    cfg.Unconfined,
		})
		if err != nil {
			slog.Warn("language disabled", "language", lang, "error", err)
			continue
		}
		provs = append(provs, p)
	}
	return provs
}

func newKubernetesProvisioners(cfg config.KubernetesRuntimeConfig, issuer *capability.Issuer) ([]runtime.Provisioner, error) {
	scheme, err := kubernetes.NewScheme()
	if err != nil {
		return nil, err
	}
	restCfg, err := k8sconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	var provs []runtime.Provisioner
	for name, template := range cfg.Templates {
		lang, err := api.ParseLanguage(name)
		if err != nil {
			return nil, fmt.Errorf("runtime.kubernetes.templates: %w", err)
		}
		p, err := kubernetes.New(c, lang, kubernetes.Config{
			Namespace:    cfg.Namespace,
			Template:     template,
			ServerPort:   cfg.ServerPort,
			ClaimTimeout: cfg.ClaimTimeout,
			CallbackURL:  cfg.CallbackURL,
			Issuer:       issuer,
		})
		if err != nil {
			return nil, err
		}
		provs = append(provs, p)
	}
	return provs, nil
}

func newAuthChain(cfg *config.Config) (*auth.AuthChain, error) {
	ac := cfg.Auth
	chain := &auth.AuthChain{Tiers: cfg.KnownTiers()}
	switch ac.Type {
	case "apikey":
		entries := make([]apikey.RawKeyEntry, 0, len(ac.APIKeys))
		for _, k := range ac.APIKeys {
			entries = append(entries, apikey.Entry(k.Key, k.Subject, k.TenantID, k.ServiceTier))
		}
		chain.Authenticators = []auth.Authenticator{apikey.New(entries)}
	case "jwt":
		chain.Authenticators = []auth.Authenticator{jwt.New(jwt.Config{
			Issuer:      ac.JWT.Issuer,
			Audience:    ac.JWT.Audience,
			JWKSURL:     ac.JWT.JWKSURL,
			TenantClaim: ac.JWT.TenantClaim,
			TierClaim:   ac.JWT.TierClaim,
		})}
	case "none", "":
		slog.Warn("authentication disabled; tenants are selected with the " + noop.TenantHeader + " header")
		chain.Authenticators = []auth.Authenticator{&noop.Authenticator{}}
	default:
		return nil, fmt.Errorf("unknown auth type %q", ac.Type)
	}
	return chain, nil
}

func bypassEndpoints(cfg *config.Config) []string {
	eps := append([]string{}, auth.DefaultBypassEndpoints...)
	if p := cfg.Observability.Metrics.Path; p != "" && p != "/metrics" {
		eps = append(eps, p)
	}
	return eps
}
