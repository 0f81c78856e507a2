package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"github.com/eugener/radagast/internal/app"
	"github.com/eugener/radagast/internal/auth"
	"github.com/eugener/radagast/internal/catalog"
	"github.com/eugener/radagast/internal/circuitbreaker"
	"github.com/eugener/radagast/internal/cloudauth"
	"github.com/eugener/radagast/internal/config"
	"github.com/eugener/radagast/internal/provider"
	"github.com/eugener/radagast/internal/provider/anthropic"
	"github.com/eugener/radagast/internal/provider/bedrock"
	"github.com/eugener/radagast/internal/provider/gemini"
	"github.com/eugener/radagast/internal/provider/ollama"
	"github.com/eugener/radagast/internal/provider/openaicompat"
	"github.com/eugener/radagast/internal/ratelimit"
	"github.com/eugener/radagast/internal/server"
	"github.com/eugener/radagast/internal/session"
	"github.com/eugener/radagast/internal/storage/sqlite"
	"github.com/eugener/radagast/internal/telemetry"
	"github.com/eugener/radagast/internal/tokencount"
	"github.com/eugener/radagast/internal/worker"
)

const (
	defaultProviderTimeout = 60 * time.Second
	dnsRefreshEvery        = 5 * time.Minute

	breakerFailureThreshold = 5
	breakerBaseBackoff      = 30 * time.Second
	breakerMaxBackoff       = 10 * time.Minute
)

func run(configPath string) error {
	// The default config file is optional; an explicitly named one is not.
	if _, err := os.Stat(configPath); os.IsNotExist(err) && configPath == "radagast.yaml" {
		configPath = ""
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting radagast", "version", version, "addr", cfg.Server.Addr)

	// Usage log database.
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Model registry.
	registry, err := catalog.Open(cfg.Registry.Path)
	if err != nil {
		return err
	}

	// Shared DNS cache for provider transports, refreshed in the background.
	resolver := &dnscache.Resolver{}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go func() {
		t := time.NewTicker(dnsRefreshEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				resolver.Refresh(true)
			case <-workerCtx.Done():
				return
			}
		}
	}()

	// Telemetry.
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}

	tracingShutdown := func(context.Context) error { return nil }
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(workerCtx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
		} else {
			tracingShutdown = shutdown
		}
	}

	// Provider adapters.
	providers := provider.NewRegistry()
	registerProviders(workerCtx, providers, cfg, resolver)
	if len(providers.List()) == 0 {
		slog.Warn("no providers registered, all chat requests will fail")
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: breakerFailureThreshold,
		BaseBackoff:      breakerBaseBackoff,
		MaxBackoff:       breakerMaxBackoff,
	})
	engine := app.New(registry, providers, breakers, metrics, slog.Default())

	// Auth.
	authn, err := auth.New(auth.Config{
		Enabled:      cfg.Auth.Enabled,
		Secret:       cfg.Auth.Secret,
		Algorithm:    cfg.Auth.Algorithm,
		ExcludePaths: cfg.Auth.ExcludePaths,
	})
	if err != nil {
		return err
	}

	// Session store.
	var sessions session.Store
	switch cfg.Session.Store {
	case "redis":
		opts, err := redis.ParseURL(cfg.Session.RedisURL)
		if err != nil {
			return err
		}
		sessions = session.NewRedis(redis.NewClient(opts), cfg.Session.Prefix)
	default:
		sessions, err = session.NewMemory(cfg.Session.MaxEntries)
		if err != nil {
			return err
		}
	}

	// Rate limiting.
	var (
		limiter   *ratelimit.Limiter
		rlEvicter worker.StaleEvicter
	)
	if cfg.RateLimit.Enabled {
		var rlStore ratelimit.Store
		if cfg.RateLimit.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
			if err != nil {
				return err
			}
			rs := ratelimit.NewRedisStore(redis.NewClient(opts), slog.Default())
			rlStore, rlEvicter = rs, rs
		} else {
			ms := ratelimit.NewMemoryStore()
			rlStore, rlEvicter = ms, ms
		}
		limiter = ratelimit.New(ratelimit.Config{
			Enabled:   true,
			PerMinute: cfg.RateLimit.PerMinute,
			PerHour:   cfg.RateLimit.PerHour,
		}, rlStore)
	}

	// Background workers.
	recorder := worker.NewUsageRecorder(store, metrics)
	runner := worker.NewRunner(
		recorder,
		worker.NewUsageRollupWorker(store),
		worker.NewSweeper(map[string]worker.StaleEvicter{
			"ratelimit": rlEvicter,
			"breakers":  breakers,
		}),
	)
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	handler := server.New(server.Deps{
		Auth:           authn,
		Engine:         engine,
		Providers:      providers,
		Sessions:       sessions,
		SessionTTL:     cfg.Session.TTL,
		Limiter:        limiter,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     store.Ping,
		Usage:          recorder,
		TokenCounter:   tokencount.NewCounter(),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("radagast ready", "addr", cfg.Server.Addr, "providers", providers.List())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Drain HTTP first so in-flight requests can still enqueue usage, then
	// stop the workers (the recorder drains its queue), then tracing.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown", "error", err)
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		slog.Error("tracing shutdown", "error", err)
	}

	slog.Info("radagast stopped")
	return nil
}

// defaultProviderEntries enables every built-in adapter when the config file
// lists none; adapters with missing credentials register but report
// unavailable.
func defaultProviderEntries() []config.ProviderEntry {
	names := []string{"anthropic", "azure_openai", "gemini", "ollama", "bedrock", "groq", "lightllm"}
	entries := make([]config.ProviderEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, config.ProviderEntry{Name: n})
	}
	return entries
}

// registerProviders builds and registers an adapter per enabled config
// entry. A provider that cannot be constructed is skipped with a warning;
// startup proceeds with the rest.
func registerProviders(ctx context.Context, reg *provider.Registry, cfg *config.Config, resolver *dnscache.Resolver) {
	entries := cfg.Providers
	if len(entries) == 0 {
		entries = defaultProviderEntries()
	}

	for _, p := range entries {
		if !p.IsEnabled() {
			continue
		}
		timeout := defaultProviderTimeout
		if p.TimeoutMs > 0 {
			timeout = time.Duration(p.TimeoutMs) * time.Millisecond
		}
		baseURL := baseURLFor(p)

		switch p.Name {
		case "anthropic":
			client := &http.Client{Transport: provider.NewTransport(resolver, true)}
			reg.Register(p.Name, anthropic.New(baseURL, modelFor(p), timeout, client))

		case "gemini":
			client := &http.Client{Transport: provider.NewTransport(resolver, true)}
			reg.Register(p.Name, gemini.New(baseURL, modelFor(p), timeout, client))

		case "ollama":
			// Local endpoint, h2c not assumed.
			client := &http.Client{Transport: provider.NewTransport(resolver, false)}
			reg.Register(p.Name, ollama.New(baseURL, modelFor(p), timeout, client))

		case "bedrock":
			region := p.Region
			if region == "" {
				region = os.Getenv("AWS_REGION")
			}
			if region == "" {
				slog.Warn("skipping provider, no region", "name", p.Name)
				continue
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				slog.Warn("skipping provider", "name", p.Name, "error", err)
				continue
			}
			transport := cloudauth.NewAWSSigV4Transport(
				provider.NewTransport(resolver, true), awsCfg.Credentials, region, "bedrock-runtime")
			client := &http.Client{Transport: transport}
			reg.Register(p.Name, bedrock.New(baseURL, region, modelFor(p), timeout, client))

		case "azure_openai":
			var transport http.RoundTripper = provider.NewTransport(resolver, true)
			tenantID := os.Getenv("AZURE_TENANT_ID")
			clientID := os.Getenv("AZURE_CLIENT_ID")
			clientSecret := os.Getenv("AZURE_CLIENT_SECRET")
			if tenantID != "" && clientID != "" && clientSecret != "" {
				transport = cloudauth.NewEntraTransport(ctx, transport, tenantID, clientID, clientSecret,
					"https://cognitiveservices.azure.com/.default")
			}
			deployment := p.Deployment
			if deployment == "" {
				deployment = os.Getenv("AZURE_OPENAI_DEPLOYMENT")
			}
			apiVersion := p.APIVersion
			if apiVersion == "" {
				apiVersion = os.Getenv("AZURE_OPENAI_API_VERSION")
			}
			reg.Register(p.Name, openaicompat.New(openaicompat.Config{
				Name:         p.Name,
				BaseURL:      baseURL,
				APIKeyEnv:    credentialEnvFor(p),
				Hosting:      "azure",
				Deployment:   deployment,
				APIVersion:   apiVersion,
				DefaultModel: modelFor(p),
				Timeout:      timeout,
			}, &http.Client{Transport: transport}))

		case "groq", "lightllm":
			client := &http.Client{Transport: provider.NewTransport(resolver, p.Name == "groq")}
			reg.Register(p.Name, openaicompat.New(openaicompat.Config{
				Name:         p.Name,
				BaseURL:      baseURL,
				APIKeyEnv:    credentialEnvFor(p),
				DefaultModel: modelFor(p),
				Timeout:      timeout,
			}, client))

		default:
			slog.Warn("unknown provider, skipping", "name", p.Name)
		}
	}
}

// envPrefix uppercases the provider name for its env var family,
// e.g. azure_openai -> AZURE_OPENAI.
func envPrefix(name string) string {
	return strings.ToUpper(name)
}

func baseURLFor(p config.ProviderEntry) string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	if p.Name == "azure_openai" {
		return os.Getenv("AZURE_OPENAI_ENDPOINT")
	}
	if u := os.Getenv(envPrefix(p.Name) + "_BASE_URL"); u != "" {
		return u
	}
	if p.Name == "groq" {
		return "https://api.groq.com/openai/v1"
	}
	return ""
}

func modelFor(p config.ProviderEntry) string {
	return os.Getenv(envPrefix(p.Name) + "_MODEL")
}

func credentialEnvFor(p config.ProviderEntry) string {
	if p.CredentialEnv != "" {
		return p.CredentialEnv
	}
	return envPrefix(p.Name) + "_API_KEY"
}
