// Package app implements the gateway engine: candidate selection over the
// fallback chain, circuit breaker gating, parameter composition, and outcome
// dispatch for both one-shot and streaming generation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/catalog"
	"github.com/eugener/radagast/internal/circuitbreaker"
	"github.com/eugener/radagast/internal/provider"
	"github.com/eugener/radagast/internal/telemetry"
)

const (
	// healthProbeTimeout bounds each IsAvailable probe in HealthCheckAll.
	healthProbeTimeout = 5 * time.Second
	// rateLimitBackoffMin is the smallest pause before trying the next
	// candidate after an upstream rate limit.
	rateLimitBackoffMin = 250 * time.Millisecond
)

// Gateway routes generation requests across registered providers.
type Gateway struct {
	registry  *catalog.Registry
	providers *provider.Registry
	breakers  *circuitbreaker.Registry
	metrics   *telemetry.Metrics // nil disables instrumentation
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error // injectable for tests
}

// New wires the engine. metrics may be nil; a nil logger selects the default.
func New(registry *catalog.Registry, providers *provider.Registry, breakers *circuitbreaker.Registry, metrics *telemetry.Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry:  registry,
		providers: providers,
		breakers:  breakers,
		metrics:   metrics,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// candidates returns the default provider followed by the fallback chain,
// deduplicated and filtered to registered adapters.
func (g *Gateway) candidates(cat *catalog.Catalog) []string {
	chain := append([]string{cat.DefaultProvider()}, cat.FallbackChain()...)
	seen := make(map[string]struct{}, len(chain))
	out := make([]string, 0, len(chain))
	for _, name := range chain {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if _, err := g.providers.Get(name); err != nil {
			continue
		}
		out = append(out, name)
	}
	return out
}

// compose resolves the model and parameter defaults for one candidate into
// a per-call copy of the request. An explicit req.Config.Model bypasses the
// tier lookup; explicit parameters always win over registry defaults.
func (g *Gateway) compose(cat *catalog.Catalog, agent, providerName string, req *gateway.GenerationRequest) (*gateway.GenerationRequest, error) {
	cfg := req.Config
	if cfg.Model == "" {
		model, err := cat.ModelForAgent(agent, providerName)
		if err != nil {
			return nil, err
		}
		cfg.Model = model
	}

	params := cat.ParamsForAgent(agent)
	if cfg.Temperature == nil {
		t := params.Temperature
		cfg.Temperature = &t
	}
	if cfg.TopP == nil {
		p := params.TopP
		cfg.TopP = &p
	}
	if cfg.MaxTokens == nil {
		m := params.MaxTokens
		cfg.MaxTokens = &m
	}
	if cfg.Timeout <= 0 || (params.Timeout > 0 && params.Timeout < cfg.Timeout) {
		cfg.Timeout = params.Timeout
	}

	eff := *req
	eff.Config = cfg
	return &eff, nil
}

// Generate tries each candidate in order until one succeeds or a
// non-transferable error surfaces.
func (g *Gateway) Generate(ctx context.Context, agent string, req *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cat := g.registry.Current()
	cands := g.candidates(cat)
	if len(cands) == 0 {
		return nil, gateway.E(gateway.KindNoProvider, "", "no provider registered")
	}

	var (
		lastErr       error
		maxRetryAfter time.Duration
		attempts      int
	)
	for _, name := range cands {
		if ctx.Err() != nil {
			break
		}
		b := g.breakers.GetOrCreate(name)
		if !b.Allow() {
			continue
		}
		p, err := g.providers.Get(name)
		if err != nil {
			b.Release()
			continue
		}
		eff, err := g.compose(cat, agent, name, req)
		if err != nil {
			b.Release()
			g.observeDepth(ctx, attempts)
			return nil, err
		}

		attempts++
		resp, err := g.invoke(ctx, p, eff)
		if err == nil {
			g.settleSuccess(name, b)
			g.observeDepth(ctx, attempts)
			return resp, nil
		}

		kind := gateway.KindOf(err)
		g.countUpstreamError(name, kind)
		lastErr = err
		g.logger.LogAttrs(ctx, slog.LevelWarn, "provider attempt failed",
			slog.String("provider", name),
			slog.String("model", eff.Config.Model),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempts))

		switch {
		case kind == gateway.KindCanceled:
			b.Release()
			g.observeDepth(ctx, attempts)
			return nil, err
		case kind.CountsAsFailure():
			g.recordFailure(name, b)
		case kind == gateway.KindRateLimited:
			b.Release()
			ra := gateway.RetryAfterOf(err)
			if ra > maxRetryAfter {
				maxRetryAfter = ra
			}
			g.countRateLimitReject()
			if g.sleep(ctx, jitterBackoff(ra)) != nil {
				g.observeDepth(ctx, attempts)
				return nil, lastErr
			}
		case !kind.Transferable():
			b.Release()
			g.observeDepth(ctx, attempts)
			return nil, err
		default:
			b.Release()
		}
	}

	g.observeDepth(ctx, attempts)
	if attempts == 0 {
		return nil, gateway.E(gateway.KindNoProvider, "", "all providers unavailable")
	}
	return nil, annotateExhaustion(lastErr, maxRetryAfter)
}

// GenerateStream tries candidates until one yields a first chunk that is not
// an error; from then on the provider's stream is bridged through unchanged
// and fallback is no longer possible.
func (g *Gateway) GenerateStream(ctx context.Context, agent string, req *gateway.GenerationRequest) (<-chan gateway.StreamChunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cat := g.registry.Current()
	cands := g.candidates(cat)
	if len(cands) == 0 {
		return nil, gateway.E(gateway.KindNoProvider, "", "no provider registered")
	}

	var (
		lastErr       error
		maxRetryAfter time.Duration
		attempts      int
	)
	for _, name := range cands {
		if ctx.Err() != nil {
			break
		}
		b := g.breakers.GetOrCreate(name)
		if !b.Allow() {
			continue
		}
		p, err := g.providers.Get(name)
		if err != nil {
			b.Release()
			continue
		}
		eff, err := g.compose(cat, agent, name, req)
		if err != nil {
			b.Release()
			g.observeDepth(ctx, attempts)
			return nil, err
		}

		attempts++
		out, err := g.openStream(ctx, p, b, eff)
		if err == nil {
			g.observeDepth(ctx, attempts)
			return out, nil
		}

		kind := gateway.KindOf(err)
		g.countUpstreamError(name, kind)
		lastErr = err
		g.logger.LogAttrs(ctx, slog.LevelWarn, "provider stream attempt failed",
			slog.String("provider", name),
			slog.String("model", eff.Config.Model),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempts))

		switch {
		case kind == gateway.KindCanceled:
			b.Release()
			g.observeDepth(ctx, attempts)
			return nil, err
		case kind.CountsAsFailure():
			g.recordFailure(name, b)
		case kind == gateway.KindRateLimited:
			b.Release()
			ra := gateway.RetryAfterOf(err)
			if ra > maxRetryAfter {
				maxRetryAfter = ra
			}
			g.countRateLimitReject()
			if g.sleep(ctx, jitterBackoff(ra)) != nil {
				g.observeDepth(ctx, attempts)
				return nil, lastErr
			}
		case !kind.Transferable():
			b.Release()
			g.observeDepth(ctx, attempts)
			return nil, err
		default:
			b.Release()
		}
	}

	g.observeDepth(ctx, attempts)
	if attempts == 0 {
		return nil, gateway.E(gateway.KindNoProvider, "", "all providers unavailable")
	}
	return nil, annotateExhaustion(lastErr, maxRetryAfter)
}

// invoke runs one non-streaming call under the composed timeout.
func (g *Gateway) invoke(ctx context.Context, p gateway.Provider, req *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
	if req.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Config.Timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := p.Generate(ctx, req)
	g.observeUpstream(p.Name(), req.Config.Model, time.Since(start))
	return resp, err
}

// openStream starts one streaming call and waits for its first chunk. A
// first chunk carrying an error is returned as that error so the caller can
// fall back; a delta or terminal chunk settles the breaker as success and
// the bridged channel is returned. The composed timeout bounds only the
// wait for the first chunk, never the whole stream.
func (g *Gateway) openStream(ctx context.Context, p gateway.Provider, b *circuitbreaker.Breaker, req *gateway.GenerationRequest) (<-chan gateway.StreamChunk, error) {
	cctx, cancel := context.WithCancel(ctx)
	start := time.Now()
	src, err := p.GenerateStream(cctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	var firstWait <-chan time.Time
	if req.Config.Timeout > 0 {
		t := time.NewTimer(req.Config.Timeout)
		defer t.Stop()
		firstWait = t.C
	}

	select {
	case <-ctx.Done():
		cancel()
		drain(src)
		return nil, gateway.WrapErr(gateway.KindOf(ctx.Err()), p.Name(), ctx.Err())
	case <-firstWait:
		cancel()
		drain(src)
		return nil, gateway.E(gateway.KindTimeout, p.Name(), "no chunk before deadline")
	case first, ok := <-src:
		if !ok {
			cancel()
			return nil, gateway.E(gateway.KindUnavailable, p.Name(), "stream closed without chunks")
		}
		if first.Err != nil {
			cancel()
			drain(src)
			return nil, first.Err
		}
		g.settleSuccess(p.Name(), b)
		out := make(chan gateway.StreamChunk, 8)
		go g.bridge(cancel, p.Name(), req.Config.Model, start, first, src, out)
		return out, nil
	}
}

// bridge forwards the already-received first chunk and the rest of the
// source stream. Terminal error chunks are counted but forwarded as-is:
// after the first delta the failure belongs to the caller's stream.
func (g *Gateway) bridge(cancel context.CancelFunc, providerName, model string, start time.Time, first gateway.StreamChunk, src <-chan gateway.StreamChunk, out chan<- gateway.StreamChunk) {
	defer cancel()
	defer close(out)
	defer func() {
		g.observeUpstream(providerName, model, time.Since(start))
	}()

	out <- first
	if first.Terminal() {
		return
	}
	for c := range src {
		if c.Err != nil {
			g.countUpstreamError(providerName, gateway.KindOf(c.Err))
		}
		out <- c
		if c.Terminal() {
			return
		}
	}
}

// drain discards remaining chunks so a rejected producer can exit.
func drain(src <-chan gateway.StreamChunk) {
	go func() {
		for range src {
		}
	}()
}

// HealthCheckAll probes every registered provider in parallel. Probes never
// touch circuit breakers; this is an observability surface, not selection.
func (g *Gateway) HealthCheckAll(ctx context.Context) gateway.HealthReport {
	names := g.providers.List()
	statuses := make([]gateway.ProviderStatus, len(names))

	eg, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		eg.Go(func() error {
			p, err := g.providers.Get(name)
			if err != nil {
				statuses[i] = gateway.ProviderStatus{Name: name, Detail: "not registered"}
				return nil
			}
			d := p.Describe()
			pctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
			defer cancel()

			st := gateway.ProviderStatus{Name: name, DefaultModel: d.DefaultModel}
			st.Available = p.IsAvailable(pctx)
			if !st.Available {
				if !d.CredentialSet && d.CredentialEnv != "" {
					st.Detail = d.CredentialEnv + " not set"
				} else {
					st.Detail = "unreachable"
				}
			}
			statuses[i] = st
			return nil
		})
	}
	_ = eg.Wait()

	report := gateway.HealthReport{Providers: statuses}
	for _, st := range statuses {
		if st.Available {
			report.Healthy = true
			break
		}
	}
	return report
}

// jitterBackoff returns the pause before the next candidate after an
// upstream rate limit: 250-500ms of jitter, floored by the provider's own
// Retry-After when present.
func jitterBackoff(retryAfter time.Duration) time.Duration {
	d := rateLimitBackoffMin + rand.N(rateLimitBackoffMin)
	if retryAfter > d {
		return retryAfter
	}
	return d
}

// annotateExhaustion attaches the largest observed Retry-After to a
// rate-limited exhaustion error.
func annotateExhaustion(lastErr error, maxRetryAfter time.Duration) error {
	var gerr *gateway.Error
	if errors.As(lastErr, &gerr) && gerr.Kind == gateway.KindRateLimited && maxRetryAfter > gerr.RetryAfter {
		e := *gerr
		e.RetryAfter = maxRetryAfter
		return &e
	}
	return lastErr
}

// --- breaker settlement and metrics ---

func (g *Gateway) settleSuccess(name string, b *circuitbreaker.Breaker) {
	before := b.State()
	b.RecordSuccess()
	if before != circuitbreaker.StateClosed {
		g.countTransition(name, circuitbreaker.StateClosed)
	}
}

func (g *Gateway) recordFailure(name string, b *circuitbreaker.Breaker) {
	before := b.State()
	b.RecordFailure()
	if after := b.State(); after != before {
		g.countTransition(name, after)
	}
}

func (g *Gateway) countTransition(name string, to circuitbreaker.State) {
	if g.metrics == nil {
		return
	}
	g.metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
}

func (g *Gateway) countUpstreamError(name string, kind gateway.ErrorKind) {
	if g.metrics == nil {
		return
	}
	g.metrics.UpstreamErrors.WithLabelValues(name, string(kind)).Inc()
}

func (g *Gateway) countRateLimitReject() {
	if g.metrics == nil {
		return
	}
	g.metrics.RateLimitRejects.WithLabelValues("upstream").Inc()
}

func (g *Gateway) observeUpstream(name, model string, d time.Duration) {
	if g.metrics == nil {
		return
	}
	g.metrics.UpstreamDuration.WithLabelValues(name, model).Observe(d.Seconds())
}

func (g *Gateway) observeDepth(ctx context.Context, attempts int) {
	gateway.SetFallbackDepth(ctx, attempts)
	if g.metrics == nil || attempts == 0 {
		return
	}
	g.metrics.FallbackDepth.Observe(float64(attempts))
}

// String renders the candidate order for startup logging.
func (g *Gateway) String() string {
	return fmt.Sprintf("gateway{providers: %v}", g.providers.List())
}
