package providers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aegis-ops/aegis/pkg/apperrors"
	"github.com/aegis-ops/aegis/pkg/resilience/breaker"
	"github.com/aegis-ops/aegis/pkg/resilience/ratelimit"
)

// UsageSink receives metered usage for every successful provider call.
// Implementations typically forward into OTEL counters (pkg/metrics).
type UsageSink func(Usage)

// RouterOption configures a Router during construction, following the
// teacher's gateway.Option functional-options pattern.
type RouterOption func(*routerConfig)

type routerConfig struct {
	breakers      *breaker.Registry
	limiters      *ratelimit.Registry
	usage         UsageSink
	healthPeriod  time.Duration
}

// WithBreakers configures the circuit breaker registry applied to every
// provider call ("no back door" — spec.md §4.3).
func WithBreakers(r *breaker.Registry) RouterOption {
	return func(c *routerConfig) { c.breakers = r }
}

// WithRateLimits configures the rate limiter registry applied to every
// provider call.
func WithRateLimits(r *ratelimit.Registry) RouterOption {
	return func(c *routerConfig) { c.limiters = r }
}

// WithUsageSink configures where metered usage is reported.
func WithUsageSink(sink UsageSink) RouterOption {
	return func(c *routerConfig) { c.usage = sink }
}

// WithHealthPollPeriod sets how often the Router re-polls provider health.
// Defaults to 30s.
func WithHealthPollPeriod(d time.Duration) RouterOption {
	return func(c *routerConfig) { c.healthPeriod = d }
}

// Router wraps a set of Provider adapters with the circuit breaker, rate
// limiter, usage metering, and health-based routing described in
// spec.md §4.3: "All three [providers] are wrapped by a Router applying the
// circuit breaker + rate limiter uniformly before delegating."
type Router struct {
	cfg       routerConfig
	mu        sync.RWMutex
	providers map[string]Provider
	healthy   map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRouter constructs a Router over the given named providers and starts a
// background health poller. Callers must call Close to stop the poller.
func NewRouter(providers map[string]Provider, opts ...RouterOption) *Router {
	cfg := routerConfig{
		breakers:     breaker.NewRegistry(breaker.DefaultConfig()),
		limiters:     ratelimit.NewRegistry(),
		healthPeriod: 30 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}

	r := &Router{
		cfg:       cfg,
		providers: providers,
		healthy:   make(map[string]bool, len(providers)),
		stopCh:    make(chan struct{}),
	}
	for name := range providers {
		r.healthy[name] = true
	}
	go r.pollHealth()
	return r
}

// Close stops the background health poller.
func (r *Router) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Router) pollHealth() {
	ticker := time.NewTicker(r.cfg.healthPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			for name, p := range r.providers {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := p.Health(ctx)
				cancel()
				r.mu.Lock()
				r.healthy[name] = err == nil
				r.mu.Unlock()
			}
		}
	}
}

// Select returns the provider to use for a call, honoring an explicit
// RoutingHint.Provider when set, otherwise picking the cheapest healthy
// provider meeting the task class.
func (r *Router) Select(hint RoutingHint) (Provider, error) {
	if hint.Provider != "" {
		p, ok := r.providers[hint.Provider]
		if !ok {
			return nil, apperrors.Newf(apperrors.KindValidationError, "unknown provider %q", hint.Provider)
		}
		return p, nil
	}

	r.mu.RLock()
	candidates := make([]Provider, 0, len(r.providers))
	for name, p := range r.providers {
		if r.healthy[name] {
			candidates = append(candidates, p)
		}
	}
	r.mu.RUnlock()
	if len(candidates) == 0 {
		return nil, apperrors.New(apperrors.KindUnavailable, "no healthy providers available")
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Cost(hint.TaskClass) < candidates[j].Cost(hint.TaskClass)
	})
	return candidates[0], nil
}

// call wraps fn with the breaker + rate limiter for the chosen provider's
// destination key, then meters successful usage.
func (r *Router) call(ctx context.Context, provider Provider, fn func(context.Context) (Usage, error)) error {
	destination := "provider:" + provider.Name()
	if err := r.cfg.limiters.Allow(ctx, destination); err != nil {
		return err
	}
	var usage Usage
	err := r.cfg.breakers.Call(ctx, destination, func(cctx context.Context) error {
		u, err := fn(cctx)
		usage = u
		return err
	})
	if err != nil {
		return err
	}
	if r.cfg.usage != nil {
		r.cfg.usage(usage)
	}
	return nil
}

// GenerateText routes a GenerateText call per hint.
func (r *Router) GenerateText(ctx context.Context, prompt string, hint RoutingHint) (string, error) {
	p, err := r.Select(hint)
	if err != nil {
		return "", err
	}
	var text string
	err = r.call(ctx, p, func(cctx context.Context) (Usage, error) {
		t, u, err := p.GenerateText(cctx, prompt, hint.TaskClass)
		text = t
		return u, err
	})
	return text, err
}

// Embed routes an Embed call per hint.
func (r *Router) Embed(ctx context.Context, text string, hint RoutingHint) ([]float32, error) {
	p, err := r.Select(hint)
	if err != nil {
		return nil, err
	}
	var vec []float32
	err = r.call(ctx, p, func(cctx context.Context) (Usage, error) {
		v, u, err := p.Embed(cctx, text)
		vec = v
		return u, err
	})
	return vec, err
}

// KnowledgeQuery routes a KnowledgeQuery call per hint.
func (r *Router) KnowledgeQuery(ctx context.Context, query string, hint RoutingHint) ([]KnowledgeSnippet, error) {
	p, err := r.Select(hint)
	if err != nil {
		return nil, err
	}
	var snippets []KnowledgeSnippet
	err = r.call(ctx, p, func(cctx context.Context) (Usage, error) {
		s, u, err := p.KnowledgeQuery(cctx, query)
		snippets = s
		return u, err
	})
	return snippets, err
}

// SafetyCheck routes a SafetyCheck call per hint.
func (r *Router) SafetyCheck(ctx context.Context, content string, hint RoutingHint) (SafetyResult, error) {
	p, err := r.Select(hint)
	if err != nil {
		return SafetyResult{}, err
	}
	var result SafetyResult
	err = r.call(ctx, p, func(cctx context.Context) (Usage, error) {
		res, err := p.SafetyCheck(cctx, content)
		result = res
		return Usage{Provider: p.Name()}, err
	})
	return result, err
}

// InvokeNamedAction routes an InvokeNamedAction call per hint.
func (r *Router) InvokeNamedAction(ctx context.Context, name string, params map[string]any, hint RoutingHint) (map[string]any, error) {
	p, err := r.Select(hint)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	err = r.call(ctx, p, func(cctx context.Context) (Usage, error) {
		res, u, err := p.InvokeNamedAction(cctx, name, params)
		result = res
		return u, err
	})
	return result, err
}
