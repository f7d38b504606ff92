// Package pool is the in-memory registry of providers and their runtime
// health state: consecutive failures, cooldown windows, and the independent
// count-tokens sub-breaker. Grounded on the teacher's internal/cooldown
// package, generalized from a single failure-kind-agnostic counter into the
// explicit health/cooldown/sub-breaker model spec'd in §4.2.
package pool

import (
	"sort"
	"strings"
	"sync"
	"time"

	"gatewayproxy/internal/config"
	"gatewayproxy/internal/errs"
	"gatewayproxy/internal/router"

	"github.com/prometheus/client_golang/prometheus"
)

// state is the mutable runtime state the Pool owns for one provider,
// keyed by config.Provider.Key().
type state struct {
	mu sync.Mutex

	consecutiveFailures int
	cooldownUntil       time.Time

	countTokensFailures int
	countTokensCooldown time.Time
}

func (s *state) healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().After(s.cooldownUntil)
}

// Pool holds every configured provider plus its runtime state, and answers
// the candidate-selection queries the Lifecycle and Token Counter need.
type Pool struct {
	cfg *config.Config

	mu        sync.RWMutex
	states    map[string]*state // keyed by Provider.Key()
	rrCursors map[string]int    // round-robin cursor, keyed by model

	metrics *metrics
}

type metrics struct {
	healthy           *prometheus.GaugeVec
	consecutiveFail   *prometheus.GaugeVec
	countTokensHealthy *prometheus.GaugeVec
}

// New builds a Pool over the given config, registering Prometheus gauges on
// reg (pass nil to skip metrics registration, e.g. in tests).
func New(cfg *config.Config, reg prometheus.Registerer) *Pool {
	p := &Pool{
		cfg:       cfg,
		states:    make(map[string]*state),
		rrCursors: make(map[string]int),
	}
	for _, pr := range cfg.Providers {
		if pr.Enabled {
			p.states[pr.Key()] = &state{}
		}
	}
	if reg != nil {
		p.metrics = &metrics{
			healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gateway_provider_healthy",
				Help: "1 if the provider is currently outside its cooldown window, else 0.",
			}, []string{"provider", "account_email"}),
			consecutiveFail: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gateway_provider_consecutive_failures",
				Help: "Consecutive attempt failures recorded against the provider.",
			}, []string{"provider", "account_email"}),
			countTokensHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gateway_provider_count_tokens_healthy",
				Help: "1 if the provider's count_tokens sub-breaker is closed, else 0.",
			}, []string{"provider", "account_email"}),
		}
		reg.MustRegister(p.metrics.healthy, p.metrics.consecutiveFail, p.metrics.countTokensHealthy)
	}
	return p
}

func (p *Pool) stateFor(pr config.Provider) *state {
	p.mu.RLock()
	s, ok := p.states[pr.Key()]
	p.mu.RUnlock()
	if ok {
		return s
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[pr.Key()]; ok {
		return s
	}
	s = &state{}
	p.states[pr.Key()] = s
	return s
}

// GetByNameAndAccount is §4.2's get_by_name_and_account: an O(n) lookup,
// case-insensitive on email, returning the first enabled match.
func (p *Pool) GetByNameAndAccount(name, email string) (config.Provider, bool) {
	return p.cfg.FindProvider(name, email)
}

// Candidate pairs a resolved provider with the upstream model name to send.
type Candidate struct {
	Provider      config.Provider
	UpstreamModel string
}

// CandidatesForModel is §4.2's candidates_for_model: consult the Router,
// order the resolved entries by the configured selection strategy, then
// drop providers on cooldown and stable-sort the rest by cooldown expiry
// (see sortByCooldown). If every candidate is cooling down, the full list
// is kept rather than returning none.
func (p *Pool) CandidatesForModel(model string) ([]Candidate, error) {
	entries, routeErr := router.Resolve(p.cfg, model)
	if routeErr != nil {
		return nil, routeErr
	}

	var resolved []Candidate
	for _, e := range entries {
		pr, ok := p.cfg.FindProvider(e.Provider, e.AccountEmail)
		if !ok {
			continue
		}
		upstreamModel := e.Model
		if upstreamModel == "" || upstreamModel == "passthrough" {
			upstreamModel = model
		}
		resolved = append(resolved, Candidate{Provider: pr, UpstreamModel: upstreamModel})
	}
	if len(resolved) == 0 {
		return nil, errs.New(errs.ModelNotRouted, "no enabled provider matches any route entry for model "+model, 0, "")
	}

	resolved = p.orderByStrategy(model, resolved)
	resolved = p.sortByCooldown(resolved)
	return resolved, nil
}

func (p *Pool) orderByStrategy(model string, candidates []Candidate) []Candidate {
	if p.cfg.Settings.SelectionStrategy != config.StrategyRoundRobin {
		return candidates
	}
	p.mu.Lock()
	cursor := p.rrCursors[model]
	p.rrCursors[model] = cursor + 1
	p.mu.Unlock()

	n := len(candidates)
	idx := cursor % n
	rotated := make([]Candidate, n)
	copy(rotated, candidates[idx:])
	copy(rotated[n-idx:], candidates[:idx])
	return rotated
}

// sortByCooldown filters out candidates whose cooldown window hasn't
// elapsed yet (§4.2: a cooled provider is excluded from candidate lists
// until now ≥ cooldown_until), stable-sorting what remains by soonest
// cooldown expiry first. If every candidate is currently cooling down, it
// falls back to the full set sorted the same way rather than returning
// none — a request must still be attempted against someone.
func (p *Pool) sortByCooldown(candidates []Candidate) []Candidate {
	now := time.Now()
	until := func(c Candidate) time.Time {
		s := p.stateFor(c.Provider)
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cooldownUntil
	}

	available := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !until(c).After(now) {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		available = append(available, candidates...)
	}

	sort.SliceStable(available, func(i, j int) bool {
		return until(available[i]).Before(until(available[j]))
	})
	return available
}

// IsOnCooldown reports whether the provider is currently excluded from
// selection because of an active cooldown window (P2).
func (p *Pool) IsOnCooldown(pr config.Provider) bool {
	s := p.stateFor(pr)
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.cooldownUntil)
}

// MarkSuccess resets the failure counter and clears any cooldown.
func (p *Pool) MarkSuccess(pr config.Provider) {
	s := p.stateFor(pr)
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.cooldownUntil = time.Time{}
	s.mu.Unlock()
	p.report(pr)
}

// MarkFailure records a failure of the given kind. Only kinds whose
// CountsAgainstHealth is true move the counter; once it reaches
// unhealthy_threshold the provider is cooled down for failure_cooldown
// (or retryAfter, when the upstream specified one via Retry-After).
func (p *Pool) MarkFailure(pr config.Provider, kind errs.Kind, retryAfter time.Duration) {
	if !kind.CountsAgainstHealth() {
		return
	}
	s := p.stateFor(pr)
	s.mu.Lock()
	s.consecutiveFailures++
	if s.consecutiveFailures >= p.cfg.Settings.UnhealthyThreshold {
		cooldown := p.cfg.Settings.FailureCooldown()
		if retryAfter > 0 {
			cooldown = retryAfter
		}
		s.cooldownUntil = time.Now().Add(cooldown)
	}
	s.mu.Unlock()
	p.report(pr)
}

func (p *Pool) report(pr config.Provider) {
	if p.metrics == nil {
		return
	}
	s := p.stateFor(pr)
	s.mu.Lock()
	healthy := 0.0
	if time.Now().After(s.cooldownUntil) {
		healthy = 1.0
	}
	fails := float64(s.consecutiveFailures)
	ctHealthy := 0.0
	if time.Now().After(s.countTokensCooldown) {
		ctHealthy = 1.0
	}
	s.mu.Unlock()

	labels := prometheus.Labels{"provider": pr.Name, "account_email": strings.ToLower(pr.AccountEmail)}
	p.metrics.healthy.With(labels).Set(healthy)
	p.metrics.consecutiveFail.With(labels).Set(fails)
	p.metrics.countTokensHealthy.With(labels).Set(ctHealthy)
}

// IsCountTokensAvailable reports whether the provider's independent
// count_tokens sub-breaker is closed. A failing counter never affects the
// provider's primary health (P8).
func (p *Pool) IsCountTokensAvailable(pr config.Provider) bool {
	s := p.stateFor(pr)
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().After(s.countTokensCooldown)
}

// MarkCountTokensFailed trips the sub-breaker with its own, shorter cooldown.
func (p *Pool) MarkCountTokensFailed(pr config.Provider) {
	s := p.stateFor(pr)
	s.mu.Lock()
	s.countTokensFailures++
	s.countTokensCooldown = time.Now().Add(p.cfg.Settings.CountTokensCooldown())
	s.mu.Unlock()
	p.report(pr)
}

// MarkCountTokensSuccess resets the sub-breaker.
func (p *Pool) MarkCountTokensSuccess(pr config.Provider) {
	s := p.stateFor(pr)
	s.mu.Lock()
	s.countTokensFailures = 0
	s.countTokensCooldown = time.Time{}
	s.mu.Unlock()
	p.report(pr)
}

// SelectHealthyAnthropic returns the first anthropic-typed enabled provider,
// in config order, that is not on cooldown, for the Token Counter's
// native-counter path. Route priorities are not consulted.
func (p *Pool) SelectHealthyAnthropic() (config.Provider, bool) {
	var best config.Provider
	found := false
	for _, pr := range p.cfg.Providers {
		if !pr.Enabled || pr.Type != config.ProviderAnthropic {
			continue
		}
		if p.IsOnCooldown(pr) {
			continue
		}
		if !found {
			best, found = pr, true
			continue
		}
	}
	return best, found
}

// ProviderStatus is one enabled provider's entry in Snapshot, alongside its
// current health, for the /providers admin endpoint.
type ProviderStatus struct {
	Name         string
	Type         config.ProviderType
	AccountEmail string
	Healthy      bool
}

// Snapshot returns the current status of every enabled provider, in config
// order, for GET /providers.
func (p *Pool) Snapshot() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(p.cfg.Providers))
	for _, pr := range p.cfg.Providers {
		if !pr.Enabled {
			continue
		}
		out = append(out, ProviderStatus{
			Name:         pr.Name,
			Type:         pr.Type,
			AccountEmail: pr.AccountEmail,
			Healthy:      !p.IsOnCooldown(pr),
		})
	}
	return out
}
