package breaker

import (
	"sort"
	"sync"
	"time"
)

// Override adjusts an endpoint's Config at lookup time.
type Override func(*Config)

// FailureThreshold overrides Config.FailureThreshold.
func FailureThreshold(n int) Override { return func(c *Config) { c.FailureThreshold = n } }

// SuccessThreshold overrides Config.SuccessThreshold.
func SuccessThreshold(n int) Override { return func(c *Config) { c.SuccessThreshold = n } }

// Timeout overrides Config.Timeout.
func Timeout(d time.Duration) Override { return func(c *Config) { c.Timeout = d } }

// ResetTimeout overrides Config.ResetTimeout.
func ResetTimeout(d time.Duration) Override { return func(c *Config) { c.ResetTimeout = d } }

// Registry owns one Breaker per endpoint name. Construct one per engine and
// pass it to whatever dispatches remote calls.
type Registry struct {
	defaults Config
	opts     []Option

	mu        sync.Mutex
	breakers  map[string]*Breaker
	endpoints map[string]Config
}

// NewRegistry creates a registry. opts apply to every breaker it creates.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	return &Registry{
		defaults:  defaults.withDefaults(),
		opts:      opts,
		breakers:  make(map[string]*Breaker),
		endpoints: make(map[string]Config),
	}
}

// Configure sets the base config for one endpoint, typically from the
// config file. Applies to an existing breaker immediately.
func (r *Registry) Configure(endpoint string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := mergeConfig(r.defaults, cfg)
	r.endpoints[endpoint] = merged
	if b, ok := r.breakers[endpoint]; ok {
		b.setConfig(merged)
	}
}

// Get returns the breaker for endpoint, creating it on first use. Overrides
// are applied on top of the endpoint's configured values; counters and
// state of an existing breaker are kept.
func (r *Registry) Get(endpoint string, overrides ...Override) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.endpoints[endpoint]
	if !ok {
		cfg = r.defaults
	}

	b, exists := r.breakers[endpoint]
	if !exists {
		for _, o := range overrides {
			o(&cfg)
		}
		b = New(endpoint, cfg, r.opts...)
		r.breakers[endpoint] = b
		return b
	}

	if len(overrides) > 0 {
		cfg = b.config()
		for _, o := range overrides {
			o(&cfg)
		}
		b.setConfig(cfg)
	}
	return b
}

// Snapshot lists every breaker sorted by endpoint.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, len(breakers))
	for i, b := range breakers {
		out[i] = b.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Reset closes every breaker.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

func mergeConfig(base, over Config) Config {
	if over.FailureThreshold > 0 {
		base.FailureThreshold = over.FailureThreshold
	}
	if over.SuccessThreshold > 0 {
		base.SuccessThreshold = over.SuccessThreshold
	}
	if over.Timeout > 0 {
		base.Timeout = over.Timeout
	}
	if over.ResetTimeout > 0 {
		base.ResetTimeout = over.ResetTimeout
	}
	return base
}
