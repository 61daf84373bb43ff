package connectivity

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultProbeInterval is used when the prober is given no interval.
const DefaultProbeInterval = 30 * time.Second

// Prober polls a reachability URL and feeds the result into a Gate.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	gate     *Gate
	logger   *zap.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithHTTPClient replaces the probe's HTTP client.
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) {
		if c != nil {
			p.client = c
		}
	}
}

// WithProberLogger sets the prober's logger.
func WithProberLogger(l *zap.Logger) ProberOption {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProber creates a prober for url.
func NewProber(gate *Gate, url string, interval time.Duration, opts ...ProberOption) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	p := &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		gate:     gate,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HTTPClient exposes the probe's client.
func (p *Prober) HTTPClient() *http.Client { return p.client }

// Probe performs one check and updates the gate. Any response below 500
// counts as reachable.
func (p *Prober) Probe(ctx context.Context) bool {
	reachable := p.reachable(ctx)
	p.gate.Set(reachable)
	return reachable
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("invalid probe url", zap.String("url", p.url), zap.Error(err))
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("url", p.url), zap.Error(err))
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
