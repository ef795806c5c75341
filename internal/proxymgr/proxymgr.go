// Package proxymgr rotates yt-dlp downloads across the configured proxies.
// A proxy that keeps failing is parked with exponential backoff until it recovers.
package proxymgr

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"sync"
	"time"

	"songzip/internal/config"
	"songzip/internal/errs"
	"songzip/internal/observability"
)

// State of a proxy.
type State int

const (
	// StateAvailable proxies are handed out.
	StateAvailable State = iota
	// StateParked proxies are skipped until their backoff expires.
	StateParked
)

const (
	healthCheckTimeout = 10 * time.Second
	maxBackoff         = time.Hour
)

type proxy struct {
	url          string
	state        State
	failures     int
	lastFailure  time.Time
	backoffUntil time.Time
	lastCheck    time.Time
}

// usable reports whether the proxy may be handed out at now.
func (p *proxy) usable(now time.Time) bool {
	return p.state == StateAvailable || now.After(p.backoffUntil)
}

// Stats is a point-in-time view of one proxy.
type Stats struct {
	State        State
	Failures     int
	LastFailure  time.Time
	BackoffUntil time.Time
	LastCheck    time.Time
}

// Manager tracks proxy health.
type Manager struct {
	log     *slog.Logger
	cfg     *config.Config
	metrics *observability.Metrics

	mu      sync.Mutex
	proxies map[string]*proxy
	order   []string
}

// New creates a manager over cfg.Proxy.Proxies.
func New(log *slog.Logger, cfg *config.Config, metrics *observability.Metrics) *Manager {
	mgr := &Manager{
		log:     log.With(slog.String("package", "proxymgr")),
		cfg:     cfg,
		metrics: metrics,
		proxies: make(map[string]*proxy, len(cfg.Proxy.Proxies)),
		order:   make([]string, 0, len(cfg.Proxy.Proxies)),
	}

	for _, u := range cfg.Proxy.Proxies {
		if _, dup := mgr.proxies[u]; dup {
			continue
		}

		mgr.proxies[u] = &proxy{url: u}
		mgr.order = append(mgr.order, u)
	}

	metrics.SetProxiesAvailable(len(mgr.order))

	return mgr
}

// HasProxies reports whether any proxy is configured.
func (m *Manager) HasProxies() bool {
	return len(m.order) > 0
}

// GetRandomProxy returns a random usable proxy, or "" when none is usable.
func (m *Manager) GetRandomProxy() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	usable := m.usable(time.Now())
	if len(usable) == 0 {
		return ""
	}

	return usable[rand.IntN(len(usable))]
}

// AvailableCount returns the number of usable proxies.
func (m *Manager) AvailableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.usable(time.Now()))
}

// MarkFailed records a failure. After cfg.Proxy.MaxFailures consecutive failures the proxy
// is parked for FailureBackoff, doubled on every further failure and capped at an hour.
func (m *Manager) MarkFailed(proxyURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proxies[proxyURL]
	if !ok {
		return
	}

	now := time.Now()
	p.failures++
	p.lastFailure = now

	maxFailures := max(m.cfg.Proxy.MaxFailures, 1)
	if p.failures < maxFailures {
		return
	}

	backoff := min(m.cfg.Proxy.FailureBackoff<<(p.failures-maxFailures), maxBackoff)
	if backoff <= 0 {
		backoff = maxBackoff
	}

	p.state = StateParked
	p.backoffUntil = now.Add(backoff)

	m.metrics.SetProxiesAvailable(len(m.usable(now)))
	m.log.Warn("proxy parked",
		slog.String("proxy", proxyURL),
		slog.Int("failures", p.failures),
		slog.Duration("backoff", backoff))
}

// MarkSuccess resets the failure count of a proxy and makes it available.
func (m *Manager) MarkSuccess(proxyURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proxies[proxyURL]
	if !ok {
		return
	}

	wasParked := p.state == StateParked

	p.state = StateAvailable
	p.failures = 0
	p.backoffUntil = time.Time{}

	if wasParked {
		m.metrics.SetProxiesAvailable(len(m.usable(time.Now())))
		m.log.Info("proxy restored", slog.String("proxy", proxyURL))
	}
}

// HealthCheck dials the proxy host and records the outcome.
func (m *Manager) HealthCheck(ctx context.Context, proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}

	dialer := &net.Dialer{Timeout: healthCheckTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", parsed.Host)
	if err != nil {
		m.MarkFailed(proxyURL)

		return fmt.Errorf("%w: dial %s: %w", errs.ErrProxyFailed, parsed.Host, err)
	}

	conn.Close()

	m.mu.Lock()
	if p, ok := m.proxies[proxyURL]; ok {
		p.lastCheck = time.Now()
	}
	m.mu.Unlock()

	m.MarkSuccess(proxyURL)

	return nil
}

// StartHealthChecker checks every proxy once per cfg.Proxy.HealthCheckInterval until ctx is done.
// It returns immediately when there is nothing to check.
func (m *Manager) StartHealthChecker(ctx context.Context) {
	interval := m.cfg.Proxy.HealthCheckInterval
	if interval <= 0 || !m.HasProxies() {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAll(ctx)
			}
		}
	}()

	m.log.Info("proxy health checker started",
		slog.Duration("interval", interval),
		slog.Int("proxy_count", len(m.order)))
}

// Stats returns a snapshot of every proxy keyed by URL.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.proxies))
	for u, p := range m.proxies {
		out[u] = Stats{
			State:        p.state,
			Failures:     p.failures,
			LastFailure:  p.lastFailure,
			BackoffUntil: p.backoffUntil,
			LastCheck:    p.lastCheck,
		}
	}

	return out
}

func (m *Manager) usable(now time.Time) []string {
	out := make([]string, 0, len(m.order))

	for _, u := range m.order {
		if m.proxies[u].usable(now) {
			out = append(out, u)
		}
	}

	return out
}

func (m *Manager) checkAll(ctx context.Context) {
	for _, u := range m.order {
		if ctx.Err() != nil {
			return
		}

		if err := m.HealthCheck(ctx, u); err != nil {
			m.log.DebugContext(ctx, "proxy health check failed", slog.String("proxy", u), slog.Any("error", err))
		}
	}
}
