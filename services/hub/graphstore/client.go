// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphstore implements the durable, queryable graph store for the
// hub over Weaviate.
//
// Features:
//   - Resilient client: circuit breaker, retry with jittered backoff,
//     background health checking
//   - Module/communication/dependency/conversation classes with idempotent
//     upserts (deterministic object IDs)
//   - Edge queries by endpoint and direction, time-windowed aggregates
//   - A sandboxed read-only raw query entry point that fails closed on
//     anything that is not structurally a read
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrStoreUnavailable is returned when the graph store is not reachable.
	ErrStoreUnavailable = errors.New("graph store is not available")

	// ErrCircuitOpen is returned when the circuit breaker is blocking requests.
	ErrCircuitOpen = errors.New("circuit breaker is open, graph store requests blocked")

	// ErrClientClosed is returned when operations are called on a closed client.
	ErrClientClosed = errors.New("graph store client is closed")

	// ErrQueryRejected is returned when a raw query fails the read-only check.
	ErrQueryRejected = errors.New("query rejected: not a read-only query")
)

var tracer = otel.Tracer("hub.graphstore")

// State is the connection state of the resilient client.
type State int32

const (
	// StateConnected indicates normal operation.
	StateConnected State = iota
	// StateDegraded indicates the store is unreachable but the client keeps trying.
	StateDegraded
	// StateCircuitOpen indicates the circuit breaker is blocking requests.
	StateCircuitOpen
	// StateHalfOpen indicates the breaker is probing with a single request.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ClientConfig configures the resilient graph store client.
type ClientConfig struct {
	// URL is the Weaviate server URL (e.g. "http://localhost:8080").
	URL string

	// RetryAttempts is the number of retries for failed requests. Default: 3.
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries. Default: 100ms.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff. Default: 5s.
	MaxRetryBackoff time.Duration

	// RetryJitter adds randomness to backoff (0.0-1.0). Default: 0.25.
	RetryJitter float64

	// CircuitThreshold is how many failures inside CircuitWindow open the
	// breaker. Default: 5.
	CircuitThreshold int

	// CircuitWindow is the sliding failure-counting window. Default: 30s.
	CircuitWindow time.Duration

	// CircuitCooldown is how long the breaker stays open before probing.
	// Default: 30s.
	CircuitCooldown time.Duration

	// HealthCheckInterval is the probe interval while connected. Default: 10s.
	HealthCheckInterval time.Duration

	// DegradedCheckInterval is the probe interval while degraded. Default: 5s.
	DegradedCheckInterval time.Duration

	// HealthCheckTimeout bounds each health probe. Default: 5s.
	HealthCheckTimeout time.Duration

	// AllowStartDegraded lets construction succeed with the store down.
	AllowStartDegraded bool

	// Logger for client operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryAttempts:         3,
		RetryBackoff:          100 * time.Millisecond,
		MaxRetryBackoff:       5 * time.Second,
		RetryJitter:           0.25,
		CircuitThreshold:      5,
		CircuitWindow:         30 * time.Second,
		CircuitCooldown:       30 * time.Second,
		HealthCheckInterval:   10 * time.Second,
		DegradedCheckInterval: 5 * time.Second,
		HealthCheckTimeout:    5 * time.Second,
		Logger:                slog.Default(),
	}
}

// Validate checks the configuration.
func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return errors.New("url must not be empty")
	}
	if c.RetryAttempts < 0 {
		return errors.New("retry_attempts must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	if c.CircuitThreshold < 1 {
		return errors.New("circuit_threshold must be at least 1")
	}
	if c.CircuitWindow <= 0 {
		return errors.New("circuit_window must be positive")
	}
	if c.HealthCheckTimeout <= 0 {
		return errors.New("health_check_timeout must be positive")
	}
	return nil
}

func (c *ClientConfig) applyDefaults() {
	d := DefaultClientConfig()
	if c.RetryAttempts == 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = d.RetryJitter
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitWindow == 0 {
		c.CircuitWindow = d.CircuitWindow
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.DegradedCheckInterval == 0 {
		c.DegradedCheckInterval = d.DegradedCheckInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// ResilientClient wraps the Weaviate client with a circuit breaker, retries,
// and background health checks.
//
// Thread Safety: Safe for concurrent use from multiple goroutines.
type ResilientClient struct {
	client *weaviate.Client
	config ClientConfig
	logger *slog.Logger

	state           atomic.Int32
	circuitOpenedAt atomic.Int64
	closed          atomic.Bool

	// Failure timestamps inside the sliding window. Pruned on record.
	failMu   sync.Mutex
	failures []time.Time

	// At most one probe request while half-open.
	halfOpenProbe atomic.Bool

	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewResilientClient creates a resilient graph store client and performs an
// initial health check. With AllowStartDegraded the client starts even when
// the store is down and recovers via the health checker.
func NewResilientClient(config ClientConfig) (*ResilientClient, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	scheme, host := splitURL(config.URL)
	client, err := weaviate.NewClient(weaviate.Config{Scheme: scheme, Host: host})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	healthCtx, healthCancel := context.WithCancel(context.Background())
	rc := &ResilientClient{
		client:       client,
		config:       config,
		logger:       config.Logger.With(slog.String("component", "graphstore_client")),
		healthCtx:    healthCtx,
		healthCancel: healthCancel,
	}
	rc.state.Store(int32(StateDegraded)) // degraded until proven healthy

	if err := rc.checkHealth(context.Background()); err != nil {
		if !config.AllowStartDegraded {
			healthCancel()
			return nil, fmt.Errorf("graph store not available: %w", err)
		}
		rc.logger.Warn("graph store unavailable at startup, starting degraded",
			slog.String("url", config.URL),
			slog.String("error", err.Error()))
	} else {
		rc.setState(StateConnected)
	}

	rc.healthWg.Add(1)
	go rc.runHealthChecker()

	rc.logger.Info("graph store client initialized",
		slog.String("url", config.URL),
		slog.String("state", rc.State().String()))
	return rc, nil
}

// splitURL separates the scheme from the host, defaulting to http.
func splitURL(url string) (scheme, host string) {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "https", strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "http", strings.TrimPrefix(url, "http://")
	default:
		return "http", url
	}
}

// Client returns the underlying Weaviate client for direct operations.
func (c *ResilientClient) Client() *weaviate.Client {
	return c.client
}

// State returns the current connection state.
func (c *ResilientClient) State() State {
	return State(c.state.Load())
}

// IsAvailable reports whether requests are currently being accepted.
func (c *ResilientClient) IsAvailable() bool {
	s := c.State()
	return s == StateConnected || s == StateHalfOpen
}

// Execute runs fn with retry and circuit breaker protection.
//
// Thread Safety: Safe for concurrent use.
func (c *ResilientClient) Execute(ctx context.Context, fn func() error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	ctx, span := tracer.Start(ctx, "graphstore.Execute",
		trace.WithAttributes(attribute.String("state", c.State().String())))
	defer span.End()

	switch c.State() {
	case StateCircuitOpen:
		if !c.cooldownExpired() {
			span.SetStatus(codes.Error, "circuit open")
			return ErrCircuitOpen
		}
		c.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if !c.halfOpenProbe.CompareAndSwap(false, true) {
			span.SetStatus(codes.Error, "circuit open (probe in flight)")
			return ErrCircuitOpen
		}
		defer c.halfOpenProbe.Store(false)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", backoff.Milliseconds())))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			c.recordSuccess()
			span.SetStatus(codes.Ok, "success")
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}

	c.recordFailure()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries failed")
	return fmt.Errorf("graph store request failed: %w", lastErr)
}

// WaitForReady blocks until the store answers a health probe or the timeout
// elapses.
func (c *ResilientClient) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("graph store not ready within %v: %w", timeout, ErrStoreUnavailable)
		case <-ticker.C:
			if c.checkHealth(ctx) == nil {
				return nil
			}
		}
	}
}

// Close stops the health checker and releases resources.
func (c *ResilientClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("closing graph store client")
	c.healthCancel()
	c.healthWg.Wait()
	return nil
}

func (c *ResilientClient) setState(next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev != next {
		c.logger.Info("graph store state transition",
			slog.String("from", prev.String()),
			slog.String("to", next.String()))
	}
}

func (c *ResilientClient) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthCheckTimeout)
	defer cancel()

	ready, err := c.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !ready {
		return ErrStoreUnavailable
	}
	return nil
}

func (c *ResilientClient) runHealthChecker() {
	defer c.healthWg.Done()

	for {
		interval := c.config.HealthCheckInterval
		if !c.IsAvailable() {
			interval = c.config.DegradedCheckInterval
		}

		select {
		case <-c.healthCtx.Done():
			return
		case <-time.After(interval):
			c.probe()
		}
	}
}

// probe runs one health check and updates the state machine.
func (c *ResilientClient) probe() {
	err := c.checkHealth(c.healthCtx)
	current := c.State()

	if err == nil {
		switch current {
		case StateDegraded, StateHalfOpen:
			c.setState(StateConnected)
			c.resetFailures()
		case StateCircuitOpen:
			// Never jump from open straight to connected; a half-open
			// probe request must succeed first.
			if c.cooldownExpired() {
				c.setState(StateHalfOpen)
			}
		}
		return
	}
	if current == StateConnected {
		c.setState(StateDegraded)
	}
}

func (c *ResilientClient) recordSuccess() {
	if c.State() == StateHalfOpen {
		c.setState(StateConnected)
		c.resetFailures()
	}
}

func (c *ResilientClient) recordFailure() {
	c.failMu.Lock()
	now := time.Now()
	windowStart := now.Add(-c.config.CircuitWindow)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	c.failures = append(kept, now)
	count := len(c.failures)
	c.failMu.Unlock()

	if count >= c.config.CircuitThreshold {
		if c.State() != StateCircuitOpen {
			c.circuitOpenedAt.Store(now.Unix())
			c.setState(StateCircuitOpen)
			c.logger.Warn("circuit breaker opened",
				slog.Int("failures", count),
				slog.Duration("window", c.config.CircuitWindow))
		}
	} else if c.State() == StateConnected {
		c.setState(StateDegraded)
	}
}

func (c *ResilientClient) resetFailures() {
	c.failMu.Lock()
	c.failures = c.failures[:0]
	c.failMu.Unlock()
}

func (c *ResilientClient) cooldownExpired() bool {
	opened := time.Unix(c.circuitOpenedAt.Load(), 0)
	return time.Since(opened) >= c.config.CircuitCooldown
}

// backoff computes the jittered exponential backoff for an attempt.
func (c *ResilientClient) backoff(attempt int) time.Duration {
	d := c.config.RetryBackoff * time.Duration(1<<attempt)
	if d > c.config.MaxRetryBackoff {
		d = c.config.MaxRetryBackoff
	}
	jitterRange := float64(d) * c.config.RetryJitter
	d = time.Duration(float64(d) + (rand.Float64()*2-1)*jitterRange)
	if d < 0 {
		d = c.config.RetryBackoff
	}
	return d
}

// isRetryable reports whether an error is worth retrying: timeouts and
// connection errors are, application errors are not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
