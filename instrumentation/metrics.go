package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the authentication core.
type Metrics struct {
	// Flow metrics
	AuthorizationStarted metric.Int64Counter
	LoginCompleted       metric.Int64Counter
	LoginFailed          metric.Int64Counter
	DeviceCodeRequested  metric.Int64Counter
	DevicePollAttempts   metric.Int64Counter
	TokenRefreshed       metric.Int64Counter

	// Session metrics
	SessionsCreated metric.Int64Counter

	// Security metrics
	RateLimitExceeded metric.Int64Counter

	// Discovery metrics
	DiscoveryFetches metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	flowMeter := inst.Meter("flow")

	var err error
	m.AuthorizationStarted, err = flowMeter.Int64Counter(
		"auth.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.LoginCompleted, err = flowMeter.Int64Counter(
		"auth.login.completed",
		metric.WithDescription("Number of logins completed with a minted session"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login.completed counter: %w", err)
	}

	m.LoginFailed, err = flowMeter.Int64Counter(
		"auth.login.failed",
		metric.WithDescription("Number of login attempts that failed"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login.failed counter: %w", err)
	}

	m.DeviceCodeRequested, err = flowMeter.Int64Counter(
		"auth.device.code.requested",
		metric.WithDescription("Number of device authorizations requested"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device.code.requested counter: %w", err)
	}

	m.DevicePollAttempts, err = flowMeter.Int64Counter(
		"auth.device.poll.attempts",
		metric.WithDescription("Number of device-flow token endpoint polls"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device.poll.attempts counter: %w", err)
	}

	m.TokenRefreshed, err = flowMeter.Int64Counter(
		"auth.token.refreshed",
		metric.WithDescription("Number of access tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.SessionsCreated, err = inst.Meter("session").Int64Counter(
		"auth.sessions.created",
		metric.WithDescription("Number of browser sessions minted"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.created counter: %w", err)
	}

	m.RateLimitExceeded, err = inst.Meter("security").Int64Counter(
		"auth.ratelimit.exceeded",
		metric.WithDescription("Number of requests rejected by the rate limiter"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.DiscoveryFetches, err = inst.Meter("discovery").Int64Counter(
		"auth.discovery.fetches",
		metric.WithDescription("Number of discovery documents fetched from the server"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery.fetches counter: %w", err)
	}

	return m, nil
}

// Add increments a counter with the given attributes. Nil-safe on both the
// Metrics holder and the counter, so callers never need to guard.
func (m *Metrics) Add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
