package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	auth "github.com/sablemail/webmail-auth"
	"github.com/sablemail/webmail-auth/instrumentation"
	"github.com/sablemail/webmail-auth/security"
)

const (
	grantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

	// defaultPollInterval applies when the server omits interval (RFC 8628).
	defaultPollInterval = 5 * time.Second

	// slowDownIncrement is added to the current interval on each slow_down,
	// and the increase persists for the rest of the flow.
	slowDownIncrement = 5 * time.Second
)

// DeviceAuthorization is the device authorization endpoint response: the
// code pair, where the user should go to approve, and the polling bounds.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval,omitempty"`
}

// PollError reports why device polling stopped. Retry tells the caller
// whether starting over could succeed: true for expiry and transient server
// errors, false for an explicit denial.
type PollError struct {
	Code        string
	Description string
	Retry       bool
}

func (e *PollError) Error() string {
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}

// DeviceFlow drives the OAuth device-authorization grant for clients that
// cannot host a redirect, such as a CLI companion to the webmail UI.
type DeviceFlow struct {
	*core
}

// NewDeviceFlow wires up a device flow. It fails fast when the configuration
// or a required collaborator is missing.
func NewDeviceFlow(opts Options) (*DeviceFlow, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	if c.resolver == nil || c.sessions == nil {
		return nil, auth.ErrConfiguration("identity resolver and session manager are required")
	}
	return &DeviceFlow{core: c}, nil
}

// RequestDeviceCode asks the server for a device and user code pair. The
// server must advertise a device_authorization_endpoint in its metadata.
func (f *DeviceFlow) RequestDeviceCode(ctx context.Context, clientIP string) (*DeviceAuthorization, error) {
	ctx, span := f.inst.StartSpan(ctx, "flow.device.request")
	defer span.End()

	if err := f.allow(ctx, clientIP, security.ActionAuthorize); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	meta, err := f.discover(ctx)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if meta.DeviceAuthorizationEndpoint == "" {
		err := auth.ErrDiscoveryMalformed("server does not advertise a device_authorization_endpoint")
		instrumentation.RecordError(span, err)
		return nil, err
	}

	form := url.Values{
		"client_id": {f.cfg.ClientID},
		"scope":     {strings.Join(f.cfg.Scopes, " ")},
	}
	status, body, err := f.postForm(ctx, meta.DeviceAuthorizationEndpoint, form)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("device authorization endpoint returned status %d", status)
	}

	var authz DeviceAuthorization
	if err := json.Unmarshal(body, &authz); err != nil {
		return nil, fmt.Errorf("failed to decode device authorization response: %w", err)
	}
	if authz.DeviceCode == "" || authz.UserCode == "" || authz.VerificationURI == "" {
		return nil, fmt.Errorf("device authorization response missing required fields")
	}

	f.inst.Metrics().Add(ctx, f.inst.Metrics().DeviceCodeRequested)
	instrumentation.SetSpanSuccess(span)
	f.logger.Debug("Device authorization requested",
		"verification_uri", authz.VerificationURI,
		"expires_in", authz.ExpiresIn)

	return &authz, nil
}

// PollForToken polls the token endpoint until the user approves, the
// authorization expires, the server denies, or ctx is cancelled. Polling
// honors the server's interval, widens it permanently on slow_down, and
// never outlives the device code's expires_in window.
func (f *DeviceFlow) PollForToken(ctx context.Context, clientIP string, authz *DeviceAuthorization) (*Login, error) {
	ctx, span := f.inst.StartSpan(ctx, "flow.device.poll")
	defer span.End()

	if err := f.allow(ctx, clientIP, security.ActionPoll); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	meta, err := f.discover(ctx)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	interval := time.Duration(authz.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := f.clock.Now().Add(time.Duration(authz.ExpiresIn) * time.Second)

	form := url.Values{
		"grant_type":  {grantTypeDeviceCode},
		"device_code": {authz.DeviceCode},
		"client_id":   {f.cfg.ClientID},
	}

	for {
		if !f.clock.Now().Before(deadline) {
			f.failLogin(ctx, "expired_token")
			return nil, &PollError{
				Code:        "expired_token",
				Description: "device code expired before the user approved",
				Retry:       true,
			}
		}

		f.inst.Metrics().Add(ctx, f.inst.Metrics().DevicePollAttempts)
		token, oauthErr, err := f.postToken(ctx, meta.TokenEndpoint, form)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, &PollError{Code: "request_failed", Description: err.Error(), Retry: true}
		}

		if oauthErr == nil {
			login, err := f.completeLogin(ctx, clientIP, f.tokenRecord(token, f.cfg.Scopes), "device_code")
			if err != nil {
				f.failLogin(ctx, "login_failed")
				return nil, err
			}
			instrumentation.SetSpanSuccess(span)
			return login, nil
		}

		switch oauthErr.Code {
		case "authorization_pending":
			// keep waiting
		case "slow_down":
			interval += slowDownIncrement
			f.logger.Debug("Server requested slower polling", "interval", interval)
		case "access_denied":
			f.auditor.LogAuthFailure(clientIP, "device authorization denied")
			f.failLogin(ctx, oauthErr.Code)
			return nil, &PollError{Code: oauthErr.Code, Description: "the user denied the authorization", Retry: false}
		case "expired_token":
			f.failLogin(ctx, oauthErr.Code)
			return nil, &PollError{Code: oauthErr.Code, Description: "the device code expired", Retry: false}
		default:
			instrumentation.SetSpanAttributes(span,
				attribute.String(instrumentation.AttrError, oauthErr.Code))
			return nil, &PollError{Code: oauthErr.Code, Description: oauthErr.Description, Retry: true}
		}

		if err := f.clock.Sleep(ctx, interval); err != nil {
			return nil, fmt.Errorf("device polling cancelled: %w", err)
		}
	}
}
