package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/GoPolymarket/accountgate/internal/model"
	"golang.org/x/time/rate"
)

// ProbeFailure classifies why a live credential probe failed.
type ProbeFailure string

const (
	ProbeInvalidCredentials ProbeFailure = "invalid_credentials"
	ProbeAccessDenied       ProbeFailure = "access_denied"
	ProbeRateLimited        ProbeFailure = "rate_limited"
	ProbeNetworkError       ProbeFailure = "network_error"
)

// ProbeError is returned by probers that know the failure class.
type ProbeError struct {
	Exchange string
	Kind     ProbeFailure
	Message  string
	Cause    error
}

func (e *ProbeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Exchange, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Exchange, e.Message)
}

func (e *ProbeError) Unwrap() error {
	return e.Cause
}

type ProbeResult struct {
	Success  bool
	Message  string
	Identity map[string]string
}

type Prober interface {
	TestCredentials(ctx context.Context, creds model.CredentialBundle) (ProbeResult, error)
}

type ProberFunc func(ctx context.Context, creds model.CredentialBundle) (ProbeResult, error)

func (f ProberFunc) TestCredentials(ctx context.Context, creds model.CredentialBundle) (ProbeResult, error) {
	return f(ctx, creds)
}

// ErrNoProber means no live probe is registered for the exchange.
var ErrNoProber = errors.New("no credential probe registered")

type registeredProber struct {
	prober  Prober
	limiter *rate.Limiter
}

// ProbeRegistry dispatches live credential probes per exchange and paces them so
// a burst of validations does not trip the exchange's own API limits.
type ProbeRegistry struct {
	mu      sync.RWMutex
	probers map[string]registeredProber
}

func NewProbeRegistry() *ProbeRegistry {
	return &ProbeRegistry{probers: make(map[string]registeredProber)}
}

// Register adds a prober. ratePerSecond <= 0 disables pacing.
func (r *ProbeRegistry) Register(exchange string, p Prober, ratePerSecond float64, burst int) {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probers[normalizeSlug(exchange)] = registeredProber{prober: p, limiter: limiter}
}

func (r *ProbeRegistry) Has(exchange string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.probers[normalizeSlug(exchange)]
	return ok
}

// TestCredentials runs the exchange prober. A failed probe is always returned as
// a *ProbeError.
func (r *ProbeRegistry) TestCredentials(ctx context.Context, exchange string, creds model.CredentialBundle) (ProbeResult, error) {
	r.mu.RLock()
	rp, ok := r.probers[normalizeSlug(exchange)]
	r.mu.RUnlock()
	if !ok {
		return ProbeResult{}, ErrNoProber
	}
	if rp.limiter != nil {
		if err := rp.limiter.Wait(ctx); err != nil {
			return ProbeResult{}, &ProbeError{Exchange: exchange, Kind: ProbeNetworkError, Message: "probe timed out waiting for pacing slot", Cause: err}
		}
	}

	res, err := rp.prober.TestCredentials(ctx, creds)
	if err != nil {
		return res, classifyProbeError(exchange, err)
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "credential test failed"
		}
		return res, &ProbeError{Exchange: exchange, Kind: classifyMessage(msg), Message: msg}
	}
	return res, nil
}

func classifyProbeError(exchange string, err error) *ProbeError {
	var pe *ProbeError
	if errors.As(err, &pe) {
		if pe.Exchange == "" {
			pe.Exchange = exchange
		}
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ProbeError{Exchange: exchange, Kind: ProbeNetworkError, Message: "probe timed out", Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ProbeError{Exchange: exchange, Kind: ProbeNetworkError, Message: "exchange unreachable", Cause: err}
	}
	return &ProbeError{Exchange: exchange, Kind: classifyMessage(err.Error()), Message: err.Error()}
}

// classifyMessage maps an upstream error text onto a failure class.
func classifyMessage(msg string) ProbeFailure {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "401", "unauthorized", "invalid api key", "invalid key", "invalid signature", "authentication", "invalid credentials"):
		return ProbeInvalidCredentials
	case containsAny(m, "403", "forbidden", "permission", "not allowed", "ip not whitelisted"):
		return ProbeAccessDenied
	case containsAny(m, "429", "rate limit", "too many requests"):
		return ProbeRateLimited
	default:
		return ProbeNetworkError
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func normalizeSlug(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// describeProbeFailure renders the actionable verdict message for a failure.
func describeProbeFailure(pe *ProbeError) string {
	switch pe.Kind {
	case ProbeInvalidCredentials:
		return "invalid credentials: " + pe.Message
	case ProbeAccessDenied:
		return "access denied by exchange: " + pe.Message
	case ProbeRateLimited:
		return "rate limited by exchange: " + pe.Message
	default:
		return "network error contacting exchange: " + pe.Message
	}
}
