package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/courtsidehq/clubsession/internal/session/domain"
	"github.com/courtsidehq/clubsession/pkg/idpclient"
)

// Role lookup policy. Two attempts with linear backoff keep a slow endpoint
// from stalling the UI for more than about ten seconds worst case.
const (
	DefaultRoleAttempts       = 2
	DefaultRoleAttemptTimeout = 5 * time.Second
	DefaultRoleBackoffStep    = time.Second
)

// RoleOutcome tags how a role lookup ended.
type RoleOutcome int

const (
	// RoleOK: the endpoint answered; Role carries the result (possibly
	// RoleNone, which the endpoint reports as 404).
	RoleOK RoleOutcome = iota

	// RoleTimedOut: every attempt timed out or failed transiently. The
	// session is kept; the caller degrades the role to RoleNone.
	RoleTimedOut

	// RoleRejected: the provider explicitly refused the access token.
	RoleRejected
)

// RoleResult is the tagged outcome of a role lookup.
type RoleResult struct {
	Outcome RoleOutcome
	Role    domain.Role
}

// RoleLookup is the slice of the provider client the resolver needs.
type RoleLookup interface {
	Role(ctx context.Context, accessToken, memberID string) (*idpclient.RoleResponse, error)
}

// RoleResolver queries the role endpoint with a bounded retry loop: a fixed
// attempt count, linear backoff between attempts, and a per-attempt timeout.
type RoleResolver struct {
	provider RoleLookup

	attempts       int
	attemptTimeout time.Duration
	backoffStep    time.Duration
	logger         *slog.Logger
}

// RoleResolverOption configures a RoleResolver.
type RoleResolverOption func(*RoleResolver)

// WithRoleRetryPolicy overrides the attempt count, per-attempt timeout and
// backoff step.
func WithRoleRetryPolicy(attempts int, attemptTimeout, backoffStep time.Duration) RoleResolverOption {
	return func(r *RoleResolver) {
		r.attempts = attempts
		r.attemptTimeout = attemptTimeout
		r.backoffStep = backoffStep
	}
}

// WithRoleResolverLogger sets the logger.
func WithRoleResolverLogger(logger *slog.Logger) RoleResolverOption {
	return func(r *RoleResolver) { r.logger = logger }
}

// NewRoleResolver builds a resolver over the provider's role endpoint.
func NewRoleResolver(provider RoleLookup, opts ...RoleResolverOption) *RoleResolver {
	r := &RoleResolver{
		provider:       provider,
		attempts:       DefaultRoleAttempts,
		attemptTimeout: DefaultRoleAttemptTimeout,
		backoffStep:    DefaultRoleBackoffStep,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve runs the lookup loop. Timed-out attempts are expected under slow
// networks and logged at debug, not error. An explicit provider rejection
// short-circuits the loop; exhausted retries resolve to RoleTimedOut, which
// callers map to RoleNone without evicting the session.
func (r *RoleResolver) Resolve(ctx context.Context, accessToken, memberID string) RoleResult {
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * r.backoffStep
			select {
			case <-ctx.Done():
				return RoleResult{Outcome: RoleTimedOut, Role: domain.RoleNone}
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		resp, err := r.provider.Role(attemptCtx, accessToken, memberID)
		cancel()

		if err == nil {
			return RoleResult{Outcome: RoleOK, Role: domain.ParseRole(resp.Role)}
		}
		if idpclient.IsRejection(err) {
			r.logger.Info("role lookup rejected", "member_id", memberID, "error", err)
			return RoleResult{Outcome: RoleRejected, Role: domain.RoleNone}
		}

		r.logger.Debug("role lookup attempt failed",
			"member_id", memberID,
			"attempt", attempt,
			"error", err,
		)
	}

	return RoleResult{Outcome: RoleTimedOut, Role: domain.RoleNone}
}
