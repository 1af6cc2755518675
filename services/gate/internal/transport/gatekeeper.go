// Package transport holds the checks every transport applies before an action
// reaches the orchestrator.
package transport

import (
	"context"
	"errors"
	"strconv"

	"mediagate/internal/util"
	"mediagate/pkg/domain"
)

var (
	// ErrIgnored means the action must be dropped without any reply.
	ErrIgnored = errors.New("action ignored")
	// ErrInvalidAction means the action is malformed.
	ErrInvalidAction = errors.New("invalid action")
)

const textTooManyRequests = "Too many requests. Please wait a minute and try again."

// Handler evaluates an authorized action.
type Handler interface {
	Handle(ctx context.Context, action domain.Action) domain.Response
}

// Limiter reports whether key is within quota. Implementations must fail closed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Alerter aggregates security events into threshold alerts.
type Alerter interface {
	Record(ctx context.Context, event, outcome, subject string)
}

// Options configures a Gatekeeper.
type Options struct {
	AdminUserIDs []int64

	// Limiter is optional; without it unlock and media requests are not throttled.
	Limiter Limiter

	Alerter Alerter
}

// Gatekeeper validates actions, enforces the admin allow-list and throttles
// unlock and media requests per user before delegating to the orchestrator.
type Gatekeeper struct {
	next    Handler
	admins  map[int64]struct{}
	limiter Limiter
	alerter Alerter
}

func New(next Handler, opts Options) (*Gatekeeper, error) {
	if next == nil {
		return nil, errors.New("gatekeeper handler is required")
	}
	admins := make(map[int64]struct{}, len(opts.AdminUserIDs))
	for _, id := range opts.AdminUserIDs {
		if id > 0 {
			admins[id] = struct{}{}
		}
	}
	return &Gatekeeper{next: next, admins: admins, limiter: opts.Limiter, alerter: opts.Alerter}, nil
}

// IsAdmin reports whether userID is on the admin allow-list.
func (g *Gatekeeper) IsAdmin(userID int64) bool {
	_, ok := g.admins[userID]
	return ok
}

// Dispatch runs action through the checks and the orchestrator.
// It returns ErrIgnored for admin actions from non-admins and ErrInvalidAction
// for malformed input.
func (g *Gatekeeper) Dispatch(ctx context.Context, action domain.Action) (domain.Response, error) {
	if action.UserID <= 0 || !action.Kind.Valid() {
		return domain.Response{}, ErrInvalidAction
	}
	logger := util.LoggerFromContext(ctx)
	if action.Kind.IsAdmin() && !g.IsAdmin(action.UserID) {
		logger.Warn("security_event",
			"event", "gate.admin.authorize",
			"outcome", "fail",
			"user_id", action.UserID,
			"action", string(action.Kind),
		)
		g.alert(ctx, "gate.admin.authorize", "fail", action.UserID)
		return domain.Response{}, ErrIgnored
	}
	if g.limiter != nil && throttled(action.Kind) {
		if !g.limiter.Allow(ctx, strconv.FormatInt(action.UserID, 10)) {
			logger.Warn("security_event",
				"event", "gate.ratelimit",
				"outcome", "rate_limited",
				"user_id", action.UserID,
				"action", string(action.Kind),
			)
			g.alert(ctx, "gate.ratelimit", "rate_limited", action.UserID)
			return domain.Response{Text: textTooManyRequests}, nil
		}
	}
	return g.next.Handle(ctx, action), nil
}

func (g *Gatekeeper) alert(ctx context.Context, event, outcome string, userID int64) {
	if g.alerter != nil {
		g.alerter.Record(ctx, event, outcome, strconv.FormatInt(userID, 10))
	}
}

func throttled(kind domain.ActionKind) bool {
	return kind == domain.ActionRequestUnlock || kind == domain.ActionRequestMedia
}
