package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"mediagate/internal/ratelimit"
	"mediagate/pkg/domain"
	"mediagate/pkg/store"
)

type recordingHandler struct {
	calls []domain.Action
}

func (h *recordingHandler) Handle(_ context.Context, action domain.Action) domain.Response {
	h.calls = append(h.calls, action)
	return domain.Response{State: domain.StateUnlocked, Text: "ok"}
}

type recordingAlerter struct {
	events []string
}

func (a *recordingAlerter) Record(_ context.Context, event, outcome, subject string) {
	a.events = append(a.events, event+"/"+outcome+"/"+subject)
}

func newLimiter(t *testing.T, limit int) (*ratelimit.FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := store.NewRedisClient(store.RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test:ratelimit", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, mr
}

func TestDispatchIgnoresNonAdmin(t *testing.T) {
	h := &recordingHandler{}
	g, err := New(h, Options{AdminUserIDs: []int64{42}})
	if err != nil {
		t.Fatalf("new gatekeeper: %v", err)
	}
	ctx := context.Background()

	for _, kind := range []domain.ActionKind{domain.ActionAdminAddMedia, domain.ActionAdminRemoveMedia, domain.ActionAdminStats} {
		_, err := g.Dispatch(ctx, domain.Action{Kind: kind, UserID: 7})
		if !errors.Is(err, ErrIgnored) {
			t.Fatalf("%s by non-admin: expected ErrIgnored, got %v", kind, err)
		}
	}
	if len(h.calls) != 0 {
		t.Fatalf("ignored actions must not reach the handler, got %d calls", len(h.calls))
	}

	resp, err := g.Dispatch(ctx, domain.Action{Kind: domain.ActionAdminStats, UserID: 42})
	if err != nil {
		t.Fatalf("admin stats: %v", err)
	}
	if resp.Text != "ok" || len(h.calls) != 1 {
		t.Fatalf("admin action not delegated: resp=%+v calls=%d", resp, len(h.calls))
	}
}

func TestDispatchRejectsInvalidActions(t *testing.T) {
	g, _ := New(&recordingHandler{}, Options{})
	cases := []domain.Action{
		{Kind: domain.ActionStart},
		{Kind: domain.ActionStart, UserID: -1},
		{Kind: "dance", UserID: 1},
	}
	for _, action := range cases {
		if _, err := g.Dispatch(context.Background(), action); !errors.Is(err, ErrInvalidAction) {
			t.Fatalf("action %+v: expected ErrInvalidAction, got %v", action, err)
		}
	}
}

func TestDispatchRateLimitsPerUser(t *testing.T) {
	limiter, _ := newLimiter(t, 2)
	h := &recordingHandler{}
	g, _ := New(h, Options{Limiter: limiter})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := g.Dispatch(ctx, domain.Action{Kind: domain.ActionRequestMedia, UserID: 1})
		if err != nil || resp.Text != "ok" {
			t.Fatalf("request %d: resp=%+v err=%v", i, resp, err)
		}
	}
	resp, err := g.Dispatch(ctx, domain.Action{Kind: domain.ActionRequestUnlock, UserID: 1})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Text != textTooManyRequests {
		t.Fatalf("expected throttled response, got %+v", resp)
	}

	// Other users and unthrottled actions are unaffected.
	if resp, _ := g.Dispatch(ctx, domain.Action{Kind: domain.ActionRequestMedia, UserID: 2}); resp.Text != "ok" {
		t.Fatalf("other user throttled: %+v", resp)
	}
	if resp, _ := g.Dispatch(ctx, domain.Action{Kind: domain.ActionStart, UserID: 1}); resp.Text != "ok" {
		t.Fatalf("start throttled: %+v", resp)
	}
	if len(h.calls) != 4 {
		t.Fatalf("handler calls = %d, want 4", len(h.calls))
	}
}

func TestDispatchRateLimitFailsClosed(t *testing.T) {
	limiter, mr := newLimiter(t, 5)
	h := &recordingHandler{}
	g, _ := New(h, Options{Limiter: limiter})
	mr.Close()

	resp, err := g.Dispatch(context.Background(), domain.Action{Kind: domain.ActionRequestUnlock, UserID: 1})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Text != textTooManyRequests || len(h.calls) != 0 {
		t.Fatalf("expected fail-closed throttle, resp=%+v calls=%d", resp, len(h.calls))
	}
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestDispatchRecordsSecurityAlerts(t *testing.T) {
	limiter, _ := newLimiter(t, 1)
	alerter := &recordingAlerter{}
	g, _ := New(&recordingHandler{}, Options{AdminUserIDs: []int64{42}, Limiter: limiter, Alerter: alerter})
	ctx := context.Background()

	if _, err := g.Dispatch(ctx, domain.Action{Kind: domain.ActionAdminStats, UserID: 7}); !errors.Is(err, ErrIgnored) {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := g.Dispatch(ctx, domain.Action{Kind: domain.ActionRequestUnlock, UserID: 9}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	want := []string{"gate.admin.authorize/fail/7", "gate.ratelimit/rate_limited/9"}
	if len(alerter.events) != len(want) {
		t.Fatalf("events = %v, want %v", alerter.events, want)
	}
	for i := range want {
		if alerter.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", alerter.events, want)
		}
	}
}
