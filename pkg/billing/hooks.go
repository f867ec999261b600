package billing

import "context"

// Hooks receives post-commit notifications of billing state changes.
// The reconciler collects hook dispatches while the tenant lock is held and
// fires them only after the transaction commits, so a failed or skipped
// mutation never produces side effects. Implementations must not block.
type Hooks interface {
	// SubscriptionActivated fires when a tenant's subscription becomes active
	SubscriptionActivated(ctx context.Context, tenantKey, planKey string)

	// PaymentFailed fires when a tenant enters past_due
	PaymentFailed(ctx context.Context, tenantKey string)

	// SubscriptionCanceled fires when a tenant's subscription ends
	SubscriptionCanceled(ctx context.Context, tenantKey string)

	// SubscriptionIncomplete fires for incomplete and incomplete_expired
	SubscriptionIncomplete(ctx context.Context, tenantKey string, expired bool)

	// DowngradeBlocked fires when a scheduled downgrade could not be applied
	// because live usage exceeded the target plan's limits
	DowngradeBlocked(ctx context.Context, tenantKey, targetPlan string, exceeded []ResourceKind)
}

// NoopHooks is a no-op implementation of the Hooks interface.
type NoopHooks struct{}

func (n *NoopHooks) SubscriptionActivated(_ context.Context, _, _ string)              {}
func (n *NoopHooks) PaymentFailed(_ context.Context, _ string)                         {}
func (n *NoopHooks) SubscriptionCanceled(_ context.Context, _ string)                  {}
func (n *NoopHooks) SubscriptionIncomplete(_ context.Context, _ string, _ bool)        {}
func (n *NoopHooks) DowngradeBlocked(_ context.Context, _, _ string, _ []ResourceKind) {}

// hookQueue accumulates dispatches during a transaction and fires them after
// commit.
type hookQueue struct {
	fns []func()
}

func (q *hookQueue) add(fn func()) {
	q.fns = append(q.fns, fn)
}

func (q *hookQueue) fire() {
	for _, fn := range q.fns {
		fn()
	}
	q.fns = nil
}

// statusHook enqueues the hook matching a post-transition status.
func (q *hookQueue) statusHook(ctx context.Context, hooks Hooks, tenantKey, planKey string, status Status) {
	switch status {
	case StatusActive:
		q.add(func() { hooks.SubscriptionActivated(ctx, tenantKey, planKey) })
	case StatusPastDue:
		q.add(func() { hooks.PaymentFailed(ctx, tenantKey) })
	case StatusCanceled:
		q.add(func() { hooks.SubscriptionCanceled(ctx, tenantKey) })
	case StatusIncomplete:
		q.add(func() { hooks.SubscriptionIncomplete(ctx, tenantKey, false) })
	case StatusIncompleteExpired:
		q.add(func() { hooks.SubscriptionIncomplete(ctx, tenantKey, true) })
	}
}
