package automation

import "context"

// DedupStore persists idempotency markers.
//
// RegisterDedup must be idempotent: registering a key that already exists
// (including a concurrent insert racing on the unique constraint) returns nil.
type DedupStore interface {
	ExistsDedup(ctx context.Context, key string) (bool, error)
	RegisterDedup(ctx context.Context, key string) error
}

// dedupSeparator joins the signal id and automation key.
const dedupSeparator = ":"

// DedupKey returns the idempotency key for one automation processing one signal.
func DedupKey(signalID, automationKey string) string {
	return signalID + dedupSeparator + automationKey
}

// dedupService wraps a DedupStore with key derivation.
type dedupService struct {
	store DedupStore
}

func (d dedupService) exists(ctx context.Context, signalID, automationKey string) (bool, error) {
	return d.store.ExistsDedup(ctx, DedupKey(signalID, automationKey))
}

func (d dedupService) register(ctx context.Context, signalID, automationKey string) error {
	return d.store.RegisterDedup(ctx, DedupKey(signalID, automationKey))
}
