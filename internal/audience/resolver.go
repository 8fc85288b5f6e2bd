package audience

import (
	"context"
	"fmt"
	"time"

	"promobot/internal/domain"
)

// CustomerFinder is the slice of the repository the resolver needs.
type CustomerFinder interface {
	FindActiveCustomers(ctx context.Context, q Query) ([]domain.Customer, error)
}

type Resolver struct {
	store CustomerFinder
	now   func() time.Time
}

func NewResolver(store CustomerFinder, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, now: now}
}

// Resolve returns the active customers selected by rule. An empty audience
// is not an error.
func (r *Resolver) Resolve(ctx context.Context, rule domain.TargetingRule) ([]domain.Customer, error) {
	q := BuildQuery(rule, r.now())
	cs, err := r.store.FindActiveCustomers(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	// Drivers filter already; this guards against a store that ignores status.
	out := cs[:0]
	for _, c := range cs {
		if c.Active() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Count returns the audience size, used for previews.
func (r *Resolver) Count(ctx context.Context, rule domain.TargetingRule) (int, error) {
	cs, err := r.Resolve(ctx, rule)
	if err != nil {
		return 0, err
	}
	return len(cs), nil
}
