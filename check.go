package packdepot

import (
	"context"
)

// Check verifies the reference integrity of the whole repository and
// returns one human-readable problem per dangling reference. An empty slice
// means the repository is consistent.
func (r *Repository) Check(ctx context.Context) ([]string, error) {
	if err := r.requireLocked(); err != nil {
		return nil, err
	}
	return r.col.Check(ctx)
}
