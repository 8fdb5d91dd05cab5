package store

import (
	"context"

	"github.com/pattoo-project/pattood/pkg/records"
)

// PreparePairs is the ingester's iteration pre-pass: the union of every
// (key, value) pair across all agent groups is materialized once, up front,
// so parallel workers never race on the same pair insert.
func (d *DB) PreparePairs(ctx context.Context, pairs []records.Pair) (PairTable, error) {
	return d.EnsurePairs(ctx, pairs)
}

// ProcessGroup runs one agent group through dimension resolution and the
// data writer. Returns the number of fact rows submitted.
func (d *DB) ProcessGroup(ctx context.Context, agentID string, recs []records.Record, pairs PairTable) (int, error) {
	resolver := NewResolver(d, pairs, d.log)
	items, err := resolver.Resolve(ctx, agentID, recs)
	if err != nil {
		return 0, err
	}
	if err := d.WriteData(ctx, items); err != nil {
		return 0, err
	}
	return len(items), nil
}
