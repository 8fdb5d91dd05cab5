package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pattoo-project/pattood/pkg/records"
)

// DataPointMeta is what the resolver needs to know about a materialized
// datapoint: its surrogate id, current polling interval and high-water
// timestamp.
type DataPointMeta struct {
	IdxDataPoint    int64
	PollingInterval int64
	LastTimestamp   int64
}

// ChecksumTable maps series checksums to datapoint metadata for one agent.
// Loaded once per agent batch so per-record lookups stay in memory.
type ChecksumTable map[string]DataPointMeta

// PairTable maps (key, value) pairs to their surrogate ids.
type PairTable map[records.Pair]int64

// insertChunk bounds multi-row insert statements.
const insertChunk = 200

// ChecksumTable loads the checksum lookup for every datapoint owned by the
// given agent_id in a single query.
func (d *DB) ChecksumTable(ctx context.Context, agentID string) (ChecksumTable, error) {
	table := make(ChecksumTable)
	err := d.ReadScope(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT dp.checksum, dp.idx_datapoint, dp.polling_interval, dp.last_timestamp
			FROM datapoint dp
			JOIN agent a ON a.idx_agent = dp.idx_agent
			WHERE a.agent_id = $1`, agentID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var checksum string
			var meta DataPointMeta
			if err := rows.Scan(&checksum, &meta.IdxDataPoint, &meta.PollingInterval, &meta.LastTimestamp); err != nil {
				return err
			}
			table[checksum] = meta
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("loading checksum table for agent %q: %w", agentID, err)
	}
	return table, nil
}

// EnsureAgent returns the agent row id for the record's natural key,
// creating the row on first sighting. A concurrent duplicate insert loses
// the ON CONFLICT race silently and the follow-up select wins either way.
func (d *DB) EnsureAgent(ctx context.Context, rec records.Record) (int64, error) {
	var idx int64
	err := d.ModifyScope(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent (agent_id, agent_polled_target, agent_program)
			VALUES ($1, $2, $3)
			ON CONFLICT (agent_id, agent_polled_target) DO NOTHING`,
			rec.AgentID, rec.AgentPolledTarget, rec.AgentProgram)
		if err != nil && !isUniqueViolation(err) {
			return err
		}
		return tx.QueryRowContext(ctx, `
			SELECT idx_agent FROM agent
			WHERE agent_id = $1 AND agent_polled_target = $2`,
			rec.AgentID, rec.AgentPolledTarget).Scan(&idx)
	})
	if err != nil {
		return 0, fmt.Errorf("ensuring agent %q: %w", rec.AgentID, err)
	}
	return idx, nil
}

// EnsureDataPoint returns the datapoint row id for the record's checksum,
// creating the row on first sighting.
func (d *DB) EnsureDataPoint(ctx context.Context, idxAgent int64, rec records.Record) (int64, error) {
	var idx int64
	err := d.ModifyScope(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO datapoint (idx_agent, checksum, data_type, polling_interval)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (checksum) DO NOTHING`,
			idxAgent, rec.Checksum, int(rec.DataType), rec.PollingInterval)
		if err != nil && !isUniqueViolation(err) {
			return err
		}
		return tx.QueryRowContext(ctx, `
			SELECT idx_datapoint FROM datapoint WHERE checksum = $1`,
			rec.Checksum).Scan(&idx)
	})
	if err != nil {
		return 0, fmt.Errorf("ensuring datapoint %s: %w", rec.Checksum, err)
	}
	return idx, nil
}

// EnsurePairs bulk-inserts any pairs not already present and returns ids
// for all of them. Input order does not matter; duplicates are collapsed.
func (d *DB) EnsurePairs(ctx context.Context, pairs []records.Pair) (PairTable, error) {
	table := make(PairTable, len(pairs))
	unique := make([]records.Pair, 0, len(pairs))
	seen := make(map[records.Pair]struct{}, len(pairs))
	for _, p := range pairs {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	if len(unique) == 0 {
		return table, nil
	}

	for start := 0; start < len(unique); start += insertChunk {
		end := start + insertChunk
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[start:end]
		if err := d.ensurePairChunk(ctx, chunk, table); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func (d *DB) ensurePairChunk(ctx context.Context, chunk []records.Pair, table PairTable) error {
	insert := strings.Builder{}
	insert.WriteString("INSERT INTO pair (key, value) VALUES ")
	args := make([]interface{}, 0, len(chunk)*2)
	for i, p := range chunk {
		if i > 0 {
			insert.WriteString(", ")
		}
		fmt.Fprintf(&insert, "($%d, $%d)", i*2+1, i*2+2)
		args = append(args, p.Key, p.Value)
	}
	insert.WriteString(" ON CONFLICT (key, value) DO NOTHING")

	err := d.ModifyScope(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insert.String(), args...); err != nil && !isUniqueViolation(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("inserting pairs: %w", err)
	}

	// Ids are fetched after the insert commits so rows created by
	// concurrent workers are visible too.
	query := strings.Builder{}
	query.WriteString("SELECT idx_pair, key, value FROM pair WHERE (key, value) IN (")
	for i := range chunk {
		if i > 0 {
			query.WriteString(", ")
		}
		fmt.Fprintf(&query, "($%d, $%d)", i*2+1, i*2+2)
	}
	query.WriteString(")")

	err = d.ReadScope(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var idx int64
			var p records.Pair
			if err := rows.Scan(&idx, &p.Key, &p.Value); err != nil {
				return err
			}
			table[p] = idx
		}
		return rows.Err()
	})
	if err != nil {
		return fmt.Errorf("fetching pair ids: %w", err)
	}
	return nil
}

// EnsureGlue links a datapoint to its pairs. Existing links are left alone;
// a datapoint's pair set never changes after its checksum is first
// materialized, so this only runs for new checksums.
func (d *DB) EnsureGlue(ctx context.Context, idxDataPoint int64, pairIDs []int64) error {
	if len(pairIDs) == 0 {
		return nil
	}
	insert := strings.Builder{}
	insert.WriteString("INSERT INTO glue (idx_pair, idx_datapoint) VALUES ")
	args := make([]interface{}, 0, len(pairIDs)*2)
	for i, id := range pairIDs {
		if i > 0 {
			insert.WriteString(", ")
		}
		fmt.Fprintf(&insert, "($%d, $%d)", i*2+1, i*2+2)
		args = append(args, id, idxDataPoint)
	}
	insert.WriteString(" ON CONFLICT (idx_pair, idx_datapoint) DO NOTHING")

	err := d.ModifyScope(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insert.String(), args...); err != nil && !isUniqueViolation(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("inserting glue for datapoint %d: %w", idxDataPoint, err)
	}
	return nil
}

// DimensionStore is the slice of database operations the resolver needs.
// DB implements it; tests substitute a mock.
type DimensionStore interface {
	ChecksumTable(ctx context.Context, agentID string) (ChecksumTable, error)
	EnsureAgent(ctx context.Context, rec records.Record) (int64, error)
	EnsureDataPoint(ctx context.Context, idxAgent int64, rec records.Record) (int64, error)
	EnsurePairs(ctx context.Context, pairs []records.Pair) (PairTable, error)
	EnsureGlue(ctx context.Context, idxDataPoint int64, pairIDs []int64) error
}

// Resolver materializes dimensions for one agent's record list and selects
// the data items eligible for the fact table. Pair ids resolved in the
// iteration pre-pass are shared read-only across workers; only stragglers
// fall back to their own pair inserts.
type Resolver struct {
	db    DimensionStore
	pairs PairTable
	log   *zap.SugaredLogger
}

// NewResolver creates a resolver over the shared pair table.
func NewResolver(db DimensionStore, pairs PairTable, log *zap.SugaredLogger) *Resolver {
	if pairs == nil {
		pairs = make(PairTable)
	}
	return &Resolver{db: db, pairs: pairs, log: log}
}

// Resolve ensures Agent, DataPoint, Pair and Glue rows for every record and
// returns the eligible data items in ascending timestamp order. Unknown
// agents are created before their datapoints, datapoints before their glue
// rows. A record whose normalized timestamp is not newer than the
// datapoint's high-water mark is skipped; NONE and STRING records
// materialize dimensions only.
func (r *Resolver) Resolve(ctx context.Context, agentID string, recs []records.Record) ([]DataItem, error) {
	table, err := r.db.ChecksumTable(ctx, agentID)
	if err != nil {
		return nil, err
	}

	sorted := make([]records.Record, len(recs))
	copy(sorted, recs)
	records.SortByTimestamp(sorted)

	var items []DataItem
	for _, rec := range sorted {
		meta, known := table[rec.Checksum]
		if !known {
			meta, err = r.materialize(ctx, rec)
			if err != nil {
				return nil, err
			}
			table[rec.Checksum] = meta
		}
		if !rec.DataType.Numeric() {
			continue
		}
		timestamp := records.Normalize(rec.Timestamp, rec.PollingInterval)
		if timestamp <= meta.LastTimestamp {
			continue
		}
		items = append(items, DataItem{
			IdxDataPoint:    meta.IdxDataPoint,
			PollingInterval: rec.PollingInterval,
			Timestamp:       timestamp,
			Value:           rec.Value,
		})
	}
	return items, nil
}

// materialize creates the dimension rows for a first-seen checksum.
func (r *Resolver) materialize(ctx context.Context, rec records.Record) (DataPointMeta, error) {
	idxAgent, err := r.db.EnsureAgent(ctx, rec)
	if err != nil {
		return DataPointMeta{}, err
	}
	idxDataPoint, err := r.db.EnsureDataPoint(ctx, idxAgent, rec)
	if err != nil {
		return DataPointMeta{}, err
	}

	keyPairs := rec.KeyPairs()
	pairIDs := make([]int64, 0, len(keyPairs))
	var missing []records.Pair
	for _, p := range keyPairs {
		if id, ok := r.pairs[p]; ok {
			pairIDs = append(pairIDs, id)
		} else {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		// Should only happen when a record bypassed the iteration
		// pre-pass; resolve the stragglers directly.
		extra, err := r.db.EnsurePairs(ctx, missing)
		if err != nil {
			return DataPointMeta{}, err
		}
		for _, p := range missing {
			id, ok := extra[p]
			if !ok {
				return DataPointMeta{}, fmt.Errorf("pair (%q, %q) missing after insert", p.Key, p.Value)
			}
			pairIDs = append(pairIDs, id)
		}
	}
	if err := r.db.EnsureGlue(ctx, idxDataPoint, pairIDs); err != nil {
		return DataPointMeta{}, err
	}

	r.log.Debugw("Materialized datapoint",
		"checksum", rec.Checksum, "idx_datapoint", idxDataPoint, "pairs", len(pairIDs))
	return DataPointMeta{
		IdxDataPoint:    idxDataPoint,
		PollingInterval: rec.PollingInterval,
		LastTimestamp:   0,
	}, nil
}
