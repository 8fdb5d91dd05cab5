package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/pattoo-project/pattood/pkg/records"
)

// DataItem is one eligible fact-table row: the resolver has already
// established the datapoint and normalized the timestamp.
type DataItem struct {
	IdxDataPoint    int64
	PollingInterval int64
	Timestamp       int64
	Value           float64
}

// CollapseItems sorts items ascending by timestamp and collapses duplicates
// keyed by (timestamp, idx_datapoint), last write wins.
func CollapseItems(items []DataItem) []DataItem {
	type key struct {
		timestamp    int64
		idxDataPoint int64
	}
	sorted := make([]DataItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	byKey := make(map[key]int, len(sorted))
	collapsed := sorted[:0]
	for _, item := range sorted {
		k := key{item.Timestamp, item.IdxDataPoint}
		if pos, ok := byKey[k]; ok {
			collapsed[pos] = item
			continue
		}
		byKey[k] = len(collapsed)
		collapsed = append(collapsed, item)
	}
	return collapsed
}

// WriteData advances each datapoint's last_timestamp and polling_interval,
// then bulk-inserts the fact rows. The summary update runs BEFORE the
// insert: the insert ignores duplicate rows, so a crash between the two
// re-runs cleanly, and GREATEST keeps last_timestamp moving only forward
// under retried batches. Datapoints with enabled=0 keep their summary
// frozen but still accept rows.
func (d *DB) WriteData(ctx context.Context, items []DataItem) error {
	items = CollapseItems(items)
	if len(items) == 0 {
		return nil
	}

	type summary struct {
		lastTimestamp   int64
		pollingInterval int64
	}
	summaries := make(map[int64]summary)
	for _, item := range items {
		s := summaries[item.IdxDataPoint]
		if item.Timestamp > s.lastTimestamp {
			s.lastTimestamp = item.Timestamp
		}
		s.pollingInterval = item.PollingInterval
		summaries[item.IdxDataPoint] = s
	}
	idxs := make([]int64, 0, len(summaries))
	for idx := range summaries {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	err := d.ModifyScope(ctx, func(tx *sql.Tx) error {
		for _, idx := range idxs {
			s := summaries[idx]
			if _, err := tx.ExecContext(ctx, `
				UPDATE datapoint
				SET last_timestamp = GREATEST(last_timestamp, $1),
					polling_interval = $2, ts_modified = CURRENT_TIMESTAMP
				WHERE idx_datapoint = $3 AND enabled = 1`,
				s.lastTimestamp, s.pollingInterval, idx); err != nil {
				return fmt.Errorf("updating datapoint %d summary: %w", idx, err)
			}
		}

		for start := 0; start < len(items); start += insertChunk {
			end := start + insertChunk
			if end > len(items) {
				end = len(items)
			}
			if err := insertDataChunk(ctx, tx, items[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing %d data rows: %w", len(items), err)
	}
	return nil
}

func insertDataChunk(ctx context.Context, tx *sql.Tx, chunk []DataItem) error {
	insert := strings.Builder{}
	insert.WriteString("INSERT INTO data (idx_datapoint, timestamp, value) VALUES ")
	args := make([]interface{}, 0, len(chunk)*3)
	for i, item := range chunk {
		if i > 0 {
			insert.WriteString(", ")
		}
		fmt.Fprintf(&insert, "($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, item.IdxDataPoint, item.Timestamp, records.Round10(item.Value))
	}
	// Duplicate (idx_datapoint, timestamp) rows are no-ops: re-processing a
	// spool file must converge on the same database state.
	insert.WriteString(" ON CONFLICT (idx_datapoint, timestamp) DO NOTHING")

	if _, err := tx.ExecContext(ctx, insert.String(), args...); err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("inserting data rows: %w", err)
	}
	return nil
}
