package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pattoo-project/pattood/pkg/records"
)

// DataPoint is the full datapoint row, as read back for query serving.
type DataPoint struct {
	IdxDataPoint    int64
	IdxAgent        int64
	Checksum        string
	DataType        records.DataType
	PollingInterval int64
	LastTimestamp   int64
	Enabled         bool
}

// GetDataPoint fetches one datapoint row by id.
func (d *DB) GetDataPoint(ctx context.Context, idxDataPoint int64) (DataPoint, error) {
	var dp DataPoint
	var dataType int
	var enabled int
	err := d.ReadScope(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT idx_datapoint, idx_agent, checksum, data_type, polling_interval, last_timestamp, enabled
			FROM datapoint WHERE idx_datapoint = $1`, idxDataPoint).
			Scan(&dp.IdxDataPoint, &dp.IdxAgent, &dp.Checksum, &dataType,
				&dp.PollingInterval, &dp.LastTimestamp, &enabled)
	})
	if err != nil {
		return DataPoint{}, fmt.Errorf("fetching datapoint %d: %w", idxDataPoint, err)
	}
	dp.DataType = records.DataType(dataType)
	dp.Enabled = enabled != 0
	return dp, nil
}

// ReadTimeseries returns raw (timestamp, value) rows for one datapoint in
// the closed range [tsStart, tsStop]. The rate deriver overlays the result
// onto a dense polling-interval grid; gaps stay nil there.
func (d *DB) ReadTimeseries(ctx context.Context, idxDataPoint, tsStart, tsStop int64) (map[int64]float64, error) {
	values := make(map[int64]float64)
	err := d.ReadScope(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT timestamp, value::float8
			FROM data
			WHERE idx_datapoint = $1 AND timestamp >= $2 AND timestamp <= $3
			ORDER BY timestamp`, idxDataPoint, tsStart, tsStop)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var timestamp int64
			var value float64
			if err := rows.Scan(&timestamp, &value); err != nil {
				return err
			}
			values[timestamp] = value
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("reading timeseries for datapoint %d: %w", idxDataPoint, err)
	}
	return values, nil
}
