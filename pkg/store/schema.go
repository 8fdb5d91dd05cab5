package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ddl creates the five core tables. Agent owns datapoints, datapoints own
// data and glue rows, pairs own glue rows; deletes cascade down each edge.
// This is bootstrap only, not schema migration.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS agent (
		idx_agent BIGSERIAL PRIMARY KEY,
		agent_id VARCHAR(512) NOT NULL,
		agent_polled_target VARCHAR(512) NOT NULL,
		agent_program VARCHAR(512) NOT NULL DEFAULT '',
		ts_created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ts_modified TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (agent_id, agent_polled_target)
	)`,
	`CREATE TABLE IF NOT EXISTS datapoint (
		idx_datapoint BIGSERIAL PRIMARY KEY,
		idx_agent BIGINT NOT NULL REFERENCES agent (idx_agent) ON DELETE CASCADE,
		checksum VARCHAR(512) NOT NULL UNIQUE,
		data_type SMALLINT NOT NULL,
		polling_interval BIGINT NOT NULL,
		last_timestamp BIGINT NOT NULL DEFAULT 0,
		enabled SMALLINT NOT NULL DEFAULT 1,
		ts_created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ts_modified TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS pair (
		idx_pair BIGSERIAL PRIMARY KEY,
		key VARCHAR(512) NOT NULL,
		value VARCHAR(512) NOT NULL,
		UNIQUE (key, value)
	)`,
	`CREATE TABLE IF NOT EXISTS glue (
		idx_pair BIGINT NOT NULL REFERENCES pair (idx_pair) ON DELETE CASCADE,
		idx_datapoint BIGINT NOT NULL REFERENCES datapoint (idx_datapoint) ON DELETE CASCADE,
		PRIMARY KEY (idx_pair, idx_datapoint)
	)`,
	`CREATE TABLE IF NOT EXISTS data (
		idx_datapoint BIGINT NOT NULL REFERENCES datapoint (idx_datapoint) ON DELETE CASCADE,
		timestamp BIGINT NOT NULL,
		value NUMERIC(30, 10),
		PRIMARY KEY (idx_datapoint, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_datapoint_agent ON datapoint (idx_agent)`,
}

// CreateTables creates any missing core tables. Safe to run on every
// ingester start.
func (d *DB) CreateTables(ctx context.Context) error {
	return d.ModifyScope(ctx, func(tx *sql.Tx) error {
		for _, stmt := range ddl {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("creating tables: %w", err)
			}
		}
		return nil
	})
}
