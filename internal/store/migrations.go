package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all testbed tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS gateways (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		address      TEXT NOT NULL DEFAULT '',
		token_hash   TEXT NOT NULL,
		verification TEXT NOT NULL DEFAULT 'unverified',
		status       TEXT NOT NULL DEFAULT 'offline',
		last_seen    TEXT,
		created_at   TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS devices (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		gateway_id TEXT NOT NULL REFERENCES gateways(id),
		status     TEXT NOT NULL DEFAULT 'offline',
		last_seen  TEXT,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS job_groups (
		id           TEXT PRIMARY KEY,
		owner        TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'preparing',
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		group_id     TEXT NOT NULL REFERENCES job_groups(id),
		device_id    TEXT NOT NULL,
		position     INTEGER NOT NULL DEFAULT 0,
		source_ref   TEXT NOT NULL,
		output_ref   TEXT NOT NULL DEFAULT '',
		message      TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'preparing',
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_devices_gateway_id ON devices(gateway_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_groups_status ON job_groups(status, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_group_id ON jobs(group_id, position)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_device_status ON jobs(device_id, status)`,
}

// alterStatements adds columns introduced after the initial schema.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string
}{
	{
		table:    "devices",
		column:   "port",
		alterSQL: `ALTER TABLE devices ADD COLUMN port TEXT NOT NULL DEFAULT ''`,
	},
}

// migrate applies the schema to the database.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil // Column already exists
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
