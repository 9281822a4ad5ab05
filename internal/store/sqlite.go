package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"

	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	q      querier
	inTx   bool
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
//
// The pool is limited to one connection so writers are serialized and an
// in-memory database is shared by every caller.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLiteStore{
		db:     db,
		q:      db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// WithTx runs fn inside a transaction. Nested calls reuse the outer transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &SQLiteStore{db: s.db, q: tx, inTx: true, logger: s.logger}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Gateway CRUD ---

const gatewayColumns = `id, name, address, token_hash, verification, status, last_seen, created_at`

func (s *SQLiteStore) CreateGateway(ctx context.Context, gw *model.Gateway) error {
	s.logger.Debug("sql", "op", "insert", "table", "gateways", "id", gw.ID)

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO gateways (`+gatewayColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		gw.ID, gw.Name, gw.Address, gw.TokenHash, string(gw.Verification), string(gw.Status),
		formatTimePtr(gw.LastSeen), gw.CreatedAt.UTC().Format(timeFormat),
	)
	return err
}

func (s *SQLiteStore) GetGateway(ctx context.Context, id string) (*model.Gateway, error) {
	s.logger.Debug("sql", "op", "select", "table", "gateways", "id", id)
	row := s.q.QueryRowContext(ctx, `SELECT `+gatewayColumns+` FROM gateways WHERE id = ?`, id)
	return scanGateway(row)
}

func (s *SQLiteStore) GetGatewayByName(ctx context.Context, name string) (*model.Gateway, error) {
	s.logger.Debug("sql", "op", "select_by_name", "table", "gateways", "name", name)
	row := s.q.QueryRowContext(ctx, `SELECT `+gatewayColumns+` FROM gateways WHERE name = ?`, name)
	return scanGateway(row)
}

func (s *SQLiteStore) ListGateways(ctx context.Context, opts model.ListOptions) ([]*model.Gateway, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "gateways", "limit", opts.Limit, "offset", opts.Offset)

	where, args := statusFilter(opts)
	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM gateways`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+gatewayColumns+` FROM gateways`+where+` ORDER BY created_at, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*model.Gateway
	for rows.Next() {
		gw, err := scanGateway(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, gw)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) UpdateGateway(ctx context.Context, gw *model.Gateway) error {
	s.logger.Debug("sql", "op", "update", "table", "gateways", "id", gw.ID, "status", gw.Status)

	res, err := s.q.ExecContext(ctx,
		`UPDATE gateways SET name = ?, address = ?, token_hash = ?, verification = ?, status = ?, last_seen = ?
		 WHERE id = ?`,
		gw.Name, gw.Address, gw.TokenHash, string(gw.Verification), string(gw.Status),
		formatTimePtr(gw.LastSeen), gw.ID,
	)
	return checkAffected(res, err, "gateway", gw.ID)
}

func scanGateway(row scanner) (*model.Gateway, error) {
	var gw model.Gateway
	var verification, status, createdAt string
	var lastSeen *string

	err := row.Scan(&gw.ID, &gw.Name, &gw.Address, &gw.TokenHash, &verification, &status, &lastSeen, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	gw.Verification = model.Verification(verification)
	gw.Status = model.ResourceStatus(status)
	gw.LastSeen = parseTimePtr(lastSeen)
	gw.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &gw, nil
}

// --- Device CRUD ---

const deviceColumns = `id, name, gateway_id, port, status, last_seen, created_at`

func (s *SQLiteStore) CreateDevice(ctx context.Context, d *model.Device) error {
	s.logger.Debug("sql", "op", "insert", "table", "devices", "id", d.ID)

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.GatewayID, d.Port, string(d.Status),
		formatTimePtr(d.LastSeen), d.CreatedAt.UTC().Format(timeFormat),
	)
	return err
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	s.logger.Debug("sql", "op", "select", "table", "devices", "id", id)
	row := s.q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

func (s *SQLiteStore) ListDevices(ctx context.Context, opts model.ListOptions) ([]*model.Device, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "devices", "limit", opts.Limit, "offset", opts.Offset)

	where, args := statusFilter(opts)
	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices`+where+` ORDER BY created_at, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	devices, err := scanDevices(rows)
	return devices, total, err
}

func (s *SQLiteStore) ListDevicesByGateway(ctx context.Context, gatewayID string) ([]*model.Device, error) {
	s.logger.Debug("sql", "op", "list_by_gateway", "table", "devices", "gateway_id", gatewayID)

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE gateway_id = ? ORDER BY created_at, id`, gatewayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (s *SQLiteStore) UpdateDevice(ctx context.Context, d *model.Device) error {
	s.logger.Debug("sql", "op", "update", "table", "devices", "id", d.ID, "status", d.Status)

	res, err := s.q.ExecContext(ctx,
		`UPDATE devices SET name = ?, port = ?, status = ?, last_seen = ? WHERE id = ?`,
		d.Name, d.Port, string(d.Status), formatTimePtr(d.LastSeen), d.ID,
	)
	return checkAffected(res, err, "device", d.ID)
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "devices", "id", id)

	res, err := s.q.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	return checkAffected(res, err, "device", id)
}

// CountJobsForDevice counts jobs targeting the device whose status is one of statuses.
func (s *SQLiteStore) CountJobsForDevice(ctx context.Context, deviceID string, statuses ...model.Status) (int, error) {
	s.logger.Debug("sql", "op", "count", "table", "jobs", "device_id", deviceID, "statuses", statuses)
	if len(statuses) == 0 {
		return 0, nil
	}

	args := []any{deviceID}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")

	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE device_id = ? AND status IN (`+placeholders+`)`, args...,
	).Scan(&n)
	return n, err
}

func scanDevice(row scanner) (*model.Device, error) {
	var d model.Device
	var status, createdAt string
	var lastSeen *string

	err := row.Scan(&d.ID, &d.Name, &d.GatewayID, &d.Port, &status, &lastSeen, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	d.Status = model.ResourceStatus(status)
	d.LastSeen = parseTimePtr(lastSeen)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &d, nil
}

func scanDevices(rows *sql.Rows) ([]*model.Device, error) {
	var out []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- JobGroup operations ---

const groupColumns = `id, owner, name, status, created_at, started_at, completed_at`

// CreateJobGroup inserts the group and all of its jobs in one transaction.
func (s *SQLiteStore) CreateJobGroup(ctx context.Context, g *model.JobGroup) error {
	return s.WithTx(ctx, func(tx Store) error {
		ts := tx.(*SQLiteStore)
		ts.logger.Debug("sql", "op", "insert", "table", "job_groups", "id", g.ID, "jobs", len(g.Jobs))

		if _, err := ts.q.ExecContext(ctx,
			`INSERT INTO job_groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.Owner, g.Name, string(g.Status), g.CreatedAt.UTC().Format(timeFormat),
			formatTimePtr(g.StartedAt), formatTimePtr(g.CompletedAt),
		); err != nil {
			return fmt.Errorf("insert job group: %w", err)
		}

		for i, job := range g.Jobs {
			job.GroupID = g.ID
			job.Position = i
			if _, err := ts.q.ExecContext(ctx,
				`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				job.ID, job.GroupID, job.DeviceID, job.Position, job.SourceRef, job.OutputRef,
				job.Message, string(job.Status), job.CreatedAt.UTC().Format(timeFormat),
				formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt),
			); err != nil {
				return fmt.Errorf("insert job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetJobGroup(ctx context.Context, id string) (*model.JobGroup, error) {
	s.logger.Debug("sql", "op", "select", "table", "job_groups", "id", id)

	g, err := scanGroup(s.q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM job_groups WHERE id = ?`, id))
	if err != nil || g == nil {
		return g, err
	}
	if g.Jobs, err = s.ListJobsByGroup(ctx, g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *SQLiteStore) ListJobGroups(ctx context.Context, opts model.ListOptions) ([]*model.JobGroup, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "job_groups", "limit", opts.Limit, "offset", opts.Offset)

	var conds []string
	var args []any
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, opts.Owner)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_groups`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	groups, err := s.queryGroups(ctx,
		`SELECT `+groupColumns+` FROM job_groups`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	return groups, total, err
}

// ListJobGroupsByStatus returns every group in the given status, oldest first.
// Ties on created_at are broken by id.
func (s *SQLiteStore) ListJobGroupsByStatus(ctx context.Context, status model.Status) ([]*model.JobGroup, error) {
	s.logger.Debug("sql", "op", "list_by_status", "table", "job_groups", "status", status)

	return s.queryGroups(ctx,
		`SELECT `+groupColumns+` FROM job_groups WHERE status = ? ORDER BY created_at, id`, string(status))
}

// queryGroups reads all matching groups before loading their jobs, since the
// pool holds a single connection.
func (s *SQLiteStore) queryGroups(ctx context.Context, query string, args ...any) ([]*model.JobGroup, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var groups []*model.JobGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, g := range groups {
		if g.Jobs, err = s.ListJobsByGroup(ctx, g.ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// UpdateJobGroup persists the group's status and timestamps. Jobs are not touched.
func (s *SQLiteStore) UpdateJobGroup(ctx context.Context, g *model.JobGroup) error {
	s.logger.Debug("sql", "op", "update", "table", "job_groups", "id", g.ID, "status", g.Status)

	res, err := s.q.ExecContext(ctx,
		`UPDATE job_groups SET status = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		string(g.Status), formatTimePtr(g.StartedAt), formatTimePtr(g.CompletedAt), g.ID,
	)
	return checkAffected(res, err, "job group", g.ID)
}

func scanGroup(row scanner) (*model.JobGroup, error) {
	var g model.JobGroup
	var status, createdAt string
	var startedAt, completedAt *string

	err := row.Scan(&g.ID, &g.Owner, &g.Name, &status, &createdAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	g.Status = model.Status(status)
	g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	g.StartedAt = parseTimePtr(startedAt)
	g.CompletedAt = parseTimePtr(completedAt)
	return &g, nil
}

// --- Job operations ---

const jobColumns = `id, group_id, device_id, position, source_ref, output_ref, message, status, created_at, started_at, completed_at`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)
	return scanJob(s.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)

	where, args := statusFilter(opts)
	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	return jobs, total, err
}

func (s *SQLiteStore) ListJobsByGroup(ctx context.Context, groupID string) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "list_by_group", "table", "jobs", "group_id", groupID)

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE group_id = ? ORDER BY position, id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", job.ID, "status", job.Status)

	res, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET output_ref = ?, message = ?, status = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		job.OutputRef, job.Message, string(job.Status),
		formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt), job.ID,
	)
	return checkAffected(res, err, "job", job.ID)
}

func scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var status, createdAt string
	var startedAt, completedAt *string

	err := row.Scan(
		&job.ID, &job.GroupID, &job.DeviceID, &job.Position, &job.SourceRef, &job.OutputRef,
		&job.Message, &status, &createdAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Status = model.Status(status)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.StartedAt = parseTimePtr(startedAt)
	job.CompletedAt = parseTimePtr(completedAt)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// --- helpers ---

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type scanner interface {
	Scan(dest ...any) error
}

func statusFilter(opts model.ListOptions) (string, []any) {
	if opts.Status == "" {
		return "", nil
	}
	return " WHERE status = ?", []any{opts.Status}
}

func checkAffected(res sql.Result, err error, resource, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.NewNotFoundError(resource, id)
	}
	return nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
