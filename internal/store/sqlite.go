package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/me/gpubroker/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
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

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}

// --- Host CRUD ---

const hostColumns = `id, owner_id, gpu_model, vram_gb, gpu_count, price_per_hour, location,
	 status, current_job_id, last_heartbeat_at, idle_since, registered_at,
	 total_jobs_completed, total_earnings`

func scanHost(sc scanner) (*model.Host, error) {
	var h model.Host
	var status, lastHeartbeat, idleSince, registeredAt string

	err := sc.Scan(
		&h.ID, &h.OwnerID, &h.GPUModel, &h.VRAMGB, &h.GPUCount, &h.PricePerHour, &h.Location,
		&status, &h.CurrentJobID, &lastHeartbeat, &idleSince, &registeredAt,
		&h.TotalJobsCompleted, &h.TotalEarnings,
	)
	if err != nil {
		return nil, err
	}

	h.Status = model.HostStatus(status)
	h.LastHeartbeatAt = parseTime(lastHeartbeat)
	h.IdleSince = parseTime(idleSince)
	h.RegisteredAt = parseTime(registeredAt)
	return &h, nil
}

func (s *SQLiteStore) CreateHost(ctx context.Context, h *model.Host) error {
	s.logger.Debug("sql", "op", "insert", "table", "hosts", "id", h.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hosts (`+hostColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.OwnerID, h.GPUModel, h.VRAMGB, h.GPUCount, h.PricePerHour, h.Location,
		string(h.Status), h.CurrentJobID, formatTime(h.LastHeartbeatAt),
		formatTime(h.IdleSince), formatTime(h.RegisteredAt),
		h.TotalJobsCompleted, h.TotalEarnings,
	)
	return err
}

func (s *SQLiteStore) GetHost(ctx context.Context, id string) (*model.Host, error) {
	s.logger.Debug("sql", "op", "select", "table", "hosts", "id", id)

	h, err := scanHost(s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *SQLiteStore) UpdateHost(ctx context.Context, h *model.Host) error {
	s.logger.Debug("sql", "op", "update", "table", "hosts", "id", h.ID, "status", h.Status)

	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET owner_id = ?, gpu_model = ?, vram_gb = ?, gpu_count = ?,
		 price_per_hour = ?, location = ?, status = ?, current_job_id = ?,
		 last_heartbeat_at = ?, idle_since = ?, registered_at = ?,
		 total_jobs_completed = ?, total_earnings = ?
		 WHERE id = ?`,
		h.OwnerID, h.GPUModel, h.VRAMGB, h.GPUCount,
		h.PricePerHour, h.Location, string(h.Status), h.CurrentJobID,
		formatTime(h.LastHeartbeatAt), formatTime(h.IdleSince), formatTime(h.RegisteredAt),
		h.TotalJobsCompleted, h.TotalEarnings,
		h.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("host %s: no rows updated", h.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteHost(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "hosts", "id", id)
	_, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListHosts(ctx context.Context, opts model.ListOptions) ([]*model.Host, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "hosts", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	where := ""
	args := []any{}
	if opts.Status != "" {
		where = ` WHERE status = ?`
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hosts`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM hosts`+where+` ORDER BY registered_at LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var hosts []*model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, 0, err
		}
		hosts = append(hosts, h)
	}
	return hosts, total, rows.Err()
}

func (s *SQLiteStore) ListHostsByOwner(ctx context.Context, ownerID string, opts model.ListOptions) ([]*model.Host, int, error) {
	s.logger.Debug("sql", "op", "list_by_owner", "table", "hosts", "owner_id", ownerID)
	opts.Clamp()

	where := ` WHERE owner_id = ?`
	args := []any{ownerID}
	if opts.Status != "" {
		where += ` AND status = ?`
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hosts`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM hosts`+where+` ORDER BY registered_at LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var hosts []*model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, 0, err
		}
		hosts = append(hosts, h)
	}
	return hosts, total, rows.Err()
}

// TouchHostHeartbeat bumps last_heartbeat_at and nothing else. The
// scheduler owns the status and current_job_id columns for online hosts.
func (s *SQLiteStore) TouchHostHeartbeat(ctx context.Context, hostID string, now time.Time) error {
	s.logger.Debug("sql", "op", "touch_heartbeat", "table", "hosts", "id", hostID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET last_heartbeat_at = ? WHERE id = ?`,
		formatTime(now), hostID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("host %s: no rows updated", hostID)
	}
	return nil
}

// ReviveHost transitions an offline host back online. The host row and
// its recorded job are read inside the same transaction as the write, so
// the liveness decision cannot race an AssignJob on another goroutine.
func (s *SQLiteStore) ReviveHost(ctx context.Context, hostID string, now time.Time) (*model.Host, error) {
	s.logger.Debug("sql", "op", "revive_host", "table", "hosts", "id", hostID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	h, err := scanHost(tx.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE id = ?`, hostID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if h.Status != model.HostStatusOffline {
		return nil, nil
	}

	status := model.HostStatusIdle
	jobID := ""
	if h.CurrentJobID != "" {
		var jobStatus, assignedHost string
		err := tx.QueryRowContext(ctx,
			`SELECT status, assigned_host_id FROM jobs WHERE id = ?`, h.CurrentJobID,
		).Scan(&jobStatus, &assignedHost)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		if err == nil && !model.JobStatus(jobStatus).IsTerminal() && assignedHost == hostID {
			status = model.HostStatusBusy
			jobID = h.CurrentJobID
		}
	}

	idleSince := h.IdleSince
	if status == model.HostStatusIdle {
		idleSince = now
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE hosts SET status = ?, current_job_id = ?, last_heartbeat_at = ?, idle_since = ?
		 WHERE id = ? AND status = ?`,
		string(status), jobID, formatTime(now), formatTime(idleSince),
		hostID, string(model.HostStatusOffline),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	h.Status = status
	h.CurrentJobID = jobID
	h.LastHeartbeatAt = now
	h.IdleSince = idleSince
	return h, nil
}

// DeregisterHost takes a host offline unless a job is assigned to it.
func (s *SQLiteStore) DeregisterHost(ctx context.Context, hostID string) (bool, error) {
	s.logger.Debug("sql", "op", "deregister", "table", "hosts", "id", hostID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = ?, current_job_id = ''
		 WHERE id = ? AND status != ?`,
		string(model.HostStatusOffline), hostID, string(model.HostStatusBusy),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListHostsByStatus(ctx context.Context, status model.HostStatus) ([]*model.Host, error) {
	s.logger.Debug("sql", "op", "list_by_status", "table", "hosts", "status", status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE status = ? ORDER BY idle_since`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []*model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func (s *SQLiteStore) CountHostsByStatus(ctx context.Context) (map[model.HostStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM hosts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.HostStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.HostStatus(status)] = n
	}
	return counts, rows.Err()
}

// --- Job CRUD ---

const jobColumns = `id, renter_id, command, docker_image, max_runtime_hours,
	 gpu_model_filter, min_vram_gb, max_price_per_hour, location_filter,
	 status, assigned_host_id, attempts, submitted_at, matched_at, started_at,
	 completed_at, cost, result`

func scanJob(sc scanner) (*model.Job, error) {
	var j model.Job
	var status, submittedAt string
	var matchedAt, startedAt, completedAt, resultJSON *string

	err := sc.Scan(
		&j.ID, &j.RenterID, &j.Command, &j.DockerImage, &j.MaxRuntimeHours,
		&j.GPUModelFilter, &j.MinVRAMGB, &j.MaxPricePerHour, &j.LocationFilter,
		&status, &j.AssignedHostID, &j.Attempts, &submittedAt, &matchedAt, &startedAt,
		&completedAt, &j.Cost, &resultJSON,
	)
	if err != nil {
		return nil, err
	}

	j.Status = model.JobStatus(status)
	j.SubmittedAt = parseTime(submittedAt)
	j.MatchedAt = parseTimePtr(matchedAt)
	j.StartedAt = parseTimePtr(startedAt)
	j.CompletedAt = parseTimePtr(completedAt)
	if resultJSON != nil {
		var result model.JobResult
		if err := json.Unmarshal([]byte(*resultJSON), &result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = &result
	}
	return &j, nil
}

func marshalResult(r *model.JobResult) (*string, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	s := string(b)
	return &s, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", j.ID)

	resultJSON, err := marshalResult(j.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.RenterID, j.Command, j.DockerImage, j.MaxRuntimeHours,
		j.GPUModelFilter, j.MinVRAMGB, j.MaxPricePerHour, j.LocationFilter,
		string(j.Status), j.AssignedHostID, j.Attempts, formatTime(j.SubmittedAt),
		formatTimePtr(j.MatchedAt), formatTimePtr(j.StartedAt), formatTimePtr(j.CompletedAt),
		j.Cost, resultJSON,
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", j.ID, "status", j.Status)

	resultJSON, err := marshalResult(j.Result)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET renter_id = ?, command = ?, docker_image = ?, max_runtime_hours = ?,
		 gpu_model_filter = ?, min_vram_gb = ?, max_price_per_hour = ?, location_filter = ?,
		 status = ?, assigned_host_id = ?, attempts = ?, submitted_at = ?, matched_at = ?,
		 started_at = ?, completed_at = ?, cost = ?, result = ?
		 WHERE id = ?`,
		j.RenterID, j.Command, j.DockerImage, j.MaxRuntimeHours,
		j.GPUModelFilter, j.MinVRAMGB, j.MaxPricePerHour, j.LocationFilter,
		string(j.Status), j.AssignedHostID, j.Attempts, formatTime(j.SubmittedAt),
		formatTimePtr(j.MatchedAt), formatTimePtr(j.StartedAt), formatTimePtr(j.CompletedAt),
		j.Cost, resultJSON,
		j.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: no rows updated", j.ID)
	}
	return nil
}

func (s *SQLiteStore) ListJobsByRenter(ctx context.Context, renterID string, opts model.ListOptions) ([]*model.Job, int, error) {
	s.logger.Debug("sql", "op", "list_by_renter", "table", "jobs", "renter_id", renterID)
	opts.Clamp()

	where := ` WHERE renter_id = ?`
	args := []any{renterID}
	if opts.Status != "" {
		where += ` AND status = ?`
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY submitted_at DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// ListJobsByStatus returns jobs in the given status ordered oldest first,
// which is the FIFO order the matcher consumes.
func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "list_by_status", "table", "jobs", "status", status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY submitted_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// AssignJob pairs a pending job with an idle host in one transaction.
// Status guards in the WHERE clauses make the pairing atomic: if either
// row moved since the match decision, nothing is written and
// ErrAssignConflict is returned.
func (s *SQLiteStore) AssignJob(ctx context.Context, jobID, hostID string, now time.Time) error {
	s.logger.Debug("sql", "op", "assign_job", "job_id", jobID, "host_id", hostID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, assigned_host_id = ?, matched_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.JobStatusMatched), hostID, formatTime(now),
		jobID, string(model.JobStatusPending),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAssignConflict
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE hosts SET status = ?, current_job_id = ?
		 WHERE id = ? AND status = ? AND current_job_id = ''`,
		string(model.HostStatusBusy), jobID,
		hostID, string(model.HostStatusIdle),
	)
	if err != nil {
		return err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAssignConflict
	}

	return tx.Commit()
}

// --- Job status history ---

func (s *SQLiteStore) AppendJobEvent(ctx context.Context, ev *model.JobEvent) error {
	s.logger.Debug("sql", "op", "insert", "table", "job_events", "job_id", ev.JobID, "to", ev.To)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, from_status, to_status, reason, at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.JobID, string(ev.From), string(ev.To), ev.Reason, formatTime(ev.At),
	)
	return err
}

func (s *SQLiteStore) ListJobEvents(ctx context.Context, jobID string) ([]*model.JobEvent, error) {
	s.logger.Debug("sql", "op", "list", "table", "job_events", "job_id", jobID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, from_status, to_status, reason, at
		 FROM job_events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.JobEvent
	for rows.Next() {
		var ev model.JobEvent
		var from, to, at string
		if err := rows.Scan(&ev.ID, &ev.JobID, &from, &to, &ev.Reason, &at); err != nil {
			return nil, err
		}
		ev.From = model.JobStatus(from)
		ev.To = model.JobStatus(to)
		ev.At = parseTime(at)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// --- Users and tokens ---

func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, username string, role model.UserRole) (*model.User, error) {
	s.logger.Debug("sql", "op", "get_or_create", "table", "users", "username", username)

	var u model.User
	var roleStr, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, role, created_at FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &roleStr, &createdAt)

	if err == nil {
		u.Role = model.UserRole(roleStr)
		u.CreatedAt = parseTime(createdAt)
		return &u, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	u = model.User{
		ID:        "user_" + uuid.New().String()[:8],
		Username:  username,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, string(u.Role), formatTime(u.CreatedAt),
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var roleStr, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, role, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &roleStr, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Role = model.UserRole(roleStr)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// PutToken inserts or replaces an API token.
func (s *SQLiteStore) PutToken(ctx context.Context, t *model.Token) error {
	s.logger.Debug("sql", "op", "put", "table", "tokens", "user_id", t.UserID)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tokens (token, user_id, username, role, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Token, t.UserID, t.Username, string(t.Role),
		formatTime(t.CreatedAt), formatTimePtr(t.ExpiresAt),
	)
	return err
}

func (s *SQLiteStore) GetToken(ctx context.Context, token string) (*model.Token, error) {
	var t model.Token
	var roleStr, createdAt string
	var expiresAt *string
	err := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, username, role, created_at, expires_at
		 FROM tokens WHERE token = ?`, token,
	).Scan(&t.Token, &t.UserID, &t.Username, &roleStr, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Role = model.UserRole(roleStr)
	t.CreatedAt = parseTime(createdAt)
	t.ExpiresAt = parseTimePtr(expiresAt)
	return &t, nil
}
