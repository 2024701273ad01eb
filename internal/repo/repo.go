package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/BenjaminMensah-2255/whos-going/internal/domain"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Repo is the persistence layer for runs, items, users and the event
// log. Mutating methods take a *sql.Tx so the engine controls the
// transaction boundary; reads go straight to the pool.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a UNIQUE constraint failure,
// so callers can turn a lost insert race into a validation error.
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT
}

// --- runs ---

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,vendor_name,runner_id,departure_time,note,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.VendorName, run.RunnerID, run.DepartureTime, nullable(run.Note), string(run.Status), run.CreatedAt)
	return err
}

const runColumns = `id,vendor_name,runner_id,departure_time,COALESCE(note,''),status,created_at`

func scanRun(row *sql.Row) (domain.Run, error) {
	var run domain.Run
	err := row.Scan(&run.ID, &run.VendorName, &run.RunnerID, &run.DepartureTime, &run.Note, &run.Status, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) SetRunStatus(ctx context.Context, tx *sql.Tx, id string, status domain.RunStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReopenRun forces status back to open and moves the departure forward.
func (r Repo) ReopenRun(ctx context.Context, tx *sql.Tx, id, departureTime string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status='open', departure_time=? WHERE id=?`, departureTime, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseRunIfOpen flips an open run to closed and reports whether this
// call performed the flip. Repeated calls return false, which is what
// makes deadline auto-close idempotent.
func (r Repo) CloseRunIfOpen(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status='closed' WHERE id=? AND status='open'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CloseRunIfDue is the sweep variant of CloseRunIfOpen: the flip also
// re-checks the departure inside the transaction, so an extend that
// committed after the due list was read keeps the run open.
func (r Repo) CloseRunIfDue(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status='closed' WHERE id=? AND status='open' AND departure_time<=?`, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListActiveRuns returns open and closed runs, soonest departure first.
func (r Repo) ListActiveRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status IN ('open','closed') ORDER BY departure_time ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		if err := rows.Scan(&run.ID, &run.VendorName, &run.RunnerID, &run.DepartureTime, &run.Note, &run.Status, &run.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListDueRunIDs returns runs still stored as open whose departure is at
// or before now (RFC3339 compares lexicographically in UTC).
func (r Repo) ListDueRunIDs(ctx context.Context, now string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM runs WHERE status='open' AND departure_time<=?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountItemsByRun returns item counts for the given runs.
func (r Repo) CountItemsByRun(ctx context.Context, runIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(runIDs))
	if len(runIDs) == 0 {
		return counts, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(runIDs)), ",")
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT run_id, COUNT(*) FROM items WHERE run_id IN (%s) GROUP BY run_id`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// --- items ---

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO items(id,run_id,user_id,name,quantity,price_cents,notes,paid,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		it.ID, it.RunID, it.UserID, it.Name, it.Quantity, int64(it.PriceCents), nullable(it.Notes), it.Paid, it.CreatedAt)
	return err
}

const itemColumns = `id,run_id,user_id,name,quantity,price_cents,COALESCE(notes,''),paid,created_at`

func scanItem(row *sql.Row) (domain.Item, error) {
	var it domain.Item
	err := row.Scan(&it.ID, &it.RunID, &it.UserID, &it.Name, &it.Quantity, &it.PriceCents, &it.Notes, &it.Paid, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	return scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
}

func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	res, err := tx.ExecContext(ctx, `UPDATE items SET name=?, quantity=?, price_cents=?, notes=? WHERE id=?`,
		it.Name, it.Quantity, int64(it.PriceCents), nullable(it.Notes), it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteItem(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetItemPaid(ctx context.Context, tx *sql.Tx, id string, paid bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE items SET paid=? WHERE id=?`, paid, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRunItems returns a run's items in creation order.
func (r Repo) ListRunItems(ctx context.Context, runID string) ([]domain.Item, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE run_id=? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(&it.ID, &it.RunID, &it.UserID, &it.Name, &it.Quantity, &it.PriceCents, &it.Notes, &it.Paid, &it.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,email,notifications_enabled,password_hash,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Name, nullable(u.Email), u.NotificationsEnabled, u.PasswordHash, u.CreatedAt)
	return err
}

const userColumns = `id,name,COALESCE(email,''),notifications_enabled,password_hash,created_at`

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.NotificationsEnabled, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByName(ctx context.Context, name string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE name=?`, name))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	return r.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC, id ASC`)
}

// ListNotifiableUsers returns users who opted into email notifications
// and have an address on file.
func (r Repo) ListNotifiableUsers(ctx context.Context) ([]domain.User, error) {
	return r.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE notifications_enabled=1 AND email IS NOT NULL AND email<>''`)
}

func (r Repo) queryUsers(ctx context.Context, query string, args ...any) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.NotificationsEnabled, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// DisplayNames resolves user ids to display names. Missing ids are
// simply absent from the result.
func (r Repo) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	seen := make(map[string]struct{}, len(ids))
	var args []any
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT id,name FROM users WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

// --- events ---

const eventColumns = `id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

// EventsAfter returns up to limit events with id greater than afterID,
// oldest first. The notification dispatcher pages through the log with
// this.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// TailEvents returns the newest events, optionally scoped to one run.
func (r Repo) TailEvents(ctx context.Context, limit int, runID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
