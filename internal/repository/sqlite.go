package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/admissionerrors"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
)

// SQLiteStore is the single-node backing. The database handle is expected to
// come from database.OpenSQLite, which limits it to one connection; a
// transaction therefore excludes every other statement until it finishes.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (r *SQLiteStore) Close() error {
	return errors.WithStack(r.db.Close())
}

func sqliteConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, code := range codes {
		if sqliteErr.ExtendedCode == code {
			return true
		}
	}
	return false
}

func isSQLiteUnique(err error) bool {
	return sqliteConstraint(err, sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*model.Session, error) {
	var (
		s                       model.Session
		status                  string
		selectedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&s.SessionID, &s.QueuePosition, &status, &s.JoinedAt, &selectedAt, &completedAt); err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	s.JoinedAt = s.JoinedAt.UTC()
	s.SelectedAt = nullTime(selectedAt)
	s.CompletedAt = nullTime(completedAt)
	return &s, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func getSQLiteSession(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, sessionID string) (*model.Session, error) {
	s, err := scanSQLiteSession(q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, admissionerrors.NotFound(resourceSession, sessionID)
		}
		return nil, errors.Wrap(err, "get session")
	}
	return s, nil
}

func (r *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return getSQLiteSession(ctx, r.db, sessionID)
}

func (r *SQLiteStore) CreateOrResumeSession(ctx context.Context, sessionID string, joinedAt time.Time) (*model.Session, bool, error) {
	joinedAt = dbTime(joinedAt)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getSQLiteSession(ctx, tx, sessionID)
	if err == nil {
		return existing, true, nil
	}
	if !admissionerrors.IsNotFound(err) {
		return nil, false, err
	}

	var position int64
	err = tx.QueryRowContext(ctx,
		`UPDATE queue_state
		 SET next_position = next_position + 1, updated_at = ?
		 WHERE id = 1
		 RETURNING next_position - 1`,
		joinedAt,
	).Scan(&position)
	if err != nil {
		return nil, false, errors.Wrap(err, "allocate queue position")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, queue_position, status, joined_at) VALUES (?, ?, ?, ?)`,
		sessionID, position, string(model.StatusWaiting), joinedAt)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert session")
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "commit transaction")
	}
	return &model.Session{
		SessionID:     sessionID,
		QueuePosition: position,
		Status:        model.StatusWaiting,
		JoinedAt:      joinedAt,
	}, false, nil
}

func (r *SQLiteStore) SubmitEligibility(ctx context.Context, rec model.EligibilityRecord) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO eligibility_checks
		 (id, session_id, parent_name, primary_email, secondary_email, diagnosis,
		  school_year, catchment_town, can_attend_hospital, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.ID, rec.SessionID, rec.ParentName, rec.PrimaryEmail, nullIfEmpty(rec.SecondaryEmail),
		rec.Diagnosis, rec.SchoolYear, rec.CatchmentTown, rec.CanAttendHospital, dbTime(rec.SubmittedAt),
	)
	if err != nil {
		return errors.Wrap(err, "insert eligibility record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return admissionerrors.Conflict(resourceEligibility, rec.SessionID, admissionerrors.ReasonAlreadySubmitted)
	}
	return nil
}

func (r *SQLiteStore) GetEligibility(ctx context.Context, sessionID string) (*model.EligibilityRecord, error) {
	var (
		rec       model.EligibilityRecord
		secondary sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, parent_name, primary_email, secondary_email, diagnosis,
		        school_year, catchment_town, can_attend_hospital, submitted_at
		 FROM eligibility_checks WHERE session_id = ?`,
		sessionID,
	).Scan(&rec.ID, &rec.SessionID, &rec.ParentName, &rec.PrimaryEmail, &secondary, &rec.Diagnosis,
		&rec.SchoolYear, &rec.CatchmentTown, &rec.CanAttendHospital, &rec.SubmittedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, admissionerrors.NotFound(resourceEligibility, sessionID)
		}
		return nil, errors.Wrap(err, "get eligibility record")
	}
	rec.SecondaryEmail = secondary.String
	rec.SubmittedAt = rec.SubmittedAt.UTC()
	return &rec, nil
}

func scanSQLiteQueueState(row rowScanner) (*model.QueueState, error) {
	var q model.QueueState
	if err := row.Scan(&q.MaxUsers, &q.CurrentUsers, &q.NextPosition, &q.IsOpen, &q.UpdatedAt); err != nil {
		return nil, errors.Wrap(err, "scan queue state")
	}
	q.UpdatedAt = q.UpdatedAt.UTC()
	return &q, nil
}

func (r *SQLiteStore) GetQueueState(ctx context.Context) (*model.QueueState, error) {
	return scanSQLiteQueueState(r.db.QueryRowContext(ctx,
		`SELECT `+queueStateColumns+` FROM queue_state WHERE id = 1`))
}

// updateThenRead runs a single-row UPDATE and reads the row back in the same
// transaction. RETURNING loses the declared column types, which the driver
// needs to decode TIMESTAMP columns.
func (r *SQLiteStore) updateThenRead(ctx context.Context, update, read string, args []any, scan func(rowScanner) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return errors.Wrap(err, "update")
	}
	if err := scan(tx.QueryRowContext(ctx, read)); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func (r *SQLiteStore) updateQueueState(ctx context.Context, update string, args ...any) (*model.QueueState, error) {
	var q *model.QueueState
	err := r.updateThenRead(ctx, update, `SELECT `+queueStateColumns+` FROM queue_state WHERE id = 1`, args,
		func(row rowScanner) (err error) {
			q, err = scanSQLiteQueueState(row)
			return err
		})
	return q, err
}

func (r *SQLiteStore) SetQueueOpen(ctx context.Context, open bool, at time.Time) (*model.QueueState, error) {
	return r.updateQueueState(ctx,
		`UPDATE queue_state SET is_open = ?, updated_at = ? WHERE id = 1`,
		open, dbTime(at))
}

func (r *SQLiteStore) SetCapacity(ctx context.Context, maxUsers int, at time.Time) (*model.QueueState, error) {
	return r.updateQueueState(ctx,
		`UPDATE queue_state SET max_users = ?, updated_at = ? WHERE id = 1`,
		maxUsers, dbTime(at))
}

func scanSQLiteCountdown(row rowScanner) (*model.CountdownWindow, error) {
	var w model.CountdownWindow
	if err := row.Scan(&w.StartTime, &w.EndTime, &w.IsActive, &w.UpdatedAt); err != nil {
		return nil, errors.Wrap(err, "scan countdown window")
	}
	w.StartTime = w.StartTime.UTC()
	w.EndTime = w.EndTime.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

func (r *SQLiteStore) GetCountdown(ctx context.Context) (*model.CountdownWindow, error) {
	return scanSQLiteCountdown(r.db.QueryRowContext(ctx,
		`SELECT `+countdownColumns+` FROM countdown_window WHERE id = 1`))
}

func (r *SQLiteStore) UpdateCountdown(ctx context.Context, start, end, at time.Time) (*model.CountdownWindow, error) {
	var w *model.CountdownWindow
	err := r.updateThenRead(ctx,
		`UPDATE countdown_window
		 SET start_time = ?, end_time = ?, is_active = 1, updated_at = ?
		 WHERE id = 1`,
		`SELECT `+countdownColumns+` FROM countdown_window WHERE id = 1`,
		[]any{dbTime(start), dbTime(end), dbTime(at)},
		func(row rowScanner) (err error) {
			w, err = scanSQLiteCountdown(row)
			return err
		})
	return w, err
}

func (r *SQLiteStore) RunSelection(ctx context.Context, at time.Time) (model.SelectionResult, error) {
	var result model.SelectionResult
	at = dbTime(at)

	var maxUsers int
	if err := r.db.QueryRowContext(ctx, `SELECT max_users FROM queue_state WHERE id = 1`).Scan(&maxUsers); err != nil {
		return result, errors.Wrap(err, "read capacity")
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'selected', selected_at = ?
		 WHERE status = 'waiting' AND queue_position <= ?`,
		at, maxUsers)
	if err != nil {
		return result, errors.Wrap(err, "select sessions")
	}
	selected, err := res.RowsAffected()
	if err != nil {
		return result, errors.Wrap(err, "rows affected")
	}
	result.SelectedCount = int(selected)

	res, err = r.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'rejected'
		 WHERE status = 'waiting' AND queue_position > ?`,
		maxUsers)
	if err != nil {
		return result, errors.Wrap(err, "reject sessions")
	}
	rejected, err := res.RowsAffected()
	if err != nil {
		return result, errors.Wrap(err, "rows affected")
	}
	result.RejectedCount = int(rejected)

	_, err = r.db.ExecContext(ctx,
		`UPDATE queue_state
		 SET current_users = current_users + ?, is_open = 0, updated_at = ?
		 WHERE id = 1`,
		result.SelectedCount, at)
	if err != nil {
		return result, errors.Wrap(err, "close queue")
	}
	return result, nil
}

func (r *SQLiteStore) SubmitApplication(ctx context.Context, app model.Application) error {
	payload, err := json.Marshal(app.Form)
	if err != nil {
		return errors.Wrap(err, "encode application form")
	}
	at := dbTime(app.SubmittedAt)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status    string
		submitted bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT s.status,
		        EXISTS (SELECT 1 FROM applications a WHERE a.session_id = s.session_id)
		 FROM sessions s WHERE s.session_id = ?`,
		app.SessionID,
	).Scan(&status, &submitted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return admissionerrors.NotFound(resourceSession, app.SessionID)
		}
		return errors.Wrap(err, "read session")
	}
	if err := submittable(app.SessionID, model.SessionStatus(status), submitted); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO applications (id, session_id, payload, submitted_at) VALUES (?, ?, ?, ?)`,
		app.ID, app.SessionID, string(payload), at)
	if err != nil {
		if isSQLiteUnique(err) {
			return admissionerrors.Conflict(resourceApplication, app.SessionID, admissionerrors.ReasonAlreadySubmitted)
		}
		return errors.Wrap(err, "insert application")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'completed', completed_at = ?
		 WHERE session_id = ? AND status = 'selected'`,
		at, app.SessionID)
	if err != nil {
		return errors.Wrap(err, "complete session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return admissionerrors.Conflict(resourceSession, app.SessionID, admissionerrors.ReasonNotEligible)
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

func (r *SQLiteStore) GetSubmissionStatus(ctx context.Context, sessionID string) (*model.SubmissionStatus, error) {
	var (
		status    string
		submitted bool
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT s.status,
		        EXISTS (SELECT 1 FROM applications a WHERE a.session_id = s.session_id)
		 FROM sessions s WHERE s.session_id = ?`,
		sessionID,
	).Scan(&status, &submitted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, admissionerrors.NotFound(resourceSession, sessionID)
		}
		return nil, errors.Wrap(err, "get submission status")
	}
	return submissionStatus(sessionID, model.SessionStatus(status), submitted), nil
}

func (r *SQLiteStore) AddToWaitlist(ctx context.Context, entry model.WaitlistEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO waitlist_entries (id, session_id, name, email, postcode, child_name, child_dob, added_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.Name, entry.Email, nullIfEmpty(entry.Postcode),
		nullIfEmpty(entry.ChildName), nullIfEmpty(entry.ChildDOB), dbTime(entry.AddedAt),
	)
	if err != nil {
		if sqliteConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return admissionerrors.NotFound(resourceSession, entry.SessionID)
		}
		return errors.Wrap(err, "insert waitlist entry")
	}
	return nil
}

func (r *SQLiteStore) ListApplications(ctx context.Context) ([]model.Application, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.id, a.session_id, a.payload, a.submitted_at, s.queue_position, s.selected_at
		 FROM applications a
		 JOIN sessions s ON s.session_id = a.session_id
		 ORDER BY a.submitted_at DESC, a.seq DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list applications")
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		var (
			app        model.Application
			payload    string
			selectedAt sql.NullTime
		)
		if err := rows.Scan(&app.ID, &app.SessionID, &payload, &app.SubmittedAt, &app.QueuePosition, &selectedAt); err != nil {
			return nil, errors.Wrap(err, "scan application")
		}
		if err := json.Unmarshal([]byte(payload), &app.Form); err != nil {
			return nil, errors.Wrap(err, "decode application form")
		}
		app.SubmittedAt = app.SubmittedAt.UTC()
		app.SelectedAt = nullTime(selectedAt)
		apps = append(apps, app)
	}
	return apps, errors.WithStack(rows.Err())
}

func (r *SQLiteStore) ListWaitlist(ctx context.Context) ([]model.WaitlistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT w.id, w.session_id, w.name, w.email, w.postcode, w.child_name, w.child_dob,
		        w.added_at, s.queue_position, s.joined_at
		 FROM waitlist_entries w
		 JOIN sessions s ON s.session_id = w.session_id
		 ORDER BY w.added_at DESC, w.seq DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list waitlist")
	}
	defer rows.Close()

	var entries []model.WaitlistEntry
	for rows.Next() {
		var (
			e                             model.WaitlistEntry
			postcode, childName, childDOB sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Name, &e.Email, &postcode, &childName, &childDOB,
			&e.AddedAt, &e.QueuePosition, &e.JoinedAt); err != nil {
			return nil, errors.Wrap(err, "scan waitlist entry")
		}
		e.Postcode = postcode.String
		e.ChildName = childName.String
		e.ChildDOB = childDOB.String
		e.AddedAt = e.AddedAt.UTC()
		e.JoinedAt = e.JoinedAt.UTC()
		entries = append(entries, e)
	}
	return entries, errors.WithStack(rows.Err())
}

func (r *SQLiteStore) CountDistinctSessions(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT session_id) FROM sessions`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count sessions")
	}
	return n, nil
}

func (r *SQLiteStore) Stats(ctx context.Context) (*model.Stats, error) {
	stats := newStats()
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count sessions by status")
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan status count")
		}
		stats.ByStatus[model.SessionStatus(status)] = n
		stats.DistinctSessions += n
	}
	// The single connection must be released before the next query.
	if err := rows.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM applications), (SELECT COUNT(*) FROM waitlist_entries)`,
	).Scan(&stats.Applications, &stats.Waitlist)
	if err != nil {
		return nil, errors.Wrap(err, "count applications and waitlist")
	}
	return stats, nil
}
