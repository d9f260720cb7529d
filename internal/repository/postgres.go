package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/admissionerrors"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
)

const sessionColumns = `session_id, queue_position, status, joined_at, selected_at, completed_at`

// PostgresStore is the production backing. It uses pgx directly (no ORM).
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore on an already migrated pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Close() error {
	r.db.Close()
	return nil
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func scanPgSession(row pgx.Row) (*model.Session, error) {
	var (
		s      model.Session
		status string
	)
	if err := row.Scan(&s.SessionID, &s.QueuePosition, &status, &s.JoinedAt, &s.SelectedAt, &s.CompletedAt); err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	return &s, nil
}

func (r *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	s, err := scanPgSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, admissionerrors.NotFound(resourceSession, sessionID)
		}
		return nil, errors.Wrap(err, "get session")
	}
	return s, nil
}

// CreateOrResumeSession allocates a position inside the insert transaction.
//
// The counter UPDATE takes the row lock on queue_state, so concurrent first
// contacts queue up behind each other. When two callers race on the same
// session id the loser's INSERT hits the primary key, affects zero rows, and
// its transaction is rolled back, which also discards its counter increment:
// positions stay gapless and the loser reads the winner's row.
func (r *PostgresStore) CreateOrResumeSession(ctx context.Context, sessionID string, joinedAt time.Time) (*model.Session, bool, error) {
	existing, err := r.GetSession(ctx, sessionID)
	if err == nil {
		return existing, true, nil
	}
	if !admissionerrors.IsNotFound(err) {
		return nil, false, err
	}

	joinedAt = dbTime(joinedAt)
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var position int64
	err = tx.QueryRow(ctx,
		`UPDATE queue_state
		 SET next_position = next_position + 1, updated_at = $1
		 WHERE id = 1
		 RETURNING next_position - 1`,
		joinedAt,
	).Scan(&position)
	if err != nil {
		return nil, false, errors.Wrap(err, "allocate queue position")
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO sessions (session_id, queue_position, status, joined_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO NOTHING`,
		sessionID, position, string(model.StatusWaiting), joinedAt,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert session")
	}

	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		existing, err := r.GetSession(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit transaction")
	}
	return &model.Session{
		SessionID:     sessionID,
		QueuePosition: position,
		Status:        model.StatusWaiting,
		JoinedAt:      joinedAt,
	}, false, nil
}

func (r *PostgresStore) SubmitEligibility(ctx context.Context, rec model.EligibilityRecord) error {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return errors.Wrap(err, "eligibility id")
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO eligibility_checks
		 (id, session_id, parent_name, primary_email, secondary_email, diagnosis,
		  school_year, catchment_town, can_attend_hospital, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (session_id) DO NOTHING`,
		id, rec.SessionID, rec.ParentName, rec.PrimaryEmail, nullIfEmpty(rec.SecondaryEmail),
		rec.Diagnosis, rec.SchoolYear, rec.CatchmentTown, rec.CanAttendHospital, dbTime(rec.SubmittedAt),
	)
	if err != nil {
		return errors.Wrap(err, "insert eligibility record")
	}
	if tag.RowsAffected() == 0 {
		return admissionerrors.Conflict(resourceEligibility, rec.SessionID, admissionerrors.ReasonAlreadySubmitted)
	}
	return nil
}

func (r *PostgresStore) GetEligibility(ctx context.Context, sessionID string) (*model.EligibilityRecord, error) {
	var (
		rec       model.EligibilityRecord
		id        uuid.UUID
		secondary *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, session_id, parent_name, primary_email, secondary_email, diagnosis,
		        school_year, catchment_town, can_attend_hospital, submitted_at
		 FROM eligibility_checks WHERE session_id = $1`,
		sessionID,
	).Scan(&id, &rec.SessionID, &rec.ParentName, &rec.PrimaryEmail, &secondary, &rec.Diagnosis,
		&rec.SchoolYear, &rec.CatchmentTown, &rec.CanAttendHospital, &rec.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, admissionerrors.NotFound(resourceEligibility, sessionID)
		}
		return nil, errors.Wrap(err, "get eligibility record")
	}
	rec.ID = id.String()
	rec.SecondaryEmail = derefString(secondary)
	return &rec, nil
}

func scanPgQueueState(row pgx.Row) (*model.QueueState, error) {
	var q model.QueueState
	if err := row.Scan(&q.MaxUsers, &q.CurrentUsers, &q.NextPosition, &q.IsOpen, &q.UpdatedAt); err != nil {
		return nil, errors.Wrap(err, "scan queue state")
	}
	return &q, nil
}

const queueStateColumns = `max_users, current_users, next_position, is_open, updated_at`

func (r *PostgresStore) GetQueueState(ctx context.Context) (*model.QueueState, error) {
	return scanPgQueueState(r.db.QueryRow(ctx, `SELECT `+queueStateColumns+` FROM queue_state WHERE id = 1`))
}

func (r *PostgresStore) SetQueueOpen(ctx context.Context, open bool, at time.Time) (*model.QueueState, error) {
	return scanPgQueueState(r.db.QueryRow(ctx,
		`UPDATE queue_state SET is_open = $1, updated_at = $2 WHERE id = 1
		 RETURNING `+queueStateColumns,
		open, dbTime(at)))
}

func (r *PostgresStore) SetCapacity(ctx context.Context, maxUsers int, at time.Time) (*model.QueueState, error) {
	return scanPgQueueState(r.db.QueryRow(ctx,
		`UPDATE queue_state SET max_users = $1, updated_at = $2 WHERE id = 1
		 RETURNING `+queueStateColumns,
		maxUsers, dbTime(at)))
}

const countdownColumns = `start_time, end_time, is_active, updated_at`

func scanPgCountdown(row pgx.Row) (*model.CountdownWindow, error) {
	var w model.CountdownWindow
	if err := row.Scan(&w.StartTime, &w.EndTime, &w.IsActive, &w.UpdatedAt); err != nil {
		return nil, errors.Wrap(err, "scan countdown window")
	}
	return &w, nil
}

func (r *PostgresStore) GetCountdown(ctx context.Context) (*model.CountdownWindow, error) {
	return scanPgCountdown(r.db.QueryRow(ctx, `SELECT `+countdownColumns+` FROM countdown_window WHERE id = 1`))
}

func (r *PostgresStore) UpdateCountdown(ctx context.Context, start, end, at time.Time) (*model.CountdownWindow, error) {
	return scanPgCountdown(r.db.QueryRow(ctx,
		`UPDATE countdown_window
		 SET start_time = $1, end_time = $2, is_active = true, updated_at = $3
		 WHERE id = 1
		 RETURNING `+countdownColumns,
		dbTime(start), dbTime(end), dbTime(at)))
}

// RunSelection issues three independent statements. Each UPDATE only matches
// rows whose status is still 'waiting'; under READ COMMITTED a concurrent
// caller blocked on the same rows re-checks the predicate after the winner
// commits and skips them, so no session is counted twice.
func (r *PostgresStore) RunSelection(ctx context.Context, at time.Time) (model.SelectionResult, error) {
	var result model.SelectionResult
	at = dbTime(at)

	var maxUsers int
	if err := r.db.QueryRow(ctx, `SELECT max_users FROM queue_state WHERE id = 1`).Scan(&maxUsers); err != nil {
		return result, errors.Wrap(err, "read capacity")
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET status = 'selected', selected_at = $2
		 WHERE status = 'waiting' AND queue_position <= $1`,
		maxUsers, at)
	if err != nil {
		return result, errors.Wrap(err, "select sessions")
	}
	result.SelectedCount = int(tag.RowsAffected())

	tag, err = r.db.Exec(ctx,
		`UPDATE sessions SET status = 'rejected'
		 WHERE status = 'waiting' AND queue_position > $1`,
		maxUsers)
	if err != nil {
		return result, errors.Wrap(err, "reject sessions")
	}
	result.RejectedCount = int(tag.RowsAffected())

	_, err = r.db.Exec(ctx,
		`UPDATE queue_state
		 SET current_users = current_users + $1, is_open = false, updated_at = $2
		 WHERE id = 1`,
		result.SelectedCount, at)
	if err != nil {
		return result, errors.Wrap(err, "close queue")
	}
	return result, nil
}

// SubmitApplication locks the session row with SELECT ... FOR UPDATE, so a
// second submission for the same session waits until the first commits and
// then sees the application row and the completed status. The unique key on
// applications.session_id and the status-guarded UPDATE back this up.
func (r *PostgresStore) SubmitApplication(ctx context.Context, app model.Application) error {
	id, err := uuid.Parse(app.ID)
	if err != nil {
		return errors.Wrap(err, "application id")
	}
	payload, err := json.Marshal(app.Form)
	if err != nil {
		return errors.Wrap(err, "encode application form")
	}
	at := dbTime(app.SubmittedAt)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM sessions WHERE session_id = $1 FOR UPDATE`,
		app.SessionID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return admissionerrors.NotFound(resourceSession, app.SessionID)
		}
		return errors.Wrap(err, "lock session row")
	}

	var submitted bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applications WHERE session_id = $1)`,
		app.SessionID,
	).Scan(&submitted)
	if err != nil {
		return errors.Wrap(err, "check existing application")
	}
	if err := submittable(app.SessionID, model.SessionStatus(status), submitted); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO applications (id, session_id, payload, submitted_at)
		 VALUES ($1, $2, $3, $4)`,
		id, app.SessionID, payload, at)
	if err != nil {
		if pgErrorCode(err) == pgerrcode.UniqueViolation {
			return admissionerrors.Conflict(resourceApplication, app.SessionID, admissionerrors.ReasonAlreadySubmitted)
		}
		return errors.Wrap(err, "insert application")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET status = 'completed', completed_at = $2
		 WHERE session_id = $1 AND status = 'selected'`,
		app.SessionID, at)
	if err != nil {
		return errors.Wrap(err, "complete session")
	}
	if tag.RowsAffected() == 0 {
		return admissionerrors.Conflict(resourceSession, app.SessionID, admissionerrors.ReasonNotEligible)
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func (r *PostgresStore) GetSubmissionStatus(ctx context.Context, sessionID string) (*model.SubmissionStatus, error) {
	var (
		status    string
		submitted bool
	)
	err := r.db.QueryRow(ctx,
		`SELECT s.status,
		        EXISTS (SELECT 1 FROM applications a WHERE a.session_id = s.session_id)
		 FROM sessions s WHERE s.session_id = $1`,
		sessionID,
	).Scan(&status, &submitted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, admissionerrors.NotFound(resourceSession, sessionID)
		}
		return nil, errors.Wrap(err, "get submission status")
	}
	return submissionStatus(sessionID, model.SessionStatus(status), submitted), nil
}

// AddToWaitlist relies on the foreign key to sessions: an unknown session id
// fails the insert itself.
func (r *PostgresStore) AddToWaitlist(ctx context.Context, entry model.WaitlistEntry) error {
	id, err := uuid.Parse(entry.ID)
	if err != nil {
		return errors.Wrap(err, "waitlist entry id")
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO waitlist_entries (id, session_id, name, email, postcode, child_name, child_dob, added_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, entry.SessionID, entry.Name, entry.Email, nullIfEmpty(entry.Postcode),
		nullIfEmpty(entry.ChildName), nullIfEmpty(entry.ChildDOB), dbTime(entry.AddedAt),
	)
	if err != nil {
		if pgErrorCode(err) == pgerrcode.ForeignKeyViolation {
			return admissionerrors.NotFound(resourceSession, entry.SessionID)
		}
		return errors.Wrap(err, "insert waitlist entry")
	}
	return nil
}

func (r *PostgresStore) ListApplications(ctx context.Context) ([]model.Application, error) {
	rows, err := r.db.Query(ctx,
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
			app     model.Application
			id      uuid.UUID
			payload []byte
		)
		if err := rows.Scan(&id, &app.SessionID, &payload, &app.SubmittedAt, &app.QueuePosition, &app.SelectedAt); err != nil {
			return nil, errors.Wrap(err, "scan application")
		}
		if err := json.Unmarshal(payload, &app.Form); err != nil {
			return nil, errors.Wrap(err, "decode application form")
		}
		app.ID = id.String()
		apps = append(apps, app)
	}
	return apps, errors.WithStack(rows.Err())
}

func (r *PostgresStore) ListWaitlist(ctx context.Context) ([]model.WaitlistEntry, error) {
	rows, err := r.db.Query(ctx,
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
			id                            uuid.UUID
			postcode, childName, childDOB *string
		)
		if err := rows.Scan(&id, &e.SessionID, &e.Name, &e.Email, &postcode, &childName, &childDOB,
			&e.AddedAt, &e.QueuePosition, &e.JoinedAt); err != nil {
			return nil, errors.Wrap(err, "scan waitlist entry")
		}
		e.ID = id.String()
		e.Postcode = derefString(postcode)
		e.ChildName = derefString(childName)
		e.ChildDOB = derefString(childDOB)
		entries = append(entries, e)
	}
	return entries, errors.WithStack(rows.Err())
}

func (r *PostgresStore) CountDistinctSessions(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(DISTINCT session_id) FROM sessions`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count sessions")
	}
	return n, nil
}

func (r *PostgresStore) Stats(ctx context.Context) (*model.Stats, error) {
	stats := newStats()
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count sessions by status")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		stats.ByStatus[model.SessionStatus(status)] = n
		stats.DistinctSessions += n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	err = r.db.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM applications), (SELECT COUNT(*) FROM waitlist_entries)`,
	).Scan(&stats.Applications, &stats.Waitlist)
	if err != nil {
		return nil, errors.Wrap(err, "count applications and waitlist")
	}
	return stats, nil
}
