package repository

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/admissionerrors"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
)

const (
	sessionsTable     = "sessions"
	eligibilityTable  = "eligibility"
	applicationsTable = "applications"
	waitlistTable     = "waitlist"
	queueTable        = "queue"
	countdownTable    = "countdown"

	singletonKey = "default"
)

type applicationRow struct {
	SessionID string
	Seq       int64
	App       model.Application
}

type waitlistRow struct {
	ID        string
	SessionID string
	Seq       int64
	Entry     model.WaitlistEntry
}

type queueRow struct {
	Key   string
	State model.QueueState
}

type countdownRow struct {
	Key    string
	Window model.CountdownWindow
}

func memoryStoreSchema() *memdb.DBSchema {
	bySessionID := &memdb.IndexSchema{
		Name:    "id",
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "SessionID"},
	}
	byKey := &memdb.IndexSchema{
		Name:    "id",
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Key"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			sessionsTable: {
				Name: sessionsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": bySessionID,
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			eligibilityTable: {
				Name:    eligibilityTable,
				Indexes: map[string]*memdb.IndexSchema{"id": bySessionID},
			},
			applicationsTable: {
				Name:    applicationsTable,
				Indexes: map[string]*memdb.IndexSchema{"id": bySessionID},
			},
			waitlistTable: {
				Name: waitlistTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			queueTable: {
				Name:    queueTable,
				Indexes: map[string]*memdb.IndexSchema{"id": byKey},
			},
			countdownTable: {
				Name:    countdownTable,
				Indexes: map[string]*memdb.IndexSchema{"id": byKey},
			},
		},
	}
}

// MemoryStore keeps everything in a go-memdb database. memdb serialises write
// transactions, so each operation below that opens a write transaction is
// atomic with respect to every other writer. Stored objects are never
// mutated in place; updates insert a modified copy.
type MemoryStore struct {
	db  *memdb.MemDB
	seq atomic.Int64
}

// NewMemoryStore returns an empty store seeded the way the SQL migrations
// seed a fresh database: capacity 50, queue closed, next position 1 and a
// countdown ending one hour from now.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memoryStoreSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}

	now := dbTime(time.Now())
	txn := db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(queueTable, &queueRow{
		Key:   singletonKey,
		State: model.QueueState{MaxUsers: 50, NextPosition: 1, UpdatedAt: now},
	}); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := txn.Insert(countdownTable, &countdownRow{
		Key: singletonKey,
		Window: model.CountdownWindow{
			StartTime: now,
			EndTime:   now.Add(time.Hour),
			IsActive:  true,
			UpdatedAt: now,
		},
	}); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return &MemoryStore{db: db}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func getMemSession(txn *memdb.Txn, sessionID string) (*model.Session, error) {
	obj, err := txn.First(sessionsTable, "id", sessionID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, admissionerrors.NotFound(resourceSession, sessionID)
	}
	s := *obj.(*model.Session)
	return &s, nil
}

func getMemQueue(txn *memdb.Txn) (model.QueueState, error) {
	obj, err := txn.First(queueTable, "id", singletonKey)
	if err != nil {
		return model.QueueState{}, errors.WithStack(err)
	}
	if obj == nil {
		return model.QueueState{}, errors.New("queue state missing")
	}
	return obj.(*queueRow).State, nil
}

func getMemCountdown(txn *memdb.Txn) (model.CountdownWindow, error) {
	obj, err := txn.First(countdownTable, "id", singletonKey)
	if err != nil {
		return model.CountdownWindow{}, errors.WithStack(err)
	}
	if obj == nil {
		return model.CountdownWindow{}, errors.New("countdown window missing")
	}
	return obj.(*countdownRow).Window, nil
}

func hasMemApplication(txn *memdb.Txn, sessionID string) (bool, error) {
	obj, err := txn.First(applicationsTable, "id", sessionID)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return obj != nil, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	return getMemSession(m.db.Txn(false), sessionID)
}

func (m *MemoryStore) CreateOrResumeSession(_ context.Context, sessionID string, joinedAt time.Time) (*model.Session, bool, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := getMemSession(txn, sessionID)
	if err == nil {
		return existing, true, nil
	}
	if !admissionerrors.IsNotFound(err) {
		return nil, false, err
	}

	queue, err := getMemQueue(txn)
	if err != nil {
		return nil, false, err
	}
	joinedAt = dbTime(joinedAt)
	s := &model.Session{
		SessionID:     sessionID,
		QueuePosition: queue.NextPosition,
		Status:        model.StatusWaiting,
		JoinedAt:      joinedAt,
	}
	queue.NextPosition++
	queue.UpdatedAt = joinedAt

	if err := txn.Insert(queueTable, &queueRow{Key: singletonKey, State: queue}); err != nil {
		return nil, false, errors.WithStack(err)
	}
	if err := txn.Insert(sessionsTable, s); err != nil {
		return nil, false, errors.WithStack(err)
	}
	txn.Commit()

	out := *s
	return &out, false, nil
}

func (m *MemoryStore) SubmitEligibility(_ context.Context, rec model.EligibilityRecord) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(eligibilityTable, "id", rec.SessionID)
	if err != nil {
		return errors.WithStack(err)
	}
	if obj != nil {
		return admissionerrors.Conflict(resourceEligibility, rec.SessionID, admissionerrors.ReasonAlreadySubmitted)
	}
	rec.SubmittedAt = dbTime(rec.SubmittedAt)
	if err := txn.Insert(eligibilityTable, &rec); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetEligibility(_ context.Context, sessionID string) (*model.EligibilityRecord, error) {
	obj, err := m.db.Txn(false).First(eligibilityTable, "id", sessionID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, admissionerrors.NotFound(resourceEligibility, sessionID)
	}
	rec := *obj.(*model.EligibilityRecord)
	return &rec, nil
}

func (m *MemoryStore) GetQueueState(_ context.Context) (*model.QueueState, error) {
	q, err := getMemQueue(m.db.Txn(false))
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (m *MemoryStore) updateQueue(update func(*model.QueueState)) (*model.QueueState, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	q, err := getMemQueue(txn)
	if err != nil {
		return nil, err
	}
	update(&q)
	if err := txn.Insert(queueTable, &queueRow{Key: singletonKey, State: q}); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return &q, nil
}

func (m *MemoryStore) SetQueueOpen(_ context.Context, open bool, at time.Time) (*model.QueueState, error) {
	return m.updateQueue(func(q *model.QueueState) {
		q.IsOpen = open
		q.UpdatedAt = dbTime(at)
	})
}

func (m *MemoryStore) SetCapacity(_ context.Context, maxUsers int, at time.Time) (*model.QueueState, error) {
	return m.updateQueue(func(q *model.QueueState) {
		q.MaxUsers = maxUsers
		q.UpdatedAt = dbTime(at)
	})
}

func (m *MemoryStore) GetCountdown(_ context.Context) (*model.CountdownWindow, error) {
	w, err := getMemCountdown(m.db.Txn(false))
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (m *MemoryStore) UpdateCountdown(_ context.Context, start, end, at time.Time) (*model.CountdownWindow, error) {
	w := model.CountdownWindow{
		StartTime: dbTime(start),
		EndTime:   dbTime(end),
		IsActive:  true,
		UpdatedAt: dbTime(at),
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(countdownTable, &countdownRow{Key: singletonKey, Window: w}); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return &w, nil
}

func (m *MemoryStore) RunSelection(_ context.Context, at time.Time) (model.SelectionResult, error) {
	var result model.SelectionResult
	at = dbTime(at)

	txn := m.db.Txn(true)
	defer txn.Abort()

	queue, err := getMemQueue(txn)
	if err != nil {
		return result, err
	}

	it, err := txn.Get(sessionsTable, "status", string(model.StatusWaiting))
	if err != nil {
		return result, errors.WithStack(err)
	}
	var waiting []*model.Session
	for obj := it.Next(); obj != nil; obj = it.Next() {
		waiting = append(waiting, obj.(*model.Session))
	}

	for _, s := range waiting {
		next := model.StatusRejected
		if s.QueuePosition <= int64(queue.MaxUsers) {
			next = model.StatusSelected
		}
		if !s.Status.CanTransition(next) {
			continue
		}
		updated := *s
		updated.Status = next
		if next == model.StatusSelected {
			selectedAt := at
			updated.SelectedAt = &selectedAt
			result.SelectedCount++
		} else {
			result.RejectedCount++
		}
		if err := txn.Insert(sessionsTable, &updated); err != nil {
			return model.SelectionResult{}, errors.WithStack(err)
		}
	}

	queue.CurrentUsers += result.SelectedCount
	queue.IsOpen = false
	queue.UpdatedAt = at
	if err := txn.Insert(queueTable, &queueRow{Key: singletonKey, State: queue}); err != nil {
		return model.SelectionResult{}, errors.WithStack(err)
	}
	txn.Commit()
	return result, nil
}

func (m *MemoryStore) SubmitApplication(_ context.Context, app model.Application) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	s, err := getMemSession(txn, app.SessionID)
	if err != nil {
		return err
	}
	submitted, err := hasMemApplication(txn, app.SessionID)
	if err != nil {
		return err
	}
	if err := submittable(app.SessionID, s.Status, submitted); err != nil {
		return err
	}

	at := dbTime(app.SubmittedAt)
	app.SubmittedAt = at
	app.QueuePosition = 0
	app.SelectedAt = nil
	if err := txn.Insert(applicationsTable, &applicationRow{
		SessionID: app.SessionID,
		Seq:       m.seq.Add(1),
		App:       app,
	}); err != nil {
		return errors.WithStack(err)
	}

	s.Status = model.StatusCompleted
	s.CompletedAt = &at
	if err := txn.Insert(sessionsTable, s); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetSubmissionStatus(_ context.Context, sessionID string) (*model.SubmissionStatus, error) {
	txn := m.db.Txn(false)
	s, err := getMemSession(txn, sessionID)
	if err != nil {
		return nil, err
	}
	submitted, err := hasMemApplication(txn, sessionID)
	if err != nil {
		return nil, err
	}
	return submissionStatus(sessionID, s.Status, submitted), nil
}

func (m *MemoryStore) AddToWaitlist(_ context.Context, entry model.WaitlistEntry) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if _, err := getMemSession(txn, entry.SessionID); err != nil {
		return err
	}
	entry.AddedAt = dbTime(entry.AddedAt)
	entry.QueuePosition = 0
	entry.JoinedAt = time.Time{}
	if err := txn.Insert(waitlistTable, &waitlistRow{
		ID:        entry.ID,
		SessionID: entry.SessionID,
		Seq:       m.seq.Add(1),
		Entry:     entry,
	}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func newestFirst(ti, tj time.Time, seqi, seqj int64) bool {
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	return seqi > seqj
}

func (m *MemoryStore) ListApplications(_ context.Context) ([]model.Application, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(applicationsTable, "id")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var rows []*applicationRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*applicationRow))
	}
	sort.Slice(rows, func(i, j int) bool {
		return newestFirst(rows[i].App.SubmittedAt, rows[j].App.SubmittedAt, rows[i].Seq, rows[j].Seq)
	})

	apps := make([]model.Application, 0, len(rows))
	for _, row := range rows {
		app := row.App
		s, err := getMemSession(txn, row.SessionID)
		if err != nil {
			return nil, err
		}
		app.QueuePosition = s.QueuePosition
		app.SelectedAt = s.SelectedAt
		apps = append(apps, app)
	}
	return apps, nil
}

func (m *MemoryStore) ListWaitlist(_ context.Context) ([]model.WaitlistEntry, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(waitlistTable, "id")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var rows []*waitlistRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rows = append(rows, obj.(*waitlistRow))
	}
	sort.Slice(rows, func(i, j int) bool {
		return newestFirst(rows[i].Entry.AddedAt, rows[j].Entry.AddedAt, rows[i].Seq, rows[j].Seq)
	})

	entries := make([]model.WaitlistEntry, 0, len(rows))
	for _, row := range rows {
		e := row.Entry
		s, err := getMemSession(txn, row.SessionID)
		if err != nil {
			return nil, err
		}
		e.QueuePosition = s.QueuePosition
		e.JoinedAt = s.JoinedAt
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *MemoryStore) CountDistinctSessions(_ context.Context) (int, error) {
	it, err := m.db.Txn(false).Get(sessionsTable, "id")
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*model.Stats, error) {
	txn := m.db.Txn(false)
	stats := newStats()

	it, err := txn.Get(sessionsTable, "id")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		stats.ByStatus[obj.(*model.Session).Status]++
		stats.DistinctSessions++
	}

	for table, count := range map[string]*int{
		applicationsTable: &stats.Applications,
		waitlistTable:     &stats.Waitlist,
	} {
		it, err := txn.Get(table, "id")
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			*count++
		}
	}
	return stats, nil
}
