// Package repository implements the persistent store behind the admission
// subsystem. Three backings satisfy the same Store contract: PostgreSQL (pgx),
// SQLite (database/sql) and an in-memory go-memdb database for demos and tests.
//
// Every guarantee the admission flow relies on is expressed as a single
// store-level primitive: a counter increment inside the insert transaction, a
// unique key, or an UPDATE guarded by the expected prior status. Nothing here
// reads a value, decides in Go, and writes it back outside a transaction that
// holds the relevant lock.
package repository

import (
	"context"
	"time"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/admissionerrors"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
)

// Resource names used in errors.
const (
	resourceSession     = "session"
	resourceEligibility = "eligibility record"
	resourceApplication = "application"
)

// Store is the persistent store contract.
type Store interface {
	// CreateOrResumeSession returns the existing session for sessionID with
	// resumed=true, or allocates the next queue position and creates a waiting
	// session. Concurrent first contacts for the same id allocate once.
	CreateOrResumeSession(ctx context.Context, sessionID string, joinedAt time.Time) (*model.Session, bool, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)

	// SubmitEligibility inserts once; a second record for the same session is
	// a Conflict.
	SubmitEligibility(ctx context.Context, rec model.EligibilityRecord) error
	GetEligibility(ctx context.Context, sessionID string) (*model.EligibilityRecord, error)

	GetQueueState(ctx context.Context) (*model.QueueState, error)
	SetQueueOpen(ctx context.Context, open bool, at time.Time) (*model.QueueState, error)
	SetCapacity(ctx context.Context, maxUsers int, at time.Time) (*model.QueueState, error)

	GetCountdown(ctx context.Context) (*model.CountdownWindow, error)
	UpdateCountdown(ctx context.Context, start, end, at time.Time) (*model.CountdownWindow, error)

	// RunSelection moves waiting sessions with position <= max_users to
	// selected and the remaining waiting sessions to rejected, then closes the
	// queue. Only rows still waiting are touched, so a repeat is a no-op.
	RunSelection(ctx context.Context, at time.Time) (model.SelectionResult, error)

	// SubmitApplication stores the application and moves the session from
	// selected to completed as one unit. Exactly one concurrent caller wins.
	SubmitApplication(ctx context.Context, app model.Application) error
	GetSubmissionStatus(ctx context.Context, sessionID string) (*model.SubmissionStatus, error)

	AddToWaitlist(ctx context.Context, entry model.WaitlistEntry) error

	// ListApplications and ListWaitlist return newest first.
	ListApplications(ctx context.Context) ([]model.Application, error)
	ListWaitlist(ctx context.Context) ([]model.WaitlistEntry, error)
	CountDistinctSessions(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*model.Stats, error)

	Close() error
}

// dbTime normalises timestamps to what every backing can round-trip.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// submittable is the single predicate behind both SubmitApplication and
// GetSubmissionStatus, applied in the order the submission gate checks it.
func submittable(sessionID string, status model.SessionStatus, alreadySubmitted bool) error {
	if alreadySubmitted {
		return admissionerrors.Conflict(resourceApplication, sessionID, admissionerrors.ReasonAlreadySubmitted)
	}
	if !status.CanTransition(model.StatusCompleted) {
		return admissionerrors.Conflict(resourceSession, sessionID, admissionerrors.ReasonNotEligible)
	}
	return nil
}

func submissionStatus(sessionID string, status model.SessionStatus, alreadySubmitted bool) *model.SubmissionStatus {
	return &model.SubmissionStatus{
		CanSubmit:        submittable(sessionID, status, alreadySubmitted) == nil,
		AlreadySubmitted: alreadySubmitted,
		SessionStatus:    status,
	}
}

func newStats() *model.Stats {
	return &model.Stats{
		ByStatus: map[model.SessionStatus]int{
			model.StatusWaiting:   0,
			model.StatusSelected:  0,
			model.StatusRejected:  0,
			model.StatusCompleted: 0,
		},
	}
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
