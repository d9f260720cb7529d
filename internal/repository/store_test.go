package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/admissionerrors"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/database"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// backings returns a constructor per store implementation. Each call yields a
// fresh, freshly migrated store. PostgreSQL runs only when
// WAITROOM_TEST_POSTGRES_DSN points at a database the tests may wipe.
func backings() map[string]func(t *testing.T) Store {
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			s, err := NewMemoryStore()
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "waitroom.db"))
			require.NoError(t, err)
			s := NewSQLiteStore(db)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("WAITROOM_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			return withTestPostgres(t, dsn)
		}
	}
	return out
}

func withTestPostgres(t *testing.T, dsn string) Store {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DROP SCHEMA public CASCADE; CREATE SCHEMA public`)
	require.NoError(t, err)
	require.NoError(t, database.MigratePostgres(ctx, pool))
	s := NewPostgresStore(pool)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, test func(t *testing.T, store Store)) {
	for name, newStore := range backings() {
		t.Run(name, func(t *testing.T) {
			test(t, newStore(t))
		})
	}
}

func sessionID(i int) string {
	return fmt.Sprintf("session_%03d", i)
}

// seedSessions creates n sessions in order, so session i gets position i+1.
func seedSessions(t *testing.T, store Store, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, _, err := store.CreateOrResumeSession(ctx, sessionID(i), t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
}

// selectFirst seeds n sessions and selects the first capacity of them.
func selectFirst(t *testing.T, store Store, n, capacity int) {
	seedSessions(t, store, n)
	_, err := store.SetCapacity(context.Background(), capacity, t0)
	require.NoError(t, err)
	_, err = store.RunSelection(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
}

func newApplication(sessionID string, at time.Time) model.Application {
	return model.Application{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Form: model.ApplicationForm{
			Name:      "Parent",
			Email:     "parent@example.com",
			ChildName: "Child",
			ChildDOB:  "2015-06-01",
			Consent:   true,
		},
		SubmittedAt: at,
	}
}

func newWaitlistEntry(sessionID string, at time.Time) model.WaitlistEntry {
	return model.WaitlistEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      "Parent",
		Email:     "parent@example.com",
		Postcode:  "AB1 2CD",
		AddedAt:   at,
	}
}

func TestStore_CreateOrResumeSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		s, resumed, err := store.CreateOrResumeSession(ctx, "a", t0)
		require.NoError(t, err)
		assert.False(t, resumed)
		assert.Equal(t, int64(1), s.QueuePosition)
		assert.Equal(t, model.StatusWaiting, s.Status)
		assert.WithinDuration(t, t0, s.JoinedAt, 0)

		s, resumed, err = store.CreateOrResumeSession(ctx, "b", t0)
		require.NoError(t, err)
		assert.False(t, resumed)
		assert.Equal(t, int64(2), s.QueuePosition)

		s, resumed, err = store.CreateOrResumeSession(ctx, "a", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, resumed)
		assert.Equal(t, int64(1), s.QueuePosition)
		assert.WithinDuration(t, t0, s.JoinedAt, 0)

		got, err := store.GetSession(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.QueuePosition)
		assert.Nil(t, got.SelectedAt)
		assert.Nil(t, got.CompletedAt)

		_, err = store.GetSession(ctx, "missing")
		assert.True(t, admissionerrors.IsNotFound(err))

		q, err := store.GetQueueState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), q.NextPosition)
	})
}

func TestStore_ConcurrentDistinctSessionsGetGaplessPositions(t *testing.T) {
	const n = 40
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		positions := make([]int64, n)

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, resumed, err := store.CreateOrResumeSession(ctx, sessionID(i), t0)
				assert.NoError(t, err)
				assert.False(t, resumed)
				if s != nil {
					positions[i] = s.QueuePosition
				}
			}(i)
		}
		wg.Wait()

		sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
		for i, p := range positions {
			assert.Equal(t, int64(i+1), p)
		}

		q, err := store.GetQueueState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(n+1), q.NextPosition)
	})
}

func TestStore_ConcurrentSameSessionAllocatesOnce(t *testing.T) {
	const n = 20
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		results := make([]*model.Session, n)
		resumedFlags := make([]bool, n)

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, resumed, err := store.CreateOrResumeSession(ctx, "same", t0)
				assert.NoError(t, err)
				results[i] = s
				resumedFlags[i] = resumed
			}(i)
		}
		wg.Wait()

		created := 0
		for i := range results {
			require.NotNil(t, results[i])
			assert.Equal(t, int64(1), results[i].QueuePosition)
			if !resumedFlags[i] {
				created++
			}
		}
		assert.Equal(t, 1, created)

		count, err := store.CountDistinctSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		q, err := store.GetQueueState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), q.NextPosition)

		s, resumed, err := store.CreateOrResumeSession(ctx, "next", t0)
		require.NoError(t, err)
		assert.False(t, resumed)
		assert.Equal(t, int64(2), s.QueuePosition)
	})
}

func TestStore_Eligibility(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		rec := model.EligibilityRecord{
			ID:                uuid.NewString(),
			SessionID:         "s1",
			ParentName:        "Parent",
			PrimaryEmail:      "parent@example.com",
			Diagnosis:         "yes",
			SchoolYear:        "Year 4",
			CatchmentTown:     "Town",
			CanAttendHospital: true,
			SubmittedAt:       t0,
		}
		require.NoError(t, store.SubmitEligibility(ctx, rec))

		dup := rec
		dup.ID = uuid.NewString()
		dup.ParentName = "Someone else"
		err := store.SubmitEligibility(ctx, dup)
		assert.True(t, admissionerrors.IsConflict(err))
		assert.Equal(t, admissionerrors.ReasonAlreadySubmitted, admissionerrors.ConflictReason(err))

		got, err := store.GetEligibility(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, "Parent", got.ParentName)
		assert.Equal(t, "", got.SecondaryEmail)
		assert.True(t, got.CanAttendHospital)
		assert.WithinDuration(t, t0, got.SubmittedAt, 0)

		_, err = store.GetEligibility(ctx, "s2")
		assert.True(t, admissionerrors.IsNotFound(err))
	})
}

func TestStore_QueueStateAndCountdown(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		q, err := store.GetQueueState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 50, q.MaxUsers)
		assert.Equal(t, 0, q.CurrentUsers)
		assert.Equal(t, int64(1), q.NextPosition)
		assert.False(t, q.IsOpen)

		q, err = store.SetQueueOpen(ctx, true, t0)
		require.NoError(t, err)
		assert.True(t, q.IsOpen)
		assert.WithinDuration(t, t0, q.UpdatedAt, 0)

		q, err = store.SetCapacity(ctx, 7, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 7, q.MaxUsers)
		assert.True(t, q.IsOpen)

		q, err = store.SetQueueOpen(ctx, false, t0)
		require.NoError(t, err)
		assert.False(t, q.IsOpen)
		assert.Equal(t, 7, q.MaxUsers)

		w, err := store.GetCountdown(ctx)
		require.NoError(t, err)
		assert.True(t, w.IsActive)
		assert.Equal(t, time.Hour, w.EndTime.Sub(w.StartTime))

		w, err = store.UpdateCountdown(ctx, t0, t0.Add(30*time.Minute), t0)
		require.NoError(t, err)
		assert.WithinDuration(t, t0, w.StartTime, 0)
		assert.WithinDuration(t, t0.Add(30*time.Minute), w.EndTime, 0)

		w, err = store.GetCountdown(ctx)
		require.NoError(t, err)
		assert.WithinDuration(t, t0.Add(30*time.Minute), w.EndTime, 0)
		assert.True(t, w.IsActive)
	})
}

func TestStore_RunSelection(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		seedSessions(t, store, 55)
		_, err := store.SetCapacity(ctx, 40, t0)
		require.NoError(t, err)
		_, err = store.SetQueueOpen(ctx, true, t0)
		require.NoError(t, err)

		at := t0.Add(time.Hour)
		result, err := store.RunSelection(ctx, at)
		require.NoError(t, err)
		assert.Equal(t, model.SelectionResult{SelectedCount: 40, RejectedCount: 15}, result)

		for i := 0; i < 55; i++ {
			s, err := store.GetSession(ctx, sessionID(i))
			require.NoError(t, err)
			if s.QueuePosition <= 40 {
				assert.Equal(t, model.StatusSelected, s.Status, s.SessionID)
				require.NotNil(t, s.SelectedAt)
				assert.WithinDuration(t, at, *s.SelectedAt, 0)
			} else {
				assert.Equal(t, model.StatusRejected, s.Status, s.SessionID)
				assert.Nil(t, s.SelectedAt)
			}
		}

		q, err := store.GetQueueState(ctx)
		require.NoError(t, err)
		assert.False(t, q.IsOpen)
		assert.Equal(t, 40, q.CurrentUsers)

		result, err = store.RunSelection(ctx, at)
		require.NoError(t, err)
		assert.Equal(t, model.SelectionResult{}, result)

		q, err = store.GetQueueState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 40, q.CurrentUsers)
	})
}

func TestStore_RunSelectionLeavesTerminalSessionsAlone(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		selectFirst(t, store, 3, 1)

		// A later arrival is judged against the capacity at the next run.
		seedSessions(t, store, 5)
		_, err := store.SetCapacity(ctx, 4, t0)
		require.NoError(t, err)

		result, err := store.RunSelection(ctx, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, model.SelectionResult{SelectedCount: 1, RejectedCount: 1}, result)

		s, err := store.GetSession(ctx, sessionID(1))
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejected, s.Status)
		s, err = store.GetSession(ctx, sessionID(3))
		require.NoError(t, err)
		assert.Equal(t, model.StatusSelected, s.Status)
		s, err = store.GetSession(ctx, sessionID(4))
		require.NoError(t, err)
		assert.Equal(t, model.StatusRejected, s.Status)
	})
}

func TestStore_ConcurrentSelectionCountsEachSessionOnce(t *testing.T) {
	const runs = 8
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		seedSessions(t, store, 30)
		_, err := store.SetCapacity(ctx, 20, t0)
		require.NoError(t, err)

		results := make([]model.SelectionResult, runs)
		var wg sync.WaitGroup
		for i := 0; i < runs; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := store.RunSelection(ctx, t0.Add(time.Hour))
				assert.NoError(t, err)
				results[i] = r
			}(i)
		}
		wg.Wait()

		var total model.SelectionResult
		for _, r := range results {
			total.SelectedCount += r.SelectedCount
			total.RejectedCount += r.RejectedCount
		}
		assert.Equal(t, model.SelectionResult{SelectedCount: 20, RejectedCount: 10}, total)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 20, stats.ByStatus[model.StatusSelected])
		assert.Equal(t, 10, stats.ByStatus[model.StatusRejected])
		assert.Equal(t, 0, stats.ByStatus[model.StatusWaiting])
	})
}

func TestStore_SubmitApplication(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		selectFirst(t, store, 3, 1)
		selected, rejected := sessionID(0), sessionID(1)

		status, err := store.GetSubmissionStatus(ctx, selected)
		require.NoError(t, err)
		assert.Equal(t, model.SubmissionStatus{CanSubmit: true, SessionStatus: model.StatusSelected}, *status)

		at := t0.Add(2 * time.Hour)
		require.NoError(t, store.SubmitApplication(ctx, newApplication(selected, at)))

		s, err := store.GetSession(ctx, selected)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, s.Status)
		require.NotNil(t, s.CompletedAt)
		assert.WithinDuration(t, at, *s.CompletedAt, 0)

		status, err = store.GetSubmissionStatus(ctx, selected)
		require.NoError(t, err)
		assert.Equal(t, model.SubmissionStatus{AlreadySubmitted: true, SessionStatus: model.StatusCompleted}, *status)

		err = store.SubmitApplication(ctx, newApplication(selected, at))
		assert.True(t, admissionerrors.IsConflict(err))
		assert.Equal(t, admissionerrors.ReasonAlreadySubmitted, admissionerrors.ConflictReason(err))

		err = store.SubmitApplication(ctx, newApplication(rejected, at))
		assert.True(t, admissionerrors.IsConflict(err))
		assert.Equal(t, admissionerrors.ReasonNotEligible, admissionerrors.ConflictReason(err))

		status, err = store.GetSubmissionStatus(ctx, rejected)
		require.NoError(t, err)
		assert.Equal(t, model.SubmissionStatus{SessionStatus: model.StatusRejected}, *status)

		err = store.SubmitApplication(ctx, newApplication("missing", at))
		assert.True(t, admissionerrors.IsNotFound(err))
		_, err = store.GetSubmissionStatus(ctx, "missing")
		assert.True(t, admissionerrors.IsNotFound(err))

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Applications)
	})
}

func TestStore_SubmitApplicationWhileWaiting(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		seedSessions(t, store, 1)

		err := store.SubmitApplication(ctx, newApplication(sessionID(0), t0))
		assert.True(t, admissionerrors.IsConflict(err))
		assert.Equal(t, admissionerrors.ReasonNotEligible, admissionerrors.ConflictReason(err))

		s, err := store.GetSession(ctx, sessionID(0))
		require.NoError(t, err)
		assert.Equal(t, model.StatusWaiting, s.Status)
	})
}

func TestStore_ConcurrentSubmissionsExactlyOneWins(t *testing.T) {
	const n = 10
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		selectFirst(t, store, 1, 1)

		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = store.SubmitApplication(ctx, newApplication(sessionID(0), t0.Add(time.Duration(i)*time.Second)))
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, admissionerrors.IsConflict(err), "%v", err)
			assert.Equal(t, admissionerrors.ReasonAlreadySubmitted, admissionerrors.ConflictReason(err))
		}
		assert.Equal(t, 1, wins)

		apps, err := store.ListApplications(ctx)
		require.NoError(t, err)
		assert.Len(t, apps, 1)
	})
}

func TestStore_Waitlist(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		err := store.AddToWaitlist(ctx, newWaitlistEntry("missing", t0))
		assert.True(t, admissionerrors.IsNotFound(err))

		seedSessions(t, store, 3)
		first := newWaitlistEntry(sessionID(2), t0)
		second := newWaitlistEntry(sessionID(1), t0.Add(time.Minute))
		second.Postcode = ""
		sameTime := newWaitlistEntry(sessionID(1), t0.Add(time.Minute))
		require.NoError(t, store.AddToWaitlist(ctx, first))
		require.NoError(t, store.AddToWaitlist(ctx, second))
		require.NoError(t, store.AddToWaitlist(ctx, sameTime))

		entries, err := store.ListWaitlist(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, sameTime.ID, entries[0].ID)
		assert.Equal(t, second.ID, entries[1].ID)
		assert.Equal(t, first.ID, entries[2].ID)

		assert.Equal(t, "", entries[1].Postcode)
		assert.Equal(t, "AB1 2CD", entries[2].Postcode)
		assert.Equal(t, int64(3), entries[2].QueuePosition)
		assert.WithinDuration(t, t0.Add(2*time.Second), entries[2].JoinedAt, 0)
		assert.WithinDuration(t, t0, entries[2].AddedAt, 0)
	})
}

func TestStore_ListApplicationsNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		selectFirst(t, store, 3, 3)

		for i, offset := range []time.Duration{time.Minute, 3 * time.Minute, 2 * time.Minute} {
			app := newApplication(sessionID(i), t0.Add(offset))
			app.Form.ChildName = fmt.Sprintf("child %d", i)
			require.NoError(t, store.SubmitApplication(ctx, app))
		}

		apps, err := store.ListApplications(ctx)
		require.NoError(t, err)
		require.Len(t, apps, 3)
		assert.Equal(t, sessionID(1), apps[0].SessionID)
		assert.Equal(t, sessionID(2), apps[1].SessionID)
		assert.Equal(t, sessionID(0), apps[2].SessionID)

		assert.Equal(t, "child 1", apps[0].Form.ChildName)
		assert.True(t, apps[0].Form.Consent)
		assert.Equal(t, int64(2), apps[0].QueuePosition)
		require.NotNil(t, apps[0].SelectedAt)
		assert.WithinDuration(t, t0.Add(time.Hour), *apps[0].SelectedAt, 0)
	})
}

func TestStore_CountsAndStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		count, err := store.CountDistinctSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		selectFirst(t, store, 5, 2)
		_, _, err = store.CreateOrResumeSession(ctx, "late", t0)
		require.NoError(t, err)
		require.NoError(t, store.SubmitApplication(ctx, newApplication(sessionID(0), t0)))
		require.NoError(t, store.AddToWaitlist(ctx, newWaitlistEntry(sessionID(4), t0)))

		count, err = store.CountDistinctSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, count)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, &model.Stats{
			DistinctSessions: 6,
			ByStatus: map[model.SessionStatus]int{
				model.StatusWaiting:   1,
				model.StatusSelected:  1,
				model.StatusRejected:  3,
				model.StatusCompleted: 1,
			},
			Applications: 1,
			Waitlist:     1,
		}, stats)
	})
}

func TestSubmittableFollowsStatusTransitions(t *testing.T) {
	tests := []struct {
		status    model.SessionStatus
		submitted bool
		reason    string
	}{
		{model.StatusSelected, false, ""},
		{model.StatusSelected, true, admissionerrors.ReasonAlreadySubmitted},
		{model.StatusWaiting, false, admissionerrors.ReasonNotEligible},
		{model.StatusRejected, false, admissionerrors.ReasonNotEligible},
		{model.StatusCompleted, false, admissionerrors.ReasonNotEligible},
		{model.StatusCompleted, true, admissionerrors.ReasonAlreadySubmitted},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s/%v", tc.status, tc.submitted), func(t *testing.T) {
			err := submittable("s1", tc.status, tc.submitted)
			if tc.reason == "" {
				assert.NoError(t, err)
				assert.True(t, submissionStatus("s1", tc.status, tc.submitted).CanSubmit)
				return
			}
			assert.True(t, admissionerrors.IsConflict(err))
			assert.Contains(t, err.Error(), tc.reason)
			assert.False(t, submissionStatus("s1", tc.status, tc.submitted).CanSubmit)
		})
	}
}
