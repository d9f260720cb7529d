package service

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/admissionerrors"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
)

func (s *AdmissionService) GetQueueState(ctx context.Context) (q *model.QueueState, err error) {
	defer s.observe("get_queue_state", time.Now(), &err, nil)
	return s.store.GetQueueState(ctx)
}

func (s *AdmissionService) OpenQueue(ctx context.Context) (*model.QueueState, error) {
	return s.setQueueOpen(ctx, true)
}

func (s *AdmissionService) CloseQueue(ctx context.Context) (*model.QueueState, error) {
	return s.setQueueOpen(ctx, false)
}

func (s *AdmissionService) setQueueOpen(ctx context.Context, open bool) (q *model.QueueState, err error) {
	defer s.observe("set_queue_open", time.Now(), &err, log.Fields{"open": open})
	q, err = s.store.SetQueueOpen(ctx, open, s.now())
	if err != nil {
		return nil, err
	}
	log.WithField("open", open).Info("queue state changed")
	return q, nil
}

// SetCapacity changes how many positions the next selection round admits.
func (s *AdmissionService) SetCapacity(ctx context.Context, maxUsers int) (q *model.QueueState, err error) {
	defer s.observe("set_capacity", time.Now(), &err, log.Fields{"maxUsers": maxUsers})
	if maxUsers < 1 {
		return nil, admissionerrors.InvalidArgument("max_users", maxUsers, "must be at least 1")
	}
	q, err = s.store.SetCapacity(ctx, maxUsers, s.now())
	if err != nil {
		return nil, err
	}
	log.WithField("maxUsers", maxUsers).Info("queue capacity changed")
	return q, nil
}

// GetCountdown returns the active window with its expiry judged against the
// service clock. Clients poll this and call RunSelection once it has expired.
func (s *AdmissionService) GetCountdown(ctx context.Context) (resp *model.CountdownResponse, err error) {
	defer s.observe("get_countdown", time.Now(), &err, nil)
	w, err := s.store.GetCountdown(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &model.CountdownResponse{
		CountdownWindow:  *w,
		Expired:          w.Expired(now),
		RemainingSeconds: int64(math.Ceil(w.Remaining(now).Seconds())),
	}, nil
}

// UpdateCountdown replaces the active window. It never triggers selection.
func (s *AdmissionService) UpdateCountdown(ctx context.Context, req model.UpdateCountdownRequest) (w *model.CountdownWindow, err error) {
	defer s.observe("update_countdown", time.Now(), &err, nil)
	if req.StartTime.IsZero() {
		return nil, admissionerrors.InvalidArgument("start_time", req.StartTime, "is required")
	}
	if req.EndTime.IsZero() {
		return nil, admissionerrors.InvalidArgument("end_time", req.EndTime, "is required")
	}
	if !req.EndTime.After(req.StartTime) {
		return nil, admissionerrors.InvalidArgument("end_time", req.EndTime, "must be after start_time")
	}
	w, err = s.store.UpdateCountdown(ctx, req.StartTime, req.EndTime, s.now())
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"start": w.StartTime.Format(time.RFC3339),
		"end":   w.EndTime.Format(time.RFC3339),
	}).Info("countdown window updated")
	return w, nil
}

// ListApplications returns every application, newest first.
func (s *AdmissionService) ListApplications(ctx context.Context) (apps []model.Application, err error) {
	defer s.observe("list_applications", time.Now(), &err, nil)
	apps, err = s.store.ListApplications(ctx)
	if err != nil {
		return nil, err
	}
	if apps == nil {
		apps = []model.Application{}
	}
	return apps, nil
}

// ListWaitlist returns every waitlist entry, newest first.
func (s *AdmissionService) ListWaitlist(ctx context.Context) (entries []model.WaitlistEntry, err error) {
	defer s.observe("list_waitlist", time.Now(), &err, nil)
	entries, err = s.store.ListWaitlist(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.WaitlistEntry{}
	}
	return entries, nil
}

func (s *AdmissionService) CountDistinctSessions(ctx context.Context) (n int, err error) {
	defer s.observe("count_distinct_sessions", time.Now(), &err, nil)
	return s.store.CountDistinctSessions(ctx)
}

func (s *AdmissionService) Stats(ctx context.Context) (stats *model.Stats, err error) {
	defer s.observe("stats", time.Now(), &err, nil)
	return s.store.Stats(ctx)
}
