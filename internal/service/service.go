// Package service implements the admission flow: validation, orchestration
// between the HTTP and CLI surfaces and the store, logging, metrics and event
// publication. Every concurrency guarantee lives in the store; nothing here
// reads a value and writes a decision back.
package service

import (
	"context"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/admissionerrors"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/events"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/metrics"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/repository"
)

const (
	maxSessionIDLength = 255
	generatedIDPrefix  = "session_"
	publishTimeout     = 5 * time.Second
)

// AdmissionService orchestrates every admission operation.
type AdmissionService struct {
	store     repository.Store
	publisher events.Publisher
	validate  *validator.Validate
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*AdmissionService)

// WithClock replaces time.Now as the source of every stored timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *AdmissionService) { s.now = now }
}

// WithPublisher sets where state-change events go. The default only logs them.
func WithPublisher(p events.Publisher) Option {
	return func(s *AdmissionService) { s.publisher = p }
}

// NewAdmissionService constructs an AdmissionService over store.
func NewAdmissionService(store repository.Store, opts ...Option) *AdmissionService {
	s := &AdmissionService{
		store:     store,
		publisher: events.LogPublisher{},
		validate:  newValidator(),
		metrics:   metrics.Get(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct converts the first validator failure into an
// *admissionerrors.ErrInvalidArgument.
func (s *AdmissionService) validateStruct(v any) error {
	if err := validateText(v); err != nil {
		return err
	}
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return errors.WithStack(err)
	}
	fieldErr := validationErrors[0]
	return admissionerrors.InvalidArgument(fieldErr.Field(), fieldErr.Value(), validationMessage(fieldErr))
}

func validationMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "datetime":
		return "must be a date in YYYY-MM-DD format"
	case "max":
		return "must be at most " + fieldErr.Param() + " characters"
	default:
		return "failed " + fieldErr.Tag() + " check"
	}
}

// textProblem describes why a value cannot be stored in a text column.
func textProblem(v string) string {
	if !utf8.ValidString(v) {
		return "must be valid UTF-8"
	}
	if strings.ContainsRune(v, 0) {
		return "must not contain NUL characters"
	}
	return ""
}

// validateText checks every exported string field of the struct v.
func validateText(v any) error {
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return nil
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, value := rt.Field(i), rv.Field(i)
		if !field.IsExported() || value.Kind() != reflect.String {
			continue
		}
		if msg := textProblem(value.String()); msg != "" {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			return admissionerrors.InvalidArgument(name, value.String(), msg)
		}
	}
	return nil
}

// validateSessionID accepts ids exactly as the client sent them; padded ids
// are refused, never trimmed.
func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return admissionerrors.InvalidArgument("session_id", sessionID, "is required")
	}
	if len(sessionID) > maxSessionIDLength {
		return admissionerrors.InvalidArgument("session_id", sessionID, "must be at most 255 characters")
	}
	if msg := textProblem(sessionID); msg != "" {
		return admissionerrors.InvalidArgument("session_id", sessionID, msg)
	}
	if strings.TrimSpace(sessionID) != sessionID {
		return admissionerrors.InvalidArgument("session_id", sessionID, "must not have leading or trailing whitespace")
	}
	return nil
}

// observe records metrics for one operation and logs its failure, if any.
// Expected refusals go to debug; infrastructure failures go to error.
func (s *AdmissionService) observe(operation string, start time.Time, errp *error, fields log.Fields) {
	err := *errp
	s.metrics.RecordOperation(operation, err, time.Since(start))
	if err == nil {
		return
	}
	logger := log.WithFields(fields).WithField("operation", operation).WithError(err)
	if admissionerrors.KindOf(err) == admissionerrors.KindInfrastructure {
		logger.Error("admission operation failed")
		return
	}
	logger.Debug("admission operation refused")
}

// publish sends an event after the state change has committed. Failures are
// logged and counted, never returned.
func (s *AdmissionService) publish(ctx context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.metrics.RecordEventPublishFailure(string(e.Type))
		log.WithError(err).WithFields(log.Fields{
			"event":     e.Type,
			"sessionId": e.SessionID,
		}).Warn("failed to publish event")
	}
}

// CreateOrResumeSession returns the caller's queue position, allocating one on
// first contact. An empty session id is replaced by a generated one; any
// other id is used verbatim.
func (s *AdmissionService) CreateOrResumeSession(ctx context.Context, req model.CreateSessionRequest) (resp *model.CreateSessionResponse, err error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = generatedIDPrefix + uuid.NewString()
	}
	defer s.observe("create_or_resume_session", time.Now(), &err, log.Fields{"sessionId": sessionID})

	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	session, resumed, err := s.store.CreateOrResumeSession(ctx, sessionID, s.now())
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSession(resumed)
	log.WithFields(log.Fields{
		"sessionId": sessionID,
		"position":  session.QueuePosition,
		"resumed":   resumed,
	}).Debug("session joined queue")
	return &model.CreateSessionResponse{
		SessionID:     session.SessionID,
		QueuePosition: session.QueuePosition,
		Resumed:       resumed,
	}, nil
}

// GetSession is the read clients poll while waiting.
func (s *AdmissionService) GetSession(ctx context.Context, sessionID string) (session *model.Session, err error) {
	defer s.observe("get_session", time.Now(), &err, log.Fields{"sessionId": sessionID})
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, sessionID)
}

// SubmitEligibility records the one-time pre-screening answers for sessionID.
func (s *AdmissionService) SubmitEligibility(ctx context.Context, sessionID string, rec model.EligibilityRecord) (out *model.EligibilityRecord, err error) {
	defer s.observe("submit_eligibility", time.Now(), &err, log.Fields{"sessionId": sessionID})
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	rec.PrimaryEmail = strings.TrimSpace(rec.PrimaryEmail)
	rec.SecondaryEmail = strings.TrimSpace(rec.SecondaryEmail)
	if err := s.validateStruct(rec); err != nil {
		return nil, err
	}

	rec.ID = uuid.NewString()
	rec.SessionID = sessionID
	rec.SubmittedAt = s.now().UTC()
	if err := s.store.SubmitEligibility(ctx, rec); err != nil {
		return nil, err
	}
	s.publish(ctx, events.New(events.EligibilitySubmitted, sessionID, rec.SubmittedAt, map[string]any{
		"eligibilityId":     rec.ID,
		"canAttendHospital": rec.CanAttendHospital,
	}))
	return &rec, nil
}

// CheckEligibility returns the stored eligibility record for sessionID.
func (s *AdmissionService) CheckEligibility(ctx context.Context, sessionID string) (rec *model.EligibilityRecord, err error) {
	defer s.observe("check_eligibility", time.Now(), &err, log.Fields{"sessionId": sessionID})
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.store.GetEligibility(ctx, sessionID)
}

// RunSelection partitions every waiting session into selected and rejected.
// It may be invoked by any number of callers at once; only the first to reach
// a given waiting session moves it.
func (s *AdmissionService) RunSelection(ctx context.Context) (result model.SelectionResult, err error) {
	defer s.observe("run_selection", time.Now(), &err, nil)

	at := s.now().UTC()
	result, err = s.store.RunSelection(ctx, at)
	if err != nil {
		return result, err
	}
	s.metrics.RecordSelection(result)
	log.WithFields(log.Fields{
		"selected": result.SelectedCount,
		"rejected": result.RejectedCount,
	}).Info("selection run complete")

	if result.SelectedCount+result.RejectedCount > 0 {
		s.publish(ctx, events.New(events.SelectionCompleted, "", at, result))
	}
	return result, nil
}

// SubmitApplication stores the referral form of a selected session and marks
// the session completed. At most one submission per session ever succeeds.
func (s *AdmissionService) SubmitApplication(ctx context.Context, sessionID string, form model.ApplicationForm) (app *model.Application, err error) {
	defer s.observe("submit_application", time.Now(), &err, log.Fields{"sessionId": sessionID})
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	form.Email = strings.TrimSpace(form.Email)
	form.SecondEmail = strings.TrimSpace(form.SecondEmail)
	if err := s.validateStruct(form); err != nil {
		return nil, err
	}

	app = &model.Application{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Form:        form,
		SubmittedAt: s.now().UTC(),
	}
	if err := s.store.SubmitApplication(ctx, *app); err != nil {
		return nil, err
	}
	log.WithField("sessionId", sessionID).Info("application submitted")
	s.publish(ctx, events.New(events.ApplicationSubmitted, sessionID, app.SubmittedAt, map[string]any{
		"applicationId": app.ID,
	}))
	return app, nil
}

// CheckSubmissionStatus tells a client whether to show the application form.
// It applies the same rules as SubmitApplication.
func (s *AdmissionService) CheckSubmissionStatus(ctx context.Context, sessionID string) (status *model.SubmissionStatus, err error) {
	defer s.observe("check_submission_status", time.Now(), &err, log.Fields{"sessionId": sessionID})
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.store.GetSubmissionStatus(ctx, sessionID)
}

// AddToWaitlist records interest from an existing session of any status.
func (s *AdmissionService) AddToWaitlist(ctx context.Context, sessionID string, entry model.WaitlistEntry) (out *model.WaitlistEntry, err error) {
	defer s.observe("add_to_waitlist", time.Now(), &err, log.Fields{"sessionId": sessionID})
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	entry.Email = strings.TrimSpace(entry.Email)
	if err := s.validateStruct(entry); err != nil {
		return nil, err
	}

	entry.ID = uuid.NewString()
	entry.SessionID = sessionID
	entry.AddedAt = s.now().UTC()
	entry.QueuePosition = 0
	entry.JoinedAt = time.Time{}
	if err := s.store.AddToWaitlist(ctx, entry); err != nil {
		return nil, err
	}
	s.publish(ctx, events.New(events.WaitlistJoined, sessionID, entry.AddedAt, map[string]any{
		"waitlistEntryId": entry.ID,
	}))
	return &entry, nil
}
