// Package model defines the core domain types for the referral waiting room.
package model

import "time"

// SessionStatus is the admission state of a single client session.
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusSelected  SessionStatus = "selected"
	StatusRejected  SessionStatus = "rejected"
	StatusCompleted SessionStatus = "completed"
)

// transitions lists the statuses each status may move to. Rejected and
// completed are terminal.
var transitions = map[SessionStatus][]SessionStatus{
	StatusWaiting:  {StatusSelected, StatusRejected},
	StatusSelected: {StatusCompleted},
}

// CanTransition reports whether a session in status s may move to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Session represents one client's participation in the waiting room.
type Session struct {
	SessionID     string        `json:"session_id"`
	QueuePosition int64         `json:"queue_position"`
	Status        SessionStatus `json:"status"`
	JoinedAt      time.Time     `json:"joined_at"`
	SelectedAt    *time.Time    `json:"selected_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// QueueState is the single aggregate row holding queue configuration and the
// shared position counter.
type QueueState struct {
	MaxUsers     int       `json:"max_users"`
	CurrentUsers int       `json:"current_users"`
	NextPosition int64     `json:"next_position"`
	IsOpen       bool      `json:"is_open"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CountdownWindow is the single timing window after which selection runs.
type CountdownWindow struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired returns true once now has reached the end of the window.
func (w *CountdownWindow) Expired(now time.Time) bool {
	return !now.Before(w.EndTime)
}

// Remaining returns the time left before the window ends, never negative.
func (w *CountdownWindow) Remaining(now time.Time) time.Duration {
	if w.Expired(now) {
		return 0
	}
	return w.EndTime.Sub(now)
}

// EligibilityRecord is the one-time pre-screening answer set for a session.
type EligibilityRecord struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	ParentName        string    `json:"parent_name" validate:"required,max=255"`
	PrimaryEmail      string    `json:"primary_email" validate:"required,email,max=255"`
	SecondaryEmail    string    `json:"secondary_email,omitempty" validate:"omitempty,email,max=255"`
	Diagnosis         string    `json:"diagnosis" validate:"required"`
	SchoolYear        string    `json:"school_year" validate:"required,max=50"`
	CatchmentTown     string    `json:"catchment_town" validate:"required,max=255"`
	CanAttendHospital bool      `json:"can_attend_hospital"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// ApplicationForm is the full referral form payload submitted by a selected
// session.
type ApplicationForm struct {
	Name                  string `json:"name" validate:"required,max=255"`
	Email                 string `json:"email" validate:"required,email,max=255"`
	SecondEmail           string `json:"second_email,omitempty" validate:"omitempty,email,max=255"`
	Signposted            string `json:"signposted,omitempty"`
	ChildName             string `json:"child_name" validate:"required,max=255"`
	ChildDOB              string `json:"child_dob" validate:"required,datetime=2006-01-02"`
	ParentNames           string `json:"parent_names,omitempty"`
	Siblings              string `json:"siblings,omitempty"`
	Address               string `json:"address,omitempty"`
	Phone                 string `json:"phone,omitempty" validate:"max=50"`
	SchoolName            string `json:"school_name,omitempty"`
	SchoolYear            string `json:"school_year,omitempty" validate:"max=50"`
	Diagnosis             string `json:"diagnosis,omitempty"`
	DiagnosisDate         string `json:"diagnosis_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Medication            string `json:"medication,omitempty"`
	Professionals         string `json:"professionals,omitempty"`
	Eligibility           string `json:"eligibility,omitempty"`
	Interests             string `json:"interests,omitempty"`
	InterestsBlob         string `json:"interests_blob,omitempty"`
	CommunicateWithOthers string `json:"communicate_with_others,omitempty"`
	FollowInstructions    string `json:"follow_instructions,omitempty"`
	VisualSupport         string `json:"visual_support,omitempty"`
	SocialCommunication   string `json:"social_communication,omitempty"`
	HighlyAnxious         string `json:"highly_anxious,omitempty"`
	RecogniseEmotions     string `json:"recognise_emotions,omitempty"`
	AttendSchool          string `json:"attend_school,omitempty"`
	SelfHarm              string `json:"self_harm,omitempty"`
	AreasOfDifficulty     string `json:"areas_of_difficulty,omitempty"`
	DailySkills           string `json:"daily_skills,omitempty"`
	AdditionalSupport     string `json:"additional_support,omitempty"`
	Consent               bool   `json:"consent" validate:"required"`
}

// Application is a submitted referral. At most one exists per session.
type Application struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Form        ApplicationForm `json:"form"`
	SubmittedAt time.Time       `json:"submitted_at"`

	// Populated on listing from the owning session.
	QueuePosition int64      `json:"queue_position,omitempty"`
	SelectedAt    *time.Time `json:"selected_at,omitempty"`
}

// WaitlistEntry records interest from a session that was not selected.
type WaitlistEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name" validate:"required,max=255"`
	Email     string    `json:"email" validate:"required,email,max=255"`
	Postcode  string    `json:"postcode,omitempty" validate:"max=20"`
	ChildName string    `json:"child_name,omitempty" validate:"max=255"`
	ChildDOB  string    `json:"child_dob,omitempty" validate:"omitempty,datetime=2006-01-02"`
	AddedAt   time.Time `json:"added_at"`

	// Populated on listing from the owning session.
	QueuePosition int64     `json:"queue_position,omitempty"`
	JoinedAt      time.Time `json:"joined_at,omitempty"`
}

// SelectionResult summarises one invocation of the selection engine.
type SelectionResult struct {
	SelectedCount int `json:"selected_count"`
	RejectedCount int `json:"rejected_count"`
}

// SubmissionStatus tells a caller whether the application form may be shown.
type SubmissionStatus struct {
	CanSubmit        bool          `json:"can_submit"`
	AlreadySubmitted bool          `json:"already_submitted"`
	SessionStatus    SessionStatus `json:"session_status"`
}

// Stats holds the simple counts shown to operators.
type Stats struct {
	DistinctSessions int                   `json:"distinct_sessions"`
	ByStatus         map[SessionStatus]int `json:"by_status"`
	Applications     int                   `json:"applications"`
	Waitlist         int                   `json:"waitlist"`
}
