package metrics

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/admissionerrors"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "not_found", Outcome(admissionerrors.NotFound("session", "s1")))
	assert.Equal(t, "conflict", Outcome(errors.Wrap(admissionerrors.Conflict("session", "s1", "x"), "wrapped")))
	assert.Equal(t, "infrastructure", Outcome(errors.New("boom")))
}

func TestRecordOperation(t *testing.T) {
	before := testutil.ToFloat64(operationsCounter.WithLabelValues("test_op", "conflict"))
	Get().RecordOperation("test_op", admissionerrors.Conflict("session", "s1", "x"), time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(operationsCounter.WithLabelValues("test_op", "conflict")))
}

func TestRecordSelection(t *testing.T) {
	selected := testutil.ToFloat64(selectionTransitionsCounter.WithLabelValues("selected"))
	rejected := testutil.ToFloat64(selectionTransitionsCounter.WithLabelValues("rejected"))

	Get().RecordSelection(model.SelectionResult{SelectedCount: 40, RejectedCount: 15})

	assert.Equal(t, selected+40, testutil.ToFloat64(selectionTransitionsCounter.WithLabelValues("selected")))
	assert.Equal(t, rejected+15, testutil.ToFloat64(selectionTransitionsCounter.WithLabelValues("rejected")))
}

func TestRecordSession(t *testing.T) {
	before := testutil.ToFloat64(sessionsCounter.WithLabelValues("true"))
	Get().RecordSession(true)
	assert.Equal(t, before+1, testutil.ToFloat64(sessionsCounter.WithLabelValues("true")))
}
