package admissionerrors

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := map[string]struct {
		err  error
		want Kind
	}{
		"nil":                {nil, KindNone},
		"not found":          {NotFound("session", "s1"), KindNotFound},
		"conflict":           {Conflict("application", "s1", ReasonAlreadySubmitted), KindConflict},
		"invalid argument":   {InvalidArgument("session_id", "", "must not be empty"), KindValidation},
		"wrapped fmt":        {fmt.Errorf("submit: %w", NotFound("session", "s1")), KindNotFound},
		"wrapped pkg/errors": {errors.Wrap(Conflict("session", "s1", ReasonNotEligible), "submit"), KindConflict},
		"plain error":        {errors.New("connection refused"), KindInfrastructure},
		"context canceled":   {context.Canceled, KindInfrastructure},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestConflictReason(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict("application", "s1", ReasonAlreadySubmitted))
	assert.Equal(t, ReasonAlreadySubmitted, ConflictReason(err))
	assert.True(t, IsConflict(err))
	assert.Equal(t, "", ConflictReason(NotFound("session", "s1")))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, `session "s1" not found`, NotFound("session", "s1").Error())
	assert.Equal(t, `application "s1": already submitted`, Conflict("application", "s1", ReasonAlreadySubmitted).Error())
	assert.Equal(t, `value  is invalid for field "session_id"; must not be empty`,
		InvalidArgument("session_id", "", "must not be empty").Error())
}
