package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("load user: %w", ErrNotFound), "not_found"},
		{fmt.Errorf("payload: %w", ErrInvalidInput), "invalid_input"},
		{fmt.Errorf("update event: %w", ErrVersionConflict), "version_conflict"},
		{ErrConflict, "conflict"},
		{ErrUnresolvableTarget, "unresolvable_target"},
		{ErrSchemaOutdated, "schema_outdated"},
		{ErrAlreadyFinalized, "already_finalized"},
		{ErrTurnTimeout, "timeout"},
		{fmt.Errorf("provider: %w", context.DeadlineExceeded), "timeout"},
		{errors.New("boom"), "internal"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ErrorCode(c.err), "%v", c.err)
	}
}

func TestAutonomyLevelValid(t *testing.T) {
	for _, l := range []AutonomyLevel{AutonomyOff, AutonomyReview, AutonomyAuto} {
		assert.True(t, l.Valid(), l)
	}
	assert.False(t, AutonomyLevel("auto").Valid())
}
