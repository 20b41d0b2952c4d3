package scheduling

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedTransitions(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusApproved, StatusRejected}, AllowedTransitions(StatusPending, RoleProvider))
	assert.ElementsMatch(t, []Status{StatusCancelled}, AllowedTransitions(StatusPending, RolePatient))
	assert.ElementsMatch(t, []Status{StatusCompleted, StatusNoShow}, AllowedTransitions(StatusApproved, RoleProvider))
	assert.ElementsMatch(t, []Status{StatusCancelled}, AllowedTransitions(StatusApproved, RolePatient))
	assert.ElementsMatch(t, []Status{StatusCancelled}, AllowedTransitions(StatusApproved, RoleSystem))

	for _, terminal := range []Status{StatusRejected, StatusCompleted, StatusCancelled, StatusNoShow} {
		for _, role := range []Role{RolePatient, RoleProvider, RoleSystem} {
			assert.Empty(t, AllowedTransitions(terminal, role), "%s/%s", terminal, role)
		}
	}
}

func TestAllowedTransitions_ReturnsCopy(t *testing.T) {
	got := AllowedTransitions(StatusPending, RoleProvider)
	got[0] = StatusNoShow
	assert.True(t, CanTransition(StatusPending, StatusApproved, RoleProvider))
}

func TestCheckTransition(t *testing.T) {
	cases := []struct {
		name string
		from Status
		to   Status
		role Role
		want error
	}{
		{"provider approves pending", StatusPending, StatusApproved, RoleProvider, nil},
		{"patient cancels approved", StatusApproved, StatusCancelled, RolePatient, nil},
		{"system cancels pending", StatusPending, StatusCancelled, RoleSystem, nil},
		{"pending straight to completed", StatusPending, StatusCompleted, RoleProvider, ErrInvalidTransition},
		{"patient approves", StatusPending, StatusApproved, RolePatient, ErrPermission},
		{"provider cancels", StatusApproved, StatusCancelled, RoleProvider, ErrPermission},
		{"patient completes", StatusApproved, StatusCompleted, RolePatient, ErrPermission},
		{"completed is terminal", StatusCompleted, StatusCancelled, RoleSystem, ErrInvalidTransition},
		{"same status", StatusApproved, StatusApproved, RoleProvider, ErrInvalidTransition},
		{"unknown target", StatusPending, Status("archived"), RoleProvider, ErrInvalidTransition},
		{"unknown role", StatusPending, StatusCancelled, Role("admin"), ErrPermission},
		{"no_show only from approved", StatusPending, StatusNoShow, RoleProvider, ErrInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckTransition(tc.from, tc.to, tc.role)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestCanReschedule(t *testing.T) {
	assert.True(t, CanReschedule(StatusPending))
	assert.True(t, CanReschedule(StatusApproved))
	assert.False(t, CanReschedule(StatusCompleted))
	assert.False(t, CanReschedule(StatusCancelled))
}
