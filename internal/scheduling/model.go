package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// ActiveStatuses are the non-terminal statuses; only these hold time.
var ActiveStatuses = []Status{StatusPending, StatusApproved}

// BookedStatuses count towards utilization.
var BookedStatuses = []Status{StatusPending, StatusApproved, StatusCompleted}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleSystem   Role = "system"
)

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleProvider || r == RoleSystem
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Actor identifies who requested a mutation. ID is ignored for RoleSystem.
type Actor struct {
	Role Role
	ID   uuid.UUID
}

type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AvailabilityWindow is recurring weekly capacity. Windows are toggled with
// IsAvailable and never deleted.
type AvailabilityWindow struct {
	ProviderID  uuid.UUID
	DayOfWeek   time.Weekday
	Start       Clock
	End         Clock
	IsAvailable bool
	UpdatedAt   time.Time
}

func (w AvailabilityWindow) Interval() Interval {
	return Interval{Start: w.Start, End: w.End}
}

// TimeSlot is a materialized, date-specific override of a window slice.
type TimeSlot struct {
	ID              uuid.UUID
	ProviderID      uuid.UUID
	Date            time.Time
	Time            Clock
	DurationMinutes int
	IsAvailable     bool
	IsBlocked       bool
	BlockReason     *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Open applies the read-time rule that blocking always suppresses availability.
func (s TimeSlot) Open() bool {
	return s.IsAvailable && !s.IsBlocked
}

func (s TimeSlot) Interval() Interval {
	return NewInterval(s.Time, s.DurationMinutes)
}

type Appointment struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	ProviderID         uuid.UUID
	Date               time.Time
	Time               Clock
	DurationMinutes    int
	Status             Status
	Reason             string
	PatientNotes       *string
	ProviderNotes      *string
	Prescription       *string
	CancellationReason *string
	Rating             *int
	ReviewText         *string
	FollowUpRequired   *bool
	FollowUpDate       *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (a Appointment) Interval() Interval {
	return NewInterval(a.Time, a.DurationMinutes)
}

// Start is the civil start time of the appointment.
func (a Appointment) Start() time.Time {
	return a.Time.On(a.Date)
}

// AvailableTimeSlot is one candidate produced by the SlotGenerator.
type AvailableTimeSlot struct {
	Date            time.Time
	Time            Clock
	DurationMinutes int
	IsAvailable     bool
	IsBlocked       bool
	BlockReason     *string
	HasConflict     bool
}

// Open reports whether the slot can be offered for booking.
func (s AvailableTimeSlot) Open() bool {
	return s.IsAvailable && !s.IsBlocked && !s.HasConflict
}

func (s AvailableTimeSlot) Start() time.Time {
	return s.Time.On(s.Date)
}

type ConflictResult struct {
	HasConflict             bool
	ConflictingAppointments []Appointment
	SuggestedAlternatives   []AvailableTimeSlot
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
