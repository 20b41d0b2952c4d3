package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AvailabilityStore interface {
	GetWindows(ctx context.Context, providerID uuid.UUID, day time.Weekday) ([]AvailabilityWindow, error)
	ListWindows(ctx context.Context, providerID uuid.UUID) ([]AvailabilityWindow, error)
	UpsertWindow(ctx context.Context, w AvailabilityWindow) (*AvailabilityWindow, error)
}

type TimeSlotStore interface {
	GetSlots(ctx context.Context, providerID uuid.UUID, date time.Time) ([]TimeSlot, error)
	ListSlotsInRange(ctx context.Context, providerID uuid.UUID, start, end time.Time) ([]TimeSlot, error)
	// UpsertSlot writes the slot keyed on (provider, date, time).
	UpsertSlot(ctx context.Context, slot TimeSlot) (*TimeSlot, error)
	// BulkCreateSlots inserts slots that do not exist yet and returns how many were created.
	BulkCreateSlots(ctx context.Context, slots []TimeSlot) (int, error)
	BlockSlot(ctx context.Context, providerID uuid.UUID, date time.Time, at Clock, durationMinutes int, reason string) (*TimeSlot, error)
	UnblockSlot(ctx context.Context, providerID uuid.UUID, date time.Time, at Clock) (*TimeSlot, error)
}

// AppointmentFilter dates are inclusive calendar dates.
type AppointmentFilter struct {
	ProviderID *uuid.UUID
	PatientID  *uuid.UUID
	From       *time.Time
	To         *time.Time
	Statuses   []Status
	Limit      int
	Offset     int
}

// StatusUpdate is applied together with a status change. Nil fields are left untouched.
type StatusUpdate struct {
	To                 Status
	ProviderNotes      *string
	Prescription       *string
	CancellationReason *string
	FollowUpRequired   *bool
	FollowUpDate       *time.Time
}

type AppointmentStore interface {
	// QueryAppointments returns matches ordered by date then time.
	QueryAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) error
	// UpdateStatus only applies while the stored status still equals from;
	// otherwise it returns ErrStaleWrite.
	UpdateStatus(ctx context.Context, id uuid.UUID, from Status, upd StatusUpdate) (*Appointment, error)
	// UpdateAppointment rewrites date, time and notes while the stored status
	// still equals expect.
	UpdateAppointment(ctx context.Context, a *Appointment, expect Status) (*Appointment, error)
	// SetRating only applies to a completed appointment without a rating.
	SetRating(ctx context.Context, id uuid.UUID, rating int, review *string) (*Appointment, error)
}

// Directory is the provider/patient identity lookup.
type Directory interface {
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	UpsertProvider(ctx context.Context, p Provider) (*Provider, error)
}

type EventRecorder interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Repository contains all storage interactions needed by the service.
type Repository interface {
	AvailabilityStore
	TimeSlotStore
	AppointmentStore
	Directory
	EventRecorder

	// WithinReservation runs fn in one unit of work holding exclusive
	// reservations on keys. Either every write made through tx is applied or
	// none is.
	WithinReservation(ctx context.Context, keys []string, fn func(ctx context.Context, tx Repository) error) error
}

func providerDayKey(providerID uuid.UUID, date time.Time) string {
	return "provider:" + providerID.String() + ":" + FormatDate(date)
}

func patientDayKey(patientID uuid.UUID, date time.Time) string {
	return "patient:" + patientID.String() + ":" + FormatDate(date)
}

func slotLockKey(providerID uuid.UUID, date time.Time, at Clock) string {
	return "slot:" + providerID.String() + ":" + FormatDate(date) + ":" + at.String()
}
