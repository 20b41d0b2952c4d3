package scheduling

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentApproved    = "APPOINTMENT_APPROVED"
	EventAppointmentRejected    = "APPOINTMENT_REJECTED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentRated       = "APPOINTMENT_RATED"
)

// Event describes a change to an appointment for notification delivery.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          string         `json:"type"`
	AppointmentID uuid.UUID      `json:"appointment_id"`
	PatientID     uuid.UUID      `json:"patient_id"`
	ProviderID    uuid.UUID      `json:"provider_id"`
	From          Status         `json:"from,omitempty"`
	To            Status         `json:"to"`
	Actor         Role           `json:"actor"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// EventSink is fire-and-forget: Publish must not block on delivery and
// reports failures through its own logging.
type EventSink interface {
	Publish(ev Event)
}

type NopSink struct{}

func (NopSink) Publish(Event) {}

func eventTypeFor(to Status) string {
	switch to {
	case StatusApproved:
		return EventAppointmentApproved
	case StatusRejected:
		return EventAppointmentRejected
	case StatusCancelled:
		return EventAppointmentCancelled
	case StatusCompleted:
		return EventAppointmentCompleted
	case StatusNoShow:
		return EventAppointmentNoShow
	}
	return EventAppointmentCreated
}
