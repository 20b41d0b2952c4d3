package events

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/hackgods/care-scheduling/internal/scheduling"
)

// Recipients returns who should hear about an event. Patients are told about
// provider decisions and providers about patient requests; the system role
// notifies both.
func Recipients(ev scheduling.Event) []scheduling.Role {
	switch ev.Type {
	case scheduling.EventAppointmentCreated:
		return []scheduling.Role{scheduling.RoleProvider}
	case scheduling.EventAppointmentRated:
		return []scheduling.Role{scheduling.RoleProvider}
	case scheduling.EventAppointmentApproved,
		scheduling.EventAppointmentRejected,
		scheduling.EventAppointmentCompleted,
		scheduling.EventAppointmentNoShow:
		return []scheduling.Role{scheduling.RolePatient}
	}

	switch ev.Actor {
	case scheduling.RolePatient:
		return []scheduling.Role{scheduling.RoleProvider}
	case scheduling.RoleProvider:
		return []scheduling.Role{scheduling.RolePatient}
	}
	return []scheduling.Role{scheduling.RolePatient, scheduling.RoleProvider}
}

// Notifier delivers a notification to one party. Delivery protocols live
// outside this service.
type Notifier interface {
	Notify(ctx context.Context, to scheduling.Role, recipientID string, ev scheduling.Event) error
}

// LogNotifier records what would be sent.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, to scheduling.Role, recipientID string, ev scheduling.Event) error {
	n.Logger.Info().
		Str("recipient_role", string(to)).
		Str("recipient_id", recipientID).
		Str("event_type", ev.Type).
		Str("appointment_id", ev.AppointmentID.String()).
		Msg("notification dispatched")
	return nil
}

func handleEventTask(n Notifier) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		ev, err := ParseEventTask(task)
		if err != nil {
			// malformed payloads will never succeed
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		for _, role := range Recipients(ev) {
			id := ev.PatientID.String()
			if role == scheduling.RoleProvider {
				id = ev.ProviderID.String()
			}
			if err := n.Notify(ctx, role, id, ev); err != nil {
				return fmt.Errorf("notify %s: %w", role, err)
			}
		}
		return nil
	}
}

func NewServeMux(n Notifier) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeAppointmentEvent, handleEventTask(n))
	return mux
}
