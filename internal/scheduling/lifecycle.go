package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxReviewLength       = 2000
	staleCancellationNote = "pending request expired before it was approved"
)

type CompletionDetails struct {
	ProviderNotes    *string
	Prescription     *string
	FollowUpRequired *bool
	FollowUpDate     *time.Time
}

func (s *Service) ApproveAppointment(ctx context.Context, id, providerID uuid.UUID, notes *string) (*Appointment, error) {
	return s.transition(ctx, id, Actor{Role: RoleProvider, ID: providerID}, StatusUpdate{
		To:            StatusApproved,
		ProviderNotes: notes,
	})
}

func (s *Service) RejectAppointment(ctx context.Context, id, providerID uuid.UUID, reason *string) (*Appointment, error) {
	return s.transition(ctx, id, Actor{Role: RoleProvider, ID: providerID}, StatusUpdate{
		To:                 StatusRejected,
		CancellationReason: reason,
	})
}

func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, requestedBy Actor, reason *string) (*Appointment, error) {
	return s.transition(ctx, id, requestedBy, StatusUpdate{
		To:                 StatusCancelled,
		CancellationReason: reason,
	})
}

// CompleteAppointment is only legal from approved. The slot stays consumed.
func (s *Service) CompleteAppointment(ctx context.Context, id, providerID uuid.UUID, d CompletionDetails) (*Appointment, error) {
	ve := &ValidationError{}
	if d.ProviderNotes != nil && len(*d.ProviderNotes) > maxNotesLength {
		ve.Add("providerNotes", fmt.Sprintf("must be at most %d characters", maxNotesLength))
	}
	if d.Prescription != nil && len(*d.Prescription) > maxNotesLength {
		ve.Add("prescription", fmt.Sprintf("must be at most %d characters", maxNotesLength))
	}
	if d.FollowUpDate != nil {
		if d.FollowUpRequired != nil && !*d.FollowUpRequired {
			ve.Add("followUpDate", "requires followUpRequired")
		} else if DateOf(*d.FollowUpDate).Before(s.today()) {
			ve.Add("followUpDate", "must not be in the past")
		}
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	upd := StatusUpdate{
		To:               StatusCompleted,
		ProviderNotes:    d.ProviderNotes,
		Prescription:     d.Prescription,
		FollowUpRequired: d.FollowUpRequired,
	}
	if d.FollowUpDate != nil {
		fd := DateOf(*d.FollowUpDate)
		upd.FollowUpDate = &fd
		if upd.FollowUpRequired == nil {
			required := true
			upd.FollowUpRequired = &required
		}
	}
	return s.transition(ctx, id, Actor{Role: RoleProvider, ID: providerID}, upd)
}

func (s *Service) MarkNoShow(ctx context.Context, id, providerID uuid.UUID, notes *string) (*Appointment, error) {
	return s.transition(ctx, id, Actor{Role: RoleProvider, ID: providerID}, StatusUpdate{
		To:            StatusNoShow,
		ProviderNotes: notes,
	})
}

// UpdateStatus dispatches a generic status change. Notes land in the field
// that fits the target status.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, requestedBy Actor, notes *string) (*Appointment, error) {
	if !requestedBy.Role.Valid() {
		return nil, NewValidationError("requestedBy", "must be one of patient, provider, system")
	}
	if !to.Valid() {
		return nil, NewValidationError("newStatus", fmt.Sprintf("unknown status %q", to))
	}

	switch to {
	case StatusCompleted:
		if requestedBy.Role != RoleProvider {
			return nil, s.rejectRole(ctx, id, to, requestedBy)
		}
		return s.CompleteAppointment(ctx, id, requestedBy.ID, CompletionDetails{ProviderNotes: notes})
	case StatusRejected, StatusCancelled:
		return s.transition(ctx, id, requestedBy, StatusUpdate{To: to, CancellationReason: notes})
	default:
		return s.transition(ctx, id, requestedBy, StatusUpdate{To: to, ProviderNotes: notes})
	}
}

func (s *Service) rejectRole(ctx context.Context, id uuid.UUID, to Status, actor Actor) error {
	appt, err := s.getAppointment(ctx, s.repo, id)
	if err != nil {
		return err
	}
	if err := CheckTransition(appt.Status, to, actor.Role); err != nil {
		return err
	}
	return &PermissionError{Role: actor.Role, Action: "move an appointment to " + string(to)}
}

// transition applies one status change. The status machine is consulted on
// the freshly loaded row, and the write is conditional on that status so a
// concurrent change turns into InvalidTransitionError.
func (s *Service) transition(ctx context.Context, id uuid.UUID, actor Actor, upd StatusUpdate) (*Appointment, error) {
	current, err := s.getAppointment(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, *current, "update"); err != nil {
		return nil, err
	}
	if err := CheckTransition(current.Status, upd.To, actor.Role); err != nil {
		return nil, err
	}

	keys := []string{
		providerDayKey(current.ProviderID, current.Date),
		patientDayKey(current.PatientID, current.Date),
	}

	var (
		from    Status
		updated *Appointment
	)
	err = s.repo.WithinReservation(ctx, dedupeKeys(keys), func(ctx context.Context, tx Repository) error {
		appt, err := s.getAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := CheckTransition(appt.Status, upd.To, actor.Role); err != nil {
			return err
		}

		from = appt.Status
		updated, err = tx.UpdateStatus(ctx, id, from, upd)
		if errors.Is(err, ErrStaleWrite) {
			return &InvalidTransitionError{From: from, To: upd.To}
		}
		if err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}

		if releasesSlot(upd.To) {
			return releaseSlot(ctx, tx, *updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]any{}
	if upd.CancellationReason != nil {
		payload["reason"] = *upd.CancellationReason
	}
	s.publish(*updated, from, actor.Role, eventTypeFor(upd.To), payload)
	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("from", string(from)).
		Str("to", string(upd.To)).
		Str("actor", string(actor.Role)).
		Msg("appointment status changed")

	return updated, nil
}

// releasesSlot reports whether moving to status frees the booked time.
// Completed and no-show keep the slot consumed as history.
func releasesSlot(to Status) bool {
	return to == StatusRejected || to == StatusCancelled
}

type RatingRequest struct {
	PatientID uuid.UUID
	Rating    int
	Review    *string
}

// RateAppointment records the patient's rating once. A second attempt fails
// with ConflictError and leaves the first rating in place.
func (s *Service) RateAppointment(ctx context.Context, id uuid.UUID, req RatingRequest) (*Appointment, error) {
	ve := &ValidationError{}
	if req.PatientID == uuid.Nil {
		ve.Add("patientId", "is required")
	}
	if req.Rating < 1 || req.Rating > 5 {
		ve.Add("rating", "must be between 1 and 5")
	}
	if req.Review != nil {
		trimmed := strings.TrimSpace(*req.Review)
		if len(trimmed) > maxReviewLength {
			ve.Add("review", fmt.Sprintf("must be at most %d characters", maxReviewLength))
		}
		req.Review = &trimmed
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	appt, err := s.getAppointment(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(Actor{Role: RolePatient, ID: req.PatientID}, *appt, "rate"); err != nil {
		return nil, err
	}
	if appt.Status != StatusCompleted {
		return nil, &InvalidTransitionError{From: appt.Status, To: appt.Status, Action: "rate"}
	}
	if appt.Rating != nil {
		return nil, &ConflictError{Reason: "appointment has already been rated"}
	}

	var rated *Appointment
	keys := []string{patientDayKey(appt.PatientID, appt.Date)}
	err = s.repo.WithinReservation(ctx, keys, func(ctx context.Context, tx Repository) error {
		var err error
		rated, err = tx.SetRating(ctx, id, req.Rating, req.Review)
		return err
	})
	switch {
	case errors.Is(err, ErrAlreadyRated):
		return nil, &ConflictError{Reason: "appointment has already been rated"}
	case errors.Is(err, ErrStaleWrite):
		return nil, &InvalidTransitionError{From: appt.Status, To: appt.Status, Action: "rate"}
	case err != nil:
		return nil, fmt.Errorf("set rating: %w", err)
	}

	s.publish(*rated, rated.Status, RolePatient, EventAppointmentRated, map[string]any{"rating": req.Rating})
	s.logger.Info().Str("appointment_id", id.String()).Int("rating", req.Rating).Msg("appointment rated")

	return rated, nil
}

// SweepStalePending cancels, as the system role, pending appointments whose
// start plus the grace period has passed. It returns how many were cancelled.
func (s *Service) SweepStalePending(ctx context.Context) (int, error) {
	now := s.civilNow()
	today := DateOf(now)

	stale, err := s.repo.QueryAppointments(ctx, AppointmentFilter{
		To:       &today,
		Statuses: []Status{StatusPending},
	})
	if err != nil {
		return 0, fmt.Errorf("query pending appointments: %w", err)
	}

	reason := staleCancellationNote
	cancelled := 0
	for _, a := range stale {
		if a.Start().Add(s.cfg.PendingGracePeriod).After(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return cancelled, err
		}

		_, err := s.CancelAppointment(ctx, a.ID, Actor{Role: RoleSystem}, &reason)
		if errors.Is(err, ErrInvalidTransition) {
			// changed since the query
			continue
		}
		if err != nil {
			return cancelled, fmt.Errorf("cancel stale appointment %s: %w", a.ID, err)
		}
		cancelled++
	}

	if cancelled > 0 {
		s.logger.Info().Int("cancelled", cancelled).Msg("swept stale pending appointments")
	}
	return cancelled, nil
}
