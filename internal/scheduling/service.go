package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/care-scheduling/internal/config"
	redisclient "github.com/hackgods/care-scheduling/internal/redis"
)

const (
	maxReasonLength = 500
	maxNotesLength  = 4000
)

// Service is the workflow orchestrator. It is the only component callers
// use to mutate appointments.
type Service struct {
	repo   Repository
	locker redisclient.Locker
	events EventSink
	cfg    config.Config
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(repo Repository, locker redisclient.Locker, events EventSink, cfg config.Config, logger zerolog.Logger) *Service {
	if locker == nil {
		locker = redisclient.NewLocalLocker()
	}
	if events == nil {
		events = NopSink{}
	}
	return &Service{
		repo:   repo,
		locker: locker,
		events: events,
		cfg:    cfg,
		loc:    cfg.Location(),
		now:    time.Now,
		logger: logger.With().Str("component", "scheduling").Logger(),
	}
}

// WithClock replaces the wall clock, for tests and simulations.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) civilNow() time.Time {
	return CivilTime(s.now(), s.loc)
}

func (s *Service) today() time.Time {
	return DateOf(s.civilNow())
}

func (s *Service) generator(r Repository) *SlotGenerator {
	return NewSlotGenerator(r, r, r)
}

func (s *Service) detector(r Repository) *ConflictDetector {
	return NewConflictDetector(r, s.generator(r), s.cfg.AlternativeWindowDays, s.cfg.MaxAlternatives, s.civilNow)
}

type CreateAppointmentRequest struct {
	PatientID       uuid.UUID
	ProviderID      uuid.UUID
	Date            time.Time
	Time            Clock
	DurationMinutes int
	Reason          string
	PatientNotes    *string
}

// CreateAppointment books a pending appointment and reserves its slot. The
// conflict re-check and both writes happen inside one reservation so two
// concurrent requests for the same time cannot both succeed.
func (s *Service) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*Appointment, error) {
	if req.DurationMinutes == 0 {
		req.DurationMinutes = s.cfg.DefaultSlotMinutes
	}
	req.Reason = strings.TrimSpace(req.Reason)

	ve := &ValidationError{}
	if req.PatientID == uuid.Nil {
		ve.Add("patientId", "is required")
	}
	if req.ProviderID == uuid.Nil {
		ve.Add("providerId", "is required")
	}
	if req.Reason == "" {
		ve.Add("reason", "is required")
	} else if len(req.Reason) > maxReasonLength {
		ve.Add("reason", fmt.Sprintf("must be at most %d characters", maxReasonLength))
	}
	if req.PatientNotes != nil && len(*req.PatientNotes) > maxNotesLength {
		ve.Add("patientNotes", fmt.Sprintf("must be at most %d characters", maxNotesLength))
	}
	s.validateSchedule(ve, req.Date, req.Time, req.DurationMinutes)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	req.Date = DateOf(req.Date)

	if err := s.ensureParties(ctx, req.ProviderID, req.PatientID); err != nil {
		return nil, err
	}
	if err := s.ensureWithinAvailability(ctx, req.ProviderID, req.Date, req.Time, req.DurationMinutes); err != nil {
		return nil, err
	}

	q := ConflictQuery{
		ProviderID:      req.ProviderID,
		PatientID:       req.PatientID,
		Date:            req.Date,
		Time:            req.Time,
		DurationMinutes: req.DurationMinutes,
	}
	keys := []string{providerDayKey(req.ProviderID, req.Date), patientDayKey(req.PatientID, req.Date)}

	var created *Appointment
	err := s.reserve(ctx, q, keys, func(ctx context.Context, tx Repository) error {
		if err := s.ensureBookable(ctx, tx, q); err != nil {
			return err
		}

		appt := &Appointment{
			ID:              uuid.New(),
			PatientID:       req.PatientID,
			ProviderID:      req.ProviderID,
			Date:            req.Date,
			Time:            req.Time,
			DurationMinutes: req.DurationMinutes,
			Status:          StatusPending,
			Reason:          req.Reason,
			PatientNotes:    req.PatientNotes,
		}
		if err := tx.CreateAppointment(ctx, appt); err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		if err := reserveSlot(ctx, tx, *appt); err != nil {
			return err
		}

		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(*created, "", RolePatient, EventAppointmentCreated, map[string]any{
		"date": FormatDate(created.Date),
		"time": created.Time.String(),
	})
	s.logger.Info().
		Str("appointment_id", created.ID.String()).
		Str("provider_id", created.ProviderID.String()).
		Str("date", FormatDate(created.Date)).
		Str("time", created.Time.String()).
		Msg("appointment created")

	return created, nil
}

type RescheduleRequest struct {
	Date        time.Time
	Time        Clock
	RequestedBy Actor
}

// RescheduleAppointment moves a pending or approved appointment, keeping its
// id, status and duration. The old slot is released and the new one reserved
// in the same reservation.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	current, err := s.getAppointment(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(req.RequestedBy, *current, "reschedule"); err != nil {
		return nil, err
	}
	if !CanReschedule(current.Status) {
		return nil, &InvalidTransitionError{From: current.Status, To: current.Status, Action: "reschedule"}
	}

	ve := &ValidationError{}
	s.validateSchedule(ve, req.Date, req.Time, current.DurationMinutes)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	newDate := DateOf(req.Date)
	if newDate.Equal(current.Date) && req.Time == current.Time {
		return nil, NewValidationError("date", "appointment is already scheduled at this time")
	}

	if err := s.ensureWithinAvailability(ctx, current.ProviderID, newDate, req.Time, current.DurationMinutes); err != nil {
		return nil, err
	}

	q := ConflictQuery{
		ProviderID:           current.ProviderID,
		PatientID:            current.PatientID,
		Date:                 newDate,
		Time:                 req.Time,
		DurationMinutes:      current.DurationMinutes,
		ExcludeAppointmentID: &current.ID,
	}
	keys := []string{
		providerDayKey(current.ProviderID, newDate),
		patientDayKey(current.PatientID, newDate),
		providerDayKey(current.ProviderID, current.Date),
		patientDayKey(current.PatientID, current.Date),
	}

	var (
		updated *Appointment
		oldDate time.Time
		oldTime Clock
	)
	err = s.reserve(ctx, q, keys, func(ctx context.Context, tx Repository) error {
		appt, err := s.getAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanReschedule(appt.Status) {
			return &InvalidTransitionError{From: appt.Status, To: appt.Status, Action: "reschedule"}
		}
		if err := s.ensureBookable(ctx, tx, q); err != nil {
			return err
		}

		oldDate, oldTime = appt.Date, appt.Time
		if err := releaseSlot(ctx, tx, *appt); err != nil {
			return err
		}

		appt.Date = newDate
		appt.Time = req.Time
		updated, err = tx.UpdateAppointment(ctx, appt, appt.Status)
		if errors.Is(err, ErrStaleWrite) {
			return &InvalidTransitionError{From: appt.Status, To: appt.Status, Action: "reschedule"}
		}
		if err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}

		return reserveSlot(ctx, tx, *updated)
	})
	if err != nil {
		return nil, err
	}

	s.publish(*updated, updated.Status, req.RequestedBy.Role, EventAppointmentRescheduled, map[string]any{
		"old_date": FormatDate(oldDate),
		"old_time": oldTime.String(),
		"new_date": FormatDate(updated.Date),
		"new_time": updated.Time.String(),
	})
	s.logger.Info().
		Str("appointment_id", updated.ID.String()).
		Str("old", FormatDate(oldDate)+" "+oldTime.String()).
		Str("new", FormatDate(updated.Date)+" "+updated.Time.String()).
		Msg("appointment rescheduled")

	return updated, nil
}

// CheckConflicts runs the detector without mutating anything.
func (s *Service) CheckConflicts(ctx context.Context, q ConflictQuery) (*ConflictResult, error) {
	if q.DurationMinutes == 0 {
		q.DurationMinutes = s.cfg.DefaultSlotMinutes
	}
	ve := &ValidationError{}
	if q.ProviderID == uuid.Nil {
		ve.Add("providerId", "is required")
	}
	if q.PatientID == uuid.Nil {
		ve.Add("patientId", "is required")
	}
	if q.Date.IsZero() {
		ve.Add("date", "is required")
	}
	s.validateDuration(ve, q.Time, q.DurationMinutes)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	q.Date = DateOf(q.Date)
	return s.detector(s.repo).Check(ctx, q)
}

// reserve takes the fast-fail slot lock, then runs fn inside a storage
// reservation over keys.
func (s *Service) reserve(ctx context.Context, q ConflictQuery, keys []string, fn func(ctx context.Context, tx Repository) error) error {
	err := s.locker.WithLock(ctx, slotLockKey(q.ProviderID, q.Date, q.Time), func(lockCtx context.Context) error {
		return s.repo.WithinReservation(lockCtx, dedupeKeys(keys), fn)
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		alts, altErr := s.detector(s.repo).Alternatives(ctx, q)
		if altErr != nil {
			s.logger.Warn().Err(altErr).Msg("failed to compute alternatives for contended slot")
		}
		return &ConflictError{Reason: "slot is currently being booked", Alternatives: alts}
	}
	if errors.Is(err, redisclient.ErrLockBackend) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// ensureBookable re-checks, inside the reservation, that no booking overlaps
// and that no override has blocked or taken the slot.
func (s *Service) ensureBookable(ctx context.Context, tx Repository, q ConflictQuery) error {
	det := s.detector(tx)

	res, err := det.Check(ctx, q)
	if err != nil {
		return fmt.Errorf("check conflicts: %w", err)
	}
	if res.HasConflict {
		return &ConflictError{
			Reason:       "requested time overlaps an existing appointment",
			Conflicts:    res.ConflictingAppointments,
			Alternatives: res.SuggestedAlternatives,
		}
	}

	slots, err := tx.GetSlots(ctx, q.ProviderID, q.Date)
	if err != nil {
		return fmt.Errorf("get time slots: %w", err)
	}

	candidate := q.interval()
	reason := ""
	for _, sl := range slots {
		if sl.IsBlocked && sl.Interval().Overlaps(candidate) {
			reason = "slot is blocked"
			if sl.BlockReason != nil && *sl.BlockReason != "" {
				reason += ": " + *sl.BlockReason
			}
			break
		}
		if sl.Time == q.Time && !sl.IsAvailable {
			reason = "slot is not available"
			break
		}
	}
	if reason == "" {
		return nil
	}

	alts, err := det.Alternatives(ctx, q)
	if err != nil {
		return fmt.Errorf("compute alternatives: %w", err)
	}
	return &ConflictError{Reason: reason, Alternatives: alts}
}

func (s *Service) ensureParties(ctx context.Context, providerID, patientID uuid.UUID) error {
	ve := &ValidationError{}
	if _, err := s.repo.GetProvider(ctx, providerID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("load provider: %w", err)
		}
		ve.Add("providerId", "provider does not exist")
	}
	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("load patient: %w", err)
		}
		ve.Add("patientId", "patient does not exist")
	}
	return ve.Err()
}

// ensureWithinAvailability requires the interval to lie fully inside one
// available weekly window.
func (s *Service) ensureWithinAvailability(ctx context.Context, providerID uuid.UUID, date time.Time, at Clock, durationMinutes int) error {
	windows, err := s.repo.GetWindows(ctx, providerID, date.Weekday())
	if err != nil {
		return fmt.Errorf("get availability windows: %w", err)
	}
	candidate := NewInterval(at, durationMinutes)
	for _, w := range windows {
		if w.IsAvailable && candidate.Within(w.Interval()) {
			return nil
		}
	}
	return NewValidationError("time", fmt.Sprintf("%s %s-%s is outside the provider's availability",
		date.Weekday(), candidate.Start, candidate.End))
}

func (s *Service) validateSchedule(ve *ValidationError, date time.Time, at Clock, durationMinutes int) {
	s.validateDuration(ve, at, durationMinutes)

	if date.IsZero() {
		ve.Add("date", "is required")
		return
	}
	date = DateOf(date)
	today := s.today()
	switch {
	case date.Before(today):
		ve.Add("date", "must not be in the past")
	case date.After(today.AddDate(0, 0, s.cfg.MaxAdvanceDays)):
		ve.Add("date", fmt.Sprintf("must be within %d days", s.cfg.MaxAdvanceDays))
	case !at.On(date).After(s.civilNow()):
		ve.Add("time", "must be in the future")
	}
}

func (s *Service) validateDuration(ve *ValidationError, at Clock, durationMinutes int) {
	if !at.Valid() || at == minutesPerDay {
		ve.Add("time", "must be a time of day")
	}
	if durationMinutes <= 0 || durationMinutes > s.cfg.MaxAppointmentMinutes {
		ve.Add("duration", fmt.Sprintf("must be between 1 and %d minutes", s.cfg.MaxAppointmentMinutes))
	} else if at.Add(durationMinutes) > minutesPerDay {
		ve.Add("duration", "must end on the same day")
	}
}

func (s *Service) getAppointment(ctx context.Context, r Repository, id uuid.UUID) (*Appointment, error) {
	appt, err := r.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) publish(a Appointment, from Status, actor Role, eventType string, payload map[string]any) {
	s.events.Publish(Event{
		ID:            uuid.New(),
		Type:          eventType,
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		ProviderID:    a.ProviderID,
		From:          from,
		To:            a.Status,
		Actor:         actor,
		OccurredAt:    s.now().UTC(),
		Payload:       payload,
	})
}

// authorize checks that the actor is a party to the appointment.
func authorize(actor Actor, a Appointment, action string) error {
	switch actor.Role {
	case RoleSystem:
		return nil
	case RolePatient:
		if actor.ID == a.PatientID {
			return nil
		}
	case RoleProvider:
		if actor.ID == a.ProviderID {
			return nil
		}
	}
	return &PermissionError{Role: actor.Role, Action: action + " an appointment they are not part of"}
}

func reserveSlot(ctx context.Context, tx Repository, a Appointment) error {
	_, err := tx.UpsertSlot(ctx, TimeSlot{
		ProviderID:      a.ProviderID,
		Date:            a.Date,
		Time:            a.Time,
		DurationMinutes: a.DurationMinutes,
		IsAvailable:     false,
	})
	if err != nil {
		return fmt.Errorf("reserve time slot: %w", err)
	}
	return nil
}

// releaseSlot makes every unblocked row the appointment covered available
// again, unless another live appointment still overlaps it. Blocks survive.
func releaseSlot(ctx context.Context, tx Repository, a Appointment) error {
	slots, err := tx.GetSlots(ctx, a.ProviderID, a.Date)
	if err != nil {
		return fmt.Errorf("get time slots: %w", err)
	}
	date := DateOf(a.Date)
	live, err := tx.QueryAppointments(ctx, AppointmentFilter{
		ProviderID: &a.ProviderID,
		From:       &date,
		To:         &date,
		Statuses:   ActiveStatuses,
	})
	if err != nil {
		return fmt.Errorf("query appointments: %w", err)
	}

	span := a.Interval()
	for _, sl := range slots {
		if sl.IsAvailable || sl.IsBlocked || !sl.Interval().Overlaps(span) {
			continue
		}
		if stillHeld(sl, live, a.ID) {
			continue
		}
		sl.IsAvailable = true
		if _, err := tx.UpsertSlot(ctx, sl); err != nil {
			return fmt.Errorf("release time slot: %w", err)
		}
	}
	return nil
}

func stillHeld(sl TimeSlot, live []Appointment, released uuid.UUID) bool {
	for _, other := range live {
		if other.ID != released && other.Interval().Overlaps(sl.Interval()) {
			return true
		}
	}
	return false
}

func dedupeKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
