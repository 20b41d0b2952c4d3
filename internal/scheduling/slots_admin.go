package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxBlockReason   = 500
)

// ListSlots generates bookable candidates for a provider over a date range.
func (s *Service) ListSlots(ctx context.Context, q SlotQuery) ([]AvailableTimeSlot, error) {
	if q.DurationMinutes == 0 {
		q.DurationMinutes = s.cfg.DefaultSlotMinutes
	}
	if err := s.validateRange(q); err != nil {
		return nil, err
	}
	if err := s.ensureProvider(ctx, q.ProviderID); err != nil {
		return nil, err
	}
	return s.generator(s.repo).Generate(ctx, q)
}

// MaterializeSlots persists generator output as TimeSlot rows, skipping rows
// that already exist, and returns how many were created. Overlap with a live
// appointment is not persisted; it is recomputed on every read.
func (s *Service) MaterializeSlots(ctx context.Context, q SlotQuery) (int, error) {
	generated, err := s.ListSlots(ctx, q)
	if err != nil {
		return 0, err
	}

	slots := make([]TimeSlot, 0, len(generated))
	for _, g := range generated {
		slots = append(slots, TimeSlot{
			ProviderID:      q.ProviderID,
			Date:            g.Date,
			Time:            g.Time,
			DurationMinutes: g.DurationMinutes,
			IsAvailable:     g.IsAvailable,
			IsBlocked:       g.IsBlocked,
			BlockReason:     g.BlockReason,
		})
	}

	var created int
	keys := []string{"provider:" + q.ProviderID.String()}
	err = s.repo.WithinReservation(ctx, keys, func(ctx context.Context, tx Repository) error {
		var err error
		created, err = tx.BulkCreateSlots(ctx, slots)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("bulk create time slots: %w", err)
	}

	s.logger.Info().
		Str("provider_id", q.ProviderID.String()).
		Int("generated", len(slots)).
		Int("created", created).
		Msg("materialized time slots")
	return created, nil
}

type BlockRequest struct {
	ProviderID      uuid.UUID
	Date            time.Time
	Time            Clock
	DurationMinutes int
	Reason          string
}

// BlockSlot takes a slice of time out of circulation. It refuses to block
// over a non-terminal appointment.
func (s *Service) BlockSlot(ctx context.Context, req BlockRequest) (*TimeSlot, error) {
	if req.DurationMinutes == 0 {
		req.DurationMinutes = s.cfg.DefaultSlotMinutes
	}
	req.Reason = strings.TrimSpace(req.Reason)

	ve := &ValidationError{}
	if req.ProviderID == uuid.Nil {
		ve.Add("providerId", "is required")
	}
	if req.Date.IsZero() {
		ve.Add("date", "is required")
	}
	if len(req.Reason) > maxBlockReason {
		ve.Add("reason", fmt.Sprintf("must be at most %d characters", maxBlockReason))
	}
	s.validateDuration(ve, req.Time, req.DurationMinutes)
	if err := ve.Err(); err != nil {
		return nil, err
	}
	req.Date = DateOf(req.Date)

	if err := s.ensureProvider(ctx, req.ProviderID); err != nil {
		return nil, err
	}

	var blocked *TimeSlot
	key := providerDayKey(req.ProviderID, req.Date)
	err := s.repo.WithinReservation(ctx, []string{key}, func(ctx context.Context, tx Repository) error {
		appts, err := tx.QueryAppointments(ctx, AppointmentFilter{
			ProviderID: &req.ProviderID,
			From:       &req.Date,
			To:         &req.Date,
			Statuses:   ActiveStatuses,
		})
		if err != nil {
			return fmt.Errorf("query appointments: %w", err)
		}

		candidate := NewInterval(req.Time, req.DurationMinutes)
		var overlapping []Appointment
		for _, a := range appts {
			if candidate.Overlaps(a.Interval()) {
				overlapping = append(overlapping, a)
			}
		}
		if len(overlapping) > 0 {
			return &ConflictError{Reason: "slot overlaps an existing appointment", Conflicts: overlapping}
		}

		blocked, err = tx.BlockSlot(ctx, req.ProviderID, req.Date, req.Time, req.DurationMinutes, req.Reason)
		if err != nil {
			return fmt.Errorf("block time slot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("provider_id", req.ProviderID.String()).
		Str("date", FormatDate(req.Date)).
		Str("time", req.Time.String()).
		Msg("time slot blocked")
	return blocked, nil
}

func (s *Service) UnblockSlot(ctx context.Context, providerID uuid.UUID, date time.Time, at Clock) (*TimeSlot, error) {
	date = DateOf(date)
	var slot *TimeSlot
	err := s.repo.WithinReservation(ctx, []string{providerDayKey(providerID, date)}, func(ctx context.Context, tx Repository) error {
		var err error
		slot, err = tx.UnblockSlot(ctx, providerID, date, at)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Resource: "time slot", ID: FormatDate(date) + " " + at.String()}
		}
		return nil, fmt.Errorf("unblock time slot: %w", err)
	}

	s.logger.Info().
		Str("provider_id", providerID.String()).
		Str("date", FormatDate(date)).
		Str("time", at.String()).
		Msg("time slot unblocked")
	return slot, nil
}

// SetAvailability upserts weekly windows keyed on (day, start). Windows are
// switched off with IsAvailable=false rather than removed. The request is
// merged with the stored windows before the overlap check, so a later call
// cannot stack a window on top of an earlier one.
func (s *Service) SetAvailability(ctx context.Context, providerID uuid.UUID, windows []AvailabilityWindow) ([]AvailabilityWindow, error) {
	ve := &ValidationError{}
	if len(windows) == 0 {
		ve.Add("windows", "at least one window is required")
	}
	for i, w := range windows {
		field := fmt.Sprintf("windows[%d]", i)
		if w.DayOfWeek < time.Sunday || w.DayOfWeek > time.Saturday {
			ve.Add(field, "dayOfWeek is out of range")
		}
		if !w.Start.Valid() || !w.End.Valid() || w.End <= w.Start {
			ve.Add(field, "end must be after start")
		}
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}
	if err := validateWindowOverlap(windows); err != nil {
		return nil, err
	}
	if err := s.ensureProvider(ctx, providerID); err != nil {
		return nil, err
	}

	out := make([]AvailabilityWindow, 0, len(windows))
	keys := []string{"availability:" + providerID.String()}
	err := s.repo.WithinReservation(ctx, keys, func(ctx context.Context, tx Repository) error {
		stored, err := tx.ListWindows(ctx, providerID)
		if err != nil {
			return fmt.Errorf("list availability windows: %w", err)
		}
		if err := validateWindowOverlap(mergeWindows(stored, windows)); err != nil {
			return err
		}

		for _, w := range windows {
			w.ProviderID = providerID
			saved, err := tx.UpsertWindow(ctx, w)
			if err != nil {
				return fmt.Errorf("upsert availability window: %w", err)
			}
			out = append(out, *saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("provider_id", providerID.String()).Int("windows", len(out)).Msg("availability updated")
	return out, nil
}

// mergeWindows overlays incoming on stored by (day, start), the same key the
// stores upsert on.
func mergeWindows(stored, incoming []AvailabilityWindow) []AvailabilityWindow {
	type key struct {
		day   time.Weekday
		start Clock
	}
	merged := make(map[key]AvailabilityWindow, len(stored)+len(incoming))
	for _, w := range stored {
		merged[key{w.DayOfWeek, w.Start}] = w
	}
	for _, w := range incoming {
		merged[key{w.DayOfWeek, w.Start}] = w
	}
	out := make([]AvailabilityWindow, 0, len(merged))
	for _, w := range merged {
		out = append(out, w)
	}
	return out
}

func validateWindowOverlap(windows []AvailabilityWindow) error {
	byDay := make(map[time.Weekday][]AvailabilityWindow)
	for _, w := range windows {
		if w.IsAvailable {
			byDay[w.DayOfWeek] = append(byDay[w.DayOfWeek], w)
		}
	}
	for day, ws := range byDay {
		sort.Slice(ws, func(i, j int) bool { return ws[i].Start < ws[j].Start })
		for i := 1; i < len(ws); i++ {
			if ws[i].Interval().Overlaps(ws[i-1].Interval()) {
				return NewValidationError("windows", fmt.Sprintf("%s windows overlap", day))
			}
		}
	}
	return nil
}

func (s *Service) ListAvailability(ctx context.Context, providerID uuid.UUID) ([]AvailabilityWindow, error) {
	if err := s.ensureProvider(ctx, providerID); err != nil {
		return nil, err
	}
	windows, err := s.repo.ListWindows(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("list availability windows: %w", err)
	}
	return windows, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.getAppointment(ctx, s.repo, id)
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		return nil, NewValidationError("offset", "must not be negative")
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, NewValidationError("end", "must not be before start")
	}

	appts, err := s.repo.QueryAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	return appts, nil
}

func (s *Service) UpsertProvider(ctx context.Context, p Provider) (*Provider, error) {
	p.Name = strings.TrimSpace(p.Name)
	ve := &ValidationError{}
	if p.ID == uuid.Nil {
		ve.Add("id", "is required")
	}
	if p.Name == "" {
		ve.Add("name", "is required")
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	saved, err := s.repo.UpsertProvider(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("upsert provider: %w", err)
	}
	return saved, nil
}

func (s *Service) ensureProvider(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.GetProvider(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("load provider: %w", err)
	}
	return nil
}

func (s *Service) validateRange(q SlotQuery) error {
	if err := q.validate(); err != nil {
		return err
	}
	if q.DurationMinutes > s.cfg.MaxAppointmentMinutes {
		return NewValidationError("duration", fmt.Sprintf("must be at most %d minutes", s.cfg.MaxAppointmentMinutes))
	}
	days := int(DateOf(q.End).Sub(DateOf(q.Start)).Hours()/24) + 1
	if days > s.cfg.MaxRangeDays {
		return NewValidationError("end", fmt.Sprintf("range must cover at most %d days", s.cfg.MaxRangeDays))
	}
	return nil
}
