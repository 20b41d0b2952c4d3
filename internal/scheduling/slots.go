package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SlotPreference keeps candidates on one of Days (any day when empty) that
// fit entirely inside [From, To).
type SlotPreference struct {
	Days []time.Weekday
	From Clock
	To   Clock
}

func (p SlotPreference) matches(date time.Time, at Clock, durationMinutes int) bool {
	if len(p.Days) > 0 {
		found := false
		for _, d := range p.Days {
			if d == date.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return NewInterval(at, durationMinutes).Within(Interval{Start: p.From, End: p.To})
}

type SlotQuery struct {
	ProviderID      uuid.UUID
	Start           time.Time
	End             time.Time
	DurationMinutes int
	BufferMinutes   int
	Preferences     []SlotPreference

	// PatientID additionally flags candidates that overlap this patient's bookings.
	PatientID            *uuid.UUID
	ExcludeAppointmentID *uuid.UUID
}

func (q SlotQuery) validate() error {
	ve := &ValidationError{}
	if q.ProviderID == uuid.Nil {
		ve.Add("providerId", "is required")
	}
	if q.DurationMinutes <= 0 {
		ve.Add("duration", "must be positive")
	}
	if q.BufferMinutes < 0 {
		ve.Add("buffer", "must not be negative")
	}
	if q.Start.IsZero() || q.End.IsZero() {
		ve.Add("start", "start and end dates are required")
	} else if DateOf(q.End).Before(DateOf(q.Start)) {
		ve.Add("end", "must not be before start")
	}
	for _, p := range q.Preferences {
		if p.To <= p.From {
			ve.Add("preferences", "each range must end after it starts")
		}
	}
	return ve.Err()
}

// SlotGenerator turns weekly availability into dated candidate slots.
type SlotGenerator struct {
	availability AvailabilityStore
	slots        TimeSlotStore
	appointments AppointmentStore
}

func NewSlotGenerator(availability AvailabilityStore, slots TimeSlotStore, appointments AppointmentStore) *SlotGenerator {
	return &SlotGenerator{
		availability: availability,
		slots:        slots,
		appointments: appointments,
	}
}

// Generate returns candidates in date-major, time-ascending order. Each
// window is stepped in increments of duration+buffer and a trailing remainder
// shorter than one duration is dropped.
func (g *SlotGenerator) Generate(ctx context.Context, q SlotQuery) ([]AvailableTimeSlot, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	start, end := DateOf(q.Start), DateOf(q.End)

	busy, err := g.busyIntervals(ctx, q, start, end)
	if err != nil {
		return nil, err
	}

	persisted, err := g.slots.ListSlotsInRange(ctx, q.ProviderID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list time slots: %w", err)
	}
	overrides := make(map[string]map[Clock]TimeSlot)
	for _, s := range persisted {
		key := FormatDate(s.Date)
		if overrides[key] == nil {
			overrides[key] = make(map[Clock]TimeSlot)
		}
		overrides[key][s.Time] = s
	}

	windowsByDay := make(map[time.Weekday][]AvailabilityWindow)
	var out []AvailableTimeSlot

	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		windows, ok := windowsByDay[d.Weekday()]
		if !ok {
			windows, err = g.availability.GetWindows(ctx, q.ProviderID, d.Weekday())
			if err != nil {
				return nil, fmt.Errorf("get availability windows: %w", err)
			}
			windowsByDay[d.Weekday()] = windows
		}

		key := FormatDate(d)
		out = append(out, expandDay(d, windows, q, overrides[key], busy[key])...)
	}

	return out, nil
}

func expandDay(date time.Time, windows []AvailabilityWindow, q SlotQuery, overrides map[Clock]TimeSlot, busy []Interval) []AvailableTimeSlot {
	step := q.DurationMinutes + q.BufferMinutes
	seen := make(map[Clock]bool)
	var day []AvailableTimeSlot

	for _, w := range windows {
		if !w.IsAvailable {
			continue
		}
		for t := w.Start; t.Add(q.DurationMinutes) <= w.End; t = t.Add(step) {
			if seen[t] {
				continue
			}
			seen[t] = true

			if len(q.Preferences) > 0 && !anyPreference(q.Preferences, date, t, q.DurationMinutes) {
				continue
			}

			slot := AvailableTimeSlot{
				Date:            date,
				Time:            t,
				DurationMinutes: q.DurationMinutes,
				IsAvailable:     true,
			}
			if o, ok := overrides[t]; ok {
				slot.IsAvailable = o.Open()
				slot.IsBlocked = o.IsBlocked
				slot.BlockReason = o.BlockReason
			}

			candidate := NewInterval(t, q.DurationMinutes)
			for _, b := range busy {
				if candidate.Overlaps(b) {
					slot.HasConflict = true
					break
				}
			}

			day = append(day, slot)
		}
	}

	sort.Slice(day, func(i, j int) bool { return day[i].Time < day[j].Time })
	return day
}

func anyPreference(prefs []SlotPreference, date time.Time, at Clock, durationMinutes int) bool {
	for _, p := range prefs {
		if p.matches(date, at, durationMinutes) {
			return true
		}
	}
	return false
}

// busyIntervals groups non-terminal bookings of the provider (and optionally
// the patient) by date.
func (g *SlotGenerator) busyIntervals(ctx context.Context, q SlotQuery, start, end time.Time) (map[string][]Interval, error) {
	filters := []AppointmentFilter{{
		ProviderID: &q.ProviderID,
		From:       &start,
		To:         &end,
		Statuses:   ActiveStatuses,
	}}
	if q.PatientID != nil {
		filters = append(filters, AppointmentFilter{
			PatientID: q.PatientID,
			From:      &start,
			To:        &end,
			Statuses:  ActiveStatuses,
		})
	}

	busy := make(map[string][]Interval)
	for _, f := range filters {
		appts, err := g.appointments.QueryAppointments(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("query appointments: %w", err)
		}
		for _, a := range appts {
			if q.ExcludeAppointmentID != nil && a.ID == *q.ExcludeAppointmentID {
				continue
			}
			key := FormatDate(a.Date)
			busy[key] = append(busy[key], a.Interval())
		}
	}
	return busy, nil
}
