package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type ConflictQuery struct {
	ProviderID           uuid.UUID
	PatientID            uuid.UUID
	Date                 time.Time
	Time                 Clock
	DurationMinutes      int
	ExcludeAppointmentID *uuid.UUID
}

func (q ConflictQuery) interval() Interval {
	return NewInterval(q.Time, q.DurationMinutes)
}

// ConflictDetector finds overlapping bookings for either party and proposes
// nearby open slots.
type ConflictDetector struct {
	appointments    AppointmentStore
	generator       *SlotGenerator
	windowDays      int
	maxAlternatives int
	now             func() time.Time // civil now
}

func NewConflictDetector(appointments AppointmentStore, generator *SlotGenerator, windowDays, maxAlternatives int, now func() time.Time) *ConflictDetector {
	return &ConflictDetector{
		appointments:    appointments,
		generator:       generator,
		windowDays:      windowDays,
		maxAlternatives: maxAlternatives,
		now:             now,
	}
}

func (d *ConflictDetector) Check(ctx context.Context, q ConflictQuery) (*ConflictResult, error) {
	conflicts, err := d.overlapping(ctx, q)
	if err != nil {
		return nil, err
	}

	res := &ConflictResult{
		HasConflict:             len(conflicts) > 0,
		ConflictingAppointments: conflicts,
	}
	if !res.HasConflict {
		return res, nil
	}

	alts, err := d.Alternatives(ctx, q)
	if err != nil {
		return nil, err
	}
	res.SuggestedAlternatives = alts
	return res, nil
}

// overlapping uses half-open interval overlap, so back-to-back bookings do
// not conflict.
func (d *ConflictDetector) overlapping(ctx context.Context, q ConflictQuery) ([]Appointment, error) {
	date := DateOf(q.Date)
	candidate := q.interval()

	filters := []AppointmentFilter{
		{ProviderID: &q.ProviderID, From: &date, To: &date, Statuses: ActiveStatuses},
		{PatientID: &q.PatientID, From: &date, To: &date, Statuses: ActiveStatuses},
	}

	seen := make(map[uuid.UUID]bool)
	var out []Appointment
	for _, f := range filters {
		appts, err := d.appointments.QueryAppointments(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("query appointments: %w", err)
		}
		for _, a := range appts {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			if q.ExcludeAppointmentID != nil && a.ID == *q.ExcludeAppointmentID {
				continue
			}
			if candidate.Overlaps(a.Interval()) {
				out = append(out, a)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

// Alternatives returns up to maxAlternatives open, conflict-free slots from
// the requested date through windowDays ahead, nearest to the requested time first.
func (d *ConflictDetector) Alternatives(ctx context.Context, q ConflictQuery) ([]AvailableTimeSlot, error) {
	if d.maxAlternatives <= 0 {
		return nil, nil
	}

	date := DateOf(q.Date)
	patientID := q.PatientID
	candidates, err := d.generator.Generate(ctx, SlotQuery{
		ProviderID:           q.ProviderID,
		Start:                date,
		End:                  date.AddDate(0, 0, d.windowDays),
		DurationMinutes:      q.DurationMinutes,
		PatientID:            &patientID,
		ExcludeAppointmentID: q.ExcludeAppointmentID,
	})
	if err != nil {
		return nil, fmt.Errorf("generate alternatives: %w", err)
	}

	requested := q.Time.On(date)
	now := d.now()

	open := candidates[:0]
	for _, c := range candidates {
		if !c.Open() || !c.Start().After(now) || c.Start().Equal(requested) {
			continue
		}
		open = append(open, c)
	}

	sort.SliceStable(open, func(i, j int) bool {
		return absDuration(open[i].Start().Sub(requested)) < absDuration(open[j].Start().Sub(requested))
	})

	if len(open) > d.maxAlternatives {
		open = open[:d.maxAlternatives]
	}
	return open, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
