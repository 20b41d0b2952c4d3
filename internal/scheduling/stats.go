package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const peakHourCount = 3

type PeakHour struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

type SchedulingStats struct {
	ProviderID             uuid.UUID  `json:"providerId"`
	Start                  time.Time  `json:"-"`
	End                    time.Time  `json:"-"`
	TotalSlots             int        `json:"totalSlots"`
	AvailableSlots         int        `json:"availableSlots"`
	BookedSlots            int        `json:"bookedSlots"`
	BlockedSlots           int        `json:"blockedSlots"`
	UtilizationRate        float64    `json:"utilizationRate"`
	PeakHours              []PeakHour `json:"peakHours"`
	AverageBookingLeadDays float64    `json:"averageBookingLeadDays"`
}

// StatsAggregator is read-only. Its inputs are read concurrently and need not
// be mutually consistent.
type StatsAggregator struct {
	generator    *SlotGenerator
	slots        TimeSlotStore
	appointments AppointmentStore
	loc          *time.Location
}

func NewStatsAggregator(generator *SlotGenerator, slots TimeSlotStore, appointments AppointmentStore, loc *time.Location) *StatsAggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &StatsAggregator{
		generator:    generator,
		slots:        slots,
		appointments: appointments,
		loc:          loc,
	}
}

// Compute counts the implied grid at durationMinutes plus materialized rows
// that are off that grid.
func (a *StatsAggregator) Compute(ctx context.Context, providerID uuid.UUID, start, end time.Time, durationMinutes int) (*SchedulingStats, error) {
	start, end = DateOf(start), DateOf(end)

	var (
		generated    []AvailableTimeSlot
		materialized []TimeSlot
		booked       []Appointment
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		generated, err = a.generator.Generate(gctx, SlotQuery{
			ProviderID:      providerID,
			Start:           start,
			End:             end,
			DurationMinutes: durationMinutes,
		})
		return err
	})
	g.Go(func() error {
		var err error
		materialized, err = a.slots.ListSlotsInRange(gctx, providerID, start, end)
		if err != nil {
			return fmt.Errorf("list time slots: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		booked, err = a.appointments.QueryAppointments(gctx, AppointmentFilter{
			ProviderID: &providerID,
			From:       &start,
			To:         &end,
			Statuses:   BookedStatuses,
		})
		if err != nil {
			return fmt.Errorf("query appointments: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st := &SchedulingStats{
		ProviderID: providerID,
		Start:      start,
		End:        end,
		PeakHours:  []PeakHour{},
	}

	onGrid := make(map[string]bool, len(generated))
	for _, s := range generated {
		onGrid[FormatDate(s.Date)+" "+s.Time.String()] = true
		st.TotalSlots++
		switch {
		case s.IsBlocked:
			st.BlockedSlots++
		case s.IsAvailable && !s.HasConflict:
			st.AvailableSlots++
		}
	}
	for _, m := range materialized {
		if onGrid[FormatDate(m.Date)+" "+m.Time.String()] {
			continue
		}
		st.TotalSlots++
		switch {
		case m.IsBlocked:
			st.BlockedSlots++
		case m.IsAvailable:
			st.AvailableSlots++
		}
	}

	st.BookedSlots = len(booked)
	if st.TotalSlots > 0 {
		st.UtilizationRate = float64(st.BookedSlots) / float64(st.TotalSlots)
	}
	st.PeakHours = peakHours(booked, peakHourCount)
	st.AverageBookingLeadDays = a.averageLeadDays(booked)

	return st, nil
}

// peakHours ranks start hours by frequency, ties broken by earlier hour.
func peakHours(appts []Appointment, n int) []PeakHour {
	counts := make(map[int]int)
	for _, ap := range appts {
		counts[ap.Time.Hour()]++
	}

	out := make([]PeakHour, 0, len(counts))
	for h, c := range counts {
		out = append(out, PeakHour{Hour: h, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Hour < out[j].Hour
	})

	if len(out) > n {
		out = out[:n]
	}
	return out
}

// averageLeadDays is the mean of scheduled start minus creation, in
// fractional days of clinic-local time.
func (a *StatsAggregator) averageLeadDays(appts []Appointment) float64 {
	if len(appts) == 0 {
		return 0
	}
	var total time.Duration
	for _, ap := range appts {
		total += ap.Start().Sub(CivilTime(ap.CreatedAt, a.loc))
	}
	return total.Hours() / 24 / float64(len(appts))
}

// Stats validates the range and delegates to a StatsAggregator over the
// service's repository.
func (s *Service) Stats(ctx context.Context, providerID uuid.UUID, start, end time.Time, durationMinutes int) (*SchedulingStats, error) {
	if durationMinutes == 0 {
		durationMinutes = s.cfg.DefaultSlotMinutes
	}
	q := SlotQuery{ProviderID: providerID, Start: start, End: end, DurationMinutes: durationMinutes}
	if err := s.validateRange(q); err != nil {
		return nil, err
	}
	if err := s.ensureProvider(ctx, providerID); err != nil {
		return nil, err
	}

	agg := NewStatsAggregator(s.generator(s.repo), s.repo, s.repo, s.loc)
	return agg.Compute(ctx, providerID, start, end, durationMinutes)
}
