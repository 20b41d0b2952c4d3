package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/care-scheduling/internal/config"
	redisclient "github.com/hackgods/care-scheduling/internal/redis"
)

// Sunday 2026-03-01 08:00; the following Monday is 2026-03-02.
var (
	testNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	monday  = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	tuesday = monday.AddDate(0, 0, 1)
	sunday  = monday.AddDate(0, 0, -1)
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	repo     *MemoryRepository
	svc      *Service
	sink     *captureSink
	provider uuid.UUID
	patient  uuid.UUID
}

func clock(t *testing.T, s string) Clock {
	t.Helper()
	c, err := ParseClock(s)
	require.NoError(t, err)
	return c
}

// newFixture seeds one provider available weekdays 09:00-12:00 and one patient.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		repo:     NewMemoryRepository(),
		sink:     &captureSink{},
		provider: uuid.New(),
		patient:  uuid.New(),
	}
	f.svc = NewService(f.repo, redisclient.NewLocalLocker(), f.sink, config.Default(), zerolog.Nop()).
		WithClock(func() time.Time { return testNow })

	_, err := f.repo.UpsertProvider(ctx, Provider{ID: f.provider, Name: "Dr. Rivera"})
	require.NoError(t, err)
	_, err = f.repo.UpsertPatient(ctx, Patient{ID: f.patient, Name: "Sam Lee"})
	require.NoError(t, err)

	for day := time.Monday; day <= time.Friday; day++ {
		f.addWindow(t, day, "09:00", "12:00")
	}
	return f
}

func (f *fixture) addWindow(t *testing.T, day time.Weekday, start, end string) {
	t.Helper()
	_, err := f.repo.UpsertWindow(context.Background(), AvailabilityWindow{
		ProviderID:  f.provider,
		DayOfWeek:   day,
		Start:       clock(t, start),
		End:         clock(t, end),
		IsAvailable: true,
	})
	require.NoError(t, err)
}

func (f *fixture) newPatient(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.repo.UpsertPatient(context.Background(), Patient{ID: id, Name: "Patient " + id.String()[:8]})
	require.NoError(t, err)
	return id
}

func (f *fixture) book(t *testing.T, patient uuid.UUID, date time.Time, at string) *Appointment {
	t.Helper()
	a, err := f.svc.CreateAppointment(context.Background(), CreateAppointmentRequest{
		PatientID:  patient,
		ProviderID: f.provider,
		Date:       date,
		Time:       clock(t, at),
		Reason:     "annual check-up",
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) slotsOn(t *testing.T, date time.Time) []AvailableTimeSlot {
	t.Helper()
	slots, err := f.svc.ListSlots(context.Background(), SlotQuery{
		ProviderID:      f.provider,
		Start:           date,
		End:             date,
		DurationMinutes: 30,
	})
	require.NoError(t, err)
	return slots
}

func findSlot(slots []AvailableTimeSlot, at Clock) (AvailableTimeSlot, bool) {
	for _, s := range slots {
		if s.Time == at {
			return s, true
		}
	}
	return AvailableTimeSlot{}, false
}

func times(slots []AvailableTimeSlot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Time.String())
	}
	return out
}
