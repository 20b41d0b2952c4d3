package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generate(t *testing.T, f *fixture, q SlotQuery) []AvailableTimeSlot {
	t.Helper()
	if q.ProviderID == uuid.Nil {
		q.ProviderID = f.provider
	}
	slots, err := NewSlotGenerator(f.repo, f.repo, f.repo).Generate(context.Background(), q)
	require.NoError(t, err)
	return slots
}

func TestGenerate_MondayMorningYieldsSixSlots(t *testing.T) {
	f := newFixture(t)

	slots := generate(t, f, SlotQuery{Start: monday, End: monday, DurationMinutes: 30})

	assert.Equal(t, []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}, times(slots))
	for _, s := range slots {
		assert.True(t, s.Open())
		assert.Equal(t, 30, s.DurationMinutes)
		assert.True(t, s.Date.Equal(monday))
	}
}

func TestGenerate_DropsRemainderShorterThanDuration(t *testing.T) {
	f := newFixture(t)
	f.addWindow(t, time.Saturday, "09:00", "10:45")
	f.addWindow(t, time.Sunday, "13:00", "13:20")

	sat := monday.AddDate(0, 0, 5)
	assert.Equal(t, []string{"09:00", "09:30", "10:00"}, times(generate(t, f, SlotQuery{Start: sat, End: sat, DurationMinutes: 30})))
	assert.Empty(t, generate(t, f, SlotQuery{Start: sunday, End: sunday, DurationMinutes: 30}))
}

func TestGenerate_BufferKeepsSlotsApart(t *testing.T) {
	f := newFixture(t)

	slots := generate(t, f, SlotQuery{Start: monday, End: monday, DurationMinutes: 30, BufferMinutes: 15})
	require.Equal(t, []string{"09:00", "09:45", "10:30", "11:15"}, times(slots))

	for i := 1; i < len(slots); i++ {
		prev := NewInterval(slots[i-1].Time, 30+15)
		cur := NewInterval(slots[i].Time, 30+15)
		assert.False(t, prev.Overlaps(cur))
	}
}

func TestGenerate_EverySlotFitsItsWindow(t *testing.T) {
	f := newFixture(t)
	f.addWindow(t, time.Monday, "13:00", "17:10")

	for _, dur := range []int{15, 20, 45, 60} {
		for _, s := range generate(t, f, SlotQuery{Start: monday, End: monday, DurationMinutes: dur, BufferMinutes: 5}) {
			in := NewInterval(s.Time, dur)
			fits := in.Within(Interval{NewClock(9, 0), NewClock(12, 0)}) || in.Within(Interval{NewClock(13, 0), NewClock(17, 10)})
			assert.True(t, fits, "%d min slot at %s", dur, s.Time)
		}
	}
}

func TestGenerate_DateMajorOrdering(t *testing.T) {
	f := newFixture(t)

	slots := generate(t, f, SlotQuery{Start: sunday, End: tuesday, DurationMinutes: 60})
	require.Len(t, slots, 6)
	for i := 0; i < 3; i++ {
		assert.True(t, slots[i].Date.Equal(monday))
		assert.True(t, slots[i+3].Date.Equal(tuesday))
	}
	assert.Equal(t, []string{"09:00", "10:00", "11:00", "09:00", "10:00", "11:00"}, times(slots))
}

func TestGenerate_UnavailableWindowIsSkipped(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.UpsertWindow(context.Background(), AvailabilityWindow{
		ProviderID: f.provider, DayOfWeek: time.Monday,
		Start: NewClock(9, 0), End: NewClock(12, 0), IsAvailable: false,
	})
	require.NoError(t, err)

	assert.Empty(t, generate(t, f, SlotQuery{Start: monday, End: monday, DurationMinutes: 30}))
}

func TestGenerate_PreferenceFilter(t *testing.T) {
	f := newFixture(t)

	slots := generate(t, f, SlotQuery{
		Start:           monday,
		End:             tuesday,
		DurationMinutes: 30,
		Preferences: []SlotPreference{
			{Days: []time.Weekday{time.Tuesday}, From: NewClock(10, 0), To: NewClock(11, 0)},
		},
	})

	require.Len(t, slots, 2)
	for _, s := range slots {
		assert.True(t, s.Date.Equal(tuesday))
	}
	assert.Equal(t, []string{"10:00", "10:30"}, times(slots))
}

func TestGenerate_InheritsOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.BlockSlot(ctx, f.provider, monday, NewClock(10, 0), 30, "staff meeting")
	require.NoError(t, err)
	_, err = f.repo.UpsertSlot(ctx, TimeSlot{ProviderID: f.provider, Date: monday, Time: NewClock(11, 0), DurationMinutes: 30, IsAvailable: false})
	require.NoError(t, err)
	// blocked always wins even if the row claims availability
	_, err = f.repo.UpsertSlot(ctx, TimeSlot{ProviderID: f.provider, Date: monday, Time: NewClock(11, 30), DurationMinutes: 30, IsAvailable: true, IsBlocked: true})
	require.NoError(t, err)

	slots := generate(t, f, SlotQuery{Start: monday, End: monday, DurationMinutes: 30})

	blocked, ok := findSlot(slots, NewClock(10, 0))
	require.True(t, ok)
	assert.True(t, blocked.IsBlocked)
	assert.False(t, blocked.IsAvailable)
	require.NotNil(t, blocked.BlockReason)
	assert.Equal(t, "staff meeting", *blocked.BlockReason)

	taken, _ := findSlot(slots, NewClock(11, 0))
	assert.False(t, taken.IsAvailable)
	assert.False(t, taken.IsBlocked)

	both, _ := findSlot(slots, NewClock(11, 30))
	assert.False(t, both.Open())

	open, _ := findSlot(slots, NewClock(9, 0))
	assert.True(t, open.Open())
}

func TestGenerate_FlagsConflictsWithActiveAppointments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.CreateAppointment(ctx, &Appointment{
		PatientID: f.patient, ProviderID: f.provider, Date: monday,
		Time: NewClock(9, 15), DurationMinutes: 30, Status: StatusApproved, Reason: "x",
	}))
	require.NoError(t, f.repo.CreateAppointment(ctx, &Appointment{
		PatientID: f.patient, ProviderID: f.provider, Date: monday,
		Time: NewClock(11, 0), DurationMinutes: 30, Status: StatusCancelled, Reason: "x",
	}))

	slots := generate(t, f, SlotQuery{Start: monday, End: monday, DurationMinutes: 30})

	conflicted := map[string]bool{}
	for _, s := range slots {
		conflicted[s.Time.String()] = s.HasConflict
	}
	assert.Equal(t, map[string]bool{
		"09:00": true, "09:30": true, "10:00": false,
		"10:30": false, "11:00": false, "11:30": false,
	}, conflicted)
}

func TestGenerate_Validation(t *testing.T) {
	f := newFixture(t)
	gen := NewSlotGenerator(f.repo, f.repo, f.repo)

	_, err := gen.Generate(context.Background(), SlotQuery{ProviderID: f.provider, Start: tuesday, End: monday, DurationMinutes: 30})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "end")

	_, err = gen.Generate(context.Background(), SlotQuery{ProviderID: f.provider, Start: monday, End: monday})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "duration")
}
