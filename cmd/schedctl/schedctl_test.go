package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/care-scheduling/internal/config"
	redisclient "github.com/hackgods/care-scheduling/internal/redis"
	"github.com/hackgods/care-scheduling/internal/scheduling"
)

var simNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestSeed(t *testing.T) {
	ctx := context.Background()
	store := scheduling.NewMemoryRepository()

	res, err := seed(ctx, store, seedOptions{Providers: 3, Patients: 10, Seed: 42})
	require.NoError(t, err)

	assert.Len(t, res.Providers, 3)
	assert.Len(t, res.Patients, 10)
	assert.Equal(t, 3*5*2, res.Windows)

	windows, err := store.ListWindows(ctx, res.Providers[0])
	require.NoError(t, err)
	assert.Len(t, windows, 10)
	for _, w := range windows {
		assert.NotEqual(t, time.Saturday, w.DayOfWeek)
		assert.NotEqual(t, time.Sunday, w.DayOfWeek)
		assert.True(t, w.IsAvailable)
	}

	p, err := store.GetPatient(ctx, res.Patients[0])
	require.NoError(t, err)
	assert.NotEmpty(t, p.Name)
	require.NotNil(t, p.Email)
}

func TestSimulate_ExactlyOneWinnerPerSlot(t *testing.T) {
	store := scheduling.NewMemoryRepository()
	svc := scheduling.NewService(store, redisclient.NewLocalLocker(), nil, config.Default(), zerolog.Nop()).
		WithClock(func() time.Time { return simNow })

	report, err := simulate(context.Background(), store, serviceBooker{svc: svc}, simOptions{Workers: 8, Rounds: 3, Seed: 7}, simNow)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 1, 1}, report.Winners)
	assert.Zero(t, report.Violations())
	assert.Equal(t, int64(24), report.Metrics.Total)
	assert.Equal(t, int64(3), report.Metrics.Success)
	assert.Equal(t, int64(21), report.Metrics.Conflict)
	assert.Zero(t, report.Metrics.Error)

	var out bytes.Buffer
	printReport(&out, report)
	assert.Contains(t, out.String(), "Winners per slot: [1 1 1]")
	assert.NotContains(t, out.String(), "VIOLATIONS")
}

func TestNextWeekday(t *testing.T) {
	friday := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), nextWeekday(friday))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), nextWeekday(scheduling.DateOf(simNow)))
}

func TestSimulate_RejectsBadOptions(t *testing.T) {
	_, err := simulate(context.Background(), scheduling.NewMemoryRepository(), nil, simOptions{}, simNow)
	assert.Error(t, err)
}
