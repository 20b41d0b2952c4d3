package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/care-scheduling/internal/config"
	redisclient "github.com/hackgods/care-scheduling/internal/redis"
	"github.com/hackgods/care-scheduling/internal/scheduling"
)

func TestNewLogger_Level(t *testing.T) {
	cfg := config.Default()

	cfg.LogLevel = "debug"
	assert.Equal(t, zerolog.DebugLevel, NewLogger(cfg, "test").GetLevel())

	cfg.LogLevel = "nonsense"
	assert.Equal(t, zerolog.InfoLevel, NewLogger(cfg, "test").GetLevel())
}

func TestOpen_MemoryWithoutRedis(t *testing.T) {
	infra, err := Open(context.Background(), config.Default(), zerolog.Nop())
	require.NoError(t, err)
	defer infra.Close()

	assert.Nil(t, infra.Pool)
	assert.Nil(t, infra.Redis)
	assert.IsType(t, &scheduling.MemoryRepository{}, infra.Store)
	assert.IsType(t, &redisclient.LocalLocker{}, infra.Locker)
	assert.IsType(t, &redisclient.MemoryIdempotencyStore{}, infra.IdempotencyStore())
}

func TestEvents_RecordsPublishedEvents(t *testing.T) {
	infra, err := Open(context.Background(), config.Default(), zerolog.Nop())
	require.NoError(t, err)
	defer infra.Close()

	d, shutdown := infra.Events()
	id := uuid.New()
	d.Publish(scheduling.Event{
		ID:            uuid.New(),
		Type:          scheduling.EventAppointmentCreated,
		AppointmentID: id,
		To:            scheduling.StatusPending,
		OccurredAt:    time.Now(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdown(ctx)

	logs := infra.Store.(*scheduling.MemoryRepository).Events()
	require.Len(t, logs, 1)
	assert.Equal(t, scheduling.EventAppointmentCreated, logs[0].EventType)
	require.NotNil(t, logs[0].AppointmentID)
	assert.Equal(t, id, *logs[0].AppointmentID)
}
