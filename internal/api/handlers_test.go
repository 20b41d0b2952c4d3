package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
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

// Sunday 2026-03-01 08:00 UTC; bookings target Monday 2026-03-02.
var testNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

const monday = "2026-03-02"

type testEnv struct {
	repo     *scheduling.MemoryRepository
	router   http.Handler
	provider uuid.UUID
	patient  uuid.UUID
}

func newTestEnv(t *testing.T, mutate func(*RouterConfig)) *testEnv {
	t.Helper()
	ctx := context.Background()

	env := &testEnv{
		repo:     scheduling.NewMemoryRepository(),
		provider: uuid.New(),
		patient:  uuid.New(),
	}
	svc := scheduling.NewService(env.repo, redisclient.NewLocalLocker(), nil, config.Default(), zerolog.Nop()).
		WithClock(func() time.Time { return testNow })

	_, err := env.repo.UpsertProvider(ctx, scheduling.Provider{ID: env.provider, Name: "Dr. Okafor"})
	require.NoError(t, err)
	_, err = env.repo.UpsertPatient(ctx, scheduling.Patient{ID: env.patient, Name: "Jordan Smith"})
	require.NoError(t, err)
	for day := time.Monday; day <= time.Friday; day++ {
		_, err := env.repo.UpsertWindow(ctx, scheduling.AvailabilityWindow{
			ProviderID:  env.provider,
			DayOfWeek:   day,
			Start:       scheduling.NewClock(9, 0),
			End:         scheduling.NewClock(12, 0),
			IsAvailable: true,
		})
		require.NoError(t, err)
	}

	cfg := RouterConfig{
		Service: svc,
		Logger:  zerolog.Nop(),
		Env:     "test",
		Version: "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.router = NewRouter(cfg)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) createBody(at string) map[string]any {
	return map[string]any{
		"patientId":  e.patient.String(),
		"providerId": e.provider.String(),
		"date":       monday,
		"time":       at,
		"duration":   30,
		"reason":     "persistent cough",
	}
}

func (e *testEnv) book(t *testing.T, at string) AppointmentResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/appointments", e.createBody(at))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[AppointmentResponse](t, rec)
}

func (e *testEnv) asProvider() map[string]any {
	return map[string]any{"role": "provider", "id": e.provider.String()}
}

func (e *testEnv) asPatient() map[string]any {
	return map[string]any{"role": "patient", "id": e.patient.String()}
}

func TestCreateAppointment(t *testing.T) {
	env := newTestEnv(t, nil)

	appt := env.book(t, "09:30")

	assert.Equal(t, "pending", appt.Status)
	assert.Equal(t, monday, appt.Date)
	assert.Equal(t, "09:30", appt.Time)
	assert.Equal(t, 30, appt.Duration)
	assert.Equal(t, env.provider, appt.ProviderID)

	rec := env.do(t, http.MethodGet, "/appointments/"+appt.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appt.ID, decode[AppointmentResponse](t, rec).ID)
}

func TestCreateAppointment_DoubleBookingReturnsAlternatives(t *testing.T) {
	env := newTestEnv(t, nil)
	env.book(t, "10:00")

	other := uuid.New()
	_, err := env.repo.UpsertPatient(context.Background(), scheduling.Patient{ID: other, Name: "Riley Chen"})
	require.NoError(t, err)

	body := env.createBody("10:00")
	body["patientId"] = other.String()
	rec := env.do(t, http.MethodPost, "/appointments", body)

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "conflict", resp.Error)
	require.NotEmpty(t, resp.SuggestedAlternatives)
	for _, alt := range resp.SuggestedAlternatives {
		assert.False(t, alt.Date == monday && alt.Time == "10:00")
	}
}

func TestCreateAppointment_BadInput(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/appointments", `{"patientId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/appointments", `{"reason":"`+strings.Repeat("a", maxBodyBytes)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "request_too_large", decode[ErrorResponse](t, rec).Error)

	body := env.createBody("09:00")
	body["date"] = "03/02/2026"
	body["time"] = "9am"
	rec = env.do(t, http.MethodPost, "/appointments", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Contains(t, resp.Fields, "date")
	assert.Contains(t, resp.Fields, "time")

	body = env.createBody("09:00")
	body["date"] = "2026-02-20"
	rec = env.do(t, http.MethodPost, "/appointments", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Fields, "date")
}

func TestAppointmentLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	appt := env.book(t, "09:00")
	base := "/appointments/" + appt.ID.String()

	rec := env.do(t, http.MethodPatch, base+"/status", map[string]any{
		"newStatus":   "completed",
		"requestedBy": env.asProvider(),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "invalid_status_transition", decode[ErrorResponse](t, rec).Error)

	rec = env.do(t, http.MethodPatch, base+"/status", map[string]any{
		"newStatus":   "approved",
		"requestedBy": env.asPatient(),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "permission_denied", decode[ErrorResponse](t, rec).Error)

	rec = env.do(t, http.MethodPatch, base+"/status", map[string]any{
		"newStatus":   "approved",
		"requestedBy": env.asProvider(),
		"notes":       "see you then",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decode[AppointmentResponse](t, rec).Status)

	rec = env.do(t, http.MethodPost, base+"/complete", map[string]any{
		"providerId":    env.provider.String(),
		"providerNotes": "resolved",
		"followUpDate":  "2026-03-16",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "completed", done.Status)
	require.NotNil(t, done.FollowUpRequired)
	assert.True(t, *done.FollowUpRequired)
	require.NotNil(t, done.FollowUpDate)
	assert.Equal(t, "2026-03-16", *done.FollowUpDate)

	rating := map[string]any{"patientId": env.patient.String(), "rating": 5, "review": "great"}
	rec = env.do(t, http.MethodPost, base+"/rating", rating)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rated := decode[AppointmentResponse](t, rec)
	require.NotNil(t, rated.Rating)
	assert.Equal(t, 5, *rated.Rating)

	rating["rating"] = 1
	rec = env.do(t, http.MethodPost, base+"/rating", rating)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelAndReschedule(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.book(t, "09:00")
	second := env.book(t, "11:00")

	rec := env.do(t, http.MethodPost, "/appointments/"+first.ID.String()+"/reschedule", map[string]any{
		"date":        "2026-03-03",
		"time":        "10:30",
		"requestedBy": env.asPatient(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[AppointmentResponse](t, rec)
	assert.Equal(t, first.ID, moved.ID)
	assert.Equal(t, "2026-03-03", moved.Date)
	assert.Equal(t, "10:30", moved.Time)
	assert.Equal(t, "pending", moved.Status)

	rec = env.do(t, http.MethodPost, "/appointments/"+second.ID.String()+"/cancel", map[string]any{
		"requestedBy": "system",
		"reason":      "clinic closed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "cancelled", cancelled.Status)
	require.NotNil(t, cancelled.CancellationReason)
	assert.Equal(t, "clinic closed", *cancelled.CancellationReason)

	rec = env.do(t, http.MethodPost, "/appointments/"+second.ID.String()+"/cancel", map[string]any{
		"requestedBy": env.asPatient(),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// the cancelled 11:00 slot can be booked again
	env.book(t, "11:00")
}

func TestGetAppointment_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/appointments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAppointments(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.book(t, "09:00")
	env.book(t, "10:00")
	_, err := env.repo.UpdateStatus(context.Background(), a.ID, scheduling.StatusPending, scheduling.StatusUpdate{To: scheduling.StatusApproved})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/appointments?providerId="+env.provider.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentResponse](t, rec), 2)

	rec = env.do(t, http.MethodGet, "/appointments?providerId="+env.provider.String()+"&status=approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]AppointmentResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	rec = env.do(t, http.MethodGet, "/appointments?status=booked", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListSlots(t *testing.T) {
	env := newTestEnv(t, nil)
	env.book(t, "09:30")

	rec := env.do(t, http.MethodGet, "/providers/"+env.provider.String()+"/slots?start="+monday+"&end="+monday+"&duration=30", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	slots := decode[[]AvailableSlotResponse](t, rec)
	require.Len(t, slots, 6)
	assert.Equal(t, "09:00", slots[0].Time)
	assert.Equal(t, "09:30", slots[1].Time)
	assert.True(t, slots[1].HasConflict)
	assert.False(t, slots[2].HasConflict)

	rec = env.do(t, http.MethodGet, "/providers/"+env.provider.String()+"/slots?start=2026-03-05&end="+monday, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/providers/"+uuid.NewString()+"/slots?start="+monday+"&end="+monday, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlockAndUnblockSlot(t *testing.T) {
	env := newTestEnv(t, nil)
	env.book(t, "09:00")
	base := "/providers/" + env.provider.String() + "/slots"

	rec := env.do(t, http.MethodPost, base+"/block", map[string]any{"date": monday, "time": "09:00", "duration": 30, "reason": "training"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/block", map[string]any{"date": monday, "time": "10:00", "duration": 30, "reason": "training"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	slot := decode[TimeSlotResponse](t, rec)
	assert.True(t, slot.IsBlocked)

	body := env.createBody("10:00")
	rec = env.do(t, http.MethodPost, "/appointments", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/unblock", map[string]any{"date": monday, "time": "10:00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[TimeSlotResponse](t, rec).IsBlocked)

	rec = env.do(t, http.MethodPost, base+"/unblock", map[string]any{"date": monday, "time": "11:00"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMaterializeSlots(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/providers/" + env.provider.String() + "/slots/bulk"
	body := map[string]any{"start": monday, "end": "2026-03-03", "duration": 30}

	rec := env.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 12, decode[MaterializeResponse](t, rec).Created)

	rec = env.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 0, decode[MaterializeResponse](t, rec).Created)
}

func TestAvailability(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/providers/" + env.provider.String() + "/availability"

	rec := env.do(t, http.MethodPut, path, map[string]any{"windows": []map[string]any{
		{"dayOfWeek": 6, "startTime": "08:00", "endTime": "10:00"},
		{"dayOfWeek": 1, "startTime": "09:00", "endTime": "12:00", "isAvailable": false},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	windows := decode[[]AvailabilityWindowDTO](t, rec)
	require.Len(t, windows, 6)

	byDay := map[int]AvailabilityWindowDTO{}
	for _, w := range windows {
		byDay[w.DayOfWeek] = w
	}
	require.NotNil(t, byDay[1].IsAvailable)
	assert.False(t, *byDay[1].IsAvailable)
	assert.Equal(t, "08:00", byDay[6].StartTime)

	rec = env.do(t, http.MethodPut, path, map[string]any{"windows": []map[string]any{
		{"dayOfWeek": 2, "startTime": "13:00", "endTime": "12:00"},
	}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPut, path, map[string]any{"windows": []map[string]any{
		{"dayOfWeek": 2, "startTime": "10:00", "endTime": "11:00"},
	}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "overlaps the stored tuesday window")
}

func TestUpsertProvider_AcceptsBothShapes(t *testing.T) {
	env := newTestEnv(t, nil)
	id := uuid.New()

	rec := env.do(t, http.MethodPut, "/providers/"+id.String(), map[string]any{
		"doctor_id":  id.String(),
		"full_name":  "Dr. Amara Nwosu",
		"speciality": "cardiology",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[ProviderDTO](t, rec)
	assert.Equal(t, "Dr. Amara Nwosu", p.Name)
	require.NotNil(t, p.Specialty)
	assert.Equal(t, "cardiology", *p.Specialty)

	rec = env.do(t, http.MethodPut, "/providers/"+id.String(), map[string]any{"name": "Dr. A. Nwosu", "specialty": "cardiology"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Dr. A. Nwosu", decode[ProviderDTO](t, rec).Name)

	rec = env.do(t, http.MethodPut, "/providers/"+id.String(), map[string]any{"id": uuid.NewString(), "name": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.book(t, "09:00")
	env.book(t, "09:30")

	rec := env.do(t, http.MethodGet, "/providers/"+env.provider.String()+"/stats?start="+monday+"&end="+monday, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decode[scheduling.SchedulingStats](t, rec)
	assert.Equal(t, 6, stats.TotalSlots)
	assert.Equal(t, 2, stats.BookedSlots)
	assert.Equal(t, 4, stats.AvailableSlots)
	require.NotEmpty(t, stats.PeakHours)
	assert.Equal(t, 9, stats.PeakHours[0].Hour)
	assert.Equal(t, 2, stats.PeakHours[0].Count)
}

func TestCheckConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.book(t, "09:00")

	rec := env.do(t, http.MethodPost, "/appointments/check", map[string]any{
		"providerId": env.provider.String(),
		"patientId":  uuid.NewString(),
		"date":       monday,
		"time":       "09:15",
		"duration":   30,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[ConflictResponse](t, rec)
	assert.True(t, result.HasConflict)
	assert.Len(t, result.ConflictingAppointments, 1)
	assert.NotEmpty(t, result.SuggestedAlternatives)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })

	env := newTestEnv(t, func(c *RouterConfig) {
		c.Dependencies = []Dependency{
			{Name: "postgres", Pinger: ok, Critical: true},
			{Name: "redis", Pinger: failingPinger{}},
		}
	})
	rec := env.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadinessResponse](t, rec)
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, "down", ready.Dependencies["redis"])

	env = newTestEnv(t, func(c *RouterConfig) {
		c.Dependencies = []Dependency{{Name: "postgres", Pinger: failingPinger{}, Critical: true}}
	})
	rec = env.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"error"`))
}
