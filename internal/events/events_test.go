package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/care-scheduling/internal/scheduling"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []scheduling.Event
	err    error
}

func (h *recordingHandler) Name() string { return "recording" }

func (h *recordingHandler) Handle(_ context.Context, ev scheduling.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func sampleEvent(t string) scheduling.Event {
	return scheduling.Event{
		ID:            uuid.New(),
		Type:          t,
		AppointmentID: uuid.New(),
		PatientID:     uuid.New(),
		ProviderID:    uuid.New(),
		To:            scheduling.StatusPending,
		Actor:         scheduling.RolePatient,
		OccurredAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestDispatcher_DeliversToEveryHandlerAndDrainsOnClose(t *testing.T) {
	failing := &recordingHandler{err: errors.New("downstream down")}
	ok := &recordingHandler{}
	d := NewDispatcher(16, time.Second, zerolog.Nop(), failing, ok)

	for i := 0; i < 5; i++ {
		d.Publish(sampleEvent(scheduling.EventAppointmentCreated))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	assert.Equal(t, 5, failing.count())
	assert.Equal(t, 5, ok.count())

	// publishing after close is a no-op
	d.Publish(sampleEvent(scheduling.EventAppointmentCreated))
	assert.Equal(t, 5, ok.count())
}

type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) Name() string { return "blocking" }

func (h *blockingHandler) Handle(ctx context.Context, _ scheduling.Event) error {
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	h := &blockingHandler{release: make(chan struct{})}
	d := NewDispatcher(1, time.Minute, zerolog.Nop(), h)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Publish(sampleEvent(scheduling.EventAppointmentCreated))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}

	close(h.release)
	require.NoError(t, d.Close(context.Background()))
}

func TestRecorder_WritesEventLog(t *testing.T) {
	repo := scheduling.NewMemoryRepository()
	ev := sampleEvent(scheduling.EventAppointmentApproved)

	require.NoError(t, NewRecorder(repo).Handle(context.Background(), ev))

	logs := repo.Events()
	require.Len(t, logs, 1)
	assert.Equal(t, scheduling.EventAppointmentApproved, logs[0].EventType)
	require.NotNil(t, logs[0].AppointmentID)
	assert.Equal(t, ev.AppointmentID, *logs[0].AppointmentID)

	var decoded scheduling.Event
	require.NoError(t, json.Unmarshal(logs[0].Payload, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "1"}, nil
}

func TestAsynqPublisher_EnqueuesParsableTask(t *testing.T) {
	q := &fakeEnqueuer{}
	ev := sampleEvent(scheduling.EventAppointmentCancelled)

	require.NoError(t, NewAsynqPublisher(q, "default").Handle(context.Background(), ev))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, TypeAppointmentEvent, q.tasks[0].Type())

	parsed, err := ParseEventTask(q.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, ev.AppointmentID, parsed.AppointmentID)
	assert.Equal(t, ev.Type, parsed.Type)
}

func TestAsynqPublisher_WrapsEnqueueError(t *testing.T) {
	q := &fakeEnqueuer{err: errors.New("redis down")}
	err := NewAsynqPublisher(q, "default").Handle(context.Background(), sampleEvent(scheduling.EventAppointmentCreated))
	assert.ErrorContains(t, err, "enqueue event")
}

type capturedNotification struct {
	role scheduling.Role
	id   string
}

type fakeNotifier struct {
	sent []capturedNotification
}

func (f *fakeNotifier) Notify(_ context.Context, to scheduling.Role, id string, _ scheduling.Event) error {
	f.sent = append(f.sent, capturedNotification{to, id})
	return nil
}

func TestEventTaskHandler_NotifiesRecipients(t *testing.T) {
	n := &fakeNotifier{}
	ev := sampleEvent(scheduling.EventAppointmentCancelled)
	ev.Actor = scheduling.RoleSystem

	task, err := NewEventTask(ev)
	require.NoError(t, err)
	require.NoError(t, handleEventTask(n)(context.Background(), task))

	assert.Equal(t, []capturedNotification{
		{scheduling.RolePatient, ev.PatientID.String()},
		{scheduling.RoleProvider, ev.ProviderID.String()},
	}, n.sent)
}

func TestEventTaskHandler_MalformedPayloadSkipsRetry(t *testing.T) {
	err := handleEventTask(&fakeNotifier{})(context.Background(), asynq.NewTask(TypeAppointmentEvent, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRecipients(t *testing.T) {
	cases := []struct {
		typ   string
		actor scheduling.Role
		want  []scheduling.Role
	}{
		{scheduling.EventAppointmentCreated, scheduling.RolePatient, []scheduling.Role{scheduling.RoleProvider}},
		{scheduling.EventAppointmentApproved, scheduling.RoleProvider, []scheduling.Role{scheduling.RolePatient}},
		{scheduling.EventAppointmentCancelled, scheduling.RolePatient, []scheduling.Role{scheduling.RoleProvider}},
		{scheduling.EventAppointmentRescheduled, scheduling.RoleProvider, []scheduling.Role{scheduling.RolePatient}},
		{scheduling.EventAppointmentCancelled, scheduling.RoleSystem, []scheduling.Role{scheduling.RolePatient, scheduling.RoleProvider}},
	}
	for _, tc := range cases {
		ev := sampleEvent(tc.typ)
		ev.Actor = tc.actor
		assert.Equal(t, tc.want, Recipients(ev), tc.typ)
	}
}
