package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/hackgods/care-scheduling/internal/scheduling"
)

// Enqueuer is the part of *asynq.Client the publisher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqPublisher hands events to the notification worker through redis.
type AsynqPublisher struct {
	client Enqueuer
	queue  string
}

func NewAsynqPublisher(client Enqueuer, queue string) *AsynqPublisher {
	return &AsynqPublisher{client: client, queue: queue}
}

func (p *AsynqPublisher) Name() string { return "asynq" }

func (p *AsynqPublisher) Handle(ctx context.Context, ev scheduling.Event) error {
	task, err := NewEventTask(ev)
	if err != nil {
		return err
	}
	_, err = p.client.EnqueueContext(ctx, task,
		asynq.Queue(p.queue),
		asynq.TaskID(ev.ID.String()),
		asynq.MaxRetry(5),
	)
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// Recorder appends every event to the event_logs audit table.
type Recorder struct {
	store scheduling.EventRecorder
}

func NewRecorder(store scheduling.EventRecorder) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Name() string { return "event_log" }

func (r *Recorder) Handle(ctx context.Context, ev scheduling.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	appointmentID := ev.AppointmentID
	return r.store.InsertEvent(ctx, scheduling.EventLog{
		EventType:     ev.Type,
		AppointmentID: &appointmentID,
		Payload:       payload,
		CreatedAt:     ev.OccurredAt,
	})
}

// LogHandler writes events to the service log.
type LogHandler struct {
	logger zerolog.Logger
}

func NewLogHandler(logger zerolog.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

func (l *LogHandler) Name() string { return "log" }

func (l *LogHandler) Handle(_ context.Context, ev scheduling.Event) error {
	l.logger.Info().
		Str("event_type", ev.Type).
		Str("appointment_id", ev.AppointmentID.String()).
		Str("from", string(ev.From)).
		Str("to", string(ev.To)).
		Str("actor", string(ev.Actor)).
		Msg("appointment event")
	return nil
}
