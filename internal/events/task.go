package events

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/hackgods/care-scheduling/internal/scheduling"
)

const TypeAppointmentEvent = "appointment:event"

func NewEventTask(ev scheduling.Event) (*asynq.Task, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return asynq.NewTask(TypeAppointmentEvent, b), nil
}

func ParseEventTask(task *asynq.Task) (scheduling.Event, error) {
	var ev scheduling.Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return scheduling.Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, nil
}
