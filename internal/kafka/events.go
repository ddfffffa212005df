package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
)

// Values of HeaderEventType.
const (
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)

// TaskEvent is published when a task reaches a terminal state.
type TaskEvent struct {
	TaskID       string           `json:"task_id"`
	Kind         domain.TaskKind  `json:"kind"`
	Status       domain.Status    `json:"status"`
	ErrorKind    domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	MediaRef     string           `json:"media_ref,omitempty"`
	MediaType    domain.MediaType `json:"media_type"`
	BrandName    string           `json:"brand_name,omitempty"`
	OwnerID      string           `json:"owner_id,omitempty"`
	Attempts     int              `json:"attempts"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// NewTaskEvent builds the event for task.
func NewTaskEvent(task *domain.Task) TaskEvent {
	ev := TaskEvent{
		TaskID:      task.ID,
		Kind:        task.Request.TaskKind(),
		Status:      task.Status,
		MediaRef:    task.Request.MediaRef,
		MediaType:   task.Request.MediaType,
		BrandName:   task.Request.BrandName,
		OwnerID:     task.Request.OwnerID,
		Attempts:    task.Attempts,
		CompletedAt: task.CompletedAt,
	}
	if task.Error != nil {
		ev.ErrorKind = task.Error.Kind
		ev.ErrorMessage = task.Error.Message
	}
	return ev
}

// EventPublisher writes task lifecycle events to one topic.
type EventPublisher struct {
	producer Producer
	topic    string
}

func NewEventPublisher(p Producer, topic string) *EventPublisher {
	return &EventPublisher{producer: p, topic: topic}
}

// TaskFinished publishes the terminal event of task, keyed by its id.
func (e *EventPublisher) TaskFinished(ctx context.Context, task *domain.Task) error {
	payload, err := json.Marshal(NewTaskEvent(task))
	if err != nil {
		return fmt.Errorf("encode event for task %s: %w", task.ID, err)
	}
	eventType := EventTaskCompleted
	if task.Status == domain.StatusFailed {
		eventType = EventTaskFailed
	}
	return e.producer.Publish(ctx, e.topic, task.ID, payload,
		Header{Key: HeaderEventType, Value: eventType},
		Header{Key: HeaderContentType, Value: "application/json"},
	)
}

// Close closes the underlying producer.
func (e *EventPublisher) Close() error {
	return e.producer.Close()
}
