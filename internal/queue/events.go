package queue

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventImageReady        EventType = "image.ready"
	EventImageError        EventType = "image.error"
	EventReferenceAdded    EventType = "reference.registered"
	EventBackfillCompleted EventType = "backfill.completed"
)

// Event is a lifecycle notification published to the EVENTS stream. Callers
// still poll the record store for authoritative state.
type Event struct {
	Type      EventType  `json:"type"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	ImageID   *uuid.UUID `json:"image_id,omitempty"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	Faces     int        `json:"faces,omitempty"`
	Matched   int        `json:"matched,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
