package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskKindImageProcessing  TaskKind = "image_processing"
	TaskKindFaceRegistration TaskKind = "face_registration"
	TaskKindUserBackfill     TaskKind = "user_backfill"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Priority is stored as a small integer so that ORDER BY priority DESC
// yields high > normal > low.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Task is a durable unit of queued work.
type Task struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Kind        TaskKind   `json:"kind" db:"kind"`
	Status      TaskStatus `json:"status" db:"status"`
	Payload     Payload    `json:"payload" db:"payload"`
	Priority    Priority   `json:"priority" db:"priority"`
	Error       string     `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Payload is the kind-specific body of a task. Each task kind has exactly one
// payload type.
type Payload interface {
	Kind() TaskKind
	Validate() error
}

// ImageProcessingPayload asks a worker to (re)process one image. Images in
// Awaiting status are processed without a task; this kind exists for explicit
// operator retries of failed images.
type ImageProcessingPayload struct {
	ImageID uuid.UUID `json:"image_id"`
}

func (ImageProcessingPayload) Kind() TaskKind { return TaskKindImageProcessing }

func (p ImageProcessingPayload) Validate() error {
	if p.ImageID == uuid.Nil {
		return fmt.Errorf("image_id is required")
	}
	return nil
}

// FaceRegistrationPayload carries an already extracted reference embedding.
type FaceRegistrationPayload struct {
	UserID    uuid.UUID `json:"user_id"`
	Embedding []float32 `json:"embedding"`
}

func (FaceRegistrationPayload) Kind() TaskKind { return TaskKindFaceRegistration }

func (p FaceRegistrationPayload) Validate() error {
	if p.UserID == uuid.Nil {
		return fmt.Errorf("user_id is required")
	}
	if len(p.Embedding) == 0 {
		return fmt.Errorf("embedding is required")
	}
	return nil
}

// UserBackfillPayload re-runs the backfill for a user's current reference.
type UserBackfillPayload struct {
	UserID           uuid.UUID  `json:"user_id"`
	ReferencePointID *uuid.UUID `json:"reference_point_id,omitempty"`
}

func (UserBackfillPayload) Kind() TaskKind { return TaskKindUserBackfill }

func (p UserBackfillPayload) Validate() error {
	if p.UserID == uuid.Nil {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// DecodePayload restores the typed payload stored for a task kind.
func DecodePayload(kind TaskKind, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case TaskKindImageProcessing:
		var v ImageProcessingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TaskKindFaceRegistration:
		var v FaceRegistrationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TaskKindUserBackfill:
		var v UserBackfillPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
