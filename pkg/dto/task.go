package dto

import (
	"encoding/json"

	"github.com/google/uuid"
)

// CreateTaskRequest is the body of POST /v1/tasks. Payload is decoded
// according to Kind.
type CreateTaskRequest struct {
	Kind     string          `json:"kind" binding:"required"`
	Priority string          `json:"priority"`
	Payload  json.RawMessage `json:"payload" binding:"required"`
}

type TaskResponse struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Priority    string          `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	StartedAt   string          `json:"started_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
