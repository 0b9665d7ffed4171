package dto

import "github.com/google/uuid"

type BoundingBox struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

type FaceResponse struct {
	ID         uuid.UUID   `json:"id"`
	ImageID    uuid.UUID   `json:"image_id"`
	BBox       BoundingBox `json:"bbox"`
	Confidence float32     `json:"confidence"`
	OwnerID    *uuid.UUID  `json:"owner_id,omitempty"`
	Similarity *float32    `json:"similarity,omitempty"`
	AssignedBy string      `json:"assigned_by,omitempty"`
	CreatedAt  string      `json:"created_at"`
}

type ImageResponse struct {
	ID           uuid.UUID      `json:"id"`
	UploaderID   uuid.UUID      `json:"uploader_id"`
	Filename     string         `json:"filename"`
	Status       string         `json:"status"`
	Placeholder  string         `json:"placeholder,omitempty"`
	URL          string         `json:"url,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Faces        []FaceResponse `json:"faces,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

// OverrideFaceRequest is the body of PATCH /v1/faces/:id. A null owner_id
// unassigns the face.
type OverrideFaceRequest struct {
	OwnerID *uuid.UUID `json:"owner_id"`
	Actor   string     `json:"actor" binding:"required"`
}
