package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AssignedByAuto marks faces assigned by the pipeline or the backfill reconciler.
// Manual assignments carry the acting operator's identity instead.
const AssignedByAuto = "auto"

type BoundingBox struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

func (b BoundingBox) Validate() error {
	if b.X < 0 || b.Y < 0 {
		return fmt.Errorf("bbox origin must be non-negative: (%g, %g)", b.X, b.Y)
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("bbox size must be positive: %gx%g", b.Width, b.Height)
	}
	return nil
}

// Face is one detected region of an image.
type Face struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	ImageID    uuid.UUID   `json:"image_id" db:"image_id"`
	BBox       BoundingBox `json:"bbox"`
	Confidence float32     `json:"confidence" db:"confidence"`
	OwnerID    *uuid.UUID  `json:"owner_id,omitempty" db:"owner_id"`
	Similarity *float32    `json:"similarity,omitempty" db:"similarity"`
	AssignedBy *string     `json:"assigned_by,omitempty" db:"assigned_by"`
	PointID    *uuid.UUID  `json:"point_id,omitempty" db:"point_id"` // Qdrant point in the faces collection
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// UserReference is a user's registered face, used as ground truth for matching.
// At most one exists per user; a new registration supersedes the previous one.
type UserReference struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	PointID   uuid.UUID `json:"point_id" db:"point_id"`
	Embedding []float32 `json:"-" db:"embedding"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Detection is one face returned by the detection capability.
type Detection struct {
	BBox       BoundingBox `json:"bbox"`
	Confidence float32     `json:"confidence"`
	Embedding  []float32   `json:"embedding"`
}

func (d Detection) Validate() error {
	if err := d.BBox.Validate(); err != nil {
		return err
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence out of range: %g", d.Confidence)
	}
	if len(d.Embedding) == 0 {
		return fmt.Errorf("empty embedding")
	}
	return nil
}
