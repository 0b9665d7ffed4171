package models

import (
	"time"

	"github.com/google/uuid"
)

type ImageStatus string

const (
	ImageStatusAwaiting ImageStatus = "awaiting"
	ImageStatusReady    ImageStatus = "ready"
	ImageStatusError    ImageStatus = "error"
)

// Image is an uploaded photograph. Faces exist only while their image exists.
type Image struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	UploaderID   uuid.UUID   `json:"uploader_id" db:"uploader_id"`
	Filename     string      `json:"filename" db:"filename"`
	StorageKey   string      `json:"storage_key" db:"storage_key"` // MinIO object key
	Status       ImageStatus `json:"status" db:"status"`
	Placeholder  string      `json:"placeholder,omitempty" db:"placeholder"` // data URL for lazy loading
	ErrorMessage string      `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}
