package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/pkg/dto"
)

const timeFormat = time.RFC3339

// respondError maps the error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrReferenceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrNoFaceDetected),
		errors.Is(err, models.ErrMultipleFacesDetected),
		errors.Is(err, models.ErrDetectionFailure):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msg})
}

func parseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func taskResponse(t *models.Task) dto.TaskResponse {
	resp := dto.TaskResponse{
		ID:        t.ID,
		Kind:      string(t.Kind),
		Status:    string(t.Status),
		Priority:  t.Priority.String(),
		Error:     t.Error,
		CreatedAt: t.CreatedAt.Format(timeFormat),
	}
	if t.Payload != nil {
		if raw, err := json.Marshal(t.Payload); err == nil {
			resp.Payload = raw
		}
	}
	if t.StartedAt != nil {
		resp.StartedAt = t.StartedAt.Format(timeFormat)
	}
	if t.CompletedAt != nil {
		resp.CompletedAt = t.CompletedAt.Format(timeFormat)
	}
	return resp
}

func faceResponse(f models.Face) dto.FaceResponse {
	resp := dto.FaceResponse{
		ID:      f.ID,
		ImageID: f.ImageID,
		BBox: dto.BoundingBox{
			X:      f.BBox.X,
			Y:      f.BBox.Y,
			Width:  f.BBox.Width,
			Height: f.BBox.Height,
		},
		Confidence: f.Confidence,
		OwnerID:    f.OwnerID,
		Similarity: f.Similarity,
		CreatedAt:  f.CreatedAt.Format(timeFormat),
	}
	if f.AssignedBy != nil {
		resp.AssignedBy = *f.AssignedBy
	}
	return resp
}

func imageResponse(img *models.Image) dto.ImageResponse {
	return dto.ImageResponse{
		ID:           img.ID,
		UploaderID:   img.UploaderID,
		Filename:     img.Filename,
		Status:       string(img.Status),
		Placeholder:  img.Placeholder,
		ErrorMessage: img.ErrorMessage,
		CreatedAt:    img.CreatedAt.Format(timeFormat),
		UpdatedAt:    img.UpdatedAt.Format(timeFormat),
	}
}
