package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/pkg/dto"
)

type ImageStore interface {
	CreateImage(ctx context.Context, img *models.Image) error
	GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
	ListFacesByImage(ctx context.Context, imageID uuid.UUID) ([]models.Face, error)
}

type ObjectStore interface {
	ObjectWriter
	PresignedURL(ctx context.Context, key string) (string, error)
}

type Waker interface {
	Wake(ctx context.Context) error
}

type AdminService interface {
	OverrideFaceOwner(ctx context.Context, faceID uuid.UUID, owner *uuid.UUID, actor string) (*models.Face, error)
	DeleteFace(ctx context.Context, faceID uuid.UUID) error
	DeleteImage(ctx context.Context, imageID uuid.UUID) error
}

type ImageHandler struct {
	store   ImageStore
	objects ObjectStore
	waker   Waker
	admin   AdminService
}

// NewImageHandler wires the image endpoints. waker may be nil.
func NewImageHandler(store ImageStore, objects ObjectStore, waker Waker, admin AdminService) *ImageHandler {
	return &ImageHandler{store: store, objects: objects, waker: waker, admin: admin}
}

// Upload stores the original and records the image as Awaiting. Processing
// happens on a worker; clients poll GET /v1/images/:id.
func (h *ImageHandler) Upload(c *gin.Context) {
	uploaderID, err := uuid.Parse(c.PostForm("uploader_id"))
	if err != nil {
		badRequest(c, "invalid uploader_id")
		return
	}
	up, ok := readImage(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	img := &models.Image{
		ID:         uuid.New(),
		UploaderID: uploaderID,
		Filename:   up.filename,
	}
	img.StorageKey = "images/" + img.ID.String() + "/" + up.filename

	if err := h.objects.PutObject(ctx, img.StorageKey, up.data, up.contentType); err != nil {
		respondError(c, err)
		return
	}
	if err := h.store.CreateImage(ctx, img); err != nil {
		respondError(c, err)
		return
	}
	if h.waker != nil {
		if err := h.waker.Wake(ctx); err != nil {
			slog.Warn("wake workers", "image_id", img.ID, "error", err)
		}
	}

	c.JSON(http.StatusCreated, imageResponse(img))
}

func (h *ImageHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	img, err := h.store.GetImage(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if img == nil {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "image not found"})
		return
	}

	faces, err := h.store.ListFacesByImage(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := imageResponse(img)
	resp.Faces = make([]dto.FaceResponse, 0, len(faces))
	for _, f := range faces {
		resp.Faces = append(resp.Faces, faceResponse(f))
	}
	if url, err := h.objects.PresignedURL(ctx, img.StorageKey); err == nil {
		resp.URL = url
	} else {
		slog.Warn("presign image url", "image_id", id, "error", err)
	}

	c.JSON(http.StatusOK, resp)
}

func (h *ImageHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.admin.DeleteImage(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
