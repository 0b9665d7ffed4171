// Package admin implements operator actions on faces and images. The record
// store is written first; index and object storage follow best-effort and any
// drift they leave is picked up by the repair sweep.
package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/index"
	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/internal/observability"
)

type Store interface {
	SetFaceOwner(ctx context.Context, faceID uuid.UUID, owner *uuid.UUID, assignedBy string) (*models.Face, error)
	DeleteFace(ctx context.Context, id uuid.UUID) (*models.Face, error)
	DeleteImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
}

type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

type Service struct {
	store   Store
	index   index.Index
	objects ObjectDeleter
	logger  *slog.Logger
}

func NewService(store Store, idx index.Index, objects ObjectDeleter) *Service {
	return &Service{
		store:   store,
		index:   idx,
		objects: objects,
		logger:  slog.Default().With("component", "admin"),
	}
}

// OverrideFaceOwner assigns the face to owner, or clears it when owner is
// nil. The assignment is marked with actor and carries no similarity.
func (s *Service) OverrideFaceOwner(ctx context.Context, faceID uuid.UUID, owner *uuid.UUID, actor string) (*models.Face, error) {
	if actor == "" {
		return nil, fmt.Errorf("override face owner: actor is required")
	}
	if actor == models.AssignedByAuto {
		return nil, fmt.Errorf("override face owner: actor %q is reserved", actor)
	}

	face, err := s.store.SetFaceOwner(ctx, faceID, owner, actor)
	if err != nil {
		return nil, fmt.Errorf("override face owner: %w", err)
	}

	if face.PointID != nil {
		target := uuid.Nil
		if owner != nil {
			target = *owner
		}
		if err := s.index.SetOwner(ctx, index.Faces, *face.PointID, target); err != nil {
			s.logger.Warn("update index owner after override", "face_id", faceID, "error", err)
		}
	}
	if owner != nil {
		observability.FacesMatched.WithLabelValues(observability.SourceOverride).Inc()
	}
	s.logger.Info("face owner overridden", "face_id", faceID, "owner", owner, "actor", actor)
	return face, nil
}

func (s *Service) DeleteFace(ctx context.Context, faceID uuid.UUID) error {
	face, err := s.store.DeleteFace(ctx, faceID)
	if err != nil {
		return fmt.Errorf("delete face: %w", err)
	}
	if face == nil {
		return models.ErrNotFound
	}
	if face.PointID != nil {
		if err := s.index.Delete(ctx, index.Faces, *face.PointID); err != nil {
			s.logger.Warn("delete face point", "face_id", faceID, "point_id", *face.PointID, "error", err)
		}
	}
	s.logger.Info("face deleted", "face_id", faceID)
	return nil
}

// DeleteImage removes the image with its faces, their index points and the
// original object.
func (s *Service) DeleteImage(ctx context.Context, imageID uuid.UUID) error {
	img, err := s.store.DeleteImage(ctx, imageID)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if img == nil {
		return models.ErrNotFound
	}
	if err := s.index.DeleteByImage(ctx, imageID); err != nil {
		s.logger.Warn("delete image points", "image_id", imageID, "error", err)
	}
	if s.objects != nil && img.StorageKey != "" {
		if err := s.objects.DeleteObject(ctx, img.StorageKey); err != nil {
			s.logger.Warn("delete image object", "image_id", imageID, "key", img.StorageKey, "error", err)
		}
	}
	s.logger.Info("image deleted", "image_id", imageID)
	return nil
}
