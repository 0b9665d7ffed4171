// Package registration manages user reference faces.
package registration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/index"
	"github.com/your-org/livehub/internal/matching"
	"github.com/your-org/livehub/internal/models"
)

type Detector interface {
	Detect(ctx context.Context, data []byte) ([]models.Detection, error)
}

type Store interface {
	SaveReference(ctx context.Context, ref *models.UserReference) (*models.UserReference, error)
}

type Service struct {
	store    Store
	index    index.Index
	detector Detector
	logger   *slog.Logger
}

func NewService(store Store, idx index.Index, detector Detector) *Service {
	return &Service{
		store:    store,
		index:    idx,
		detector: detector,
		logger:   slog.Default().With("component", "registration"),
	}
}

// ExtractSingleFace returns the embedding of the only face in data. Zero or
// several faces are rejected with ErrNoFaceDetected or ErrMultipleFacesDetected.
func (s *Service) ExtractSingleFace(ctx context.Context, data []byte) ([]float32, error) {
	if s.detector == nil {
		return nil, fmt.Errorf("%w: no detector configured", models.ErrDetectionFailure)
	}
	detections, err := s.detector.Detect(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrDetectionFailure, err)
	}
	switch len(detections) {
	case 0:
		return nil, models.ErrNoFaceDetected
	case 1:
		if err := detections[0].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrDetectionFailure, err)
		}
		return detections[0].Embedding, nil
	default:
		return nil, fmt.Errorf("%w: found %d", models.ErrMultipleFacesDetected, len(detections))
	}
}

// Register makes embedding the user's reference, superseding any previous
// one. The new index point is written first so the reference row never points
// at a missing vector; the superseded point is removed afterwards.
func (s *Service) Register(ctx context.Context, userID uuid.UUID, embedding []float32) (*models.UserReference, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("register reference: user id is required")
	}
	if _, ok := matching.CosineSimilarity(embedding, embedding); !ok {
		return nil, fmt.Errorf("register reference: embedding has zero norm")
	}

	ref := &models.UserReference{
		ID:        uuid.New(),
		UserID:    userID,
		PointID:   uuid.New(),
		Embedding: embedding,
	}
	err := s.index.Upsert(ctx, index.References, index.Point{
		ID:     ref.PointID,
		Vector: embedding,
		Owner:  userID,
	})
	if err != nil {
		return nil, fmt.Errorf("index reference: %w", err)
	}

	prev, err := s.store.SaveReference(ctx, ref)
	if err != nil {
		if derr := s.index.Delete(ctx, index.References, ref.PointID); derr != nil {
			s.logger.Warn("discard reference point", "point_id", ref.PointID, "error", derr)
		}
		return nil, fmt.Errorf("save reference: %w", err)
	}

	if prev != nil && prev.PointID != ref.PointID {
		if err := s.index.Delete(ctx, index.References, prev.PointID); err != nil {
			// Left for the repair sweep, which drops reference points no row points at.
			s.logger.Warn("delete superseded reference point", "user_id", userID, "point_id", prev.PointID, "error", err)
		}
	}

	s.logger.Info("reference registered", "user_id", userID, "reference_id", ref.ID, "superseded", prev != nil)
	return ref, nil
}

// RegisterFromImage extracts the single face of data and registers it.
func (s *Service) RegisterFromImage(ctx context.Context, userID uuid.UUID, data []byte) (*models.UserReference, error) {
	embedding, err := s.ExtractSingleFace(ctx, data)
	if err != nil {
		return nil, err
	}
	return s.Register(ctx, userID, embedding)
}
