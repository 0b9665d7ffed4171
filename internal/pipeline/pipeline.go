// Package pipeline turns one Awaiting image into its persisted face set.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/index"
	"github.com/your-org/livehub/internal/matching"
	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/internal/observability"
)

// Detector is the external face detection capability. An unreadable image is
// an error; an image without faces is an empty slice.
type Detector interface {
	Detect(ctx context.Context, data []byte) ([]models.Detection, error)
}

type ObjectFetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

type Store interface {
	CompleteImage(ctx context.Context, imageID uuid.UUID, faces []models.Face, placeholder string) error
	FailImage(ctx context.Context, imageID uuid.UUID, msg string) error
}

// settleTimeout bounds compensation and the Error write after a failure, which
// run on a fresh context so an expired caller deadline cannot skip them.
const settleTimeout = 10 * time.Second

// PlaceholderFunc renders the lazy-load placeholder for an image.
type PlaceholderFunc func(data []byte) (string, error)

type Pipeline struct {
	store       Store
	index       index.Index
	engine      *matching.Engine
	detector    Detector
	objects     ObjectFetcher
	placeholder PlaceholderFunc
	logger      *slog.Logger
}

func New(store Store, idx index.Index, engine *matching.Engine, detector Detector, objects ObjectFetcher, placeholder PlaceholderFunc) *Pipeline {
	return &Pipeline{
		store:       store,
		index:       idx,
		engine:      engine,
		detector:    detector,
		objects:     objects,
		placeholder: placeholder,
		logger:      slog.Default().With("component", "pipeline"),
	}
}

// Result summarises a successfully processed image.
type Result struct {
	Faces   []models.Face
	Matched int
}

// Process runs fetch, detect, index, match and persist for img. The face set
// is all-or-nothing: on any failure no face row is written, index points
// already created for this image are removed on a best-effort basis, and the
// image is moved to Error.
func (p *Pipeline) Process(ctx context.Context, img *models.Image) (*Result, error) {
	logger := p.logger.With("image_id", img.ID)
	start := time.Now()

	var upserted []uuid.UUID
	res, placeholder, err := p.run(ctx, img, &upserted)
	if err == nil {
		err = p.store.CompleteImage(ctx, img.ID, res.Faces, placeholder)
		if err != nil {
			err = fmt.Errorf("persist faces: %w", err)
		}
	}
	if err != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		defer cancel()

		p.discard(sctx, logger, upserted)
		if !errors.Is(err, models.ErrImageNotAwaiting) {
			ferr := p.store.FailImage(sctx, img.ID, err.Error())
			switch {
			case errors.Is(ferr, models.ErrImageNotAwaiting):
				// Another worker finished the image; its outcome stands.
				logger.Info("image left awaiting before it could be failed")
			case ferr != nil:
				err = errors.Join(err, fmt.Errorf("mark image failed: %w", ferr))
			}
		}
		observability.ImagesProcessed.WithLabelValues(string(models.ImageStatusError)).Inc()
		logger.Warn("image processing failed", "error", err)
		return nil, err
	}

	observability.ImagesProcessed.WithLabelValues(string(models.ImageStatusReady)).Inc()
	observability.FacesDetected.Add(float64(len(res.Faces)))
	observability.FacesMatched.WithLabelValues(observability.SourcePipeline).Add(float64(res.Matched))
	observability.StageDuration.WithLabelValues("image").Observe(time.Since(start).Seconds())
	logger.Info("image processed", "faces", len(res.Faces), "matched", res.Matched)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, img *models.Image, upserted *[]uuid.UUID) (*Result, string, error) {
	data, err := p.objects.Fetch(ctx, img.StorageKey)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}

	detectStart := time.Now()
	detections, err := p.detector.Detect(ctx, data)
	if err != nil {
		if !errors.Is(err, models.ErrDetectionFailure) {
			err = fmt.Errorf("%w: %w", models.ErrDetectionFailure, err)
		}
		return nil, "", err
	}
	observability.StageDuration.WithLabelValues("detect").Observe(time.Since(detectStart).Seconds())

	res := &Result{Faces: make([]models.Face, 0, len(detections))}
	for i, d := range detections {
		if err := d.Validate(); err != nil {
			return nil, "", fmt.Errorf("%w: detection %d: %w", models.ErrDetectionFailure, i, err)
		}

		face, err := p.resolve(ctx, img.ID, d, upserted)
		if err != nil {
			return nil, "", fmt.Errorf("face %d: %w", i, err)
		}
		if face.OwnerID != nil {
			res.Matched++
		}
		res.Faces = append(res.Faces, face)
	}

	return res, p.renderPlaceholder(img, data), nil
}

// resolve indexes one detection unassigned, then looks for its owner among
// the user references and patches the point if one clears the threshold.
func (p *Pipeline) resolve(ctx context.Context, imageID uuid.UUID, d models.Detection, upserted *[]uuid.UUID) (models.Face, error) {
	face := models.Face{
		ID:         uuid.New(),
		ImageID:    imageID,
		BBox:       d.BBox,
		Confidence: d.Confidence,
	}
	pointID := uuid.New()

	err := p.index.Upsert(ctx, index.Faces, index.Point{
		ID:      pointID,
		Vector:  d.Embedding,
		FaceID:  face.ID,
		ImageID: imageID,
	})
	if err != nil {
		return face, fmt.Errorf("index embedding: %w", err)
	}
	*upserted = append(*upserted, pointID)
	face.PointID = &pointID

	matchStart := time.Now()
	m, err := p.engine.FindBestMatch(ctx, d.Embedding, index.References, false)
	if err != nil {
		return face, fmt.Errorf("match: %w", err)
	}
	observability.StageDuration.WithLabelValues("match").Observe(time.Since(matchStart).Seconds())
	if m == nil {
		return face, nil
	}

	if err := p.index.SetOwner(ctx, index.Faces, pointID, m.Owner); err != nil {
		return face, fmt.Errorf("set point owner: %w", err)
	}
	owner, sim, by := m.Owner, matching.ClampSimilarity(m.Score), models.AssignedByAuto
	face.OwnerID, face.Similarity, face.AssignedBy = &owner, &sim, &by
	return face, nil
}

func (p *Pipeline) renderPlaceholder(img *models.Image, data []byte) string {
	if p.placeholder == nil || img.Placeholder != "" {
		return ""
	}
	ph, err := p.placeholder(data)
	if err != nil {
		p.logger.Warn("render placeholder", "image_id", img.ID, "error", err)
		return ""
	}
	return ph
}

func (p *Pipeline) discard(ctx context.Context, logger *slog.Logger, points []uuid.UUID) {
	if len(points) == 0 {
		return
	}
	if err := p.index.Delete(ctx, index.Faces, points...); err != nil {
		logger.Warn("discard indexed points", "points", len(points), "error", err)
	}
}
