package vision

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/livehub/internal/config"
	"github.com/your-org/livehub/internal/models"
	"github.com/your-org/livehub/internal/observability"
)

const (
	detectorModel = "det_10g.onnx"
	embedderModel = "w600k_r50.onnx"
)

// FaceAnalyzer finds every face in an image and embeds each one.
// Calls are serialised because the ONNX sessions share their I/O tensors.
type FaceAnalyzer struct {
	mu       sync.Mutex
	detector *Detector
	embedder *Embedder
}

// NewFaceAnalyzer loads both models from cfg.ModelsDir. The ONNX Runtime
// environment must already be initialised. opts may be nil.
func NewFaceAnalyzer(cfg config.VisionConfig, opts *ort.SessionOptions) (*FaceAnalyzer, error) {
	detector, err := NewDetector(filepath.Join(cfg.ModelsDir, detectorModel), float32(cfg.DetectionThreshold), opts)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	embedder, err := NewEmbedder(filepath.Join(cfg.ModelsDir, embedderModel), opts)
	if err != nil {
		detector.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	slog.Info("face analyzer ready", "models_dir", cfg.ModelsDir, "threshold", cfg.DetectionThreshold)
	return &FaceAnalyzer{detector: detector, embedder: embedder}, nil
}

// Detect returns one detection per face found. An undecodable image yields
// models.ErrDetectionFailure; a readable image without faces yields an empty
// slice and no error.
func (a *FaceAnalyzer) Detect(ctx context.Context, data []byte) ([]models.Detection, error) {
	img, err := decodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDetectionFailure, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	detW, detH := a.detector.InputSize()

	start := time.Now()
	boxes, err := a.detector.Run(preprocessForDetection(img, detW, detH), bounds.Dx(), bounds.Dy())
	observability.StageDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDetectionFailure, err)
	}

	embW, embH := a.embedder.InputSize()
	detections := make([]models.Detection, 0, len(boxes))

	start = time.Now()
	for _, b := range boxes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		det, ok := toDetection(b)
		if !ok {
			continue
		}
		crop := cropFace(img, b)
		if crop == nil {
			continue
		}
		embedding, err := a.embedder.Extract(preprocessForEmbedding(crop, embW, embH))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrDetectionFailure, err)
		}
		det.Embedding = embedding
		detections = append(detections, det)
	}
	observability.StageDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())

	return detections, nil
}

// EmbeddingDim is the length of every embedding Detect returns.
func (a *FaceAnalyzer) EmbeddingDim() int {
	return a.embedder.EmbeddingDim()
}

func (a *FaceAnalyzer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detector.Close()
	a.embedder.Close()
}

// toDetection converts corner coordinates to an origin and size box.
// Degenerate boxes are dropped.
func toDetection(b faceBox) (models.Detection, bool) {
	bbox := models.BoundingBox{X: b.X1, Y: b.Y1, Width: b.width(), Height: b.height()}
	if bbox.Validate() != nil {
		return models.Detection{}, false
	}
	return models.Detection{BBox: bbox, Confidence: clampF(b.Score, 0, 1)}, true
}
