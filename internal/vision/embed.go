package vision

import (
	"errors"
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

const embedInputSide = 112

var errZeroEmbedding = errors.New("embedding has zero norm")

// Embedder maps a 112x112 face crop to an L2-normalised ArcFace embedding.
// Like Detector it is not safe for concurrent use.
type Embedder struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	dim     int
}

// NewEmbedder loads an ArcFace style model. Tensor names and the embedding
// width are read from the model, so recognition models exported with other
// node names load as well. opts may be nil.
func NewEmbedder(modelPath string, opts *ort.SessionOptions) (*Embedder, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect embedder model: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("embedder model has %d inputs and %d outputs, want 1 and 1", len(inputs), len(outputs))
	}
	outDims := outputs[0].Dimensions
	dim := int(outDims[len(outDims)-1])
	if dim <= 0 {
		return nil, fmt.Errorf("embedder output has no fixed width: %v", outDims)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, embedInputSide, embedInputSide))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.Value{input}, []ort.Value{output},
		opts,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create embedder session: %w", err)
	}

	return &Embedder{session: session, input: input, output: output, dim: dim}, nil
}

// Extract embeds one CHW crop produced by preprocessForEmbedding.
func (e *Embedder) Extract(face []float32) ([]float32, error) {
	if len(face) != len(e.input.GetData()) {
		return nil, fmt.Errorf("face crop has %d values, want %d", len(face), len(e.input.GetData()))
	}
	copy(e.input.GetData(), face)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedding: %w", err)
	}

	embedding := make([]float32, e.dim)
	copy(embedding, e.output.GetData())
	if !normalize(embedding) {
		return nil, errZeroEmbedding
	}
	return embedding, nil
}

func (e *Embedder) InputSize() (int, int) { return embedInputSide, embedInputSide }

func (e *Embedder) EmbeddingDim() int { return e.dim }

func (e *Embedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.input != nil {
		e.input.Destroy()
	}
	if e.output != nil {
		e.output.Destroy()
	}
}

// normalize scales v to unit length in place. It reports false for a zero
// vector, which no cosine comparison can use.
func normalize(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return false
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return true
}
