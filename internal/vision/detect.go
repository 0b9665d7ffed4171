package vision

import (
	"fmt"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// faceBox is a raw detector output in pixel coordinates of the source image.
type faceBox struct {
	X1, Y1, X2, Y2 float32
	Score          float32
}

func (b faceBox) width() float32  { return b.X2 - b.X1 }
func (b faceBox) height() float32 { return b.Y2 - b.Y1 }

// Detector runs SCRFD (det_10g) face detection using ONNX Runtime.
// A Detector owns its tensors and is not safe for concurrent use.
type Detector struct {
	session       *ort.AdvancedSession
	inputTensor   *ort.Tensor[float32]
	outputTensors []*ort.Tensor[float32]
	threshold     float32
	nmsIoU        float32
	inputW        int
	inputH        int
}

// stride configuration for det_10g
var strides = []int{8, 16, 32}

// anchorsPerStride is the number of anchors per pixel at each stride
const anchorsPerStride = 2

// NewDetector loads the det_10g ONNX model.
// opts may be nil (ORT defaults) or a pre-configured *ort.SessionOptions.
func NewDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*Detector, error) {
	inputW, inputH := 640, 640

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	// Output shapes have no batch dimension:
	// scores [N,1], bboxes [N,4], keypoints [N,10] for strides 8, 16, 32
	// with N = (640/stride)^2 * 2.
	type outputSpec struct {
		name  string
		shape ort.Shape
	}

	outputs := []outputSpec{
		{"448", ort.NewShape(12800, 1)},
		{"471", ort.NewShape(3200, 1)},
		{"494", ort.NewShape(800, 1)},
		{"451", ort.NewShape(12800, 4)},
		{"474", ort.NewShape(3200, 4)},
		{"497", ort.NewShape(800, 4)},
		{"454", ort.NewShape(12800, 10)},
		{"477", ort.NewShape(3200, 10)},
		{"500", ort.NewShape(800, 10)},
	}

	outputNames := make([]string, len(outputs))
	outputTensors := make([]*ort.Tensor[float32], len(outputs))
	outputValues := make([]ort.Value, len(outputs))

	for i, spec := range outputs {
		outputNames[i] = spec.name
		t, err := ort.NewEmptyTensor[float32](spec.shape)
		if err != nil {
			for j := 0; j < i; j++ {
				outputTensors[j].Destroy()
			}
			inputTensor.Destroy()
			return nil, fmt.Errorf("create output tensor %d (%s): %w", i, spec.name, err)
		}
		outputTensors[i] = t
		outputValues[i] = t
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		outputNames,
		[]ort.Value{inputTensor},
		outputValues,
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		for _, t := range outputTensors {
			t.Destroy()
		}
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &Detector{
		session:       session,
		inputTensor:   inputTensor,
		outputTensors: outputTensors,
		threshold:     threshold,
		nmsIoU:        0.4,
		inputW:        inputW,
		inputH:        inputH,
	}, nil
}

// Run detects faces in a preprocessed CHW tensor [3, inputH, inputW].
// origW/origH are the source image dimensions used to scale boxes back.
func (d *Detector) Run(input []float32, origW, origH int) ([]faceBox, error) {
	copy(d.inputTensor.GetData(), input)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	scores := make([][]float32, len(strides))
	bboxes := make([][]float32, len(strides))
	for si := range strides {
		scores[si] = d.outputTensors[si].GetData()
		bboxes[si] = d.outputTensors[si+len(strides)].GetData()
	}
	boxes := decodeBoxes(scores, bboxes, d.threshold, d.inputW, d.inputH, origW, origH)
	return nms(boxes, d.nmsIoU), nil
}

// decodeBoxes turns per-stride anchor outputs into boxes. Each anchor
// regresses distances to the four box edges in stride units.
func decodeBoxes(scores, bboxes [][]float32, threshold float32, inputW, inputH, origW, origH int) []faceBox {
	var boxes []faceBox

	scaleW := float32(origW) / float32(inputW)
	scaleH := float32(origH) / float32(inputH)

	for si, stride := range strides {
		fmW := inputW / stride
		fmH := inputH / stride
		st := float32(stride)

		idx := 0
		for cy := 0; cy < fmH; cy++ {
			for cx := 0; cx < fmW; cx++ {
				for a := 0; a < anchorsPerStride; a++ {
					score := scores[si][idx]
					if score >= threshold {
						anchorX := float32(cx) * st
						anchorY := float32(cy) * st
						reg := bboxes[si][idx*4 : idx*4+4]

						boxes = append(boxes, faceBox{
							X1:    clampF((anchorX-reg[0]*st)*scaleW, 0, float32(origW)),
							Y1:    clampF((anchorY-reg[1]*st)*scaleH, 0, float32(origH)),
							X2:    clampF((anchorX+reg[2]*st)*scaleW, 0, float32(origW)),
							Y2:    clampF((anchorY+reg[3]*st)*scaleH, 0, float32(origH)),
							Score: score,
						})
					}
					idx++
				}
			}
		}
	}

	return boxes
}

// InputSize returns the model's expected input dimensions.
func (d *Detector) InputSize() (int, int) {
	return d.inputW, d.inputH
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	for _, t := range d.outputTensors {
		if t != nil {
			t.Destroy()
		}
	}
}

// nms drops every box overlapping a higher scoring one by more than
// iouThreshold. Equal scores keep their decode order.
func nms(boxes []faceBox, iouThreshold float32) []faceBox {
	sort.SliceStable(boxes, func(i, j int) bool { return boxes[i].Score > boxes[j].Score })

	kept := boxes[:0:0]
outer:
	for _, b := range boxes {
		for _, k := range kept {
			if iou(k, b) > iouThreshold {
				continue outer
			}
		}
		kept = append(kept, b)
	}
	return kept
}

func iou(a, b faceBox) float32 {
	w := min(a.X2, b.X2) - max(a.X1, b.X1)
	h := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	union := a.width()*a.height() + b.width()*b.height() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clampF(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}
