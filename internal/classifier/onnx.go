package classifier

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/owulveryck/onnx-go"
	"github.com/owulveryck/onnx-go/backend/x/gorgonnx"
	"golang.org/x/image/draw"
	"gorgonia.org/tensor"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// ImageNet normalisation used when the model was exported.
var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// InputSize is the square input edge the model expects.
const InputSize = 224

// ONNX runs an exported image classification model.
type ONNX struct {
	labels *types.LabelSet

	mu      sync.Mutex // the backend graph is not safe for concurrent runs
	backend *gorgonnx.Graph
	model   *onnx.Model
}

// NewONNX loads the model at path. The number of model outputs must match labels.
func NewONNX(path string, labels *types.LabelSet) (*ONNX, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}

	backend := gorgonnx.NewGraph()
	model := onnx.NewModel(backend)
	if err := model.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}

	logger.Info("Classifier", "Loaded %s (%d labels: %v)", path, labels.Len(), labels.Names())
	return &ONNX{labels: labels, backend: backend, model: model}, nil
}

// Predict classifies the image at path.
func (c *ONNX) Predict(ctx context.Context, path string) (types.Label, error) {
	img, err := loadImage(path)
	if err != nil {
		return types.Label{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.Label{}, fmt.Errorf("%w: %v", ErrClassification, err)
	}

	input := tensor.New(
		tensor.WithShape(1, 3, InputSize, InputSize),
		tensor.WithBacking(Preprocess(img, InputSize)),
	)

	scores, err := c.run(input)
	if err != nil {
		return types.Label{}, err
	}

	idx := Argmax(scores)
	label, err := c.labels.ByIndex(idx)
	if err != nil {
		return types.Label{}, fmt.Errorf("%w: model output %d: %v", ErrClassification, idx, err)
	}
	return label, nil
}

func (c *ONNX) run(input tensor.Tensor) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.model.SetInput(0, input); err != nil {
		return nil, fmt.Errorf("%w: set input: %v", ErrClassification, err)
	}
	if err := c.backend.Run(); err != nil {
		return nil, fmt.Errorf("%w: run model: %v", ErrClassification, err)
	}
	outputs, err := c.model.GetOutputTensors()
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %v", ErrClassification, err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: model produced no output", ErrClassification)
	}

	switch data := outputs[0].Data().(type) {
	case []float32:
		out := make([]float32, len(data))
		copy(out, data)
		return out, nil
	case []float64:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported output type %T", ErrClassification, data)
	}
}

// Preprocess resizes img to size x size with a bicubic kernel, as PIL does by
// default, and returns normalised CHW float32 pixels.
func Preprocess(img image.Image, size int) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			p := dst.PixOffset(x, y)
			i := y*size + x
			for ch := 0; ch < 3; ch++ {
				v := float32(dst.Pix[p+ch]) / 255
				out[ch*plane+i] = (v - imageNetMean[ch]) / imageNetStd[ch]
			}
		}
	}
	return out
}

// Argmax returns the index of the largest score, or -1 for an empty slice.
func Argmax(scores []float32) int {
	best := -1
	for i, v := range scores {
		if best < 0 || v > scores[best] {
			best = i
		}
	}
	return best
}
