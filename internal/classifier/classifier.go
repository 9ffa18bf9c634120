// Package classifier turns a saved snapshot into one label of a closed set.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for snapshot formats
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// ErrClassification wraps every failure to produce a label: unreadable
// input, a model error, or an output that maps to no label.
var ErrClassification = errors.New("classification failed")

// Classifier predicts the label of the image stored at path.
type Classifier interface {
	Predict(ctx context.Context, path string) (types.Label, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, path string) (types.Label, error)

func (f Func) Predict(ctx context.Context, path string) (types.Label, error) {
	return f(ctx, path)
}

// Static always returns the same label after checking that path decodes as an image.
// It stands in for the model on machines without one.
type Static struct {
	Label types.Label
}

func (s Static) Predict(ctx context.Context, path string) (types.Label, error) {
	if err := ctx.Err(); err != nil {
		return types.Label{}, fmt.Errorf("%w: %v", ErrClassification, err)
	}
	if _, err := loadImage(path); err != nil {
		return types.Label{}, err
	}
	return s.Label, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open input: %v", ErrClassification, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrClassification, path, err)
	}
	return img, nil
}
