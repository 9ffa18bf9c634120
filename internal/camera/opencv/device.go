// Package opencv provides a USB camera device backed by OpenCV through gocv.
package opencv

import (
	"errors"
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/camera"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

var errReadFailed = errors.New("opencv: frame read failed")

// Device reads BGR frames from a V4L2/DirectShow camera.
type Device struct {
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	width  int
	height int
}

// Open opens camera index at the requested resolution.
func Open(index, width, height, fps int) (*Device, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open video capture %d: %w", index, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("video capture %d is not opened", index)
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	if fps > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(fps))
	}

	return &Device{
		cap:    vc,
		mat:    gocv.NewMat(),
		width:  width,
		height: height,
	}, nil
}

// Opener returns a camera.OpenFunc for the given settings.
func Opener(index, width, height, fps int) camera.OpenFunc {
	return func() (camera.Device, error) {
		return Open(index, width, height, fps)
	}
}

// Read captures one frame and copies it out of the OpenCV buffer.
func (d *Device) Read() (*types.Frame, error) {
	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, errReadFailed
	}
	ts := time.Now()

	// Some drivers ignore the requested size.
	if d.mat.Cols() != d.width || d.mat.Rows() != d.height {
		gocv.Resize(d.mat, &d.mat, image.Pt(d.width, d.height), 0, 0, gocv.InterpolationLinear)
	}
	if d.mat.Type() != gocv.MatTypeCV8UC3 {
		return nil, fmt.Errorf("opencv: unexpected mat type %v", d.mat.Type())
	}

	return &types.Frame{
		Data:      d.mat.ToBytes(),
		Timestamp: ts,
		Width:     d.width,
		Height:    d.height,
	}, nil
}

// Close releases the capture handle and the frame buffer.
func (d *Device) Close() error {
	if err := d.mat.Close(); err != nil {
		_ = d.cap.Close()
		return err
	}
	return d.cap.Close()
}
