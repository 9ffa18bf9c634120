package types

import (
	"image"
	"image/color"
	"time"
)

// Frame is one captured image with metadata.
// Data holds packed BGR24 pixels, row-major, Width*Height*3 bytes.
type Frame struct {
	Data      []byte    // BGR24 pixel data
	Timestamp time.Time // Capture timestamp
	Seq       uint64    // Sequential frame number
	Width     int       // Frame width
	Height    int       // Frame height
}

// Channels is the number of bytes per pixel in Frame.Data.
const Channels = 3

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &Frame{
		Data:      data,
		Timestamp: f.Timestamp,
		Seq:       f.Seq,
		Width:     f.Width,
		Height:    f.Height,
	}
}

// Valid reports whether the pixel buffer matches the declared dimensions.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*Channels
}

// Image converts the frame into an RGBA image for encoding.
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	if !f.Valid() {
		return img
	}
	for i, j := 0, 0; i < len(f.Data); i, j = i+Channels, j+4 {
		img.Pix[j] = f.Data[i+2]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i]
		img.Pix[j+3] = 0xff
	}
	return img
}

// FrameFromImage packs any image into a BGR24 frame.
func FrameFromImage(img image.Image, ts time.Time, seq uint64) *Frame {
	b := img.Bounds()
	data := make([]byte, 0, b.Dx()*b.Dy()*Channels)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			data = append(data, c.B, c.G, c.R)
		}
	}
	return &Frame{
		Data:      data,
		Timestamp: ts,
		Seq:       seq,
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
}

// SolidFrame returns a frame filled with a single colour.
func SolidFrame(width, height int, c color.RGBA, ts time.Time, seq uint64) *Frame {
	data := make([]byte, width*height*Channels)
	for i := 0; i < len(data); i += Channels {
		data[i] = c.B
		data[i+1] = c.G
		data[i+2] = c.R
	}
	return &Frame{Data: data, Timestamp: ts, Seq: seq, Width: width, Height: height}
}
