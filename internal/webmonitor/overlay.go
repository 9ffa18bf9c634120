package webmonitor

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/internal/camera"
	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

const (
	overlayPad    = 4
	overlayMargin = 10
)

var (
	overlayText = image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255})
	overlayBg   = image.NewUniform(color.RGBA{A: 160})
)

// drawTextWithBackground writes lines top-left on img over a translucent box.
func drawTextWithBackground(img draw.Image, lines []string) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: overlayText, Face: face}

	lineHeight := face.Metrics().Height.Ceil()
	width := 0
	for _, l := range lines {
		if w := d.MeasureString(l).Ceil(); w > width {
			width = w
		}
	}
	box := image.Rect(
		overlayMargin-overlayPad,
		overlayMargin-overlayPad,
		overlayMargin+width+overlayPad,
		overlayMargin+lineHeight*len(lines)+overlayPad,
	).Intersect(img.Bounds())
	draw.Draw(img, box, overlayBg, image.Point{}, draw.Over)

	ascent := face.Metrics().Ascent.Ceil()
	for i, l := range lines {
		d.Dot = fixed.P(overlayMargin, overlayMargin+ascent+i*lineHeight)
		d.DrawString(l)
	}
}

// placeholderJPEG renders colour bars for streams with no frame yet.
func placeholderJPEG(width, height, quality int, lines []string) ([]byte, error) {
	bars := types.Frame{Data: camera.ColorBars(width, height), Width: width, Height: height}
	img := bars.Image()
	if len(lines) > 0 {
		drawTextWithBackground(img, lines)
	}
	return encodeJPEG(img, quality)
}

// frameJPEG encodes frame, drawing lines over it when non-empty.
func frameJPEG(frame *types.Frame, quality int, lines []string) ([]byte, error) {
	img := frame.Image()
	if len(lines) > 0 {
		drawTextWithBackground(img, lines)
	}
	return encodeJPEG(img, quality)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
