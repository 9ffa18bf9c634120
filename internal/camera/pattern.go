package camera

import (
	"image/color"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_recycle-sorter/capture-relay/pkg/types"
)

// colour bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// ColorBars renders a BGR24 colour-bar test pattern.
func ColorBars(width, height int) []byte {
	data := make([]byte, width*height*types.Channels)
	barWidth := width / len(barColors)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := x / barWidth
			if idx >= len(barColors) {
				idx = len(barColors) - 1
			}
			c := barColors[idx]
			p := (y*width + x) * types.Channels
			data[p], data[p+1], data[p+2] = c.B, c.G, c.R
		}
	}
	return data
}

// PatternDevice is a camera stand-in that produces scrolling colour bars.
// It is used when no USB camera is attached.
type PatternDevice struct {
	width, height int

	mu     sync.Mutex
	base   []byte
	offset int
	closed bool
}

// NewPatternDevice returns a pattern device at the given resolution.
func NewPatternDevice(width, height int) *PatternDevice {
	return &PatternDevice{
		width:  width,
		height: height,
		base:   ColorBars(width, height),
	}
}

// Open adapts the device to OpenFunc.
func (d *PatternDevice) Open() (Device, error) {
	return d, nil
}

func (d *PatternDevice) Read() (*types.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errDeviceClosed
	}

	row := d.width * types.Channels
	shift := (d.offset % d.width) * types.Channels
	d.offset += 4

	data := make([]byte, len(d.base))
	for y := 0; y < d.height; y++ {
		src := d.base[y*row : (y+1)*row]
		dst := data[y*row : (y+1)*row]
		copy(dst, src[shift:])
		copy(dst[row-shift:], src[:shift])
	}
	return &types.Frame{
		Data:      data,
		Timestamp: time.Now(),
		Width:     d.width,
		Height:    d.height,
	}, nil
}

func (d *PatternDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
