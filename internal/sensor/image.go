package sensor

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
)

// MaxImagePixels bounds the size of a frame ToImage will allocate.
const MaxImagePixels = 1 << 26

// ToImage converts the raw pixel buffer to an image.Image. Supported
// encodings are rgb8, bgr8, rgba8, bgra8, mono8 and mono16.
func (m *Image) ToImage() (image.Image, error) {
	w, h := int(m.Width), int(m.Height)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("image %dx%d has no pixels", w, h)
	}
	if w > MaxImagePixels/h {
		return nil, fmt.Errorf("image %dx%d exceeds %d pixels", w, h, MaxImagePixels)
	}

	var channels, depth int
	switch m.Encoding {
	case "rgb8", "bgr8":
		channels, depth = 3, 1
	case "rgba8", "bgra8":
		channels, depth = 4, 1
	case "mono8", "8UC1":
		channels, depth = 1, 1
	case "mono16", "16UC1":
		channels, depth = 1, 2
	default:
		return nil, fmt.Errorf("unsupported image encoding %q", m.Encoding)
	}

	rowBytes := w * channels * depth
	step := int(m.Step)
	if step == 0 {
		step = rowBytes
	}
	// Rows after the first start step bytes apart; the last needs rowBytes.
	if step < rowBytes || len(m.Data) < rowBytes || (len(m.Data)-rowBytes)/step < h-1 {
		return nil, fmt.Errorf("image data too short: %d bytes for %dx%d %s (step %d)", len(m.Data), w, h, m.Encoding, step)
	}

	rect := image.Rect(0, 0, w, h)
	switch m.Encoding {
	case "mono8", "8UC1":
		img := image.NewGray(rect)
		for y := 0; y < h; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+w], m.Data[y*step:])
		}
		return img, nil
	case "mono16", "16UC1":
		img := image.NewGray16(rect)
		var order binary.ByteOrder = binary.LittleEndian
		if m.IsBigendian != 0 {
			order = binary.BigEndian
		}
		for y := 0; y < h; y++ {
			row := m.Data[y*step:]
			for x := 0; x < w; x++ {
				img.SetGray16(x, y, color.Gray16{Y: order.Uint16(row[x*2:])})
			}
		}
		return img, nil
	}

	img := image.NewRGBA(rect)
	bgr := m.Encoding == "bgr8" || m.Encoding == "bgra8"
	for y := 0; y < h; y++ {
		row := m.Data[y*step:]
		for x := 0; x < w; x++ {
			p := row[x*channels:]
			r, g, b := p[0], p[1], p[2]
			if bgr {
				r, b = b, r
			}
			a := uint8(0xff)
			if channels == 4 {
				a = p[3]
			}
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: a})
		}
	}
	return img, nil
}
