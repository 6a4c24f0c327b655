package gradcam

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	"github.com/anthonynsimon/bild/blend"
	"github.com/anthonynsimon/bild/transform"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const DefaultAlpha = 0.4

var ErrEmptyHeatmap = errors.New("heatmap has no pixels")

// jet is the blue→cyan→yellow→red palette used for medical heatmaps.
var jet = func() (lut [256]color.RGBA) {
	channel := func(v, center float64) uint8 {
		c := math.Min(math.Max(1.5-math.Abs(4*v-center), 0), 1)
		return uint8(math.Round(c * 255))
	}
	for i := range lut {
		v := float64(i) / 255
		lut[i] = color.RGBA{R: channel(v, 3), G: channel(v, 2), B: channel(v, 1), A: 0xff}
	}
	return lut
}()

// Colorize renders h with the jet palette.
func Colorize(h *Heatmap) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, h.Width, h.Height))
	for i, v := range h.Pix {
		c := jet[v]
		copy(img.Pix[i*4:i*4+4], []uint8{c.R, c.G, c.B, c.A})
	}
	return img
}

// Overlay decodes original, resizes it to the heatmap's resolution and
// blends the colorized heatmap over it: out = original*(1-alpha) + heat*alpha.
func Overlay(h *Heatmap, original []byte, alpha float64) (*image.RGBA, error) {
	if h.Width <= 0 || h.Height <= 0 {
		return nil, ErrEmptyHeatmap
	}
	src, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("failed to decode original image: %w", err)
	}

	base := transform.Resize(src, h.Width, h.Height, transform.Linear)
	// Drop transparency so the base is plain RGB.
	for i := 3; i < len(base.Pix); i += 4 {
		base.Pix[i] = 0xff
	}

	return blend.Opacity(base, Colorize(h), alpha), nil
}

// EncodeDataURI encodes img as a base64 PNG data URI.
func EncodeDataURI(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode overlay: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
