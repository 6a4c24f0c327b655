package gradcam

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/Brownie44l1/cxr-api/internal/nn"
	"golang.org/x/image/draw"
)

// Heatmap is a class activation map quantized to [0,255] at display
// resolution, stored row-major.
type Heatmap struct {
	Width  int
	Height int
	Pix    []uint8
}

func ZeroHeatmap(width, height int) *Heatmap {
	return &Heatmap{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

func (h *Heatmap) At(x, y int) uint8 {
	return h.Pix[y*h.Width+x]
}

// IsZero reports whether the map carries no positive evidence.
func (h *Heatmap) IsZero() bool {
	for _, v := range h.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}

func (h *Heatmap) Gray() *image.Gray {
	return &image.Gray{
		Pix:    append([]uint8(nil), h.Pix...),
		Stride: h.Width,
		Rect:   image.Rect(0, 0, h.Width, h.Height),
	}
}

// grid is a real-valued map at the target layer's spatial resolution.
type grid struct {
	w, h int
	v    []float64
}

// classActivation weights each activation channel by its spatially averaged
// gradient and averages the weighted channels into one map. Both tensors are
// [1, H, W, C].
func classActivation(act, grad *nn.Tensor) (*grid, error) {
	if len(act.Shape) != 4 || act.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: activation shape %v", ErrNotSpatial, act.Shape)
	}
	if len(grad.Shape) != 4 || grad.Len() != act.Len() {
		return nil, fmt.Errorf("%w: gradient %v for activation %v", nn.ErrShape, grad.Shape, act.Shape)
	}
	h, w, c := act.Shape[1], act.Shape[2], act.Shape[3]

	weights := make([]float64, c)
	for i := 0; i < h*w; i++ {
		for k, g := range grad.Data[i*c : (i+1)*c] {
			weights[k] += float64(g)
		}
	}
	for k := range weights {
		weights[k] /= float64(h * w)
	}

	g := &grid{w: w, h: h, v: make([]float64, h*w)}
	for i := range g.v {
		var sum float64
		for k, a := range act.Data[i*c : (i+1)*c] {
			sum += float64(a) * weights[k]
		}
		g.v[i] = sum / float64(c)
	}
	return g, nil
}

// rectify keeps only positive evidence for the class.
func (g *grid) rectify() {
	for i, v := range g.v {
		if v < 0 {
			g.v[i] = 0
		}
	}
}

func (g *grid) max() float64 {
	peak := math.Inf(-1)
	for _, v := range g.v {
		peak = math.Max(peak, v)
	}
	return peak
}

// normalize scales the map so its peak is 1. An all-zero map is left as is.
func (g *grid) normalize() {
	peak := g.max()
	if peak <= 0 || math.IsInf(peak, 0) || math.IsNaN(peak) {
		return
	}
	for i := range g.v {
		g.v[i] /= peak
	}
}

// resize bilinearly scales a normalized grid to width×height and quantizes
// it to 8 bits, truncating.
func (g *grid) resize(width, height int) *Heatmap {
	src := image.NewGray16(image.Rect(0, 0, g.w, g.h))
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			v := math.Min(math.Max(g.v[y*g.w+x], 0), 1)
			src.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * 0xffff))})
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := ZeroHeatmap(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.Pix[y*width+x] = uint8(uint32(dst.Gray16At(x, y).Y) * 255 / 0xffff)
		}
	}
	return out
}
