package nn

import (
	"fmt"
)

type Padding string

const (
	PaddingSame  Padding = "same"
	PaddingValid Padding = "valid"
)

// Conv2D is a 2-D convolution over NHWC input. Kernel is laid out as
// [KernelH, KernelW, InChannels, Filters].
type Conv2D struct {
	base
	KernelH    int
	KernelW    int
	InChannels int
	Filters    int
	Stride     int
	Padding    Padding
	Kernel     []float32
	Bias       []float32
}

func NewConv2D(name string, kernelH, kernelW, in, filters int) *Conv2D {
	return &Conv2D{
		base:       base{name: name},
		KernelH:    kernelH,
		KernelW:    kernelW,
		InChannels: in,
		Filters:    filters,
		Stride:     1,
		Padding:    PaddingSame,
		Kernel:     make([]float32, kernelH*kernelW*in*filters),
	}
}

func (c *Conv2D) stride() int {
	if c.Stride < 1 {
		return 1
	}
	return c.Stride
}

// geometry returns the output size and the top/left padding for an h×w input.
func (c *Conv2D) geometry(h, w int) (oh, ow, top, left int) {
	s := c.stride()
	if c.Padding == PaddingValid {
		return (h-c.KernelH)/s + 1, (w-c.KernelW)/s + 1, 0, 0
	}
	oh = (h + s - 1) / s
	ow = (w + s - 1) / s
	top = max((oh-1)*s+c.KernelH-h, 0) / 2
	left = max((ow-1)*s+c.KernelW-w, 0) / 2
	return oh, ow, top, left
}

func (c *Conv2D) check(x *Tensor) (n, h, w int, err error) {
	n, h, w, ci, err := x.dims4()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%s: %w", c.name, err)
	}
	if ci != c.InChannels {
		return 0, 0, 0, fmt.Errorf("%s: %w: expected %d input channels, got %d", c.name, ErrShape, c.InChannels, ci)
	}
	if len(c.Kernel) != c.KernelH*c.KernelW*c.InChannels*c.Filters {
		return 0, 0, 0, fmt.Errorf("%s: %w: kernel has %d values", c.name, ErrShape, len(c.Kernel))
	}
	if c.Bias != nil && len(c.Bias) != c.Filters {
		return 0, 0, 0, fmt.Errorf("%s: %w: bias has %d values", c.name, ErrShape, len(c.Bias))
	}
	return n, h, w, nil
}

func (c *Conv2D) Forward(inputs []*Tensor) (*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	n, h, w, err := c.check(x)
	if err != nil {
		return nil, err
	}
	oh, ow, top, left := c.geometry(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%s: %w: input %dx%d smaller than kernel", c.name, ErrShape, h, w)
	}

	ci, co, s := c.InChannels, c.Filters, c.stride()
	out := Zeros(n, oh, ow, co)
	for b := 0; b < n; b++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				o := ((b*oh+oy)*ow + ox) * co
				acc := out.Data[o : o+co]
				if c.Bias != nil {
					copy(acc, c.Bias)
				}
				for ky := 0; ky < c.KernelH; ky++ {
					iy := oy*s + ky - top
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < c.KernelW; kx++ {
						ix := ox*s + kx - left
						if ix < 0 || ix >= w {
							continue
						}
						i0 := ((b*h+iy)*w + ix) * ci
						k := c.Kernel[(ky*c.KernelW+kx)*ci*co:]
						for i, v := range x.Data[i0 : i0+ci] {
							if v == 0 {
								continue
							}
							row := k[i*co : (i+1)*co]
							for j, wv := range row {
								acc[j] += v * wv
							}
						}
					}
				}
			}
		}
	}
	return out, nil
}

func (c *Conv2D) Backward(inputs []*Tensor, output, grad *Tensor) ([]*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	n, h, w, err := c.check(x)
	if err != nil {
		return nil, err
	}
	if !grad.sameShape(output) {
		return nil, fmt.Errorf("%s: %w: gradient %v for output %v", c.name, ErrShape, grad.Shape, output.Shape)
	}
	oh, ow, top, left := c.geometry(h, w)

	ci, co, s := c.InChannels, c.Filters, c.stride()
	gx := Zeros(x.Shape...)
	for b := 0; b < n; b++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				o := ((b*oh+oy)*ow + ox) * co
				g := grad.Data[o : o+co]
				for ky := 0; ky < c.KernelH; ky++ {
					iy := oy*s + ky - top
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < c.KernelW; kx++ {
						ix := ox*s + kx - left
						if ix < 0 || ix >= w {
							continue
						}
						i0 := ((b*h+iy)*w + ix) * ci
						k := c.Kernel[(ky*c.KernelW+kx)*ci*co:]
						gi := gx.Data[i0 : i0+ci]
						for i := range gi {
							row := k[i*co : (i+1)*co]
							var sum float32
							for j, wv := range row {
								sum += g[j] * wv
							}
							gi[i] += sum
						}
					}
				}
			}
		}
	}
	return []*Tensor{gx}, nil
}
