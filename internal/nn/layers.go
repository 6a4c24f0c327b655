package nn

import (
	"fmt"
	"math"
)

// ReLU clamps negative values to zero.
type ReLU struct {
	base
}

func NewReLU(name string) *ReLU {
	return &ReLU{base{name: name}}
}

func (r *ReLU) Forward(inputs []*Tensor) (*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out, nil
}

func (r *ReLU) Backward(inputs []*Tensor, _, grad *Tensor) ([]*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	gx := grad.Clone()
	for i, v := range x.Data {
		if v <= 0 {
			gx.Data[i] = 0
		}
	}
	return []*Tensor{gx}, nil
}

// Add sums same-shaped inputs, e.g. the merge point of a residual block.
type Add struct {
	base
}

func NewAdd(name string) *Add {
	return &Add{base{name: name}}
}

func (a *Add) Forward(inputs []*Tensor) (*Tensor, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("%s: %w: add needs at least 2, got %d", a.name, ErrInputs, len(inputs))
	}
	out := inputs[0].Clone()
	for _, in := range inputs[1:] {
		if !in.sameShape(out) {
			return nil, fmt.Errorf("%s: %w: %v vs %v", a.name, ErrShape, in.Shape, out.Shape)
		}
		for i, v := range in.Data {
			out.Data[i] += v
		}
	}
	return out, nil
}

func (a *Add) Backward(inputs []*Tensor, _, grad *Tensor) ([]*Tensor, error) {
	grads := make([]*Tensor, len(inputs))
	for i := range inputs {
		grads[i] = grad.Clone()
	}
	return grads, nil
}

// Rescaling computes x*Scale + Offset element-wise.
type Rescaling struct {
	base
	Scale  float32
	Offset float32
}

func NewRescaling(name string, scale, offset float32) *Rescaling {
	return &Rescaling{base: base{name: name}, Scale: scale, Offset: offset}
}

func (r *Rescaling) Forward(inputs []*Tensor) (*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	for i, v := range out.Data {
		out.Data[i] = v*r.Scale + r.Offset
	}
	return out, nil
}

func (r *Rescaling) Backward(_ []*Tensor, _, grad *Tensor) ([]*Tensor, error) {
	gx := grad.Clone()
	for i := range gx.Data {
		gx.Data[i] *= r.Scale
	}
	return []*Tensor{gx}, nil
}

// BatchNorm applies frozen per-channel normalization over the last axis.
type BatchNorm struct {
	base
	Gamma    []float32
	Beta     []float32
	Mean     []float32
	Variance []float32
	Epsilon  float32
}

func NewBatchNorm(name string, channels int) *BatchNorm {
	bn := &BatchNorm{
		base:     base{name: name},
		Gamma:    make([]float32, channels),
		Beta:     make([]float32, channels),
		Mean:     make([]float32, channels),
		Variance: make([]float32, channels),
		Epsilon:  1.001e-5,
	}
	for i := range bn.Gamma {
		bn.Gamma[i] = 1
		bn.Variance[i] = 1
	}
	return bn
}

func (bn *BatchNorm) coefficients(c int) (scale, shift []float32, err error) {
	if len(bn.Gamma) != c || len(bn.Beta) != c || len(bn.Mean) != c || len(bn.Variance) != c {
		return nil, nil, fmt.Errorf("%s: %w: expected %d channels", bn.name, ErrShape, c)
	}
	scale = make([]float32, c)
	shift = make([]float32, c)
	for i := 0; i < c; i++ {
		scale[i] = bn.Gamma[i] / float32(math.Sqrt(float64(bn.Variance[i]+bn.Epsilon)))
		shift[i] = bn.Beta[i] - bn.Mean[i]*scale[i]
	}
	return scale, shift, nil
}

func (bn *BatchNorm) Forward(inputs []*Tensor) (*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	c := x.Shape[len(x.Shape)-1]
	scale, shift, err := bn.coefficients(c)
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	for i, v := range out.Data {
		out.Data[i] = v*scale[i%c] + shift[i%c]
	}
	return out, nil
}

func (bn *BatchNorm) Backward(_ []*Tensor, _, grad *Tensor) ([]*Tensor, error) {
	c := grad.Shape[len(grad.Shape)-1]
	scale, _, err := bn.coefficients(c)
	if err != nil {
		return nil, err
	}
	gx := grad.Clone()
	for i := range gx.Data {
		gx.Data[i] *= scale[i%c]
	}
	return []*Tensor{gx}, nil
}

// GlobalAveragePooling2D averages each channel over the spatial axes.
type GlobalAveragePooling2D struct {
	base
}

func NewGlobalAveragePooling2D(name string) *GlobalAveragePooling2D {
	return &GlobalAveragePooling2D{base{name: name}}
}

func (p *GlobalAveragePooling2D) Forward(inputs []*Tensor) (*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	n, h, w, c, err := x.dims4()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	out := Zeros(n, c)
	area := float32(h * w)
	for b := 0; b < n; b++ {
		dst := out.Data[b*c : (b+1)*c]
		for i := 0; i < h*w; i++ {
			src := x.Data[(b*h*w+i)*c:][:c]
			for k, v := range src {
				dst[k] += v
			}
		}
		for k := range dst {
			dst[k] /= area
		}
	}
	return out, nil
}

func (p *GlobalAveragePooling2D) Backward(inputs []*Tensor, _, grad *Tensor) ([]*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	n, h, w, c, err := x.dims4()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	gx := Zeros(x.Shape...)
	area := float32(h * w)
	for b := 0; b < n; b++ {
		g := grad.Data[b*c : (b+1)*c]
		for i := 0; i < h*w; i++ {
			dst := gx.Data[(b*h*w+i)*c:][:c]
			for k, v := range g {
				dst[k] = v / area
			}
		}
	}
	return []*Tensor{gx}, nil
}

// Flatten reshapes [N, ...] to [N, features].
type Flatten struct {
	base
}

func NewFlatten(name string) *Flatten {
	return &Flatten{base{name: name}}
}

func (f *Flatten) Forward(inputs []*Tensor) (*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	n := x.Shape[0]
	out := x.Clone()
	out.Shape = []int{n, x.Len() / n}
	return out, nil
}

func (f *Flatten) Backward(inputs []*Tensor, _, grad *Tensor) ([]*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	gx := grad.Clone()
	gx.Shape = append([]int(nil), x.Shape...)
	return []*Tensor{gx}, nil
}

// Dense is a fully connected layer. Weights are laid out as [In, Units].
type Dense struct {
	base
	In      int
	Units   int
	Weights []float32
	Bias    []float32
}

func NewDense(name string, in, units int) *Dense {
	return &Dense{
		base:    base{name: name},
		In:      in,
		Units:   units,
		Weights: make([]float32, in*units),
		Bias:    make([]float32, units),
	}
}

func (d *Dense) check(x *Tensor) (int, error) {
	n := x.Shape[0]
	if n == 0 || x.Len()/n != d.In {
		return 0, fmt.Errorf("%s: %w: expected %d features, got shape %v", d.name, ErrShape, d.In, x.Shape)
	}
	if len(d.Weights) != d.In*d.Units || (d.Bias != nil && len(d.Bias) != d.Units) {
		return 0, fmt.Errorf("%s: %w: weights do not match %dx%d", d.name, ErrShape, d.In, d.Units)
	}
	return n, nil
}

func (d *Dense) Forward(inputs []*Tensor) (*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	n, err := d.check(x)
	if err != nil {
		return nil, err
	}
	out := Zeros(n, d.Units)
	for b := 0; b < n; b++ {
		dst := out.Data[b*d.Units : (b+1)*d.Units]
		if d.Bias != nil {
			copy(dst, d.Bias)
		}
		for i, v := range x.Data[b*d.In : (b+1)*d.In] {
			row := d.Weights[i*d.Units : (i+1)*d.Units]
			for j, wv := range row {
				dst[j] += v * wv
			}
		}
	}
	return out, nil
}

func (d *Dense) Backward(inputs []*Tensor, _, grad *Tensor) ([]*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	n, err := d.check(x)
	if err != nil {
		return nil, err
	}
	gx := Zeros(x.Shape...)
	for b := 0; b < n; b++ {
		g := grad.Data[b*d.Units : (b+1)*d.Units]
		dst := gx.Data[b*d.In : (b+1)*d.In]
		for i := range dst {
			row := d.Weights[i*d.Units : (i+1)*d.Units]
			var sum float32
			for j, wv := range row {
				sum += g[j] * wv
			}
			dst[i] = sum
		}
	}
	return []*Tensor{gx}, nil
}

// Softmax normalizes the last axis into probabilities.
type Softmax struct {
	base
}

func NewSoftmax(name string) *Softmax {
	return &Softmax{base{name: name}}
}

func (s *Softmax) Forward(inputs []*Tensor) (*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	k := x.Shape[len(x.Shape)-1]
	out := x.Clone()
	for r := 0; r < out.Len()/k; r++ {
		row := out.Data[r*k : (r+1)*k]
		peak := row[0]
		for _, v := range row {
			peak = max(peak, v)
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - peak))
			row[i] = float32(e)
			sum += e
		}
		for i := range row {
			row[i] = float32(float64(row[i]) / sum)
		}
	}
	return out, nil
}

func (s *Softmax) Backward(_ []*Tensor, output, grad *Tensor) ([]*Tensor, error) {
	k := output.Shape[len(output.Shape)-1]
	gx := Zeros(output.Shape...)
	for r := 0; r < output.Len()/k; r++ {
		y := output.Data[r*k : (r+1)*k]
		g := grad.Data[r*k : (r+1)*k]
		var dot float32
		for i := range y {
			dot += y[i] * g[i]
		}
		dst := gx.Data[r*k : (r+1)*k]
		for i := range y {
			dst[i] = y[i] * (g[i] - dot)
		}
	}
	return []*Tensor{gx}, nil
}

// StopGradient passes values through and blocks gradients.
type StopGradient struct {
	base
}

func NewStopGradient(name string) *StopGradient {
	return &StopGradient{base{name: name}}
}

func (s *StopGradient) Forward(inputs []*Tensor) (*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, err
	}
	return x.Clone(), nil
}

func (s *StopGradient) Backward(inputs []*Tensor, _, _ *Tensor) ([]*Tensor, error) {
	return make([]*Tensor, len(inputs)), nil
}
