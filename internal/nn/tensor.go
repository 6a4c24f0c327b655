package nn

import (
	"fmt"
)

// Tensor is a dense float32 array. Feature maps use NHWC layout.
type Tensor struct {
	Shape []int
	Data  []float32
}

func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShape, shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

func (t *Tensor) sameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// dims4 returns the NHWC dimensions of a rank-4 tensor.
func (t *Tensor) dims4() (n, h, w, c int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: expected rank 4, got %v", ErrShape, t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
