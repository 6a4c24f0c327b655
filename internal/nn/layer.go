// Package nn is a small inference engine for convolutional classifiers with
// reverse-mode gradients, enough to run a trained network and to differentiate
// its outputs with respect to any interior activation.
package nn

import (
	"errors"
)

var (
	ErrLayerNotFound = errors.New("layer not found")
	ErrShape         = errors.New("shape mismatch")
	ErrDisconnected  = errors.New("target does not depend on source")
	ErrInputs        = errors.New("wrong number of inputs")
)

// Layer is a differentiable operation.
//
// Backward receives the tensors Forward was called with, the tensor it
// produced and the gradient of some scalar with respect to that output. It
// returns one gradient per input; a nil entry means no gradient flows to that
// input.
type Layer interface {
	Name() string
	Forward(inputs []*Tensor) (*Tensor, error)
	Backward(inputs []*Tensor, output, grad *Tensor) ([]*Tensor, error)
}

// Container is a layer made of named sub-layers.
type Container interface {
	Layer
	Layers() []Layer
	GetLayer(name string) (Layer, error)
}

type base struct {
	name string
}

func (b base) Name() string {
	return b.name
}

func one(inputs []*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, ErrInputs
	}
	return inputs[0], nil
}
