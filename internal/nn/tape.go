package nn

import (
	"fmt"
)

// Tape records layer applications so gradients can be propagated back
// through them. A nil *Tape is valid and records nothing.
type Tape struct {
	entries []entry
}

type entry struct {
	layer  Layer
	inputs []*Tensor
	output *Tensor
}

func NewTape() *Tape {
	return &Tape{}
}

// Call runs l on inputs and records the application.
func (t *Tape) Call(l Layer, inputs ...*Tensor) (*Tensor, error) {
	out, err := l.Forward(inputs)
	if err != nil {
		return nil, err
	}
	if t != nil {
		t.entries = append(t.entries, entry{layer: l, inputs: inputs, output: out})
	}
	return out, nil
}

// Gradient returns d(seed·target)/d(source). seed must have target's shape;
// a one-hot seed selects a single scalar of target. ErrDisconnected is
// returned when target does not depend on source through differentiable ops.
func (t *Tape) Gradient(target, seed, source *Tensor) (*Tensor, error) {
	if !seed.sameShape(target) {
		return nil, fmt.Errorf("%w: seed %v for target %v", ErrShape, seed.Shape, target.Shape)
	}
	if target == source {
		return seed.Clone(), nil
	}

	// Only ops downstream of source can carry its gradient.
	live := map[*Tensor]bool{source: true}
	for _, e := range t.entries {
		for _, in := range e.inputs {
			if live[in] {
				live[e.output] = true
				break
			}
		}
	}
	if !live[target] {
		return nil, ErrDisconnected
	}

	grads := map[*Tensor]*Tensor{target: seed.Clone()}
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if !live[e.output] || e.output == source {
			continue
		}
		g, ok := grads[e.output]
		if !ok {
			continue
		}
		inGrads, err := e.layer.Backward(e.inputs, e.output, g)
		if err != nil {
			return nil, fmt.Errorf("backward %s: %w", e.layer.Name(), err)
		}
		for j, in := range e.inputs {
			if j >= len(inGrads) || inGrads[j] == nil || !live[in] {
				continue
			}
			accumulate(grads, in, inGrads[j])
		}
	}

	g, ok := grads[source]
	if !ok {
		return nil, ErrDisconnected
	}
	return g, nil
}

func accumulate(grads map[*Tensor]*Tensor, t, g *Tensor) {
	prev, ok := grads[t]
	if !ok {
		grads[t] = g
		return
	}
	for i, v := range g.Data {
		prev.Data[i] += v
	}
}
