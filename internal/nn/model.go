package nn

import (
	"errors"
	"fmt"
)

// InputName refers to a model's input in Node.Inputs.
const InputName = "input"

// Node places a layer in a model graph. Inputs name earlier nodes or
// InputName; empty means the previous node (or the model input for the
// first node).
type Node struct {
	Layer  Layer
	Inputs []string
}

// Model is a single-input graph of named layers evaluated in declaration
// order. A Model is itself a Layer, so models nest; used that way it is
// opaque and only its final output is observable.
type Model struct {
	name  string
	nodes []Node
	index map[string]int
}

func NewModel(name string, nodes ...Node) (*Model, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("model %s: no layers", name)
	}
	m := &Model{
		name:  name,
		nodes: make([]Node, 0, len(nodes)),
		index: make(map[string]int, len(nodes)),
	}
	prev := InputName
	for i, n := range nodes {
		if n.Layer == nil {
			return nil, fmt.Errorf("model %s: node %d has no layer", name, i)
		}
		lname := n.Layer.Name()
		if lname == "" || lname == InputName {
			return nil, fmt.Errorf("model %s: invalid layer name %q", name, lname)
		}
		if _, dup := m.index[lname]; dup {
			return nil, fmt.Errorf("model %s: duplicate layer %q", name, lname)
		}
		inputs := append([]string(nil), n.Inputs...)
		if len(inputs) == 0 {
			inputs = []string{prev}
		}
		for _, in := range inputs {
			if _, ok := m.index[in]; !ok && in != InputName {
				return nil, fmt.Errorf("model %s: layer %q reads unknown input %q", name, lname, in)
			}
		}
		m.index[lname] = len(m.nodes)
		m.nodes = append(m.nodes, Node{Layer: n.Layer, Inputs: inputs})
		prev = lname
	}
	return m, nil
}

// Sequential chains layers one after another.
func Sequential(name string, layers ...Layer) (*Model, error) {
	nodes := make([]Node, len(layers))
	for i, l := range layers {
		nodes[i] = Node{Layer: l}
	}
	return NewModel(name, nodes...)
}

func (m *Model) Name() string {
	return m.name
}

// Layers returns the direct layers in declaration order.
func (m *Model) Layers() []Layer {
	layers := make([]Layer, len(m.nodes))
	for i, n := range m.nodes {
		layers[i] = n.Layer
	}
	return layers
}

// Nodes returns the graph with resolved inputs.
func (m *Model) Nodes() []Node {
	nodes := make([]Node, len(m.nodes))
	for i, n := range m.nodes {
		nodes[i] = Node{Layer: n.Layer, Inputs: append([]string(nil), n.Inputs...)}
	}
	return nodes
}

// GetLayer looks up a direct layer by name.
func (m *Model) GetLayer(name string) (Layer, error) {
	i, ok := m.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrLayerNotFound, name, m.name)
	}
	return m.nodes[i].Layer, nil
}

// Output is the name of the node whose value is the model output.
func (m *Model) Output() string {
	return m.nodes[len(m.nodes)-1].Layer.Name()
}

func (m *Model) trace(tape *Tape, x *Tensor) (map[string]*Tensor, error) {
	values := make(map[string]*Tensor, len(m.nodes)+1)
	values[InputName] = x
	for _, n := range m.nodes {
		inputs := make([]*Tensor, len(n.Inputs))
		for i, name := range n.Inputs {
			inputs[i] = values[name]
		}
		out, err := tape.Call(n.Layer, inputs...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.name, err)
		}
		values[n.Layer.Name()] = out
	}
	return values, nil
}

func (m *Model) Forward(inputs []*Tensor) (*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	values, err := m.trace(nil, x)
	if err != nil {
		return nil, err
	}
	return values[m.Output()], nil
}

// Backward re-runs the model on its own tape and propagates grad back to
// the input.
func (m *Model) Backward(inputs []*Tensor, _, grad *Tensor) ([]*Tensor, error) {
	x, err := one(inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	tape := NewTape()
	values, err := m.trace(tape, x)
	if err != nil {
		return nil, err
	}
	gx, err := tape.Gradient(values[m.Output()], grad, x)
	if errors.Is(err, ErrDisconnected) {
		return []*Tensor{nil}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	return []*Tensor{gx}, nil
}

// Predict runs inference without recording gradients.
func (m *Model) Predict(x *Tensor) (*Tensor, error) {
	return m.Forward([]*Tensor{x})
}

// Graph is a computation derived from a model that exposes interior
// activations next to the model output.
type Graph struct {
	model   *Model
	outputs []string
}

// SubGraph derives a computation exposing the named direct layers.
func (m *Model) SubGraph(outputs ...string) (*Graph, error) {
	for _, name := range outputs {
		if _, ok := m.index[name]; !ok {
			return nil, fmt.Errorf("%w: %q in %s", ErrLayerNotFound, name, m.name)
		}
	}
	return &Graph{model: m, outputs: append([]string(nil), outputs...)}, nil
}

func (g *Graph) Outputs() []string {
	return append([]string(nil), g.outputs...)
}

// Run evaluates the graph on tape. It returns the exposed activations in
// the order they were requested, followed by the model output.
func (g *Graph) Run(tape *Tape, x *Tensor) ([]*Tensor, error) {
	values, err := g.model.trace(tape, x)
	if err != nil {
		return nil, err
	}
	out := make([]*Tensor, 0, len(g.outputs)+1)
	for _, name := range g.outputs {
		out = append(out, values[name])
	}
	return append(out, values[g.model.Output()]), nil
}
