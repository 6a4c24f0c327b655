package nn

import (
	"errors"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

var ErrMissingWeights = errors.New("missing weights")

// Architecture describes a model graph. It is stored as YAML next to a
// msgpack weights file.
type Architecture struct {
	Name   string      `yaml:"name"`
	Layers []LayerSpec `yaml:"layers"`
}

type LayerSpec struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"`
	Inputs []string `yaml:"inputs,omitempty"`

	// conv2d
	KernelSize []int  `yaml:"kernel_size,omitempty"`
	InChannels int    `yaml:"in_channels,omitempty"`
	Filters    int    `yaml:"filters,omitempty"`
	Strides    int    `yaml:"strides,omitempty"`
	Padding    string `yaml:"padding,omitempty"`

	// dense
	InFeatures int `yaml:"in_features,omitempty"`
	Units      int `yaml:"units,omitempty"`

	// batch_norm
	Channels int     `yaml:"channels,omitempty"`
	Epsilon  float32 `yaml:"epsilon,omitempty"`

	// rescaling
	Scale  float32 `yaml:"scale,omitempty"`
	Offset float32 `yaml:"offset,omitempty"`

	// model
	Layers []LayerSpec `yaml:"layers,omitempty"`
}

// Weights maps a layer key to its named parameters. Layers of nested
// models are keyed "parent/child".
type Weights map[string]map[string][]float32

const (
	TypeConv2D        = "conv2d"
	TypeBatchNorm     = "batch_norm"
	TypeReLU          = "relu"
	TypeAdd           = "add"
	TypeRescaling     = "rescaling"
	TypeGlobalAvgPool = "global_average_pooling2d"
	TypeFlatten       = "flatten"
	TypeDense         = "dense"
	TypeSoftmax       = "softmax"
	TypeStopGradient  = "stop_gradient"
	TypeModel         = "model"
)

// Load reads an architecture file and its weights.
func Load(archPath, weightsPath string) (*Model, error) {
	data, err := os.ReadFile(archPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read architecture: %w", err)
	}
	var arch Architecture
	if err := yaml.Unmarshal(data, &arch); err != nil {
		return nil, fmt.Errorf("failed to parse architecture: %w", err)
	}

	weights, err := ReadWeights(weightsPath)
	if err != nil {
		return nil, err
	}
	return Build(&arch, weights)
}

func ReadWeights(path string) (Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	var w Weights
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	return w, nil
}

func WriteWeights(path string, w Weights) error {
	data, err := msgpack.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Build assembles a model from an architecture and its weights.
func Build(arch *Architecture, w Weights) (*Model, error) {
	return buildModel("", arch.Name, arch.Layers, w)
}

func buildModel(prefix, name string, specs []LayerSpec, w Weights) (*Model, error) {
	nodes := make([]Node, 0, len(specs))
	for _, spec := range specs {
		l, err := buildLayer(prefix, spec, w)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, Node{Layer: l, Inputs: spec.Inputs})
	}
	return NewModel(name, nodes...)
}

func buildLayer(prefix string, spec LayerSpec, w Weights) (Layer, error) {
	key := prefix + spec.Name
	switch spec.Type {
	case TypeConv2D:
		if len(spec.KernelSize) != 2 {
			return nil, fmt.Errorf("%s: kernel_size must have 2 values", key)
		}
		c := NewConv2D(spec.Name, spec.KernelSize[0], spec.KernelSize[1], spec.InChannels, spec.Filters)
		if spec.Strides > 0 {
			c.Stride = spec.Strides
		}
		if spec.Padding != "" {
			c.Padding = Padding(spec.Padding)
		}
		var err error
		if c.Kernel, err = w.param(key, "kernel", len(c.Kernel), true); err != nil {
			return nil, err
		}
		if c.Bias, err = w.param(key, "bias", c.Filters, false); err != nil {
			return nil, err
		}
		return c, nil

	case TypeBatchNorm:
		bn := NewBatchNorm(spec.Name, spec.Channels)
		if spec.Epsilon > 0 {
			bn.Epsilon = spec.Epsilon
		}
		for param, dst := range map[string]*[]float32{
			"gamma":           &bn.Gamma,
			"beta":            &bn.Beta,
			"moving_mean":     &bn.Mean,
			"moving_variance": &bn.Variance,
		} {
			v, err := w.param(key, param, spec.Channels, false)
			if err != nil {
				return nil, err
			}
			if v != nil {
				*dst = v
			}
		}
		return bn, nil

	case TypeDense:
		d := NewDense(spec.Name, spec.InFeatures, spec.Units)
		var err error
		if d.Weights, err = w.param(key, "kernel", len(d.Weights), true); err != nil {
			return nil, err
		}
		if d.Bias, err = w.param(key, "bias", d.Units, false); err != nil {
			return nil, err
		}
		return d, nil

	case TypeReLU:
		return NewReLU(spec.Name), nil
	case TypeAdd:
		return NewAdd(spec.Name), nil
	case TypeRescaling:
		return NewRescaling(spec.Name, spec.Scale, spec.Offset), nil
	case TypeGlobalAvgPool:
		return NewGlobalAveragePooling2D(spec.Name), nil
	case TypeFlatten:
		return NewFlatten(spec.Name), nil
	case TypeSoftmax:
		return NewSoftmax(spec.Name), nil
	case TypeStopGradient:
		return NewStopGradient(spec.Name), nil
	case TypeModel:
		m, err := buildModel(key+"/", spec.Name, spec.Layers, w)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%s: unknown layer type %q", key, spec.Type)
	}
}

func (w Weights) param(key, name string, size int, required bool) ([]float32, error) {
	v, ok := w[key][name]
	if !ok {
		if required {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingWeights, key, name)
		}
		return nil, nil
	}
	if len(v) != size {
		return nil, fmt.Errorf("%s.%s: %w: expected %d values, got %d", key, name, ErrShape, size, len(v))
	}
	return v, nil
}

// ExportWeights collects the parameters of m in the layout Build expects.
func ExportWeights(m *Model) Weights {
	w := Weights{}
	exportWeights("", m, w)
	return w
}

func exportWeights(prefix string, m *Model, w Weights) {
	for _, l := range m.Layers() {
		key := prefix + l.Name()
		switch l := l.(type) {
		case *Conv2D:
			w[key] = params("kernel", l.Kernel, "bias", l.Bias)
		case *Dense:
			w[key] = params("kernel", l.Weights, "bias", l.Bias)
		case *BatchNorm:
			w[key] = params("gamma", l.Gamma, "beta", l.Beta,
				"moving_mean", l.Mean, "moving_variance", l.Variance)
		case *Model:
			exportWeights(key+"/", l, w)
		}
	}
}

func params(kv ...any) map[string][]float32 {
	p := make(map[string][]float32, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if v := kv[i+1].([]float32); v != nil {
			p[kv[i].(string)] = v
		}
	}
	return p
}

// Kind returns the architecture type name of l.
func Kind(l Layer) string {
	switch l.(type) {
	case *Conv2D:
		return TypeConv2D
	case *BatchNorm:
		return TypeBatchNorm
	case *ReLU:
		return TypeReLU
	case *Add:
		return TypeAdd
	case *Rescaling:
		return TypeRescaling
	case *GlobalAveragePooling2D:
		return TypeGlobalAvgPool
	case *Flatten:
		return TypeFlatten
	case *Dense:
		return TypeDense
	case *Softmax:
		return TypeSoftmax
	case *StopGradient:
		return TypeStopGradient
	case *Model:
		return TypeModel
	default:
		return fmt.Sprintf("%T", l)
	}
}

// Describe returns the architecture of m. Together with ExportWeights it
// round-trips through Build.
func Describe(m *Model) *Architecture {
	return &Architecture{Name: m.Name(), Layers: describe(m)}
}

func describe(m *Model) []LayerSpec {
	nodes := m.Nodes()
	specs := make([]LayerSpec, len(nodes))
	for i, n := range nodes {
		spec := LayerSpec{
			Name:   n.Layer.Name(),
			Type:   Kind(n.Layer),
			Inputs: n.Inputs,
		}
		switch l := n.Layer.(type) {
		case *Conv2D:
			spec.KernelSize = []int{l.KernelH, l.KernelW}
			spec.InChannels = l.InChannels
			spec.Filters = l.Filters
			spec.Strides = l.stride()
			spec.Padding = string(l.Padding)
		case *Dense:
			spec.InFeatures = l.In
			spec.Units = l.Units
		case *BatchNorm:
			spec.Channels = len(l.Gamma)
			spec.Epsilon = l.Epsilon
		case *Rescaling:
			spec.Scale = l.Scale
			spec.Offset = l.Offset
		case *Model:
			spec.Layers = describe(l)
		}
		specs[i] = spec
	}
	return specs
}

// Save writes the architecture and weights of m in the format Load reads.
func Save(m *Model, archPath, weightsPath string) error {
	data, err := yaml.Marshal(Describe(m))
	if err != nil {
		return fmt.Errorf("failed to encode architecture: %w", err)
	}
	if err := os.WriteFile(archPath, data, 0o644); err != nil {
		return err
	}
	return WriteWeights(weightsPath, ExportWeights(m))
}
