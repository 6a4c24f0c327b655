package gradcam

import (
	"strings"

	"github.com/Brownie44l1/cxr-api/internal/nn"
)

// TargetLayer identifies the convolutional layer Grad-CAM reads. Parent is
// empty for a top-level layer, otherwise it names the nested sub-model that
// holds Layer.
type TargetLayer struct {
	Layer  string `json:"layer"`
	Parent string `json:"parent,omitempty"`
}

func (t TargetLayer) Nested() bool {
	return t.Parent != ""
}

func (t TargetLayer) String() string {
	if t.Nested() {
		return t.Parent + "/" + t.Layer
	}
	return t.Layer
}

// Resolve finds the layer named desired in model, first among its direct
// layers and then inside nested sub-models. When the name exists nowhere it
// falls back to a name-based guess at the last convolutional feature layer.
// It reports false when no candidate exists at all.
func Resolve(model nn.Container, desired string) (TargetLayer, bool) {
	if hasLayer(model, desired) {
		return TargetLayer{Layer: desired}, true
	}

	for _, l := range model.Layers() {
		if sub, ok := l.(nn.Container); ok && hasLayer(sub, desired) {
			return TargetLayer{Layer: desired, Parent: sub.Name()}, true
		}
	}

	return fallback(model)
}

// fallback prefers a conv/block output or residual merge inside a nested
// sub-model, scanning each sub-model from its last layer backwards. Only if
// no sub-model has one does it take the last top-level conv layer.
func fallback(model nn.Container) (TargetLayer, bool) {
	for _, l := range model.Layers() {
		sub, ok := l.(nn.Container)
		if !ok {
			continue
		}
		layers := sub.Layers()
		for i := len(layers) - 1; i >= 0; i-- {
			name := strings.ToLower(layers[i].Name())
			if containsAny(name, "conv", "block") && containsAny(name, "out", "add") {
				return TargetLayer{Layer: layers[i].Name(), Parent: sub.Name()}, true
			}
		}
	}

	layers := model.Layers()
	for i := len(layers) - 1; i >= 0; i-- {
		if strings.Contains(strings.ToLower(layers[i].Name()), "conv") {
			return TargetLayer{Layer: layers[i].Name()}, true
		}
	}
	return TargetLayer{}, false
}

func hasLayer(c nn.Container, name string) bool {
	_, err := c.GetLayer(name)
	return err == nil
}

func containsAny(s string, tokens ...string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
