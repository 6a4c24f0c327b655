// Package gradcam produces Grad-CAM explanations: heatmaps of the image
// regions that drove a classifier towards a class, composited over the
// original image.
package gradcam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Brownie44l1/cxr-api/internal/metrics"
	"github.com/Brownie44l1/cxr-api/internal/nn"
	"go.uber.org/zap"
)

const (
	DefaultLayerName = "conv5_block3_out"
	DefaultSize      = 224
)

var (
	ErrNoTarget   = errors.New("no convolutional layer available")
	ErrClassIndex = errors.New("class index out of range")
	ErrBatch      = errors.New("expected a single-sample batch")
	ErrNotSpatial = errors.New("target activation is not a feature map")
	ErrExecution  = errors.New("attribution failed")
)

// Attribute runs one forward and backward pass of model on x and returns
// the Grad-CAM heatmap of classIndex at target, resized to size.
func Attribute(model *nn.Model, target TargetLayer, x *nn.Tensor, classIndex int, size image.Point) (*Heatmap, error) {
	act, grad, err := gradients(model, target, x, classIndex)
	if err != nil {
		return nil, err
	}
	g, err := classActivation(act, grad)
	if err != nil {
		return nil, err
	}
	g.rectify()
	g.normalize()
	return g.resize(size.X, size.Y), nil
}

func gradients(model *nn.Model, target TargetLayer, x *nn.Tensor, classIndex int) (act, grad *nn.Tensor, err error) {
	if len(x.Shape) == 0 || x.Shape[0] != 1 {
		return nil, nil, fmt.Errorf("%w: input shape %v", ErrBatch, x.Shape)
	}

	tape := nn.NewTape()
	var out *nn.Tensor
	if target.Nested() {
		act, out, err = traceNested(tape, model, target, x)
	} else {
		act, out, err = traceTopLevel(tape, model, target, x)
	}
	if err != nil {
		return nil, nil, err
	}

	if classIndex < 0 || classIndex >= out.Len() {
		return nil, nil, fmt.Errorf("%w: %d of %d", ErrClassIndex, classIndex, out.Len())
	}
	seed := nn.Zeros(out.Shape...)
	seed.Data[classIndex] = 1

	grad, err = tape.Gradient(out, seed, act)
	if err != nil {
		return nil, nil, fmt.Errorf("gradient of %s: %w", target, err)
	}
	return act, grad, nil
}

func traceTopLevel(tape *nn.Tape, model *nn.Model, target TargetLayer, x *nn.Tensor) (act, out *nn.Tensor, err error) {
	graph, err := model.SubGraph(target.Layer)
	if err != nil {
		return nil, nil, err
	}
	outs, err := graph.Run(tape, x)
	if err != nil {
		return nil, nil, err
	}
	return outs[0], outs[1], nil
}

// traceNested replays the outer model node by node. The nested sub-model is
// swapped for a derived graph that exposes the target activation and still
// produces the sub-model output, so one tape covers input to class score.
func traceNested(tape *nn.Tape, model *nn.Model, target TargetLayer, x *nn.Tensor) (act, out *nn.Tensor, err error) {
	parent, err := model.GetLayer(target.Parent)
	if err != nil {
		return nil, nil, err
	}
	sub, ok := parent.(*nn.Model)
	if !ok {
		return nil, nil, fmt.Errorf("%s is %s, not a model", target.Parent, nn.Kind(parent))
	}
	graph, err := sub.SubGraph(target.Layer)
	if err != nil {
		return nil, nil, err
	}

	values := map[string]*nn.Tensor{nn.InputName: x}
	for _, n := range model.Nodes() {
		inputs := make([]*nn.Tensor, len(n.Inputs))
		for i, name := range n.Inputs {
			inputs[i] = values[name]
		}

		name := n.Layer.Name()
		if name != target.Parent {
			if values[name], err = tape.Call(n.Layer, inputs...); err != nil {
				return nil, nil, err
			}
			continue
		}

		if len(inputs) != 1 {
			return nil, nil, fmt.Errorf("%s: %w", name, nn.ErrInputs)
		}
		outs, err := graph.Run(tape, inputs[0])
		if err != nil {
			return nil, nil, err
		}
		act, values[name] = outs[0], outs[1]
	}
	if act == nil {
		return nil, nil, fmt.Errorf("%w: %q", nn.ErrLayerNotFound, target.Parent)
	}
	return act, values[model.Output()], nil
}

// Explainer produces Grad-CAM explanations for one model. The target layer
// is resolved on first use and cached for the explainer's lifetime.
type Explainer struct {
	model     *nn.Model
	layerName string
	size      image.Point
	alpha     float64
	logger    *zap.Logger
	metrics   *metrics.Metrics
	sem       chan struct{}

	once     sync.Once
	target   TargetLayer
	resolved bool
}

type Option func(*Explainer)

// WithLayerName sets the preferred target layer.
func WithLayerName(name string) Option {
	return func(e *Explainer) {
		if name != "" {
			e.layerName = name
		}
	}
}

// WithSize sets the display resolution of heatmaps and overlays.
func WithSize(width, height int) Option {
	return func(e *Explainer) {
		if width > 0 && height > 0 {
			e.size = image.Pt(width, height)
		}
	}
}

func WithAlpha(alpha float64) Option {
	return func(e *Explainer) {
		if alpha >= 0 && alpha <= 1 {
			e.alpha = alpha
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Explainer) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Explainer) {
		e.metrics = m
	}
}

// WithMaxConcurrent bounds how many attributions run at once.
func WithMaxConcurrent(n int) Option {
	return func(e *Explainer) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

func New(model *nn.Model, opts ...Option) *Explainer {
	e := &Explainer{
		model:     model,
		layerName: DefaultLayerName,
		size:      image.Pt(DefaultSize, DefaultSize),
		alpha:     DefaultAlpha,
		logger:    zap.NewNop(),
		sem:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Target returns the resolved target layer, resolving it on first call.
func (e *Explainer) Target() (TargetLayer, bool) {
	e.once.Do(func() {
		e.target, e.resolved = Resolve(e.model, e.layerName)
		switch {
		case !e.resolved:
			e.logger.Warn("no convolutional layer available for grad-cam",
				zap.String("layer", e.layerName))
		case e.target.Layer != e.layerName:
			e.logger.Warn("grad-cam layer not found, using alternative",
				zap.String("layer", e.layerName),
				zap.Stringer("alternative", e.target))
		default:
			e.logger.Info("grad-cam layer resolved",
				zap.Stringer("target", e.target),
				zap.Bool("nested", e.target.Nested()))
		}
	})
	return e.target, e.resolved
}

// Attribute computes the heatmap of classIndex for x and reports failures.
func (e *Explainer) Attribute(ctx context.Context, x *nn.Tensor, classIndex int) (*Heatmap, error) {
	target, ok := e.Target()
	if !ok {
		return nil, ErrNoTarget
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	start := time.Now()
	defer func() { e.metrics.Attribution(time.Since(start)) }()
	return e.attribute(target, x, classIndex)
}

func (e *Explainer) attribute(target TargetLayer, x *nn.Tensor, classIndex int) (h *Heatmap, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("%w: %v", ErrExecution, r)
		}
	}()
	return Attribute(e.model, target, x, classIndex, e.size)
}

// Heatmap is the best-effort form of Attribute: any failure is logged and
// yields an all-zero heatmap.
func (e *Explainer) Heatmap(ctx context.Context, x *nn.Tensor, classIndex int) *Heatmap {
	h, err := e.Attribute(ctx, x, classIndex)
	if err != nil {
		e.logFailure(err, classIndex)
		return ZeroHeatmap(e.size.X, e.size.Y)
	}
	return h
}

// Explain returns the heatmap of classIndex composited over original as a
// PNG data URI. It reports false when no explanation is available; callers
// carry on without a visualization.
func (e *Explainer) Explain(ctx context.Context, x *nn.Tensor, classIndex int, original []byte) (string, bool) {
	h, err := e.Attribute(ctx, x, classIndex)
	if err != nil {
		e.logFailure(err, classIndex)
		return "", false
	}

	img, err := Overlay(h, original, e.alpha)
	if err == nil {
		var uri string
		if uri, err = EncodeDataURI(img); err == nil {
			e.metrics.GradCAM(metrics.OutcomeOK)
			return uri, true
		}
	}
	e.logger.Error("failed to overlay heatmap", zap.Error(err))
	e.metrics.GradCAM(metrics.OutcomeOverlayFailed)
	return "", false
}

func (e *Explainer) logFailure(err error, classIndex int) {
	switch {
	case errors.Is(err, ErrNoTarget):
		e.logger.Debug("grad-cam skipped", zap.Error(err))
		e.metrics.GradCAM(metrics.OutcomeNoTarget)
	case errors.Is(err, nn.ErrDisconnected):
		e.logger.Warn("gradients are undefined, graph may be disconnected",
			zap.Stringer("target", e.target),
			zap.Int("class_index", classIndex),
			zap.Error(err))
		e.metrics.GradCAM(metrics.OutcomeDisconnected)
	default:
		e.logger.Error("failed to generate grad-cam heatmap",
			zap.Int("class_index", classIndex),
			zap.Error(err))
		e.metrics.GradCAM(metrics.OutcomeFailed)
	}
}
