package model

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/nn"
	"github.com/nfnt/resize"
	"go.uber.org/zap"
)

var (
	ErrNotLoaded   = errors.New("model not loaded")
	ErrEmptyOutput = errors.New("model produced no scores")
	ErrBackend     = errors.New("unknown model backend")
)

// backend produces class scores for one preprocessed NHWC batch.
type backend interface {
	Run(x *nn.Tensor) ([]float32, error)
	Close()
}

type nativeBackend struct {
	model *nn.Model
}

func (b nativeBackend) Run(x *nn.Tensor) ([]float32, error) {
	out, err := b.model.Predict(x)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (nativeBackend) Close() {}

// Classifier loads the chest X-ray model on first use and classifies
// preprocessed images. The native model is always loaded since Grad-CAM
// differentiates through it; the ONNX backend only serves predictions.
type Classifier struct {
	cfg    config.ModelConfig
	logger *zap.Logger

	once    sync.Once
	loaded  atomic.Bool
	err     error
	meta    Metadata
	model   *nn.Model
	backend backend
}

func NewClassifier(cfg config.ModelConfig, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{cfg: cfg, logger: logger}
}

// NewClassifierFromModel wraps an already built model.
func NewClassifierFromModel(m *nn.Model, meta Metadata) *Classifier {
	c := &Classifier{logger: zap.NewNop()}
	c.once.Do(func() {
		c.meta = meta
		c.model = m
		c.backend = nativeBackend{model: m}
	})
	c.loaded.Store(true)
	return c
}

// Load loads metadata, the native model and the configured backend. Only
// the first call does any work; later calls return its result.
func (c *Classifier) Load() error {
	c.once.Do(func() {
		c.err = c.load()
		if c.err != nil {
			c.logger.Error("failed to load model", zap.Error(c.err))
		}
	})
	return c.err
}

func (c *Classifier) load() error {
	meta, err := LoadMetadata(c.cfg.Metadata)
	if err != nil {
		return err
	}

	c.logger.Info("loading model",
		zap.String("architecture", c.cfg.Architecture),
		zap.String("weights", c.cfg.Weights))
	m, err := nn.Load(c.cfg.Architecture, c.cfg.Weights)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	var b backend
	switch c.cfg.Backend {
	case "", config.BackendNative:
		b = nativeBackend{model: m}
	case config.BackendONNX:
		if b, err = newONNXBackend(c.cfg, meta); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrBackend, c.cfg.Backend)
	}

	c.meta, c.model, c.backend = meta, m, b
	c.loaded.Store(true)
	c.logger.Info("model loaded",
		zap.String("name", m.Name()),
		zap.String("backend", c.cfg.Backend),
		zap.Strings("classes", meta.Classes))
	return nil
}

// Loaded reports whether a model is ready without triggering a load.
func (c *Classifier) Loaded() bool {
	return c.loaded.Load()
}

// Model returns the native model, loading it if needed.
func (c *Classifier) Model() (*nn.Model, error) {
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c.model, nil
}

func (c *Classifier) Metadata() Metadata {
	return c.meta
}

// Preprocess converts img to RGB, resizes it to the model's input size and
// lays it out as a float32 NHWC batch of one in [0,255]. Scaling to the
// network's range is part of the model itself.
func (c *Classifier) Preprocess(img image.Image) *nn.Tensor {
	size := c.meta.ImageSize
	if size <= 0 {
		size = DefaultImageSize
	}
	return Preprocess(img, size)
}

func Preprocess(img image.Image, size int) *nn.Tensor {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	bounds := resized.Bounds()

	x := nn.Zeros(1, size, size, 3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Min.Y+size; y++ {
		for px := bounds.Min.X; px < bounds.Min.X+size; px++ {
			p := color.NRGBAModel.Convert(resized.At(px, y)).(color.NRGBA)
			x.Data[i] = float32(p.R)
			x.Data[i+1] = float32(p.G)
			x.Data[i+2] = float32(p.B)
			i += 3
		}
	}
	return x
}

// Predict classifies a preprocessed batch of one.
func (c *Classifier) Predict(x *nn.Tensor) (*Prediction, error) {
	if err := c.Load(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLoaded, err)
	}

	scores, err := c.backend.Run(x)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(scores) == 0 {
		return nil, ErrEmptyOutput
	}

	maxIdx := 0
	maxVal := scores[0]
	predictions := make(map[string]float32, len(scores))
	for i, val := range scores {
		predictions[c.meta.Label(i)] = val
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}

	return &Prediction{
		ClassIndex:     maxIdx,
		PredictedClass: c.meta.Label(maxIdx),
		Confidence:     maxVal,
		AllPredictions: predictions,
	}, nil
}

func (c *Classifier) Close() {
	if c.backend != nil {
		c.backend.Close()
	}
}
