package model

import (
	"fmt"
	"sync"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/nn"
	ort "github.com/yalue/onnxruntime_go"
)

// onnxBackend runs an exported copy of the classifier through ONNX
// Runtime. Its input and output tensors are bound to the session once, so
// runs are serialized.
type onnxBackend struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newONNXBackend(cfg config.ModelConfig, meta Metadata) (*onnxBackend, error) {
	if cfg.ONNXLibrary != "" {
		ort.SetSharedLibraryPath(cfg.ONNXLibrary)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ONNXPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxBackend{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (b *onnxBackend) Run(x *nn.Tensor) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	in := b.inputTensor.GetData()
	if len(in) != x.Len() {
		return nil, fmt.Errorf("%w: input has %d values, session expects %d", nn.ErrShape, x.Len(), len(in))
	}
	copy(in, x.Data)

	if err := b.session.Run(); err != nil {
		return nil, err
	}
	return append([]float32(nil), b.outputTensor.GetData()...), nil
}

func (b *onnxBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
	ort.DestroyEnvironment()
}
