package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultClasses are the chest X-ray labels in model output order.
var DefaultClasses = []string{
	"Bacterial Pneumonia",
	"Covid",
	"Normal",
	"Tuberculosis",
	"Viral Pneumonia",
}

const DefaultImageSize = 224

type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// DefaultMetadata describes the NHWC chest X-ray classifier.
func DefaultMetadata() Metadata {
	return Metadata{
		InputShape:  []int64{1, DefaultImageSize, DefaultImageSize, 3},
		OutputShape: []int64{1, int64(len(DefaultClasses))},
		Classes:     append([]string(nil), DefaultClasses...),
		ImageSize:   DefaultImageSize,
	}
}

// LoadMetadata reads metadata JSON. An empty path yields DefaultMetadata;
// missing fields are filled from it.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var parsed Metadata
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if len(parsed.Classes) > 0 {
		meta.Classes = parsed.Classes
		meta.OutputShape = []int64{1, int64(len(parsed.Classes))}
	}
	if parsed.ImageSize > 0 {
		meta.ImageSize = parsed.ImageSize
		meta.InputShape = []int64{1, int64(parsed.ImageSize), int64(parsed.ImageSize), 3}
	}
	if len(parsed.InputShape) > 0 {
		meta.InputShape = parsed.InputShape
	}
	if len(parsed.OutputShape) > 0 {
		meta.OutputShape = parsed.OutputShape
	}
	return meta, nil
}

// Label returns the class name at i, or a positional name when the
// metadata lists fewer classes than the model produces.
func (m Metadata) Label(i int) string {
	if i >= 0 && i < len(m.Classes) {
		return m.Classes[i]
	}
	return fmt.Sprintf("class_%d", i)
}

type Prediction struct {
	ClassIndex     int                `json:"-"`
	PredictedClass string             `json:"predicted_class"`
	Confidence     float32            `json:"confidence"`
	AllPredictions map[string]float32 `json:"all_predictions"`
}

type PredictionResponse struct {
	Success    bool        `json:"success"`
	Prediction *Prediction `json:"prediction"`
	GradCAM    *string     `json:"gradcam"`
	Timestamp  string      `json:"timestamp"`
}
