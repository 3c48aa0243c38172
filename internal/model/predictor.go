package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// LabelFraud is the class label the model emits for fraudulent transactions.
const LabelFraud = 1

// Predictor is the opaque scoring oracle: one aligned row in, one class label out.
type Predictor interface {
	// Columns returns the input columns the model was trained on, in order,
	// or nil when the model does not declare them.
	Columns() []string
	Predict(ctx context.Context, row []float64) (int, error)
}

// LogisticModel is a binary logistic-regression classifier.
type LogisticModel struct {
	Version   string
	Features  []string
	Coef      []float64
	Intercept float64
	Threshold float64
}

type logisticFile struct {
	Version        string    `json:"version"`
	FeatureNamesIn []string  `json:"feature_names_in"`
	Coef           []float64 `json:"coef"`
	Intercept      float64   `json:"intercept"`
	Threshold      *float64  `json:"threshold"`
}

// ParseLogistic decodes a logistic model artifact.
func ParseLogistic(data []byte) (*LogisticModel, error) {
	var file logisticFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if len(file.Coef) == 0 {
		return nil, fmt.Errorf("model has no coefficients")
	}
	if len(file.FeatureNamesIn) > 0 && len(file.FeatureNamesIn) != len(file.Coef) {
		return nil, fmt.Errorf("model declares %d columns but %d coefficients",
			len(file.FeatureNamesIn), len(file.Coef))
	}

	threshold := 0.5
	if file.Threshold != nil {
		threshold = *file.Threshold
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("model threshold %v outside (0, 1)", threshold)
	}

	return &LogisticModel{
		Version:   file.Version,
		Features:  file.FeatureNamesIn,
		Coef:      file.Coef,
		Intercept: file.Intercept,
		Threshold: threshold,
	}, nil
}

// LoadLogistic reads and parses the model artifact at path.
func LoadLogistic(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured artifact path
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return ParseLogistic(data)
}

func (m *LogisticModel) Columns() []string {
	return m.Features
}

// Probability returns P(fraud | row).
func (m *LogisticModel) Probability(row []float64) (float64, error) {
	if len(row) != len(m.Coef) {
		return 0, fmt.Errorf("model expects %d features, got %d", len(m.Coef), len(row))
	}
	z := m.Intercept
	for i, x := range row {
		z += m.Coef[i] * x
	}
	return 1 / (1 + math.Exp(-z)), nil
}

func (m *LogisticModel) Predict(_ context.Context, row []float64) (int, error) {
	p, err := m.Probability(row)
	if err != nil {
		return 0, err
	}
	if p >= m.Threshold {
		return LabelFraud, nil
	}
	return 0, nil
}
