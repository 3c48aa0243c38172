package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// defaultScaleColumns are scaled when the scaler artifact does not name its
// fitted columns. Only the ones present in the frame are used, in this order.
var defaultScaleColumns = []string{
	ColAmount,
	ColTxnCountLast24h,
	ColSumAmountLast24h,
	ColTxnHour,
	ColTxnDayOfWeek,
}

// Scaler is a fitted standard scaler: x' = (x - mean) / scale.
type Scaler struct {
	Version string
	Columns []string // fitted column names; empty means "use the default set"
	Mean    []float64
	Scale   []float64
}

type scalerFile struct {
	Version        string    `json:"version"`
	FeatureNamesIn []string  `json:"feature_names_in"`
	Mean           []float64 `json:"mean"`
	Scale          []float64 `json:"scale"`
}

// ParseScaler decodes a scaler artifact and checks its statistics line up.
func ParseScaler(data []byte) (*Scaler, error) {
	var file scalerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}
	if len(file.Mean) == 0 || len(file.Mean) != len(file.Scale) {
		return nil, fmt.Errorf("scaler mean and scale must be non-empty and equal length (got %d and %d)",
			len(file.Mean), len(file.Scale))
	}
	if len(file.FeatureNamesIn) > 0 && len(file.FeatureNamesIn) != len(file.Mean) {
		return nil, fmt.Errorf("scaler declares %d columns but %d statistics",
			len(file.FeatureNamesIn), len(file.Mean))
	}

	scale := make([]float64, len(file.Scale))
	for i, s := range file.Scale {
		if s == 0 {
			s = 1 // constant feature at fit time
		}
		scale[i] = s
	}

	return &Scaler{
		Version: file.Version,
		Columns: file.FeatureNamesIn,
		Mean:    file.Mean,
		Scale:   scale,
	}, nil
}

// LoadScaler reads and parses the scaler artifact at path.
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured artifact path
	if err != nil {
		return nil, fmt.Errorf("read scaler: %w", err)
	}
	return ParseScaler(data)
}

// Apply scales f in place. Declared columns missing from f are created as
// zero before scaling.
func (s *Scaler) Apply(f *Frame) error {
	cols := s.Columns
	if len(cols) > 0 {
		for _, col := range cols {
			if !f.Has(col) {
				f.SetNum(col, 0)
			}
		}
	} else {
		// Fresh slice: s is shared across concurrent evaluations.
		cols = make([]string, 0, len(defaultScaleColumns))
		for _, col := range defaultScaleColumns {
			if f.Has(col) {
				cols = append(cols, col)
			}
		}
		if len(cols) != len(s.Mean) {
			return fmt.Errorf("scaler fitted on %d columns but %d default columns are present", len(s.Mean), len(cols))
		}
	}

	for i, col := range cols {
		v, ok := f.Num(col)
		if !ok {
			return fmt.Errorf("scaler column %q is not numeric", col)
		}
		f.SetNum(col, (v-s.Mean[i])/s.Scale[i])
	}
	return nil
}
