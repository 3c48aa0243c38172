package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// EncoderKind is resolved once when the artifact is loaded.
type EncoderKind int

const (
	// Passthrough leaves the source column untouched.
	Passthrough EncoderKind = iota
	// OneHot emits one indicator column per vocabulary entry.
	OneHot
	// Ordinal emits a single integer column holding the vocabulary index.
	Ordinal
)

func (k EncoderKind) String() string {
	switch k {
	case OneHot:
		return "one_hot"
	case Ordinal:
		return "ordinal"
	default:
		return "passthrough"
	}
}

// categoricalColumns are the only inputs encoders may transform.
var categoricalColumns = map[string]bool{
	ColCurrency:            true,
	ColChannel:             true,
	ColAuthorizationMethod: true,
}

// Encoder maps one categorical column onto the model's trained vocabulary.
type Encoder struct {
	Column     string
	Kind       EncoderKind
	Vocabulary []string
	index      map[string]int
}

// FallbackFunc is told when an unseen value is remapped to the vocabulary's
// first entry.
type FallbackFunc func(column, value, replacement string)

// resolve returns the vocabulary index for value, remapping unseen values to
// index 0. remapped reports whether the fallback fired.
func (e *Encoder) resolve(value string) (idx int, remapped bool) {
	if i, ok := e.index[value]; ok {
		return i, false
	}
	return 0, true
}

// Apply transforms e.Column in f. Columns the frame lacks, and non-string
// cells, are left alone.
func (e *Encoder) Apply(f *Frame, onFallback FallbackFunc) {
	if e.Kind == Passthrough {
		return
	}
	value, ok := f.Str(e.Column)
	if !ok {
		return
	}

	idx, remapped := e.resolve(value)
	if remapped && onFallback != nil {
		onFallback(e.Column, value, e.Vocabulary[0])
	}

	f.Drop(e.Column)
	switch e.Kind {
	case OneHot:
		for i, category := range e.Vocabulary {
			indicator := 0.0
			if i == idx {
				indicator = 1
			}
			f.SetNum(e.Column+"_"+category, indicator)
		}
	case Ordinal:
		f.SetNum(e.Column+"_label", float64(idx))
	}
}

// EncoderSet is the ordered list of encoders from one artifact.
type EncoderSet struct {
	Version  string
	Encoders []*Encoder
}

// Apply runs every encoder in artifact order.
func (s *EncoderSet) Apply(f *Frame, onFallback FallbackFunc) {
	for _, enc := range s.Encoders {
		enc.Apply(f, onFallback)
	}
}

type encodersFile struct {
	Version  string        `json:"version"`
	Encoders []encoderSpec `json:"encoders"`
}

type encoderSpec struct {
	Column     string    `json:"column"`
	Categories *[]string `json:"categories"`
	Classes    *[]string `json:"classes"`
}

// ParseEncoders decodes an encoder artifact. The kind of each entry comes from
// which vocabulary it carries: categories for one-hot, classes for ordinal,
// neither for passthrough. Encoders for non-categorical columns are dropped.
func ParseEncoders(data []byte) (*EncoderSet, error) {
	var file encodersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode encoders: %w", err)
	}
	if len(file.Encoders) == 0 {
		return nil, fmt.Errorf("encoders artifact declares no encoders")
	}

	set := &EncoderSet{Version: file.Version}
	for _, spec := range file.Encoders {
		if spec.Column == "" {
			return nil, fmt.Errorf("encoder entry without column name")
		}
		if !categoricalColumns[spec.Column] {
			continue
		}

		enc := &Encoder{Column: spec.Column, Kind: Passthrough}
		switch {
		case spec.Categories != nil:
			enc.Kind = OneHot
			enc.Vocabulary = *spec.Categories
		case spec.Classes != nil:
			enc.Kind = Ordinal
			enc.Vocabulary = *spec.Classes
		}

		if enc.Kind != Passthrough {
			if len(enc.Vocabulary) == 0 {
				return nil, fmt.Errorf("encoder for %q has an empty vocabulary", spec.Column)
			}
			enc.index = make(map[string]int, len(enc.Vocabulary))
			for i, v := range enc.Vocabulary {
				if _, dup := enc.index[v]; !dup {
					enc.index[v] = i
				}
			}
		}
		set.Encoders = append(set.Encoders, enc)
	}
	return set, nil
}

// LoadEncoders reads and parses the encoder artifact at path.
func LoadEncoders(path string) (*EncoderSet, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured artifact path
	if err != nil {
		return nil, fmt.Errorf("read encoders: %w", err)
	}
	return ParseEncoders(data)
}
