package models

import (
	"fmt"
	"strings"
)

// Stem names produced by the separation models.
const (
	StemVocals        = "vocals"
	StemPiano         = "piano"
	StemDrums         = "drums"
	StemBass          = "bass"
	StemOther         = "other"
	StemAccompaniment = "accompaniment"
)

// DefaultModel is used when a submission names no model.
const DefaultModel = "5stems"

// InstrumentalOrder is the canonical order non-vocal stems are mixed in.
var InstrumentalOrder = []string{StemPiano, StemDrums, StemBass, StemOther, StemAccompaniment}

var stemSets = map[string][]string{
	"2stems": {StemVocals, StemAccompaniment},
	"4stems": {StemVocals, StemDrums, StemBass, StemOther},
	"5stems": {StemVocals, StemPiano, StemDrums, StemBass, StemOther},
}

// StemSet is the list of stems a model run is expected to produce.
type StemSet struct {
	Model string
	Stems []string
}

// StemSetFor resolves the stems for a Spleeter model selector. The -16kHz
// variants produce the same stems as their base model.
func StemSetFor(model string) (StemSet, error) {
	name := strings.ToLower(strings.TrimSpace(model))
	if name == "" {
		name = DefaultModel
	}
	base := strings.TrimSuffix(name, "-16khz")
	stems, ok := stemSets[base]
	if !ok {
		return StemSet{}, fmt.Errorf("unknown separation model %q", model)
	}
	out := make([]string, len(stems))
	copy(out, stems)
	return StemSet{Model: canonicalModel(name), Stems: out}, nil
}

func canonicalModel(name string) string {
	if strings.HasSuffix(name, "-16khz") {
		return strings.TrimSuffix(name, "-16khz") + "-16kHz"
	}
	return name
}

// Required reports whether a missing stem file fails the job.
func (s StemSet) Required(stem string) bool {
	return stem != StemVocals
}

// Instrumental returns the non-vocal stems of the set in canonical mix order.
func (s StemSet) Instrumental() []string {
	present := make(map[string]struct{}, len(s.Stems))
	for _, stem := range s.Stems {
		present[stem] = struct{}{}
	}
	out := make([]string, 0, len(s.Stems))
	for _, stem := range InstrumentalOrder {
		if _, ok := present[stem]; ok {
			out = append(out, stem)
		}
	}
	return out
}

// Models lists the supported model selectors.
func Models() []string {
	return []string{"2stems", "4stems", "5stems", "2stems-16kHz", "4stems-16kHz", "5stems-16kHz"}
}
