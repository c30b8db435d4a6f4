package windowing

import (
	"fmt"
	"sort"
	"strings"
)

// Preset names a clinical window.
type Preset string

const (
	SoftTissue  Preset = "soft-tissue"
	Lung        Preset = "lung"
	Bone        Preset = "bone"
	Brain       Preset = "brain"
	Liver       Preset = "liver"
	Angiography Preset = "angiography"
)

// Hounsfield-unit level/width pairs.
var presets = map[Preset]Setting{
	SoftTissue:  {Center: 40, Width: 400},
	Lung:        {Center: -600, Width: 1500},
	Bone:        {Center: 400, Width: 1800},
	Brain:       {Center: 40, Width: 80},
	Liver:       {Center: 30, Width: 150},
	Angiography: {Center: 300, Width: 600},
}

// Setting returns the window for p.
func (p Preset) Setting() (Setting, bool) {
	s, ok := presets[p]
	return s, ok
}

// Presets lists every known preset name in sorted order.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParsePreset resolves a preset name. Case, spaces and underscores are
// ignored, so "Soft Tissue" and "soft_tissue" both work.
func ParsePreset(name string) (Setting, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer(" ", "-", "_", "-").Replace(key)
	if s, ok := presets[Preset(key)]; ok {
		return s, nil
	}
	return Setting{}, fmt.Errorf("unknown window preset %q", name)
}
