package registry

import (
	"fmt"
	"sort"
)

// builtinSegments maps SKUs whose strips have a physical layout to named regions.
var builtinSegments = map[string][]Segment{
	// Floor lamp with a top ring
	"H6076": {
		{Name: "Ring", Indices: []int{0, 1, 2, 3, 4, 5}},
		{Name: "Main", Indices: []int{6, 7, 8, 9, 10, 11, 12, 13, 14}},
	},
	// Corner floor lamp
	"H6072": {
		{Name: "Top", Indices: []int{0, 1, 2, 3, 4, 5, 6}},
		{Name: "Bottom", Indices: []int{7, 8, 9, 10, 11, 12, 13}},
	},
	// TV backlight: four sides
	"H6199": {
		{Name: "Left", Indices: []int{0, 1, 2, 3}},
		{Name: "Top", Indices: []int{4, 5, 6, 7, 8, 9, 10, 11}},
		{Name: "Right", Indices: []int{12, 13, 14, 15}},
		{Name: "Bottom", Indices: []int{16, 17, 18, 19, 20, 21, 22, 23}},
	},
}

// SegmentMap resolves named segments per SKU.
type SegmentMap struct {
	bySKU map[string][]Segment
}

// NewSegmentMap creates a segment map from the built-ins plus overrides.
// An override replaces the whole built-in list for that SKU.
func NewSegmentMap(overrides map[string][]Segment) *SegmentMap {
	m := &SegmentMap{bySKU: make(map[string][]Segment, len(builtinSegments)+len(overrides))}
	for sku, segs := range builtinSegments {
		m.bySKU[sku] = segs
	}
	for sku, segs := range overrides {
		m.bySKU[sku] = segs
	}
	return m
}

// For returns the named segments of a SKU. SKUs without a mapping but with a
// known segment count get one segment per raw index.
func (m *SegmentMap) For(sku string, segmentCount int) []Segment {
	if segs, ok := m.bySKU[sku]; ok {
		out := make([]Segment, len(segs))
		copy(out, segs)
		return out
	}

	out := make([]Segment, 0, segmentCount)
	for i := 0; i < segmentCount; i++ {
		out = append(out, Segment{Name: fmt.Sprintf("Segment %d", i+1), Indices: []int{i}})
	}
	return out
}

// Indices flattens the named segments into a sorted, de-duplicated index list.
func (m *SegmentMap) Indices(sku string, segmentCount int, names ...string) ([]int, error) {
	segs := m.For(sku, segmentCount)
	byName := make(map[string]Segment, len(segs))
	for _, s := range segs {
		byName[s.Name] = s
	}

	seen := make(map[int]struct{})
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("segment %q not defined for sku %s", name, sku)
		}
		for _, idx := range s.Indices {
			seen[idx] = struct{}{}
		}
	}

	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}
