package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// UnassignedSection is the name of the section holding groups without an area.
const UnassignedSection = "Unassigned"

// Registry provides read-only lookup over the loaded topology.
// Topology is loaded once per engine session; Load replaces everything.
type Registry struct {
	src      Source
	segments *SegmentMap

	mu         sync.RWMutex
	groups     []Group
	standalone []Device
	sections   []Section
	groupByID  map[string]int      // group id -> index into groups
	deviceByID map[string]Device   // every device, grouped or not
	byArea     map[string][]string // area id -> group ids
}

// New creates an empty registry backed by src.
func New(src Source, segments *SegmentMap) *Registry {
	if segments == nil {
		segments = NewSegmentMap(nil)
	}
	r := &Registry{src: src, segments: segments}
	r.reset()
	return r
}

func (r *Registry) reset() {
	r.groups = nil
	r.standalone = nil
	r.sections = nil
	r.groupByID = make(map[string]int)
	r.deviceByID = make(map[string]Device)
	r.byArea = make(map[string][]string)
}

// Load reads the topology from the source and rebuilds all indices.
// On failure the registry is left empty and the error is returned.
func (r *Registry) Load(ctx context.Context) (Snapshot, error) {
	topo, err := r.src.LoadTopology(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.reset()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load topology: %w", err)
	}

	r.groups = topo.Groups
	r.standalone = topo.Standalone
	for i := range r.groups {
		g := &r.groups[i]
		if g.SKU == "" {
			g.SKU = DefaultGroupSKU
		}
		r.groupByID[g.ID] = i
		r.byArea[g.AreaID] = append(r.byArea[g.AreaID], g.ID)
		for j := range g.Children {
			g.Children[j].GroupID = g.ID
			r.deviceByID[g.Children[j].ID] = g.Children[j]
		}
	}
	for _, d := range r.standalone {
		r.deviceByID[d.ID] = d
	}
	r.sections = buildSections(topo.Areas, r.groups)

	log.Info().
		Int("groups", len(r.groups)).
		Int("devices", len(r.deviceByID)).
		Int("sections", len(r.sections)).
		Msg("Registry loaded")

	return r.snapshotLocked(), nil
}

// Snapshot returns the current topology.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Snapshot {
	groups := make([]Group, len(r.groups))
	copy(groups, r.groups)
	standalone := make([]Device, len(r.standalone))
	copy(standalone, r.standalone)
	sections := make([]Section, len(r.sections))
	copy(sections, r.sections)
	return Snapshot{Groups: groups, Standalone: standalone, Sections: sections}
}

// Empty reports whether no devices are known.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups) == 0 && len(r.deviceByID) == 0
}

// Group returns a group by ID.
func (r *Registry) Group(id string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.groupByID[id]
	if !ok {
		return Group{}, false
	}
	return r.groups[idx], true
}

// Device returns a device by ID.
func (r *Registry) Device(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deviceByID[id]
	return d, ok
}

// Groups returns all groups in load order.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Group, len(r.groups))
	copy(out, r.groups)
	return out
}

// Standalone returns devices that belong to no group.
func (r *Registry) Standalone() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, len(r.standalone))
	copy(out, r.standalone)
	return out
}

// ByArea returns the groups placed directly in an area.
func (r *Registry) ByArea(areaID string) []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byArea[areaID]
	out := make([]Group, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.groups[r.groupByID[id]])
	}
	return out
}

// Resolve looks up a group or device by ID. Groups win on id collision.
func (r *Registry) Resolve(id string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if idx, ok := r.groupByID[id]; ok {
		g := r.groups[idx]
		return Target{ID: g.ID, SKU: g.SKU, Name: g.Name, Kind: KindGroup, Children: g.Children}, true
	}
	if d, ok := r.deviceByID[id]; ok {
		return Target{ID: d.ID, SKU: d.SKU, Name: d.Name, Kind: KindDevice, Device: &d}, true
	}
	return Target{}, false
}

// Targets returns every top-level control target: all groups, then standalone devices.
func (r *Registry) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Target, 0, len(r.groups)+len(r.standalone))
	for _, g := range r.groups {
		out = append(out, Target{ID: g.ID, SKU: g.SKU, Name: g.Name, Kind: KindGroup, Children: g.Children})
	}
	for i := range r.standalone {
		d := r.standalone[i]
		out = append(out, Target{ID: d.ID, SKU: d.SKU, Name: d.Name, Kind: KindDevice, Device: &d})
	}
	return out
}

// Segments returns the named segments of a device.
func (r *Registry) Segments(deviceID string) ([]Segment, error) {
	d, ok := r.Device(deviceID)
	if !ok {
		return nil, fmt.Errorf("device %q not found", deviceID)
	}
	if !d.Capabilities.HasSegments {
		return nil, nil
	}
	return r.segments.For(d.SKU, d.SegmentCount), nil
}

// SegmentMap returns the SKU segment mapping.
func (r *Registry) SegmentMap() *SegmentMap {
	return r.segments
}

// buildSections groups groups by area ancestry. Sections are sorted by path.
func buildSections(areas []Area, groups []Group) []Section {
	byID := make(map[string]Area, len(areas))
	for _, a := range areas {
		byID[a.ID] = a
	}

	sections := make(map[string]*Section)
	var order []string
	for _, g := range groups {
		key := g.AreaID
		if _, known := byID[key]; !known {
			key = ""
		}
		s, ok := sections[key]
		if !ok {
			s = &Section{AreaID: key}
			if key == "" {
				s.Name = UnassignedSection
				s.Path = []string{UnassignedSection}
			} else {
				s.Path = areaPath(byID, key)
				s.Name = s.Path[len(s.Path)-1]
			}
			sections[key] = s
			order = append(order, key)
		}
		s.Groups = append(s.Groups, g)
	}

	out := make([]Section, 0, len(order))
	for _, key := range order {
		out = append(out, *sections[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		// Unassigned always sorts last
		if out[i].AreaID == "" || out[j].AreaID == "" {
			return out[j].AreaID == "" && out[i].AreaID != ""
		}
		return strings.Join(out[i].Path, "/") < strings.Join(out[j].Path, "/")
	})
	return out
}

// areaPath walks parents up to the root. Cycles are cut at the first repeat.
func areaPath(byID map[string]Area, id string) []string {
	var path []string
	seen := make(map[string]bool)
	for id != "" && !seen[id] {
		a, ok := byID[id]
		if !ok {
			break
		}
		seen[id] = true
		path = append([]string{a.Name}, path...)
		id = a.ParentID
	}
	return path
}
