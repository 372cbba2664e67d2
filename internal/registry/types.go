// Package registry holds the static device topology: areas, groups, child devices and their segments.
package registry

import "context"

// DefaultGroupSKU is the vendor model used to address a group as a single unit.
const DefaultGroupSKU = "SameModeGroup"

// Kind identifies what a target id refers to.
type Kind string

// Target kinds
const (
	KindGroup  Kind = "group"
	KindDevice Kind = "device"
)

// Capabilities are the optional features of a device model.
type Capabilities struct {
	HasSegments bool `json:"segments"`
	HasScenes   bool `json:"scenes"`
}

// Device is a physical light, optionally a child of one group.
type Device struct {
	ID           string       `json:"id"`
	SKU          string       `json:"sku"`
	Name         string       `json:"name"`
	Model        string       `json:"model,omitempty"`
	GroupID      string       `json:"group_id,omitempty"`
	SegmentCount int          `json:"segment_count"`
	Capabilities Capabilities `json:"capabilities"`
}

// Group controls its children in lock-step. Zero children is valid (count unknown).
type Group struct {
	ID       string   `json:"id"`
	SKU      string   `json:"sku"`
	Name     string   `json:"name"`
	AreaID   string   `json:"area_id,omitempty"`
	Children []Device `json:"children"`
}

// Area is a node in the display hierarchy.
type Area struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// Segment is a client-side named grouping of raw segment indices.
type Segment struct {
	Name    string `json:"name"`
	Indices []int  `json:"indices"`
}

// Section groups groups under one area for display.
type Section struct {
	AreaID string   `json:"area_id"`
	Name   string   `json:"name"`
	Path   []string `json:"path"`
	Groups []Group  `json:"groups"`
}

// Topology is the raw data loaded from a Source.
type Topology struct {
	Areas      []Area
	Groups     []Group
	Standalone []Device
}

// Snapshot is the result of a registry load.
type Snapshot struct {
	Groups     []Group   `json:"groups"`
	Standalone []Device  `json:"standalone"`
	Sections   []Section `json:"sections"`
}

// Target is a resolved, addressable control target.
type Target struct {
	ID       string
	SKU      string
	Name     string
	Kind     Kind
	Children []Device // only for groups
	Device   *Device  // only for devices
}

// IsGroup reports whether the target is a group.
func (t Target) IsGroup() bool {
	return t.Kind == KindGroup
}

// Source loads topology from a backing store.
type Source interface {
	LoadTopology(ctx context.Context) (*Topology, error)
}
