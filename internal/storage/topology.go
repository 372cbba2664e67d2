// Package storage provides SQLite-backed stores for topology and cached vendor data.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fleetd/internal/registry"
)

// TopologyStore reads the static device topology from SQLite.
// It implements registry.Source.
type TopologyStore struct {
	db *sql.DB
}

// NewTopologyStore creates a topology store
func NewTopologyStore(db *sql.DB) *TopologyStore {
	return &TopologyStore{db: db}
}

var _ registry.Source = (*TopologyStore)(nil)

// LoadTopology reads areas, groups and devices. Devices with a parent that is
// not a known group are treated as standalone.
func (s *TopologyStore) LoadTopology(ctx context.Context) (*registry.Topology, error) {
	areas, err := s.loadAreas(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := s.loadGroups(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := s.loadDevices(ctx)
	if err != nil {
		return nil, err
	}

	byGroup := make(map[string]int, len(groups))
	for i, g := range groups {
		byGroup[g.ID] = i
	}

	topo := &registry.Topology{Areas: areas, Groups: groups}
	for _, d := range devices {
		if d.GroupID != "" {
			if idx, ok := byGroup[d.GroupID]; ok {
				topo.Groups[idx].Children = append(topo.Groups[idx].Children, d)
				continue
			}
			log.Warn().Str("device", d.ID).Str("group", d.GroupID).Msg("Device references unknown group, treating as standalone")
			d.GroupID = ""
		}
		topo.Standalone = append(topo.Standalone, d)
	}

	return topo, nil
}

func (s *TopologyStore) loadAreas(ctx context.Context) ([]registry.Area, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT area_id, name, parent_id FROM areas ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query areas: %w", err)
	}
	defer rows.Close()

	var areas []registry.Area
	for rows.Next() {
		var a registry.Area
		var parent sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &parent); err != nil {
			return nil, fmt.Errorf("failed to scan area: %w", err)
		}
		a.ParentID = parent.String
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

func (s *TopologyStore) loadGroups(ctx context.Context) ([]registry.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, sku, name, area_id FROM light_groups ORDER BY sort_order, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []registry.Group
	for rows.Next() {
		var g registry.Group
		var sku, area sql.NullString
		if err := rows.Scan(&g.ID, &sku, &g.Name, &area); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		g.SKU = sku.String
		g.AreaID = area.String
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// loadDevices joins sku_models so unknown SKUs come back with no model and zero segments.
func (s *TopologyStore) loadDevices(ctx context.Context) ([]registry.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.device_id, d.parent_group_id, d.sku, d.name, d.capabilities,
		       m.model_name, COALESCE(m.segment_count, 0)
		FROM light_devices d
		LEFT JOIN sku_models m ON m.sku = d.sku
		ORDER BY d.sort_order, d.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []registry.Device
	for rows.Next() {
		var d registry.Device
		var parent, caps, model sql.NullString
		if err := rows.Scan(&d.ID, &parent, &d.SKU, &d.Name, &caps, &model, &d.SegmentCount); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.GroupID = parent.String
		d.Model = model.String
		if caps.Valid && caps.String != "" {
			if err := json.Unmarshal([]byte(caps.String), &d.Capabilities); err != nil {
				log.Warn().Err(err).Str("device", d.ID).Msg("Invalid capabilities JSON, ignoring")
			}
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
