package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/dokzlo13/fleetd/internal/db"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func mustExec(t *testing.T, database *db.DB, query string, args ...any) {
	t.Helper()
	if _, err := database.Exec(query, args...); err != nil {
		t.Fatalf("exec %q error = %v", query, err)
	}
}

// =============================================================================
// TopologyStore
// =============================================================================

func TestLoadTopology(t *testing.T) {
	database := openTestDB(t)
	mustExec(t, database, `INSERT INTO areas (area_id, name, parent_id) VALUES ('home', 'Home', NULL), ('lr', 'Living room', 'home')`)
	mustExec(t, database, `INSERT INTO light_groups (group_id, name, area_id, sort_order) VALUES ('g1', 'Couch', 'lr', 1), ('g2', 'Empty', NULL, 2)`)
	mustExec(t, database, `INSERT INTO sku_models (sku, model_name, segment_count) VALUES ('H6076', 'Floor Lamp Basic', 15)`)
	mustExec(t, database, `INSERT INTO light_devices (device_id, parent_group_id, sku, name, capabilities) VALUES
		('d1', 'g1', 'H6076', 'Lamp', '{"segments":true,"scenes":true}'),
		('d2', 'g1', 'H9999', 'Mystery', NULL),
		('d3', NULL, 'H6008', 'Porch', '{"scenes":true}'),
		('d4', 'gone', 'H6008', 'Orphan', 'not json')`)

	topo, err := NewTopologyStore(database.DB).LoadTopology(context.Background())
	if err != nil {
		t.Fatalf("LoadTopology() error = %v", err)
	}

	if len(topo.Areas) != 2 {
		t.Errorf("len(Areas) = %d, want 2", len(topo.Areas))
	}
	if len(topo.Groups) != 2 {
		t.Fatalf("len(Groups) = %d, want 2", len(topo.Groups))
	}

	g1 := topo.Groups[0]
	if g1.ID != "g1" || g1.SKU != "SameModeGroup" {
		t.Errorf("group = %+v, want g1 with default sku", g1)
	}
	if len(g1.Children) != 2 {
		t.Fatalf("len(g1.Children) = %d, want 2", len(g1.Children))
	}

	children := map[string]int{}
	for i, d := range g1.Children {
		children[d.ID] = i
	}
	lamp := g1.Children[children["d1"]]
	if lamp.SegmentCount != 15 || lamp.Model != "Floor Lamp Basic" || !lamp.Capabilities.HasSegments {
		t.Errorf("lamp = %+v", lamp)
	}
	mystery := g1.Children[children["d2"]]
	if mystery.SegmentCount != 0 || mystery.Model != "" {
		t.Errorf("unknown sku device = %+v, want zero segments and no model", mystery)
	}

	if len(topo.Groups[1].Children) != 0 {
		t.Errorf("empty group has %d children", len(topo.Groups[1].Children))
	}

	if len(topo.Standalone) != 2 {
		t.Fatalf("len(Standalone) = %d, want 2", len(topo.Standalone))
	}
	for _, d := range topo.Standalone {
		if d.GroupID != "" {
			t.Errorf("standalone %s has GroupID %q", d.ID, d.GroupID)
		}
	}
}

func TestLoadTopology_Empty(t *testing.T) {
	database := openTestDB(t)

	topo, err := NewTopologyStore(database.DB).LoadTopology(context.Background())
	if err != nil {
		t.Fatalf("LoadTopology() error = %v", err)
	}
	if len(topo.Groups) != 0 || len(topo.Standalone) != 0 {
		t.Errorf("topology = %+v, want empty", topo)
	}
}

func TestLoadTopology_ClosedDB(t *testing.T) {
	database := openTestDB(t)
	database.Close()

	if _, err := NewTopologyStore(database.DB).LoadTopology(context.Background()); err == nil {
		t.Error("LoadTopology() expected error on closed database")
	}
}

// =============================================================================
// SceneStore
// =============================================================================

func TestSceneStore(t *testing.T) {
	database := openTestDB(t)
	store := NewSceneStore(database.DB)

	if _, ok := store.Get("H6076"); ok {
		t.Fatal("Get() on empty store returned a hit")
	}

	first := json.RawMessage(`[{"name":"Aurora","value":{"id":1}}]`)
	if err := store.Put("H6076", first); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	second := json.RawMessage(`[{"name":"Sunset","value":{"id":2}}]`)
	if err := store.Put("H6076", second); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok := store.Get("H6076")
	if !ok {
		t.Fatal("Get() miss after Put")
	}
	if string(got) != string(second) {
		t.Errorf("Get() = %s, want %s", got, second)
	}
}
