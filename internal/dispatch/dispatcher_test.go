package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/fleetd/internal/govee"
	"github.com/dokzlo13/fleetd/internal/ledger"
	"github.com/dokzlo13/fleetd/internal/notify"
	"github.com/dokzlo13/fleetd/internal/registry"
	"github.com/dokzlo13/fleetd/internal/state"
)

type call struct {
	Device     string
	SKU        string
	Capability govee.Capability
}

type fakeController struct {
	mu    sync.Mutex
	calls []call
	errs  map[string]error // device id -> error
}

func (f *fakeController) ControlDevice(ctx context.Context, device, sku string, c govee.Capability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Device: device, SKU: sku, Capability: c})
	return f.errs[device]
}

func (f *fakeController) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

type mapResolver map[string]registry.Target

func (m mapResolver) Resolve(id string) (registry.Target, bool) {
	t, ok := m[id]
	return t, ok
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Notification
}

func (r *recordingNotifier) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, n)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type memLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (m *memLedger) Append(e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func testTargets() mapResolver {
	lamp := registry.Device{ID: "d1", SKU: "H6076", Name: "Lamp", GroupID: "g1", SegmentCount: 15,
		Capabilities: registry.Capabilities{HasSegments: true, HasScenes: true}}
	bulb := registry.Device{ID: "d2", SKU: "H6008", Name: "Bulb", GroupID: "g1"}
	strip := registry.Device{ID: "d3", SKU: "H6199", Name: "Strip", GroupID: "g1",
		Capabilities: registry.Capabilities{HasScenes: true}}
	porch := registry.Device{ID: "d9", SKU: "H6008", Name: "Porch"}

	return mapResolver{
		"g1": {ID: "g1", SKU: registry.DefaultGroupSKU, Name: "Living", Kind: registry.KindGroup,
			Children: []registry.Device{lamp, bulb, strip}},
		"g2": {ID: "g2", SKU: registry.DefaultGroupSKU, Name: "Plain", Kind: registry.KindGroup,
			Children: []registry.Device{bulb, porch}},
		"g3": {ID: "g3", SKU: registry.DefaultGroupSKU, Name: "Unknown", Kind: registry.KindGroup},
		"d1": {ID: "d1", SKU: lamp.SKU, Name: lamp.Name, Kind: registry.KindDevice, Device: &lamp},
		"d9": {ID: "d9", SKU: porch.SKU, Name: porch.Name, Kind: registry.KindDevice, Device: &porch},
	}
}

func newTestDispatcher(t *testing.T, ctrl *fakeController, n notify.Notifier, opts Options) (*Dispatcher, *state.Table) {
	t.Helper()
	if opts.Debounce == 0 {
		opts.Debounce = 30 * time.Millisecond
	}
	states := state.NewTable()
	d := New(ctrl, testTargets(), states, n, opts)
	t.Cleanup(d.Close)
	return d, states
}

// =============================================================================
// Toggle
// =============================================================================

func TestToggle_Success(t *testing.T) {
	ctrl := &fakeController{}
	d, states := newTestDispatcher(t, ctrl, nil, Options{})
	states.Apply("g1", state.PollFailed{})

	if err := d.Toggle(context.Background(), "g1", true); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}

	got, _ := states.Get("g1")
	if !got.On || got.Disconnected {
		t.Errorf("state = %+v, want on and connected", got)
	}
	calls := ctrl.snapshot()
	if len(calls) != 1 || calls[0].Capability.Instance != govee.InstancePower || calls[0].Capability.Value != 1 {
		t.Errorf("calls = %+v", calls)
	}
	if calls[0].SKU != registry.DefaultGroupSKU {
		t.Errorf("sku = %q, want group sku", calls[0].SKU)
	}
}

func TestToggle_RollbackOnFailure(t *testing.T) {
	ctrl := &fakeController{errs: map[string]error{"g1": &govee.VendorError{Status: 400, Message: "device busy"}}}
	n := &recordingNotifier{}
	l := &memLedger{}
	d, states := newTestDispatcher(t, ctrl, n, Options{Ledger: l})

	err := d.Toggle(context.Background(), "g1", true)
	var ve *govee.VendorError
	if !errors.As(err, &ve) {
		t.Fatalf("Toggle() error = %v, want *VendorError", err)
	}

	got, _ := states.Get("g1")
	if got.On {
		t.Error("state still on after failed toggle")
	}
	if got.Disconnected {
		t.Error("vendor rejection should not mark disconnected")
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
	if len(l.entries) != 1 || l.entries[0].EventType != ledger.EventControlFailed {
		t.Errorf("ledger = %+v", l.entries)
	}
}

func TestToggleQuiet_RollsBackWithoutNotifying(t *testing.T) {
	ctrl := &fakeController{errs: map[string]error{"g1": &govee.VendorError{Status: 500, Message: "boom"}}}
	n := &recordingNotifier{}
	l := &memLedger{}
	d, states := newTestDispatcher(t, ctrl, n, Options{Ledger: l})

	if err := d.ToggleQuiet(context.Background(), "g1", true); err == nil {
		t.Fatal("ToggleQuiet() expected error")
	}

	got, _ := states.Get("g1")
	if got.On {
		t.Error("state still on after failed toggle")
	}
	if n.count() != 0 {
		t.Errorf("notifications = %d, want 0", n.count())
	}
	if len(l.entries) != 1 || l.entries[0].EventType != ledger.EventControlFailed {
		t.Errorf("ledger = %+v", l.entries)
	}
}

func TestToggle_TransportFailureMarksDisconnected(t *testing.T) {
	ctrl := &fakeController{errs: map[string]error{"d9": &govee.TransportError{Err: errors.New("timeout")}}}
	n := &recordingNotifier{}
	d, states := newTestDispatcher(t, ctrl, n, Options{})

	if err := d.Toggle(context.Background(), "d9", true); err == nil {
		t.Fatal("Toggle() expected error")
	}

	got, _ := states.Get("d9")
	if got.On || !got.Disconnected {
		t.Errorf("state = %+v, want off and disconnected", got)
	}
	if n.count() != 0 {
		t.Errorf("notifications = %d, want none for disconnected device", n.count())
	}
}

func TestToggle_UnknownTarget(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeController{}, nil, Options{})
	if err := d.Toggle(context.Background(), "nope", true); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("Toggle() error = %v, want ErrUnknownTarget", err)
	}
}

// =============================================================================
// Debounced axes
// =============================================================================

func TestSetBrightness_DebounceCollapse(t *testing.T) {
	ctrl := &fakeController{}
	var outcomes []Outcome
	var mu sync.Mutex
	d, states := newTestDispatcher(t, ctrl, nil, Options{OnControl: func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}})

	for _, v := range []int{10, 25, 40, 55, 70} {
		if err := d.SetBrightness("g1", v); err != nil {
			t.Fatalf("SetBrightness(%d) error = %v", v, err)
		}
		got, _ := states.Get("g1")
		if got.Brightness != v {
			t.Errorf("local brightness = %d, want %d immediately", got.Brightness, v)
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(120 * time.Millisecond)

	calls := ctrl.snapshot()
	if len(calls) != 1 {
		t.Fatalf("vendor calls = %d, want 1", len(calls))
	}
	if calls[0].Capability.Value != 70 {
		t.Errorf("sent brightness = %v, want 70", calls[0].Capability.Value)
	}
	mu.Lock()
	if len(outcomes) != 1 || outcomes[0].Axis != "brightness" {
		t.Errorf("outcomes = %+v", outcomes)
	}
	mu.Unlock()
}

func TestSetBrightness_ZeroRaisedToOne(t *testing.T) {
	ctrl := &fakeController{}
	d, states := newTestDispatcher(t, ctrl, nil, Options{})

	if err := d.SetBrightness("d1", 0); err != nil {
		t.Fatalf("SetBrightness() error = %v", err)
	}
	if got, _ := states.Get("d1"); got.Brightness != 1 {
		t.Errorf("brightness = %d, want 1", got.Brightness)
	}
}

func TestSetColor_FailureReportedNotRolledBack(t *testing.T) {
	ctrl := &fakeController{errs: map[string]error{"d1": &govee.VendorError{Status: 500, Message: "boom"}}}
	n := &recordingNotifier{}
	d, states := newTestDispatcher(t, ctrl, n, Options{})

	if err := d.SetColor("d1", "#00ff00"); err != nil {
		t.Fatalf("SetColor() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	got, _ := states.Get("d1")
	if got.ColorHex != "#00FF00" {
		t.Errorf("ColorHex = %q, want optimistic value kept", got.ColorHex)
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

func TestSetColor_ReplacesPendingColorTemp(t *testing.T) {
	ctrl := &fakeController{}
	d, _ := newTestDispatcher(t, ctrl, nil, Options{})

	d.SetColorTemp("g1", 3000)
	d.SetColor("g1", "#FF0000")
	time.Sleep(100 * time.Millisecond)

	calls := ctrl.snapshot()
	if len(calls) != 1 || calls[0].Capability.Instance != govee.InstanceColorRGB {
		t.Errorf("calls = %+v, want only the color write", calls)
	}
}

func TestSetSegmentColor_IndependentSets(t *testing.T) {
	ctrl := &fakeController{}
	d, _ := newTestDispatcher(t, ctrl, nil, Options{})

	d.SetSegmentColor("d1", []int{0, 1}, "#FF0000")
	d.SetSegmentColor("d1", []int{1, 0, 1}, "#00FF00") // same set, replaces
	d.SetSegmentColor("d1", []int{5}, "#0000FF")
	time.Sleep(100 * time.Millisecond)

	calls := ctrl.snapshot()
	if len(calls) != 2 {
		t.Fatalf("vendor calls = %d, want 2", len(calls))
	}
	for _, c := range calls {
		v := c.Capability.Value.(map[string]any)
		segs := v["segment"].([]int)
		if len(segs) == 2 && v["rgb"] != 0x00FF00 {
			t.Errorf("segment set [0 1] sent %v, want last color", v["rgb"])
		}
	}
}

func TestValidation(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeController{}, nil, Options{})

	tests := []struct {
		name string
		fn   func() error
		want error
	}{
		{"brightness high", func() error { return d.SetBrightness("g1", 101) }, ErrInvalidValue},
		{"brightness negative", func() error { return d.SetBrightness("g1", -1) }, ErrInvalidValue},
		{"bad hex", func() error { return d.SetColor("g1", "#zz0000") }, ErrInvalidValue},
		{"kelvin low", func() error { return d.SetColorTemp("g1", 1000) }, ErrInvalidValue},
		{"kelvin unknown target", func() error { return d.SetColorTemp("nope", 3000) }, ErrUnknownTarget},
		{"segment on group", func() error { return d.SetSegmentColor("g1", []int{0}, "#FF0000") }, ErrInvalidValue},
		{"segment unsupported", func() error { return d.SetSegmentColor("d9", []int{0}, "#FF0000") }, ErrInvalidValue},
		{"segment out of range", func() error { return d.SetSegmentColor("d1", []int{15}, "#FF0000") }, ErrInvalidValue},
		{"segment empty", func() error { return d.SetSegmentColor("d1", nil, "#FF0000") }, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after rejected writes", d.Pending())
	}
}

func TestClose_AbandonsPendingWrites(t *testing.T) {
	ctrl := &fakeController{}
	d, _ := newTestDispatcher(t, ctrl, nil, Options{})

	d.SetBrightness("g1", 50)
	d.Close()
	time.Sleep(80 * time.Millisecond)

	if n := len(ctrl.snapshot()); n != 0 {
		t.Errorf("vendor calls after Close = %d, want 0", n)
	}
}

// =============================================================================
// Scenes
// =============================================================================

var sceneValue = json.RawMessage(`{"id":42,"paramId":7}`)

func TestActivateScene_GroupPartialFailure(t *testing.T) {
	ctrl := &fakeController{errs: map[string]error{"d3": &govee.VendorError{Status: 400, Message: "unsupported"}}}
	n := &recordingNotifier{}
	l := &memLedger{}
	d, states := newTestDispatcher(t, ctrl, n, Options{Ledger: l})

	res, err := d.ActivateScene(context.Background(), "g1", sceneValue)
	if err != nil {
		t.Fatalf("ActivateScene() error = %v", err)
	}
	// only d1 and d3 are scene-capable
	want := SceneResult{Attempted: 2, Succeeded: 1, Failed: 1}
	if res != want {
		t.Errorf("ActivateScene() = %+v, want %+v", res, want)
	}
	if got, _ := states.Get("g1"); !got.On {
		t.Error("group should be on after scene")
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want one partial warning", n.count())
	}
	if len(l.entries) != 1 || l.entries[0].EventType != ledger.EventSceneActivated {
		t.Errorf("ledger = %+v", l.entries)
	}
}

func TestActivateScene_NoFlaggedChildrenUsesAll(t *testing.T) {
	ctrl := &fakeController{}
	d, _ := newTestDispatcher(t, ctrl, nil, Options{})

	res, err := d.ActivateScene(context.Background(), "g2", sceneValue)
	if err != nil {
		t.Fatalf("ActivateScene() error = %v", err)
	}
	if res.Attempted != 2 || res.Succeeded != 2 {
		t.Errorf("ActivateScene() = %+v", res)
	}
	for _, c := range ctrl.snapshot() {
		if c.Capability.Instance != govee.InstanceLightScene {
			t.Errorf("instance = %s", c.Capability.Instance)
		}
	}
}

func TestActivateScene_AllFail(t *testing.T) {
	boom := &govee.VendorError{Status: 500, Message: "boom"}
	ctrl := &fakeController{errs: map[string]error{"d2": boom, "d9": boom}}
	d, states := newTestDispatcher(t, ctrl, nil, Options{})

	res, err := d.ActivateScene(context.Background(), "g2", sceneValue)
	if err == nil {
		t.Fatal("ActivateScene() expected error")
	}
	if res.Failed != 2 || res.Succeeded != 0 {
		t.Errorf("ActivateScene() = %+v", res)
	}
	if got, _ := states.Get("g2"); got.On {
		t.Error("group should not be marked on")
	}
}

func TestActivateScene_EmptyGroupAddressedDirectly(t *testing.T) {
	ctrl := &fakeController{}
	d, _ := newTestDispatcher(t, ctrl, nil, Options{})

	res, err := d.ActivateScene(context.Background(), "g3", sceneValue)
	if err != nil {
		t.Fatalf("ActivateScene() error = %v", err)
	}
	calls := ctrl.snapshot()
	if res.Attempted != 1 || len(calls) != 1 || calls[0].Device != "g3" {
		t.Errorf("result = %+v, calls = %+v", res, calls)
	}
}

func TestActivateScene_InvalidValue(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeController{}, nil, Options{})
	if _, err := d.ActivateScene(context.Background(), "g1", json.RawMessage(`{bad`)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("ActivateScene() error = %v, want ErrInvalidValue", err)
	}
}
