package state

import (
	"sync"
	"testing"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int { return &i }
func strPtr(s string) *string { return &s }

func TestApply(t *testing.T) {
	base := ControlState{On: false, Brightness: 40, ColorHex: "#FF0000"}

	tests := []struct {
		name  string
		start ControlState
		event Event
		want  ControlState
	}{
		{
			name:  "toggle on",
			start: base,
			event: Toggled{On: true},
			want:  ControlState{On: true, Brightness: 40, ColorHex: "#FF0000"},
		},
		{
			name:  "toggle revert",
			start: ControlState{On: true},
			event: ToggleReverted{On: false},
			want:  ControlState{On: false},
		},
		{
			name:  "brightness turns on",
			start: base,
			event: BrightnessSet{Percent: 75},
			want:  ControlState{On: true, Brightness: 75, ColorHex: "#FF0000"},
		},
		{
			name:  "color clears temperature",
			start: ControlState{On: true, ColorTempK: 4000},
			event: ColorSet{Hex: "#00FF00"},
			want:  ControlState{On: true, ColorHex: "#00FF00"},
		},
		{
			name:  "color temp",
			start: base,
			event: ColorTempSet{Kelvin: 2700},
			want:  ControlState{On: true, Brightness: 40, ColorTempK: 2700},
		},
		{
			name:  "control success clears disconnected",
			start: ControlState{Disconnected: true},
			event: ControlSucceeded{},
			want:  ControlState{},
		},
		{
			name:  "transport failure marks disconnected",
			start: ControlState{On: true},
			event: ControlFailed{Transport: true},
			want:  ControlState{On: true, Disconnected: true},
		},
		{
			name:  "vendor rejection keeps connectivity",
			start: ControlState{On: true},
			event: ControlFailed{Transport: false},
			want:  ControlState{On: true},
		},
		{
			name:  "poll failure keeps values",
			start: base,
			event: PollFailed{},
			want:  ControlState{Brightness: 40, ColorHex: "#FF0000", Disconnected: true},
		},
		{
			name:  "poll merges reported fields only",
			start: ControlState{On: true, Brightness: 40, ColorHex: "#FF0000", Disconnected: true},
			event: Polled{Observed: Observed{Brightness: intPtr(10), Online: boolPtr(true)}},
			want:  ControlState{On: true, Brightness: 10, ColorHex: "#FF0000"},
		},
		{
			name:  "poll offline",
			start: base,
			event: Polled{Observed: Observed{On: boolPtr(true), Online: boolPtr(false)}},
			want:  ControlState{On: true, Brightness: 40, ColorHex: "#FF0000", Disconnected: true},
		},
		{
			name:  "poll in color mode clears stale temperature",
			start: Apply(ControlState{}, ColorTempSet{Kelvin: 3000}),
			event: Polled{Observed: Observed{ColorHex: strPtr("#FF0000")}},
			want:  ControlState{On: true, ColorHex: "#FF0000"},
		},
		{
			name:  "poll reports color mode via zero temperature",
			start: ControlState{On: true, ColorTempK: 3000},
			event: Polled{Observed: Observed{ColorTempK: intPtr(0)}},
			want:  ControlState{On: true},
		},
		{
			name:  "poll in white mode clears stale color",
			start: ControlState{On: true, ColorHex: "#00FF00"},
			event: Polled{Observed: Observed{ColorHex: strPtr("#FFFFFF"), ColorTempK: intPtr(4000)}},
			want:  ControlState{On: true, ColorTempK: 4000},
		},
		{
			name:  "poll overwrites optimistic color",
			start: ControlState{On: true, ColorHex: "#00FF00"},
			event: Polled{Observed: Observed{ColorHex: strPtr("#0000FF")}},
			want:  ControlState{On: true, ColorHex: "#0000FF"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(tt.start, tt.event)
			if got != tt.want {
				t.Errorf("Apply() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTable_LazyCreateAndNotify(t *testing.T) {
	table := NewTable()

	if _, ok := table.Get("g1"); ok {
		t.Fatal("Get() on empty table returned a state")
	}

	var changes []Change
	unsubscribe := table.Subscribe(func(c Change) {
		changes = append(changes, c)
	})

	after := table.Apply("g1", Toggled{On: true})
	if !after.On || after.UpdatedAt.IsZero() {
		t.Errorf("Apply() = %+v, want on with timestamp", after)
	}

	got, ok := table.Get("g1")
	if !ok || !got.On {
		t.Errorf("Get() = %+v, %v", got, ok)
	}

	if len(changes) != 1 || changes[0].Target != "g1" || changes[0].Before.On {
		t.Fatalf("changes = %+v", changes)
	}

	unsubscribe()
	table.Apply("g1", Toggled{On: false})
	if len(changes) != 1 {
		t.Errorf("subscriber called after unsubscribe: %d changes", len(changes))
	}
}

func TestTable_Snapshot(t *testing.T) {
	table := NewTable()
	table.Apply("a", Toggled{On: true})
	table.Apply("b", BrightnessSet{Percent: 20})

	snap := table.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot) = %d, want 2", len(snap))
	}

	// mutating the copy must not leak back
	snap["a"] = ControlState{}
	if got, _ := table.Get("a"); !got.On {
		t.Error("Snapshot() returned a shared map")
	}
}

func TestTable_ConcurrentApply(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			table.Apply("g1", BrightnessSet{Percent: i + 1})
		}(i)
	}
	wg.Wait()

	got, _ := table.Get("g1")
	if got.Brightness < 1 || got.Brightness > 50 {
		t.Errorf("Brightness = %d, want 1..50", got.Brightness)
	}
}

func TestTable_DeliveryFollowsApplyOrder(t *testing.T) {
	table := NewTable()

	var mu sync.Mutex
	var changes []Change
	table.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			table.Apply("g1", Polled{Observed: Observed{Brightness: intPtr(i + 1)}})
		}(i)
		go func() {
			defer wg.Done()
			table.Apply("g1", ControlSucceeded{})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 100 {
		t.Fatalf("len(changes) = %d, want 100", len(changes))
	}
	for i := 1; i < len(changes); i++ {
		if changes[i].Before != changes[i-1].After {
			t.Fatalf("change %d Before = %+v, want previous After %+v", i, changes[i].Before, changes[i-1].After)
		}
	}
	got, _ := table.Get("g1")
	if last := changes[len(changes)-1].After; last != got {
		t.Errorf("last delivered = %+v, want table state %+v", last, got)
	}
}
