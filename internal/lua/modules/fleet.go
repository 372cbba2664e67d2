package modules

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/fleetd/internal/actions"
	"github.com/dokzlo13/fleetd/internal/intent"
	"github.com/dokzlo13/fleetd/internal/state"
)

// Fleet is the control surface scripts talk to.
type Fleet interface {
	Handle(ctx context.Context, in intent.Intent) error
	State(id string) (state.ControlState, bool)
}

// FleetModule provides fleet.action() and the control functions to Lua
type FleetModule struct {
	fleet    Fleet
	registry *actions.Registry
}

// NewFleetModule creates a new fleet module
func NewFleetModule(fleet Fleet, registry *actions.Registry) *FleetModule {
	return &FleetModule{fleet: fleet, registry: registry}
}

// Loader is the module loader for Lua
func (m *FleetModule) Loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"action":        m.action,
		"toggle":        m.toggle,
		"brightness":    m.brightness,
		"color":         m.color,
		"color_temp":    m.colorTemp,
		"segment_color": m.segmentColor,
		"scene":         m.scene,
		"all_off":       m.bulk(intent.KindAllOff),
		"all_on":        m.bulk(intent.KindAllOn),
		"refresh":       m.refresh,
		"state":         m.state,
		"sleep":         m.sleep,
	})
	L.Push(mod)
	return 1
}

// action(name, function(args)) - Define a named action
func (m *FleetModule) action(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)

	if err := m.registry.Register(&luaAction{name: name, L: L, fn: fn}); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	log.Debug().Str("action", name).Msg("Registered Lua action")
	return 0
}

// toggle(target, on?) - Switch a target; without on, flip it
func (m *FleetModule) toggle(L *lua.LState) int {
	in := intent.Intent{Kind: intent.KindToggle, Target: L.CheckString(1)}
	if L.GetTop() >= 2 {
		on := L.CheckBool(2)
		in.On = &on
	}
	return m.submit(L, in)
}

// brightness(target, percent)
func (m *FleetModule) brightness(L *lua.LState) int {
	return m.submit(L, intent.Intent{Kind: intent.KindBrightness, Target: L.CheckString(1), Value: L.CheckInt(2)})
}

// color(target, "#RRGGBB")
func (m *FleetModule) color(L *lua.LState) int {
	return m.submit(L, intent.Intent{Kind: intent.KindColor, Target: L.CheckString(1), Hex: L.CheckString(2)})
}

// color_temp(target, kelvin)
func (m *FleetModule) colorTemp(L *lua.LState) int {
	return m.submit(L, intent.Intent{Kind: intent.KindColorTemp, Target: L.CheckString(1), Value: L.CheckInt(2)})
}

// segment_color(device, {0, 1} or {"Ring"}, "#RRGGBB")
func (m *FleetModule) segmentColor(L *lua.LState) int {
	in := intent.Intent{Kind: intent.KindSegmentColor, Target: L.CheckString(1), Hex: L.CheckString(3)}

	segs := L.CheckTable(2)
	var err error
	if _, named := segs.RawGetInt(1).(lua.LString); named {
		in.SegmentNames, err = stringList(segs)
	} else {
		in.Segments, err = intList(segs)
	}
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	return m.submit(L, in)
}

// scene(target, name)
func (m *FleetModule) scene(L *lua.LState) int {
	return m.submit(L, intent.Intent{Kind: intent.KindScene, Target: L.CheckString(1), SceneName: L.CheckString(2)})
}

func (m *FleetModule) bulk(kind intent.Kind) lua.LGFunction {
	return func(L *lua.LState) int {
		return m.submit(L, intent.Intent{Kind: kind})
	}
}

// refresh(target?) - Poll now
func (m *FleetModule) refresh(L *lua.LState) int {
	return m.submit(L, intent.Intent{Kind: intent.KindRefresh, Target: L.OptString(1, "")})
}

// state(target) - Current control state as a table, or nil
func (m *FleetModule) state(L *lua.LState) int {
	s, ok := m.fleet.State(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}

	tbl := MapToLuaTable(L, map[string]any{
		"on":           s.On,
		"brightness":   s.Brightness,
		"disconnected": s.Disconnected,
	})
	if s.ColorHex != "" {
		tbl.RawSetString("color", lua.LString(s.ColorHex))
	}
	if s.ColorTempK != 0 {
		tbl.RawSetString("color_temp", lua.LNumber(s.ColorTempK))
	}
	L.Push(tbl)
	return 1
}

// sleep(ms) - Pause the action; returns early when it is cancelled
func (m *FleetModule) sleep(L *lua.LState) int {
	d := time.Duration(L.CheckInt(1)) * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-luaContext(L).Done():
		L.RaiseError("sleep interrupted: %s", luaContext(L).Err().Error())
	}
	return 0
}

func (m *FleetModule) submit(L *lua.LState, in intent.Intent) int {
	in.Source = "lua"
	if err := m.fleet.Handle(luaContext(L), in); err != nil {
		L.RaiseError("%s %s: %v", in.Kind, in.Target, err)
	}
	return 0
}

// luaContext returns the context set by the runtime, or Background during script loading
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// luaAction is an action defined by fleet.action().
// The LState is captured at registration; every call runs on the runtime worker.
type luaAction struct {
	name string
	L    *lua.LState
	fn   *lua.LFunction
}

func (a *luaAction) Name() string { return a.name }

func (a *luaAction) Execute(ctx context.Context, args map[string]any) error {
	a.L.SetContext(ctx)
	defer a.L.RemoveContext()

	if args == nil {
		args = map[string]any{}
	}
	args["name"] = a.name

	return a.L.CallByParam(lua.P{
		Fn:      a.fn,
		NRet:    0,
		Protect: true,
	}, MapToLuaTable(a.L, args))
}
