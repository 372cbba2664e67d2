// Package engine wires the registry, caches, dispatcher, poller and bulk runner
// of one control session behind a single intent-driven API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fleetd/internal/bulk"
	"github.com/dokzlo13/fleetd/internal/dispatch"
	"github.com/dokzlo13/fleetd/internal/govee"
	"github.com/dokzlo13/fleetd/internal/intent"
	"github.com/dokzlo13/fleetd/internal/ledger"
	"github.com/dokzlo13/fleetd/internal/notify"
	"github.com/dokzlo13/fleetd/internal/poller"
	"github.com/dokzlo13/fleetd/internal/registry"
	"github.com/dokzlo13/fleetd/internal/scenes"
	"github.com/dokzlo13/fleetd/internal/state"
)

// Gateway is everything the engine needs from the vendor.
type Gateway interface {
	dispatch.Controller
	poller.StateReader
	scenes.Fetcher
}

// Actions runs named user actions.
type Actions interface {
	Invoke(ctx context.Context, name string) error
}

// Recorder appends to the control history.
type Recorder interface {
	Append(e ledger.Entry) error
}

// Deps are the engine's collaborators. Only Source is required besides the gateway.
type Deps struct {
	Source        registry.Source
	Segments      *registry.SegmentMap
	SceneFallback scenes.Fallback
	Ledger        Recorder
	Notifier      notify.Notifier
}

// Options tunes the engine's components.
type Options struct {
	Poller          poller.Options
	Dispatch        dispatch.Options
	BulkDelay       time.Duration
	IntentWorkers   int
	IntentQueueSize int
}

// Engine is one control session. Create it with New, run it with Start and
// tear it down with Close.
type Engine struct {
	registry   *registry.Registry
	states     *state.Table
	scenes     *scenes.Cache
	dispatcher *dispatch.Dispatcher
	poller     *poller.Poller
	bulk       *bulk.Runner
	intents    *intent.Queue
	notifier   notify.Notifier

	actionsMu sync.RWMutex
	actions   Actions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started      atomic.Bool
	loaded       atomic.Bool
	authNotified atomic.Bool
}

// New assembles an engine. Nothing runs until Start.
func New(gw Gateway, deps Deps, opts Options) *Engine {
	n := deps.Notifier
	if n == nil {
		n = notify.LogNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry: registry.New(deps.Source, deps.Segments),
		states:   state.NewTable(),
		notifier: n,
		ctx:      ctx,
		cancel:   cancel,
	}

	e.scenes = scenes.New(gw, deps.SceneFallback)

	dispatchOpts := opts.Dispatch
	if deps.Ledger != nil {
		dispatchOpts.Ledger = deps.Ledger
	}
	e.dispatcher = dispatch.New(gw, e.registry, e.states, n, dispatchOpts)

	pollOpts := opts.Poller
	onCycle := pollOpts.OnCycle
	pollOpts.OnCycle = func(r poller.CycleResult) {
		e.checkAuth(r.AuthErr)
		if onCycle != nil {
			onCycle(r)
		}
	}
	e.poller = poller.New(gw, e.registry, e.states, pollOpts)

	var rec bulk.Recorder
	if deps.Ledger != nil {
		rec = deps.Ledger
	}
	e.bulk = bulk.NewRunner(opts.BulkDelay, n, rec)

	e.intents = intent.NewQueue(opts.IntentWorkers, opts.IntentQueueSize, e.handleQueued)
	return e
}

// SetActions installs the named-action runner.
func (e *Engine) SetActions(a Actions) {
	e.actionsMu.Lock()
	defer e.actionsMu.Unlock()
	e.actions = a
}

// Start loads the registry and starts the poller. A registry failure is
// surfaced as a notification and leaves the engine running with no devices.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	e.LoadRegistry(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.poller.Run(e.ctx); err != nil {
			log.Error().Err(err).Msg("Poller error")
		}
	}()

	log.Info().Msg("Engine started")
	return nil
}

// LoadRegistry (re)loads the topology. On failure the registry is empty and a
// notification is sent.
func (e *Engine) LoadRegistry(ctx context.Context) (registry.Snapshot, error) {
	snap, err := e.registry.Load(ctx)
	if err != nil {
		e.loaded.Store(false)
		log.Error().Err(err).Msg("Failed to load device registry")
		notify.Send(e.notifier, notify.LevelError, "Could not load devices", err.Error())
		return snap, err
	}
	e.loaded.Store(true)
	return snap, nil
}

// Ready reports whether the registry loaded successfully.
func (e *Engine) Ready() bool {
	return e.loaded.Load()
}

// Close stops accepting intents, drains the queue until ctx expires, stops
// the poller and abandons pending debounced writes.
func (e *Engine) Close(ctx context.Context) {
	e.intents.Close(ctx)
	e.cancel()
	e.dispatcher.Close()
	e.wg.Wait()
	log.Info().Msg("Engine stopped")
}

// Submit queues an intent for asynchronous handling and returns its id.
func (e *Engine) Submit(in intent.Intent) (string, error) {
	return e.intents.Submit(in)
}

func (e *Engine) handleQueued(ctx context.Context, in intent.Intent) {
	if err := e.Handle(ctx, in); err != nil {
		log.Warn().Err(err).Str("intent_id", in.ID).Str("kind", string(in.Kind)).Str("target", in.Target).Msg("Intent failed")
		if errors.Is(err, dispatch.ErrInvalidValue) || errors.Is(err, dispatch.ErrUnknownTarget) || errors.Is(err, intent.ErrInvalid) {
			notify.SendFor(e.notifier, notify.LevelWarning, in.Target, "Request rejected", err.Error())
		}
	}
}

// Handle executes an intent synchronously.
func (e *Engine) Handle(ctx context.Context, in intent.Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}

	switch in.Kind {
	case intent.KindToggle:
		on := true
		if in.On != nil {
			on = *in.On
		} else if s, ok := e.states.Get(in.Target); ok {
			on = !s.On
		}
		return e.dispatcher.Toggle(ctx, in.Target, on)

	case intent.KindBrightness:
		return e.dispatcher.SetBrightness(in.Target, in.Value)

	case intent.KindColor:
		return e.dispatcher.SetColor(in.Target, in.Hex)

	case intent.KindColorTemp:
		return e.dispatcher.SetColorTemp(in.Target, in.Value)

	case intent.KindSegmentColor:
		indices := in.Segments
		if len(in.SegmentNames) > 0 {
			d, ok := e.registry.Device(in.Target)
			if !ok {
				return fmt.Errorf("%w: %s", dispatch.ErrUnknownTarget, in.Target)
			}
			named, err := e.registry.SegmentMap().Indices(d.SKU, d.SegmentCount, in.SegmentNames...)
			if err != nil {
				return fmt.Errorf("%w: %v", dispatch.ErrInvalidValue, err)
			}
			indices = append(append([]int{}, indices...), named...)
		}
		return e.dispatcher.SetSegmentColor(in.Target, indices, in.Hex)

	case intent.KindScene:
		value := in.Scene
		if len(value) == 0 {
			sc, err := e.findScene(ctx, in.Target, in.SceneName)
			if err != nil {
				return err
			}
			value = sc.Value
		}
		_, err := e.dispatcher.ActivateScene(ctx, in.Target, value)
		return err

	case intent.KindAllOff:
		e.AllOff(ctx)
		return nil

	case intent.KindAllOn:
		e.AllOn(ctx)
		return nil

	case intent.KindLoadChildren:
		if _, ok := e.registry.Group(in.Target); !ok {
			return fmt.Errorf("%w: %s", dispatch.ErrUnknownTarget, in.Target)
		}
		e.background(func(ctx context.Context) {
			if _, err := e.poller.LoadChildren(ctx, in.Target); err != nil {
				e.checkAuth(err)
			}
		})
		return nil

	case intent.KindVisibility:
		e.SetVisible(*in.Visible)
		return nil

	case intent.KindRefresh:
		e.poller.Trigger()
		if _, ok := e.registry.Group(in.Target); ok {
			e.background(func(ctx context.Context) {
				if _, err := e.poller.ReloadChildren(ctx, in.Target); err != nil {
					e.checkAuth(err)
				}
			})
		}
		return nil

	case intent.KindAction:
		e.actionsMu.RLock()
		a := e.actions
		e.actionsMu.RUnlock()
		if a == nil {
			return fmt.Errorf("no actions configured, cannot run %q", in.Name)
		}
		if err := a.Invoke(ctx, in.Name); err != nil {
			notify.Send(e.notifier, notify.LevelError, "Action failed", fmt.Sprintf("%s: %v", in.Name, err))
			return err
		}
		return nil

	case intent.KindReload:
		return e.Reload(ctx)
	}

	return fmt.Errorf("%w: unhandled kind %q", intent.ErrInvalid, in.Kind)
}

// background runs fn on the engine context, tracked for Close.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// Reload re-reads the topology, forgets memoized scenes and child-load markers
// and triggers a poll.
func (e *Engine) Reload(ctx context.Context) error {
	if _, err := e.LoadRegistry(ctx); err != nil {
		return err
	}
	e.scenes.Forget("")
	e.poller.ResetChildren()
	e.poller.Trigger()
	notify.Send(e.notifier, notify.LevelInfo, "Devices reloaded", "Device list refreshed")
	return nil
}

// AllOff switches every top-level target off, one at a time.
func (e *Engine) AllOff(ctx context.Context) bulk.Summary {
	return e.bulkToggle(ctx, "All off", false)
}

// AllOn switches every top-level target on, one at a time.
func (e *Engine) AllOn(ctx context.Context) bulk.Summary {
	return e.bulkToggle(ctx, "All on", true)
}

// bulkToggle leaves failure reporting to the runner's summary. Only an
// expired session is announced on its own.
func (e *Engine) bulkToggle(ctx context.Context, name string, on bool) bulk.Summary {
	return e.bulk.Run(ctx, name, e.registry.Targets(), func(ctx context.Context, t registry.Target) error {
		err := e.dispatcher.ToggleQuiet(ctx, t.ID, on)
		if err != nil {
			e.checkAuth(err)
		}
		return err
	})
}

// SetVisible pauses or resumes polling.
func (e *Engine) SetVisible(v bool) {
	e.poller.SetVisible(v)
}

// PollOnce runs one poll cycle outside the loop.
func (e *Engine) PollOnce(ctx context.Context) poller.CycleResult {
	res := e.poller.PollOnce(ctx)
	e.checkAuth(res.AuthErr)
	return res
}

// Topology returns the loaded topology.
func (e *Engine) Topology() registry.Snapshot {
	return e.registry.Snapshot()
}

// Resolve looks up a target.
func (e *Engine) Resolve(id string) (registry.Target, bool) {
	return e.registry.Resolve(id)
}

// State returns the control state of one target.
func (e *Engine) State(id string) (state.ControlState, bool) {
	return e.states.Get(id)
}

// States returns the control state of every target seen so far.
func (e *Engine) States() map[string]state.ControlState {
	return e.states.Snapshot()
}

// Subscribe registers fn for every state change.
func (e *Engine) Subscribe(fn func(state.Change)) func() {
	return e.states.Subscribe(fn)
}

// Segments returns the named segments of a device.
func (e *Engine) Segments(deviceID string) ([]registry.Segment, error) {
	if _, ok := e.registry.Device(deviceID); !ok {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrUnknownTarget, deviceID)
	}
	return e.registry.Segments(deviceID)
}

// Scenes lists the scenes of a SKU, using sampleDevice for the vendor request.
func (e *Engine) Scenes(ctx context.Context, sku, sampleDevice string) ([]govee.Scene, error) {
	list, err := e.scenes.GetScenes(ctx, sku, sampleDevice)
	e.checkAuth(err)
	return list, err
}

// TargetScenes lists the scenes available to a target. Groups use their first
// scene-capable child as the sample.
func (e *Engine) TargetScenes(ctx context.Context, targetID string) ([]govee.Scene, error) {
	t, ok := e.registry.Resolve(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrUnknownTarget, targetID)
	}
	sku, sample := t.SKU, t.ID
	if t.IsGroup() && len(t.Children) > 0 {
		sample, sku = t.Children[0].ID, t.Children[0].SKU
		for _, c := range t.Children {
			if c.Capabilities.HasScenes {
				sample, sku = c.ID, c.SKU
				break
			}
		}
	}
	return e.Scenes(ctx, sku, sample)
}

func (e *Engine) findScene(ctx context.Context, targetID, name string) (govee.Scene, error) {
	list, err := e.TargetScenes(ctx, targetID)
	if err != nil {
		return govee.Scene{}, err
	}
	for _, sc := range list {
		if strings.EqualFold(sc.Name, name) {
			return sc, nil
		}
	}
	return govee.Scene{}, fmt.Errorf("%w: scene %q not available for %s", dispatch.ErrInvalidValue, name, targetID)
}

// checkAuth sends one "session expired" notification per outage.
func (e *Engine) checkAuth(err error) {
	if err == nil || !govee.IsAuth(err) {
		if err == nil {
			e.authNotified.Store(false)
		}
		return
	}
	if e.authNotified.CompareAndSwap(false, true) {
		notify.Send(e.notifier, notify.LevelError, "Session expired", "Sign in again to control devices")
	}
}
