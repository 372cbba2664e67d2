// Package dispatch turns control intents into vendor calls.
//
// Toggles and scenes are sent immediately. Brightness, color, color
// temperature and segment color are applied to local state at once and sent
// after a quiet window, so a dragged slider produces one vendor call.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fleetd/internal/debounce"
	"github.com/dokzlo13/fleetd/internal/govee"
	"github.com/dokzlo13/fleetd/internal/ledger"
	"github.com/dokzlo13/fleetd/internal/notify"
	"github.com/dokzlo13/fleetd/internal/registry"
	"github.com/dokzlo13/fleetd/internal/state"
)

var (
	// ErrUnknownTarget is returned for ids the registry does not know.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrInvalidValue is returned for out-of-range or malformed values.
	ErrInvalidValue = errors.New("invalid value")
)

// Axes that are not debounced
const (
	AxisPower = "power"
	AxisScene = "scene"
)

// Controller sends one capability to the vendor.
type Controller interface {
	ControlDevice(ctx context.Context, device, sku string, capability govee.Capability) error
}

// Resolver looks up control targets.
type Resolver interface {
	Resolve(id string) (registry.Target, bool)
}

// Recorder appends to the control history.
type Recorder interface {
	Append(e ledger.Entry) error
}

// Outcome describes one finished vendor control call.
type Outcome struct {
	Target   string
	Axis     string
	Err      error
	Duration time.Duration
}

// SceneResult counts a scene activation across a group's children.
type SceneResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Options configures a Dispatcher.
type Options struct {
	Debounce    time.Duration
	CallTimeout time.Duration
	Ledger      Recorder
	OnControl   func(Outcome)
}

// Dispatcher owns the debounce timers of one engine session.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	client    Controller
	targets   Resolver
	states    *state.Table
	notifier  notify.Notifier
	debouncer *debounce.Debouncer

	callTimeout time.Duration
	ledger      Recorder
	onControl   func(Outcome)
}

// New creates a dispatcher. Debounced calls run under an internal context that
// Close cancels.
func New(client Controller, targets Resolver, states *state.Table, notifier notify.Notifier, opts Options) *Dispatcher {
	if opts.Debounce == 0 {
		opts.Debounce = 400 * time.Millisecond
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ctx:         ctx,
		cancel:      cancel,
		client:      client,
		targets:     targets,
		states:      states,
		notifier:    notifier,
		debouncer:   debounce.New(opts.Debounce),
		callTimeout: opts.CallTimeout,
		ledger:      opts.Ledger,
		onControl:   opts.OnControl,
	}
}

// Close stops all pending debounced writes and abandons in-flight ones.
func (d *Dispatcher) Close() {
	d.debouncer.Close()
	d.cancel()
}

// Pending returns the number of debounced writes not yet sent.
func (d *Dispatcher) Pending() int {
	return d.debouncer.Pending()
}

func (d *Dispatcher) resolve(id string) (registry.Target, error) {
	t, ok := d.targets.Resolve(id)
	if !ok {
		return registry.Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return t, nil
}

// Toggle switches a target on or off. Local state flips first and is
// reverted if the vendor call fails.
func (d *Dispatcher) Toggle(ctx context.Context, targetID string, on bool) error {
	return d.toggle(ctx, targetID, on, true)
}

// ToggleQuiet is Toggle without the per-target failure notification. Bulk
// runs use it and report one summary instead.
func (d *Dispatcher) ToggleQuiet(ctx context.Context, targetID string, on bool) error {
	return d.toggle(ctx, targetID, on, false)
}

func (d *Dispatcher) toggle(ctx context.Context, targetID string, on, notifyUser bool) error {
	t, err := d.resolve(targetID)
	if err != nil {
		return err
	}

	prev, _ := d.states.Get(t.ID)
	d.states.Apply(t.ID, state.Toggled{On: on})

	if err := d.send(ctx, t.ID, t.SKU, AxisPower, govee.PowerSwitch(on)); err != nil {
		d.states.Apply(t.ID, state.ToggleReverted{On: prev.On})
		if notifyUser {
			d.report(t, AxisPower, err)
		}
		return err
	}
	return nil
}

// SetBrightness sets brightness in percent. 0 is raised to 1; the vendor
// rejects 0 and power is a separate axis.
func (d *Dispatcher) SetBrightness(targetID string, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: brightness %d out of range 0-100", ErrInvalidValue, percent)
	}
	if percent == 0 {
		percent = 1
	}
	t, err := d.resolve(targetID)
	if err != nil {
		return err
	}

	d.states.Apply(t.ID, state.BrightnessSet{Percent: percent})
	d.schedule(t, debounce.Key{Target: t.ID, Axis: debounce.AxisBrightness}, govee.Brightness(percent))
	return nil
}

// SetColor sets a solid RGB color.
func (d *Dispatcher) SetColor(targetID, hex string) error {
	norm, err := govee.NormalizeHex(hex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	capability, err := govee.ColorRGB(norm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	t, err := d.resolve(targetID)
	if err != nil {
		return err
	}

	d.debouncer.Cancel(debounce.Key{Target: t.ID, Axis: debounce.AxisColorTemp})
	d.states.Apply(t.ID, state.ColorSet{Hex: norm})
	d.schedule(t, debounce.Key{Target: t.ID, Axis: debounce.AxisColor}, capability)
	return nil
}

// SetColorTemp sets white temperature in kelvin.
func (d *Dispatcher) SetColorTemp(targetID string, kelvin int) error {
	if kelvin < govee.MinColorTempK || kelvin > govee.MaxColorTempK {
		return fmt.Errorf("%w: color temperature %dK out of range %d-%d",
			ErrInvalidValue, kelvin, govee.MinColorTempK, govee.MaxColorTempK)
	}
	t, err := d.resolve(targetID)
	if err != nil {
		return err
	}

	d.debouncer.Cancel(debounce.Key{Target: t.ID, Axis: debounce.AxisColor})
	d.states.Apply(t.ID, state.ColorTempSet{Kelvin: kelvin})
	d.schedule(t, debounce.Key{Target: t.ID, Axis: debounce.AxisColorTemp}, govee.ColorTemperature(kelvin))
	return nil
}

// SetSegmentColor colors a set of raw segment indices on one device.
// Each distinct index set debounces independently.
func (d *Dispatcher) SetSegmentColor(deviceID string, segments []int, hex string) error {
	t, err := d.resolve(deviceID)
	if err != nil {
		return err
	}
	if t.IsGroup() || t.Device == nil {
		return fmt.Errorf("%w: segments are addressed per device, %s is a group", ErrInvalidValue, deviceID)
	}
	if !t.Device.Capabilities.HasSegments {
		return fmt.Errorf("%w: device %s has no segments", ErrInvalidValue, deviceID)
	}

	indices := normalizeIndices(segments)
	for _, idx := range indices {
		if idx < 0 || (t.Device.SegmentCount > 0 && idx >= t.Device.SegmentCount) {
			return fmt.Errorf("%w: segment %d out of range for %s", ErrInvalidValue, idx, deviceID)
		}
	}

	norm, err := govee.NormalizeHex(hex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	capability, err := govee.SegmentColor(indices, norm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	key := debounce.Key{Target: t.ID, Axis: debounce.AxisSegment, Sub: joinIndices(indices)}
	d.schedule(t, key, capability)
	return nil
}

// ActivateScene applies a scene. On a group the scene is sent to each child
// that supports scenes (every child if none is flagged) and succeeds when at
// least one child accepts it.
func (d *Dispatcher) ActivateScene(ctx context.Context, targetID string, value json.RawMessage) (SceneResult, error) {
	if len(value) == 0 || !json.Valid(value) {
		return SceneResult{}, fmt.Errorf("%w: scene value is not valid JSON", ErrInvalidValue)
	}
	t, err := d.resolve(targetID)
	if err != nil {
		return SceneResult{}, err
	}

	d.debouncer.Cancel(debounce.Key{Target: t.ID, Axis: debounce.AxisColor})
	d.debouncer.Cancel(debounce.Key{Target: t.ID, Axis: debounce.AxisColorTemp})

	capability := govee.LightScene(value)
	recipients := sceneRecipients(t)

	var result SceneResult
	var lastErr error
	for _, r := range recipients {
		if ctx.Err() != nil {
			break
		}
		result.Attempted++
		if err := d.send(ctx, r.ID, r.SKU, AxisScene, capability); err != nil {
			result.Failed++
			lastErr = err
			if govee.IsAuth(err) {
				break
			}
			continue
		}
		result.Succeeded++
	}

	if d.ledger != nil {
		d.record(ledger.Entry{
			EventType: ledger.EventSceneActivated,
			Target:    t.ID,
			Axis:      AxisScene,
			Payload: map[string]any{
				"attempted": result.Attempted,
				"succeeded": result.Succeeded,
				"failed":    result.Failed,
			},
		})
	}

	if result.Succeeded == 0 {
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		err := fmt.Errorf("scene activation failed on all %d devices: %w", result.Attempted, lastErr)
		d.report(t, AxisScene, err)
		return result, err
	}

	d.states.Apply(t.ID, state.SceneActivated{})
	if result.Failed > 0 {
		notify.SendFor(d.notifier, notify.LevelWarning, t.ID, "Scene partially applied",
			fmt.Sprintf("%s: %d of %d devices accepted the scene", t.Name, result.Succeeded, result.Attempted))
	}
	return result, nil
}

type recipient struct {
	ID  string
	SKU string
}

func sceneRecipients(t registry.Target) []recipient {
	if !t.IsGroup() {
		return []recipient{{ID: t.ID, SKU: t.SKU}}
	}
	// a group with unknown membership is addressed as a whole
	if len(t.Children) == 0 {
		return []recipient{{ID: t.ID, SKU: t.SKU}}
	}

	var flagged, all []recipient
	for _, c := range t.Children {
		r := recipient{ID: c.ID, SKU: c.SKU}
		all = append(all, r)
		if c.Capabilities.HasScenes {
			flagged = append(flagged, r)
		}
	}
	if len(flagged) > 0 {
		return flagged
	}
	return all
}

// schedule replaces any pending write for key with capability.
func (d *Dispatcher) schedule(t registry.Target, key debounce.Key, capability govee.Capability) {
	d.debouncer.Schedule(key, func() {
		if err := d.send(d.ctx, t.ID, t.SKU, string(key.Axis), capability); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.report(t, string(key.Axis), err)
		}
	})
}

// send performs one vendor call and records its effect on connectivity.
func (d *Dispatcher) send(ctx context.Context, targetID, sku, axis string, capability govee.Capability) error {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	start := time.Now()
	err := d.client.ControlDevice(callCtx, targetID, sku, capability)
	elapsed := time.Since(start)

	if err != nil {
		d.states.Apply(targetID, state.ControlFailed{Transport: govee.IsTransport(err)})
		log.Warn().Err(err).Str("target", targetID).Str("axis", axis).Msg("Control failed")
	} else {
		d.states.Apply(targetID, state.ControlSucceeded{})
		log.Debug().Str("target", targetID).Str("axis", axis).Dur("took", elapsed).Msg("Control sent")
	}

	if d.ledger != nil && axis != AxisScene {
		entry := ledger.Entry{
			EventType: ledger.EventControlSucceeded,
			Target:    targetID,
			Axis:      axis,
			Payload:   map[string]any{"value": capability.Value},
		}
		if err != nil {
			entry.EventType = ledger.EventControlFailed
			entry.Error = err.Error()
		}
		d.record(entry)
	}
	if d.onControl != nil {
		d.onControl(Outcome{Target: targetID, Axis: axis, Err: err, Duration: elapsed})
	}
	return err
}

func (d *Dispatcher) record(e ledger.Entry) {
	if err := d.ledger.Append(e); err != nil {
		log.Error().Err(err).Str("target", e.Target).Msg("Failed to append to ledger")
	}
}

// report surfaces a failure to the user. Disconnected targets only get their
// badge; auth failures get a single session message.
func (d *Dispatcher) report(t registry.Target, axis string, err error) {
	switch {
	case govee.IsAuth(err):
		notify.SendFor(d.notifier, notify.LevelError, t.ID, "Session expired", "Sign in again to control devices")
	case govee.IsTransport(err):
		// badge only
	default:
		notify.SendFor(d.notifier, notify.LevelError, t.ID, failureTitle(axis), fmt.Sprintf("%s: %v", t.Name, err))
	}
}

func failureTitle(axis string) string {
	switch axis {
	case AxisPower:
		return "Toggle failed"
	case AxisScene:
		return "Scene failed"
	case string(debounce.AxisBrightness):
		return "Brightness change failed"
	case string(debounce.AxisColorTemp):
		return "Color temperature change failed"
	case string(debounce.AxisSegment):
		return "Segment color change failed"
	default:
		return "Color change failed"
	}
}

func normalizeIndices(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, i := range in {
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func joinIndices(in []int) string {
	parts := make([]string, len(in))
	for i, v := range in {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
