// Package state holds the client-side cache of last-known device state and the
// pure transitions applied to it by controls and polls.
package state

import "time"

// ControlState is the last-known vendor truth for one target.
type ControlState struct {
	On           bool      `json:"on"`
	Brightness   int       `json:"brightness"`
	ColorHex     string    `json:"color,omitempty"`
	ColorTempK   int       `json:"color_temp_k,omitempty"`
	Disconnected bool      `json:"disconnected"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Observed is a partial state reading from the vendor. Nil fields were not reported.
// A reported ColorTempK of 0 means the device is in RGB color mode.
type Observed struct {
	On         *bool
	Brightness *int
	ColorHex   *string
	ColorTempK *int
	Online     *bool
}

// Event is a state transition input.
type Event interface {
	event()
}

// Toggled is an optimistic power change.
type Toggled struct{ On bool }

// ToggleReverted restores the power value held before a failed toggle.
type ToggleReverted struct{ On bool }

// BrightnessSet is an optimistic brightness change (percent).
type BrightnessSet struct{ Percent int }

// ColorSet is an optimistic RGB color change.
type ColorSet struct{ Hex string }

// ColorTempSet is an optimistic white temperature change.
type ColorTempSet struct{ Kelvin int }

// SceneActivated marks a scene applied to the target.
type SceneActivated struct{}

// ControlSucceeded is any control call the vendor accepted.
type ControlSucceeded struct{}

// ControlFailed is a control call that did not reach the vendor or was rejected.
type ControlFailed struct{ Transport bool }

// Polled merges a vendor reading.
type Polled struct{ Observed Observed }

// PollFailed is a state read that failed.
type PollFailed struct{}

func (Toggled) event() {}
func (ToggleReverted) event() {}
func (BrightnessSet) event() {}
func (ColorSet) event() {}
func (ColorTempSet) event() {}
func (SceneActivated) event() {}
func (ControlSucceeded) event() {}
func (ControlFailed) event() {}
func (Polled) event() {}
func (PollFailed) event() {}

// Apply returns the state after e. It has no side effects; UpdatedAt is left to the caller.
func Apply(s ControlState, e Event) ControlState {
	switch ev := e.(type) {
	case Toggled:
		s.On = ev.On
	case ToggleReverted:
		s.On = ev.On
	case BrightnessSet:
		s.Brightness = ev.Percent
		if ev.Percent > 0 {
			s.On = true
		}
	case ColorSet:
		s.ColorHex = ev.Hex
		s.ColorTempK = 0
		s.On = true
	case ColorTempSet:
		s.ColorTempK = ev.Kelvin
		s.ColorHex = ""
		s.On = true
	case SceneActivated:
		s.On = true
	case ControlSucceeded:
		s.Disconnected = false
	case ControlFailed:
		if ev.Transport {
			s.Disconnected = true
		}
	case Polled:
		s = merge(s, ev.Observed)
	case PollFailed:
		// previous values are kept
		s.Disconnected = true
	}
	return s
}

func merge(s ControlState, o Observed) ControlState {
	if o.On != nil {
		s.On = *o.On
	}
	if o.Brightness != nil {
		s.Brightness = *o.Brightness
	}
	// color and white temperature are exclusive modes
	if o.ColorHex != nil {
		s.ColorHex = *o.ColorHex
		s.ColorTempK = 0
	}
	if o.ColorTempK != nil {
		s.ColorTempK = *o.ColorTempK
		if s.ColorTempK > 0 {
			s.ColorHex = ""
		}
	}
	s.Disconnected = o.Online != nil && !*o.Online
	return s
}
