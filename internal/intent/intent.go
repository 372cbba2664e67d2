// Package intent defines the typed control requests accepted by the engine and
// the bounded queue that delivers them.
package intent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the type of an intent
type Kind string

const (
	KindToggle       Kind = "toggle"
	KindBrightness   Kind = "brightness"
	KindColor        Kind = "color"
	KindColorTemp    Kind = "color_temp"
	KindSegmentColor Kind = "segment_color"
	KindScene        Kind = "scene"
	KindAllOff       Kind = "all_off"
	KindAllOn        Kind = "all_on"
	KindLoadChildren Kind = "load_children"
	KindVisibility   Kind = "visibility"
	KindRefresh      Kind = "refresh"
	KindAction       Kind = "action"
	KindReload       Kind = "reload"
)

// ErrInvalid is returned for intents missing required fields.
var ErrInvalid = errors.New("invalid intent")

// Intent is one user or automation request.
//
// On is the desired power for a toggle; nil flips the current state.
// SegmentNames are resolved through the device's SKU segment map.
// SceneName is looked up in the target's scene list when Scene is empty.
type Intent struct {
	ID           string          `json:"id,omitempty"`
	Kind         Kind            `json:"kind"`
	Target       string          `json:"target,omitempty"`
	Source       string          `json:"source,omitempty"`
	On           *bool           `json:"on,omitempty"`
	Value        int             `json:"value,omitempty"`
	Hex          string          `json:"hex,omitempty"`
	Segments     []int           `json:"segments,omitempty"`
	SegmentNames []string        `json:"segment_names,omitempty"`
	Scene        json.RawMessage `json:"scene,omitempty"`
	SceneName    string          `json:"scene_name,omitempty"`
	Visible      *bool           `json:"visible,omitempty"`
	Name         string          `json:"name,omitempty"`
}

// Validate checks that the fields required by the kind are present.
// Value ranges are checked by the dispatcher.
func (i Intent) Validate() error {
	needsTarget := func() error {
		if i.Target == "" {
			return fmt.Errorf("%w: %s requires a target", ErrInvalid, i.Kind)
		}
		return nil
	}

	switch i.Kind {
	case KindToggle, KindBrightness, KindColorTemp, KindLoadChildren:
		return needsTarget()
	case KindColor:
		if err := needsTarget(); err != nil {
			return err
		}
		if i.Hex == "" {
			return fmt.Errorf("%w: color requires hex", ErrInvalid)
		}
	case KindSegmentColor:
		if err := needsTarget(); err != nil {
			return err
		}
		if i.Hex == "" || (len(i.Segments) == 0 && len(i.SegmentNames) == 0) {
			return fmt.Errorf("%w: segment_color requires hex and segments", ErrInvalid)
		}
	case KindScene:
		if err := needsTarget(); err != nil {
			return err
		}
		if len(i.Scene) == 0 && i.SceneName == "" {
			return fmt.Errorf("%w: scene requires scene or scene_name", ErrInvalid)
		}
	case KindVisibility:
		if i.Visible == nil {
			return fmt.Errorf("%w: visibility requires visible", ErrInvalid)
		}
	case KindAction:
		if i.Name == "" {
			return fmt.Errorf("%w: action requires name", ErrInvalid)
		}
	case KindAllOff, KindAllOn, KindRefresh, KindReload:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, i.Kind)
	}
	return nil
}
