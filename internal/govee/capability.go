package govee

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dokzlo13/fleetd/internal/state"
)

// Capability types
const (
	TypeOnOff        = "devices.capabilities.on_off"
	TypeRange        = "devices.capabilities.range"
	TypeColorSetting = "devices.capabilities.color_setting"
	TypeSegmentColor = "devices.capabilities.segment_color_setting"
	TypeDynamicScene = "devices.capabilities.dynamic_scene"
	TypeOnline       = "devices.capabilities.online"
)

// Capability instances
const (
	InstancePower        = "powerSwitch"
	InstanceBrightness   = "brightness"
	InstanceColorRGB     = "colorRgb"
	InstanceColorTemp    = "colorTemperatureK"
	InstanceSegmentedRGB = "segmentedColorRgb"
	InstanceLightScene   = "lightScene"
	InstanceOnline       = "online"
)

// Color temperature bounds accepted by the gateway
const (
	MinColorTempK = 2000
	MaxColorTempK = 9000
)

// Capability is one control command.
type Capability struct {
	Type     string `json:"type"`
	Instance string `json:"instance"`
	Value    any    `json:"value"`
}

// PowerSwitch turns a device on or off.
func PowerSwitch(on bool) Capability {
	v := 0
	if on {
		v = 1
	}
	return Capability{Type: TypeOnOff, Instance: InstancePower, Value: v}
}

// Brightness sets brightness in percent (1-100).
func Brightness(percent int) Capability {
	return Capability{Type: TypeRange, Instance: InstanceBrightness, Value: percent}
}

// ColorRGB sets a solid color.
func ColorRGB(hex string) (Capability, error) {
	v, err := HexToInt(hex)
	if err != nil {
		return Capability{}, err
	}
	return Capability{Type: TypeColorSetting, Instance: InstanceColorRGB, Value: v}, nil
}

// ColorTemperature sets white temperature in kelvin.
func ColorTemperature(kelvin int) Capability {
	return Capability{Type: TypeColorSetting, Instance: InstanceColorTemp, Value: kelvin}
}

// SegmentColor sets the color of a set of raw segment indices.
func SegmentColor(segments []int, hex string) (Capability, error) {
	if len(segments) == 0 {
		return Capability{}, fmt.Errorf("no segments given")
	}
	v, err := HexToInt(hex)
	if err != nil {
		return Capability{}, err
	}
	return Capability{
		Type:     TypeSegmentColor,
		Instance: InstanceSegmentedRGB,
		Value: map[string]any{
			"segment": segments,
			"rgb":     v,
		},
	}, nil
}

// LightScene activates a scene by its opaque vendor value.
func LightScene(value json.RawMessage) Capability {
	return Capability{Type: TypeDynamicScene, Instance: InstanceLightScene, Value: value}
}

// Scene is a named vendor scene for one SKU.
type Scene struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// CapabilityState is one reported capability value.
type CapabilityState struct {
	Type     string `json:"type"`
	Instance string `json:"instance"`
	State    struct {
		Value json.RawMessage `json:"value"`
	} `json:"state"`
}

// DeviceState is the vendor's reading for one device or group.
type DeviceState struct {
	Device       string            `json:"device"`
	SKU          string            `json:"sku"`
	Capabilities []CapabilityState `json:"capabilities"`
}

// Observed converts the reading into a state observation.
// Unknown instances and unparsable values are skipped.
func (s DeviceState) Observed() state.Observed {
	var o state.Observed
	for _, c := range s.Capabilities {
		switch c.Instance {
		case InstancePower:
			if v, ok := intValue(c.State.Value); ok {
				on := v != 0
				o.On = &on
			}
		case InstanceBrightness:
			if v, ok := intValue(c.State.Value); ok {
				o.Brightness = &v
			}
		case InstanceColorRGB:
			if v, ok := intValue(c.State.Value); ok {
				hex := IntToHex(v)
				o.ColorHex = &hex
			}
		case InstanceColorTemp:
			// 0 means the device is in color mode
			if v, ok := intValue(c.State.Value); ok {
				if v < 0 {
					v = 0
				}
				o.ColorTempK = &v
			}
		case InstanceOnline:
			if v, ok := boolValue(c.State.Value); ok {
				o.Online = &v
			}
		}
	}
	return o
}

func intValue(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
	}
	return 0, false
}

func boolValue(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseBool(s); err == nil {
			return v, true
		}
	}
	if n, ok := intValue(raw); ok {
		return n != 0, true
	}
	return false, false
}
