package govee

import (
	"fmt"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// NormalizeHex parses "#RGB", "#RRGGBB" or the same without '#' and returns "#RRGGBB" uppercase.
func NormalizeHex(hex string) (string, error) {
	c, err := parseHex(hex)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(c.Hex()), nil
}

// HexToInt converts a hex color to the vendor's packed 0xRRGGBB integer.
func HexToInt(hex string) (int, error) {
	c, err := parseHex(hex)
	if err != nil {
		return 0, err
	}
	r, g, b := c.RGB255()
	return int(r)<<16 | int(g)<<8 | int(b), nil
}

// IntToHex converts a packed 0xRRGGBB integer to "#RRGGBB".
func IntToHex(v int) string {
	v &= 0xFFFFFF
	c := colorful.Color{
		R: float64((v>>16)&0xFF) / 255.0,
		G: float64((v>>8)&0xFF) / 255.0,
		B: float64(v&0xFF) / 255.0,
	}
	return strings.ToUpper(c.Hex())
}

func parseHex(hex string) (colorful.Color, error) {
	h := strings.TrimSpace(hex)
	if !strings.HasPrefix(h, "#") {
		h = "#" + h
	}
	if len(h) != 4 && len(h) != 7 {
		return colorful.Color{}, fmt.Errorf("invalid color %q", hex)
	}
	c, err := colorful.Hex(h)
	if err != nil {
		return colorful.Color{}, fmt.Errorf("invalid color %q: %w", hex, err)
	}
	return c, nil
}
