// Package color derives stable avatar colors from connection identity.
//
// The derivation is a pure function: the same connection id and display name
// always produce the same hex color, so a client keeps its color across
// profile updates without the server persisting anything.
package color

import (
	"fmt"
	"hash/fnv"
)

const (
	saturation = 0.65
	lightness  = 0.55
)

// Derive returns a deterministic "#rrggbb" color for a connection id and
// display name pair.
func Derive(connectionID, displayName string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(connectionID))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(displayName))

	hue := float64(hasher.Sum32()%360) / 360
	r, g, b := hslToRGB(hue, saturation, lightness)
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func hslToRGB(h, s, l float64) (uint8, uint8, uint8) {
	if s == 0 {
		v := channel(l)
		return v, v, v
	}

	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q

	r := hueToChannel(p, q, h+1.0/3)
	g := hueToChannel(p, q, h)
	b := hueToChannel(p, q, h-1.0/3)
	return channel(r), channel(g), channel(b)
}

func hueToChannel(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 1.0/2:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	default:
		return p
	}
}

func channel(v float64) uint8 {
	scaled := v * 255
	if scaled < 0 {
		scaled = 0
	}
	if scaled > 255 {
		scaled = 255
	}
	return uint8(scaled + 0.5)
}
