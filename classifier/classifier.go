// Package classifier maps a probe reading to an availability value.
package classifier

import (
	"strings"

	"parkwatch/pkg/parking"
)

// Classification is the outcome of classifying one probe reading.
type Classification struct {
	Availability parking.Availability
	Marker       string // Name of the secondary marker that matched, if any
	Color        string // Canonical colour that was compared
}

// Classify turns a probe result into AVAILABLE, UNAVAILABLE or INDETERMINATE.
//
// Any readable colour other than the profile's unavailable colour or one of
// its secondary markers is treated as AVAILABLE, including colours never
// seen before.
func Classify(profile parking.ResortProfile, result parking.ProbeResult) Classification {
	if !result.OK() || result.Color == "" {
		return Classification{Availability: parking.Indeterminate}
	}

	color := Canonical(result.Color)
	if color == Canonical(profile.UnavailableColor) {
		return Classification{Availability: parking.Unavailable, Color: color}
	}
	for _, m := range profile.Markers {
		if color == Canonical(m.Color) {
			return Classification{Availability: parking.Unavailable, Marker: m.Name, Color: color}
		}
	}
	return Classification{Availability: parking.Available, Color: color}
}

// Canonical normalises the formatting of a CSS colour value so that
// equivalent spellings compare equal: case and whitespace are ignored, and
// rgb(r,g,b) is rewritten as rgba(r,g,b,1). Channel values are not rounded.
func Canonical(color string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(color) {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	c := b.String()

	if strings.HasPrefix(c, "rgb(") && strings.HasSuffix(c, ")") {
		inner := c[len("rgb(") : len(c)-1]
		if strings.Count(inner, ",") == 2 {
			return "rgba(" + inner + ",1)"
		}
	}
	if strings.HasPrefix(c, "rgba(") && strings.HasSuffix(c, ")") {
		inner := c[len("rgba(") : len(c)-1]
		parts := strings.Split(inner, ",")
		if len(parts) == 4 {
			parts[3] = canonicalAlpha(parts[3])
			return "rgba(" + strings.Join(parts, ",") + ")"
		}
	}
	return c
}

// canonicalAlpha treats "1", "1.0" and "1.00" as the same alpha.
func canonicalAlpha(a string) string {
	if strings.Contains(a, ".") {
		a = strings.TrimRight(a, "0")
		a = strings.TrimSuffix(a, ".")
	}
	if a == "" {
		return "0"
	}
	return a
}
