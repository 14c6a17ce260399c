package classifier

import (
	"testing"

	"parkwatch/pkg/parking"
)

var brighton = parking.ResortProfile{
	Name:             "brighton",
	UnavailableColor: "rgba(247, 205, 212, 1)",
	Markers: []parking.Marker{
		{Name: "not_open", Color: "rgb(230, 230, 230)"},
	},
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		result     parking.ProbeResult
		want       parking.Availability
		wantMarker string
	}{
		{
			name:   "unavailable colour",
			result: parking.ProbeResult{Color: "rgba(247, 205, 212, 1)"},
			want:   parking.Unavailable,
		},
		{
			name:   "unavailable colour with different spacing",
			result: parking.ProbeResult{Color: "RGBA(247,205,212,1.0)"},
			want:   parking.Unavailable,
		},
		{
			name:   "unavailable colour written as rgb",
			result: parking.ProbeResult{Color: "rgb(247, 205, 212)"},
			want:   parking.Unavailable,
		},
		{
			name:   "available green",
			result: parking.ProbeResult{Color: "rgba(49, 200, 25, 0.2)"},
			want:   parking.Available,
		},
		{
			name:   "never seen colour counts as available",
			result: parking.ProbeResult{Color: "rgba(0, 0, 0, 0)"},
			want:   parking.Available,
		},
		{
			name:   "near miss is not unavailable",
			result: parking.ProbeResult{Color: "rgba(247, 205, 213, 1)"},
			want:   parking.Available,
		},
		{
			name:       "secondary marker",
			result:     parking.ProbeResult{Color: "rgba(230, 230, 230, 1)"},
			want:       parking.Unavailable,
			wantMarker: "not_open",
		},
		{
			name:   "navigation failure",
			result: parking.ProbeResult{Failure: parking.NavigationFailed},
			want:   parking.Indeterminate,
		},
		{
			name:   "element not found",
			result: parking.ProbeResult{Failure: parking.ElementNotFound},
			want:   parking.Indeterminate,
		},
		{
			name:   "session unavailable",
			result: parking.ProbeResult{Failure: parking.SessionUnavailable},
			want:   parking.Indeterminate,
		},
		{
			name:   "empty colour",
			result: parking.ProbeResult{},
			want:   parking.Indeterminate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(brighton, tt.result)
			if got.Availability != tt.want {
				t.Errorf("Classify() = %s, want %s", got.Availability, tt.want)
			}
			if got.Marker != tt.wantMarker {
				t.Errorf("Classify() marker = %q, want %q", got.Marker, tt.wantMarker)
			}
		})
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rgba(247, 205, 212, 1)", "rgba(247,205,212,1)"},
		{"rgb(247, 205, 212)", "rgba(247,205,212,1)"},
		{"rgba(49, 200, 25, 0.20)", "rgba(49,200,25,0.2)"},
		{"rgba(0, 0, 0, 0.0)", "rgba(0,0,0,0)"},
		{" #F7CDD4 ", "#f7cdd4"},
		{"transparent", "transparent"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Canonical(tt.in); got != tt.want {
				t.Errorf("Canonical(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
