package resort

import (
	"parkwatch/pkg/parking"
)

// Reservation calendars render a day cell per date, labelled like
// "Sunday, March 16, 2025". Booked-out days carry a pink inline background;
// days with no inline background have not opened for booking.
const (
	defaultLocator     = "[aria-label='{label}']"
	defaultUnavailable = "rgba(247, 205, 212, 1)"
	defaultTimezone    = "America/Denver"
)

var defaultMarkers = []parking.Marker{
	{Name: "no_background", Color: parking.NoBackground},
}

// Defaults returns the built-in resort profiles.
func Defaults() []parking.ResortProfile {
	sites := []struct {
		name string
		url  string
	}{
		{"alta", "https://reserve.altaparking.com/select-parking"},
		{"brighton", "https://reservenski.parkbrightonresort.com/select-parking"},
		{"parkcity", "https://reserve.parkatparkcitymountain.com/select-parking"},
		{"solitude", "https://reservenski.parksolitude.com/select-parking"},
	}

	profiles := make([]parking.ResortProfile, 0, len(sites))
	for _, s := range sites {
		profiles = append(profiles, parking.ResortProfile{
			Name:              s.name,
			URLTemplate:       s.url,
			Locator:           defaultLocator,
			UnavailableColor:  defaultUnavailable,
			Markers:           defaultMarkers,
			ColorSource:       parking.ColorInline,
			Interval:          defaultInterval,
			MaxSessions:       2,
			RequestsPerMinute: 6,
			SettleDelay:       defaultSettleDelay,
			Timezone:          defaultTimezone,
		})
	}
	return profiles
}
