// Package resort holds the registry of resort profiles.
package resort

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"parkwatch/pkg/parking"
)

const (
	defaultInterval    = 10 * time.Minute
	defaultSettleDelay = 8 * time.Second
	minInterval        = 30 * time.Second
)

// Registry is a flat map of resort key to immutable profile.
// Lookups are safe for concurrent use; Reload swaps the whole map.
type Registry struct {
	logger   *slog.Logger
	profiles map[string]parking.ResortProfile
	errs     []error
	mu       sync.RWMutex
}

// New creates a registry seeded with the given profiles. Invalid profiles are
// skipped and reported by Errors.
func New(profiles []parking.ResortProfile, logger *slog.Logger) *Registry {
	r := &Registry{logger: logger}
	r.replace(profiles, nil)
	return r
}

// Load creates a registry from a JSON profile file. An empty path loads the
// built-in defaults.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{logger: logger}
	if err := r.Reload(path); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the profile file and atomically replaces the registry.
// A file that cannot be read or parsed at all leaves the registry untouched.
// Individual malformed profiles only disable that resort.
func (r *Registry) Reload(path string) error {
	if path == "" {
		r.replace(Defaults(), nil)
		return nil
	}

	profiles, errs, err := ReadFile(path)
	if err != nil {
		return err
	}
	r.replace(profiles, errs)
	return nil
}

func (r *Registry) replace(profiles []parking.ResortProfile, errs []error) {
	m := make(map[string]parking.ResortProfile, len(profiles))
	for _, p := range profiles {
		if err := Validate(p); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := m[p.Name]; dup {
			errs = append(errs, &parking.ConfigurationError{Resort: p.Name, Reason: "duplicate resort name"})
			continue
		}
		m[p.Name] = p
	}

	for _, err := range errs {
		r.logger.Error("Resort disabled by configuration error", "error", err)
	}

	r.mu.Lock()
	r.profiles = m
	r.errs = errs
	r.mu.Unlock()

	r.logger.Info("Resort profiles loaded", "count", len(m), "disabled", len(errs))
}

// Get returns the profile for a resort key.
func (r *Registry) Get(name string) (parking.ResortProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// All returns every enabled profile sorted by name.
func (r *Registry) All() []parking.ResortProfile {
	r.mu.RLock()
	out := make([]parking.ResortProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Errors returns the configuration errors from the last load.
func (r *Registry) Errors() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]error(nil), r.errs...)
}

// Validate checks that a profile is usable.
func Validate(p parking.ResortProfile) error {
	bad := func(field, reason string) error {
		return &parking.ConfigurationError{Resort: p.Name, Field: field, Reason: reason}
	}

	if p.Name == "" {
		return bad("name", "required")
	}
	if p.URLTemplate == "" {
		return bad("url_template", "required")
	}
	u, err := url.Parse(ResolveURL(p, parking.Date{Year: 2025, Month: time.January, Day: 1}))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return bad("url_template", "must be an absolute http(s) URL")
	}
	if p.Locator == "" {
		return bad("locator", "required")
	}
	if p.UnavailableColor == "" {
		return bad("unavailable_color", "required")
	}
	for _, m := range p.Markers {
		if m.Name == "" || m.Color == "" {
			return bad("markers", "every marker needs a name and a color")
		}
	}
	switch p.ColorSource {
	case parking.ColorComputed, parking.ColorInline:
	default:
		return bad("color_source", fmt.Sprintf("unknown value %q", p.ColorSource))
	}
	if p.Interval < minInterval {
		return bad("interval", fmt.Sprintf("must be at least %s", minInterval))
	}
	if p.MaxSessions < 0 {
		return bad("max_sessions", "must not be negative")
	}
	if p.RequestsPerMinute < 0 {
		return bad("requests_per_minute", "must not be negative")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return bad("timezone", err.Error())
		}
	}
	return nil
}

// ResolveURL fills the {date} and {label} placeholders of the profile's URL template.
func ResolveURL(p parking.ResortProfile, d parking.Date) string {
	return strings.NewReplacer(
		"{date}", d.String(),
		"{label}", url.QueryEscape(d.AriaLabel()),
	).Replace(p.URLTemplate)
}

// ResolveLocator fills the placeholders of the profile's CSS selector template.
func ResolveLocator(p parking.ResortProfile, d parking.Date) string {
	return strings.NewReplacer(
		"{date}", d.String(),
		"{label}", strings.ReplaceAll(d.AriaLabel(), "'", "\\'"),
	).Replace(p.Locator)
}

// fileProfile is the on-disk form of a profile, with durations as strings.
type fileProfile struct {
	parking.ResortProfile
	Interval    string `json:"interval,omitempty"`
	SettleDelay string `json:"settle_delay,omitempty"`
}

type file struct {
	Resorts []fileProfile `json:"resorts"`
}

// ReadFile parses a profile file. The first error is fatal (unreadable or
// not JSON); errs lists profiles that were dropped.
func ReadFile(path string) (profiles []parking.ResortProfile, errs []error, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read resort file: %w", err)
	}
	return Parse(data)
}

// Parse decodes profile JSON.
func Parse(data []byte) (profiles []parking.ResortProfile, errs []error, err error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parse resort file: %w", err)
	}
	if len(f.Resorts) == 0 {
		return nil, nil, errors.New("resort file defines no resorts")
	}

	for _, fp := range f.Resorts {
		p := fp.ResortProfile
		if p.ColorSource == "" {
			p.ColorSource = parking.ColorComputed
		}

		p.Interval = defaultInterval
		if fp.Interval != "" {
			d, err := time.ParseDuration(fp.Interval)
			if err != nil {
				errs = append(errs, &parking.ConfigurationError{Resort: p.Name, Field: "interval", Reason: err.Error()})
				continue
			}
			p.Interval = d
		}

		p.SettleDelay = defaultSettleDelay
		if fp.SettleDelay != "" {
			d, err := time.ParseDuration(fp.SettleDelay)
			if err != nil || d < 0 {
				errs = append(errs, &parking.ConfigurationError{Resort: p.Name, Field: "settle_delay", Reason: "invalid duration"})
				continue
			}
			p.SettleDelay = d
		}

		profiles = append(profiles, p)
	}
	return profiles, errs, nil
}
