package resort

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"parkwatch/pkg/parking"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDefaultsAreValid(t *testing.T) {
	r, err := Load("", testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if errs := r.Errors(); len(errs) != 0 {
		t.Fatalf("default profiles invalid: %v", errs)
	}

	names := []string{}
	for _, p := range r.All() {
		names = append(names, p.Name)
	}
	want := []string{"alta", "brighton", "parkcity", "solitude"}
	if len(names) != len(want) {
		t.Fatalf("All() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("All()[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestLoadFileDisablesOnlyBadResort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resorts.json")
	data := `{"resorts": [
		{"name": "brighton", "url_template": "https://reservenski.parkbrightonresort.com/select-parking",
		 "locator": "[aria-label='{label}']", "unavailable_color": "rgba(247, 205, 212, 1)",
		 "interval": "5m", "settle_delay": "2s"},
		{"name": "broken", "url_template": "https://example.com/{date}",
		 "locator": "[aria-label='{label}']", "unavailable_color": "rgba(247, 205, 212, 1)",
		 "interval": "soon"},
		{"name": "nolocator", "url_template": "https://example.com/",
		 "unavailable_color": "rgba(247, 205, 212, 1)"}
	]}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	p, ok := r.Get("brighton")
	if !ok {
		t.Fatal("brighton should be loaded")
	}
	if p.Interval != 5*time.Minute || p.SettleDelay != 2*time.Second {
		t.Errorf("durations = %s / %s", p.Interval, p.SettleDelay)
	}
	if p.ColorSource != parking.ColorComputed {
		t.Errorf("ColorSource = %q, want computed default", p.ColorSource)
	}

	for _, name := range []string{"broken", "nolocator"} {
		if _, ok := r.Get(name); ok {
			t.Errorf("%s should be disabled", name)
		}
	}

	errs := r.Errors()
	if len(errs) != 2 {
		t.Fatalf("Errors() = %v, want 2", errs)
	}
	for _, err := range errs {
		if !parking.IsConfigurationError(err) {
			t.Errorf("error %v is not a ConfigurationError", err)
		}
	}
}

func TestReloadKeepsRegistryOnFatalError(t *testing.T) {
	r, err := Load("", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "resorts.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(path); err == nil {
		t.Fatal("Reload() should fail on bad JSON")
	}
	if _, ok := r.Get("alta"); !ok {
		t.Error("registry should be unchanged after failed reload")
	}
}

func TestValidate(t *testing.T) {
	base := Defaults()[0]
	tests := []struct {
		name   string
		modify func(p *parking.ResortProfile)
		field  string
	}{
		{"ok", func(p *parking.ResortProfile) {}, ""},
		{"relative url", func(p *parking.ResortProfile) { p.URLTemplate = "/select-parking" }, "url_template"},
		{"bad color source", func(p *parking.ResortProfile) { p.ColorSource = "xpath" }, "color_source"},
		{"interval too short", func(p *parking.ResortProfile) { p.Interval = time.Second }, "interval"},
		{"bad timezone", func(p *parking.ResortProfile) { p.Timezone = "Mars/Olympus" }, "timezone"},
		{"nameless marker", func(p *parking.ResortProfile) { p.Markers = []parking.Marker{{Color: "red"}} }, "markers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.modify(&p)
			err := Validate(p)
			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			var ce *parking.ConfigurationError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("Validate() error = %v, want field %s", err, tt.field)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	p := parking.ResortProfile{
		URLTemplate: "https://example.com/park?date={date}",
		Locator:     "[aria-label='{label}']",
	}
	d := parking.Date{Year: 2025, Month: time.March, Day: 16}

	if got := ResolveURL(p, d); got != "https://example.com/park?date=2025-03-16" {
		t.Errorf("ResolveURL() = %s", got)
	}
	if got := ResolveLocator(p, d); got != "[aria-label='Sunday, March 16, 2025']" {
		t.Errorf("ResolveLocator() = %s", got)
	}
}
