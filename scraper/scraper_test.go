package scraper

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"parkwatch/pkg/parking"
)

const calendarHTML = `<!DOCTYPE html>
<html><body>
<div class="calendar">
  <button aria-label="Previous month">&lt;</button>
  <div role="button" aria-label="Sunday, March 16, 2025" style="background-color: rgba(49, 200, 25, 0.2);">16</div>
  <div role="button" aria-label="Saturday, March 15, 2025" style="background-color: rgba(247, 205, 212, 1); cursor: default">15</div>
  <div role="button" aria-label="Monday, March 17, 2025">17</div>
  <div role="button" aria-label="Monday, March 17, 2025" style="background-color: red">17</div>
</div>
</body></html>`

func TestParseCalendar(t *testing.T) {
	cells, err := ParseCalendar(strings.NewReader(calendarHTML))
	if err != nil {
		t.Fatalf("ParseCalendar() error = %v", err)
	}
	if len(cells) != 3 {
		t.Fatalf("got %d cells, want 3: %+v", len(cells), cells)
	}

	want := []struct {
		date  string
		color string
	}{
		{"2025-03-15", "rgba(247, 205, 212, 1)"},
		{"2025-03-16", "rgba(49, 200, 25, 0.2)"},
		{"2025-03-17", parking.NoBackground},
	}
	for i, w := range want {
		if cells[i].Date.String() != w.date {
			t.Errorf("cell %d date = %s, want %s", i, cells[i].Date, w.date)
		}
		if cells[i].Color != w.color {
			t.Errorf("cell %d color = %q, want %q", i, cells[i].Color, w.color)
		}
	}
}

func TestInlineBackground(t *testing.T) {
	tests := []struct {
		style string
		want  string
	}{
		{"", parking.NoBackground},
		{"cursor: pointer;", parking.NoBackground},
		{"background-color: rgba(49, 200, 25, 0.2);", "rgba(49, 200, 25, 0.2)"},
		{"BACKGROUND-COLOR:rgb(1,2,3)", "rgb(1,2,3)"},
		{"background-color: #fff !important", "#fff"},
		{"background: url(x.png) no-repeat rgba(247, 205, 212, 1)", "rgba(247, 205, 212, 1)"},
		{"background: #abcdef center", "#abcdef"},
		{"background-color: red; background-color: blue", "blue"},
	}
	for _, tt := range tests {
		t.Run(tt.style, func(t *testing.T) {
			if got := InlineBackground(tt.style); got != tt.want {
				t.Errorf("InlineBackground(%q) = %q, want %q", tt.style, got, tt.want)
			}
		})
	}
}

func TestElementBackground(t *testing.T) {
	got, err := ElementBackground(`<div aria-label="Sunday, March 16, 2025" style="background-color: rgba(49, 200, 25, 0.2)">16</div>`)
	if err != nil {
		t.Fatalf("ElementBackground() error = %v", err)
	}
	if got != "rgba(49, 200, 25, 0.2)" {
		t.Errorf("ElementBackground() = %q", got)
	}

	if _, err := ElementBackground(""); err == nil {
		t.Error("empty fragment should fail")
	}
}

func TestCheck(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/blocked" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing User-Agent")
		}
		w.Write([]byte("<html></html>")) //nolint:errcheck
	}))
	defer ts.Close()

	s := New(ts.Client(), logger)
	ctx := context.Background()

	res, err := s.Check(ctx, ts.URL+"/select-parking")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", res.StatusCode)
	}

	hits.Store(0)
	_, err = s.Check(ctx, ts.URL+"/blocked")
	if !IsHTTP403Error(err) {
		t.Fatalf("Check() error = %v, want HTTP403Error", err)
	}
	if hits.Load() != 1 {
		t.Errorf("403 should not be retried, got %d requests", hits.Load())
	}
}

// TestCheckLiveResort is an integration test against a real reservation site.
func TestCheckLiveResort(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	s := New(&http.Client{Timeout: 30 * time.Second}, logger)

	res, err := s.Check(context.Background(), "https://reservenski.parkbrightonresort.com/select-parking")
	if err != nil {
		t.Skipf("resort site not reachable from here: %v", err)
	}
	t.Logf("Brighton answered %d in %s", res.StatusCode, res.Duration)
}
