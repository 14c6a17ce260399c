// Package scraper parses resort calendar markup and checks that reservation
// pages are reachable.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"parkwatch/pkg/parking"
)

// Cell is one date cell found on a rendered calendar page.
type Cell struct {
	Label string       `json:"label"`
	Style string       `json:"style,omitempty"`
	Color string       `json:"color"`
	Date  parking.Date `json:"date"`
}

// HTTP403Error indicates the reservation site refused the request, usually
// an anti-bot block on the current IP.
type HTTP403Error struct {
	URL string
}

func (e *HTTP403Error) Error() string {
	return fmt.Sprintf("HTTP 403 Forbidden: %s", e.URL)
}

// IsHTTP403Error checks if an error is an HTTP 403 error.
func IsHTTP403Error(err error) bool {
	var forbidden *HTTP403Error
	return errors.As(err, &forbidden)
}

// Scraper performs plain HTTP checks against reservation sites.
type Scraper struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a new scraper.
func New(client *http.Client, logger *slog.Logger) *Scraper {
	return &Scraper{
		client: client,
		logger: logger,
	}
}

// Reachability is the result of a plain GET against a reservation page.
type Reachability struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
}

// Check fetches pageURL without a browser. The calendar itself is rendered
// client side, so this only proves the site answers and is not blocking us.
func (s *Scraper) Check(ctx context.Context, pageURL string) (*Reachability, error) {
	var result *Reachability

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
					s.logger.Debug("Failed to drain response body", "error", drainErr)
				}
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode == http.StatusForbidden {
				return &HTTP403Error{URL: pageURL}
			}
			if resp.StatusCode >= 500 {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			result = &Reachability{URL: pageURL, StatusCode: resp.StatusCode, Duration: duration}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying reachability check after error", "attempt", n, "url", pageURL, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsHTTP403Error(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return result, nil
}

// ParseCalendar lists every element whose aria-label is a calendar date,
// sorted by date.
func ParseCalendar(r io.Reader) ([]Cell, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	seen := make(map[parking.Date]bool)
	var cells []Cell
	doc.Find("[aria-label]").Each(func(_ int, sel *goquery.Selection) {
		label, _ := sel.Attr("aria-label")
		d, err := parking.ParseAriaLabel(strings.TrimSpace(label))
		if err != nil || seen[d] {
			return
		}
		seen[d] = true

		style, _ := sel.Attr("style")
		cells = append(cells, Cell{
			Label: label,
			Date:  d,
			Style: style,
			Color: InlineBackground(style),
		})
	})

	sort.Slice(cells, func(i, j int) bool { return cells[i].Date.Before(cells[j].Date) })
	return cells, nil
}

// ElementBackground returns the inline background colour of the first
// element in an HTML fragment, such as a cell's outerHTML.
func ElementBackground(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("parse element: %w", err)
	}
	el := doc.Find("body").Children().First()
	if el.Length() == 0 {
		return "", errors.New("empty element markup")
	}
	style, _ := el.Attr("style")
	return InlineBackground(style), nil
}

// InlineBackground extracts the background colour from a style attribute.
// It returns parking.NoBackground when none is declared.
func InlineBackground(style string) string {
	color := ""
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "!important"))
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "background-color":
			color = value
		case "background":
			if c := colorToken(value); c != "" {
				color = c
			}
		}
	}
	if color == "" {
		return parking.NoBackground
	}
	return color
}

// colorToken finds a colour in a background shorthand value.
func colorToken(value string) string {
	lower := strings.ToLower(value)
	for _, fn := range []string{"rgba(", "rgb("} {
		if i := strings.Index(lower, fn); i >= 0 {
			if j := strings.Index(lower[i:], ")"); j > 0 {
				return value[i : i+j+1]
			}
		}
	}
	for _, tok := range strings.Fields(value) {
		if strings.HasPrefix(tok, "#") {
			return tok
		}
	}
	return ""
}
