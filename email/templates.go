package email

import (
	"fmt"
	"net/url"
	"strings"

	"parkwatch/pkg/parking"
)

func writeHead(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".headline { font-size: 1.3em; font-weight: 600; color: #1f7a35; margin-bottom: 12px; }\n")
	b.WriteString(".date { font-weight: 600; }\n")
	b.WriteString(".cta { display: inline-block; margin: 16px 0; padding: 10px 18px; background: #1f7a35; color: #fff; border-radius: 4px; text-decoration: none; }\n")
	b.WriteString(".note { color: #555; font-size: 0.95em; }\n")
	b.WriteString(".dates { margin: 10px 0; padding-left: 20px; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; font-size: 0.9em; color: #7f8c8d; border-top: 1px solid #ddd; }\n")
	b.WriteString(".footer a { color: #7f8c8d; text-decoration: underline; margin: 0 8px; }\n")
	b.WriteString(".footer a:first-child { margin-left: 0; }\n")
	b.WriteString("a { color: #1f7a35; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".headline { color: #5fd47a; }\n")
	b.WriteString(".note { color: #b0b0b0; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString(".footer a { color: #a0a0a0; }\n")
	b.WriteString("a { color: #5fd47a; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")
}

func (s *Sender) resumeURL(token string) string {
	return fmt.Sprintf("%s/resume?token=%s", s.baseURL, url.QueryEscape(token))
}

func (s *Sender) manageURL(jobID string) string {
	return fmt.Sprintf("%s/jobs/%s", s.baseURL, url.PathEscape(jobID))
}

func (s *Sender) formatAvailabilityBody(n parking.Notice) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString(fmt.Sprintf("<div class=\"headline\">%s parking just opened up</div>\n", escapeHTML(displayResort(n.Resort))))
	b.WriteString(fmt.Sprintf("<p>A spot is showing as available for <span class=\"date\">%s</span>.</p>\n",
		escapeHTML(n.Event.Date.AriaLabel())))

	if n.BookingURL != "" && isSafeURL(n.BookingURL) {
		b.WriteString(fmt.Sprintf("<a class=\"cta\" href=\"%s\">Book now</a>\n", escapeHTML(n.BookingURL)))
	}

	b.WriteString("<p class=\"note\">Spots go fast and this alert is sent once. ")
	b.WriteString("We won't email you again for this date until it books out and reopens.</p>\n")
	if n.Event.ResumeToken != "" {
		b.WriteString(fmt.Sprintf("<p class=\"note\">Missed it? <a href=\"%s\">Keep watching this date</a> ", escapeHTML(s.resumeURL(n.Event.ResumeToken))))
		b.WriteString("and we'll alert you the next time it shows as available.</p>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Manage</a>\n", escapeHTML(s.manageURL(n.Event.JobID))))
	b.WriteString("</div>\n")
	b.WriteString("</body>\n</html>")

	return b.String()
}

func (s *Sender) formatWelcomeBody(job *parking.MonitoringJob) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString(fmt.Sprintf("<div class=\"headline\">Watching %s parking</div>\n", escapeHTML(displayResort(job.Resort))))
	b.WriteString("<p>We'll email you as soon as a spot opens up on:</p>\n")
	b.WriteString("<ul class=\"dates\">\n")
	for _, d := range job.Dates {
		b.WriteString(fmt.Sprintf("<li>%s</li>\n", escapeHTML(d.AriaLabel())))
	}
	b.WriteString("</ul>\n")
	b.WriteString("<p class=\"note\">Use the PIN you chose to pause or delete this watch.</p>\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Manage</a>\n", escapeHTML(s.manageURL(job.ID))))
	b.WriteString("</div>\n")
	b.WriteString("</body>\n</html>")

	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL allows only absolute http(s) links; booking URLs come from
// configuration and end up in an href.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
