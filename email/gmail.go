package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends alerts through the Gmail API as the authenticated account.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
	from    string
}

// NewGmailProvider creates a Gmail provider. from may be empty, in which case
// Gmail fills in the authenticated account's address.
func NewGmailProvider(service *gmail.Service, from string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		from:    from,
		logger:  logger,
	}
}

// sanitizeEmailHeader strips CR, LF and other control characters so a header
// value cannot start a new header line.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMIME renders a single-part HTML message in RFC 5322 form.
func buildMIME(from, to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	if from != "" {
		msg.WriteString(fmt.Sprintf("From: %s\r\n", sanitizeEmailHeader(from)))
	}
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeEmailHeader(subject)))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send delivers one message. Client errors other than rate limiting are not retried.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	to = sanitizeEmailHeader(to)
	encoded := base64.URLEncoding.EncodeToString([]byte(buildMIME(g.from, to, subject, htmlBody)))

	return retry.Do(
		func() error {
			start := time.Now()
			sent, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(start)

			if err != nil {
				var apiErr *googleapi.Error
				if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 &&
					apiErr.Code != http.StatusTooManyRequests {
					g.logger.Error("Gmail rejected message",
						"to", to,
						"status_code", apiErr.Code,
						"error", err)
					return retry.Unrecoverable(fmt.Errorf("gmail rejected message: %w", err))
				}
				g.logger.Warn("Gmail send failed",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail message sent",
				"to", to,
				"message_id", sent.Id,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail send", "attempt", n, "error", err)
		}),
	)
}
