// Package vpn rotates the egress IP through a Gluetun control server.
package vpn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	statusRunning = "running"
	statusStopped = "stopped"
)

// ErrSameIP is returned when every rotation attempt came back with the old address.
var ErrSameIP = errors.New("vpn rotation kept the same public ip")

// Config tunes rotation timing.
type Config struct {
	Attempts     int           // Reconnects to try when the IP does not change
	StopWait     time.Duration // Pause between stopping and starting the tunnel
	ReadyTimeout time.Duration // How long to wait for the tunnel to come back
	PollInterval time.Duration // Status polling cadence while waiting
	SettleWait   time.Duration // Pause after the tunnel is up before checking the IP
}

// DefaultConfig returns timings that suit a local Gluetun container.
func DefaultConfig() Config {
	return Config{
		Attempts:     3,
		StopWait:     5 * time.Second,
		ReadyTimeout: time.Minute,
		PollInterval: 3 * time.Second,
		SettleWait:   5 * time.Second,
	}
}

// Client talks to the Gluetun HTTP control server.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	cfg     Config
}

// New creates a client for the control server at baseURL, e.g. http://localhost:8000.
func New(baseURL string, cfg Config, logger *slog.Logger) *Client {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Client{
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cfg:     cfg,
	}
}

type statusBody struct {
	Status string `json:"status"`
}

type publicIPBody struct {
	PublicIP string `json:"public_ip"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body.Bytes()))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			if in != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Gluetun request", "attempt", n, "path", path, "error", err)
		}),
	)
}

// PublicIP returns the tunnel's current public address.
func (c *Client) PublicIP(ctx context.Context) (string, error) {
	var out publicIPBody
	if err := c.do(ctx, http.MethodGet, "/v1/publicip/ip", nil, &out); err != nil {
		return "", err
	}
	return out.PublicIP, nil
}

// Status returns "running" or "stopped".
func (c *Client) Status(ctx context.Context) (string, error) {
	var out statusBody
	if err := c.do(ctx, http.MethodGet, "/v1/vpn/status", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) setStatus(ctx context.Context, status string) error {
	if err := c.do(ctx, http.MethodPut, "/v1/vpn/status", statusBody{Status: status}, nil); err != nil {
		return fmt.Errorf("set vpn %s: %w", status, err)
	}
	c.logger.Info("VPN status set", "status", status)
	return nil
}

func (c *Client) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadyTimeout)
	defer cancel()

	for {
		status, err := c.Status(ctx)
		if err == nil && status == statusRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("vpn not ready: %w", ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Rotate restarts the tunnel until Gluetun reports a new public IP. Gluetun
// picks a random server on every start.
func (c *Client) Rotate(ctx context.Context) error {
	oldIP, err := c.PublicIP(ctx)
	if err != nil {
		c.logger.Warn("Could not read current public IP", "error", err)
	}
	c.logger.Info("Starting VPN rotation", "current_ip", oldIP)

	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if err := c.setStatus(ctx, statusStopped); err != nil {
			return err
		}
		if err := sleep(ctx, c.cfg.StopWait); err != nil {
			return err
		}
		if err := c.setStatus(ctx, statusRunning); err != nil {
			return err
		}
		if err := c.waitReady(ctx); err != nil {
			return err
		}
		if err := sleep(ctx, c.cfg.SettleWait); err != nil {
			return err
		}

		newIP, err := c.PublicIP(ctx)
		switch {
		case err != nil:
			c.logger.Warn("Tunnel is up but new IP could not be verified", "error", err)
			return nil
		case newIP != oldIP:
			c.logger.Info("VPN rotated", "old_ip", oldIP, "new_ip", newIP, "attempt", attempt)
			return nil
		}
		c.logger.Warn("Same IP after rotation, trying again", "ip", newIP, "attempt", attempt)
	}
	return ErrSameIP
}
