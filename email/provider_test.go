package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestSanitizeEmailHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"skier@example.com", "skier@example.com"},
		{"skier@example.com\r\nBcc: evil@example.com", "skier@example.comBcc: evil@example.com"},
		{"Parking\tavailable", "Parkingavailable"},
		{"Café", "Café"},
	}
	for _, tt := range tests {
		if got := sanitizeEmailHeader(tt.in); got != tt.want {
			t.Errorf("sanitizeEmailHeader(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildMIME(t *testing.T) {
	msg := buildMIME("alerts@example.com", "skier@example.com", "Hi\nthere", "<p>x</p>")
	if !strings.Contains(msg, "From: alerts@example.com\r\n") {
		t.Error("missing From header")
	}
	if !strings.Contains(msg, "Subject: Hithere\r\n") {
		t.Error("subject not sanitized")
	}
	if !strings.HasSuffix(msg, "\r\n\r\n<p>x</p>") {
		t.Error("body not separated from headers")
	}

	if strings.Contains(buildMIME("", "a@b.c", "s", "b"), "From:") {
		t.Error("empty from should omit the header")
	}
}

func TestBrevoProvider(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantErr   bool
		wantCalls int32
	}{
		{"success", []int{http.StatusCreated}, false, 1},
		{"retries server error", []int{http.StatusBadGateway, http.StatusCreated}, false, 2},
		{"bad request is final", []int{http.StatusBadRequest}, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				if r.Header.Get("api-key") != "key" {
					t.Errorf("api-key header = %q", r.Header.Get("api-key"))
				}
				var req brevoSendRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode request: %v", err)
				}
				if len(req.To) != 1 || req.To[0].Email != "skier@example.com" {
					t.Errorf("to = %+v", req.To)
				}
				status := tt.statuses[min(int(n)-1, len(tt.statuses)-1)]
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"messageId":"<m1@brevo>"}`))
			}))
			defer srv.Close()

			p := NewBrevoProvider("key", "alerts@example.com", "Parkwatch", testLogger())
			p.endpoint = srv.URL

			err := p.Send(context.Background(), "skier@example.com", "subject", "<p>body</p>")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestMockProviderRecords(t *testing.T) {
	m := NewMockProvider(testLogger())
	_ = m.Send(context.Background(), "a@example.com", "one", "<p>1</p>")
	_ = m.Send(context.Background(), "b@example.com", "two", "<p>2</p>")

	sent := m.Sent()
	if len(sent) != 2 || sent[1].Subject != "two" {
		t.Errorf("Sent() = %+v", sent)
	}
}
