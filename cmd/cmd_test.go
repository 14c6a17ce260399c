package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"parkwatch/config"
)

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"serve", "probe", "resorts", "jobs", "migrate", "version"}
	for _, name := range want {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestVersion(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "parkwatch dev") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestProbeRequiresArgs(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"probe", "brighton"})
	if err := root.Execute(); err == nil {
		t.Error("probe with one argument should fail")
	}
}

func TestLookupResortDate(t *testing.T) {
	cfg := config.Config{}
	logger := newLogger(0)

	p, d, err := lookupResortDate(cfg, "Brighton", "2025-12-13", logger)
	if err != nil {
		t.Fatalf("lookupResortDate() error = %v", err)
	}
	if p.Name != "brighton" || d.String() != "2025-12-13" {
		t.Errorf("got %s %s", p.Name, d)
	}

	if _, _, err := lookupResortDate(cfg, "nowhere", "2025-12-13", logger); err == nil {
		t.Error("unknown resort should fail")
	}
	if _, _, err := lookupResortDate(cfg, "brighton", "13/12/2025", logger); err == nil {
		t.Error("malformed date should fail")
	}
}

func TestOpenLocalStore(t *testing.T) {
	dir := t.TempDir()
	store, closeStore, err := openStore(context.Background(), config.Config{LocalPath: dir}, newLogger(0))
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer closeStore()

	jobs, err := store.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("ListJobs() = %d jobs, want 0", len(jobs))
	}
}

func TestMockMailerWithoutCredentials(t *testing.T) {
	p, err := newMailer(context.Background(), config.Config{}, newLogger(0))
	if err != nil {
		t.Fatalf("newMailer() error = %v", err)
	}
	if err := p.Send(context.Background(), "a@example.com", "s", "<p>b</p>"); err != nil {
		t.Errorf("mock Send() error = %v", err)
	}
}

func TestCloserFunc(t *testing.T) {
	want := errors.New("closed")
	if err := closerFunc(func(context.Context) error { return want }).Close(context.Background()); !errors.Is(err, want) {
		t.Errorf("Close() = %v, want %v", err, want)
	}
}
