package cmd

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"parkwatch/browser"
	"parkwatch/config"
	"parkwatch/daemon"
	"parkwatch/email"
	"parkwatch/events"
	"parkwatch/poll"
	"parkwatch/resort"
	"parkwatch/server"
	"parkwatch/token"
	"parkwatch/vpn"
)

const shutdownTimeout = 2 * time.Minute

func newServeCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring daemon and its HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			return serve(cfg)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "override WORKERS")
	return cmd
}

// poolStatus is the combined status served on /status.
type poolStatus struct {
	Daemon       daemon.Status `json:"daemon"`
	Browser      browser.Stats `json:"browser"`
	EventClients int           `json:"event_clients"`
}

func serve(cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := resort.Load(cfg.ResortsFile, logger)
	if err != nil {
		return err
	}
	for _, err := range registry.Errors() {
		logger.Warn("Resort disabled by configuration error", "error", err)
	}

	provider, err := newMailer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sender := email.New(provider, logger, cfg.BaseURL)

	hashKey := cfg.TokenHashKey
	if len(hashKey) == 0 {
		logger.Warn("TOKEN_HASH_KEY not set, resume links will not survive a restart")
		hashKey = token.GenerateKey()
	}
	tokens := token.NewIssuer(hashKey, cfg.TokenBlockKey)

	prober, pool, closeBrowser := newProber(cfg, cfg.MaxSessions, logger)
	hub := events.NewHub(logger)

	opts := []poll.Option{poll.WithPublisher(hub)}
	if cfg.GluetunURL != "" {
		logger.Info("IP rotation enabled", "gluetun_url", cfg.GluetunURL)
		opts = append(opts, poll.WithRotator(vpn.New(cfg.GluetunURL, vpn.DefaultConfig(), logger)))
	}

	pcfg := poll.DefaultConfig()
	pcfg.Workers = cfg.Workers
	pcfg.QueueSize = cfg.QueueSize
	pcfg.FailureThreshold = cfg.FailureThreshold
	pcfg.BackoffThreshold = cfg.BackoffThreshold
	pcfg.BackoffCeiling = cfg.BackoffCeiling
	monitor := poll.New(store, prober, sender, registry, tokens, pcfg, logger, opts...)

	dcfg := daemon.DefaultConfig()
	dcfg.DispatchInterval = cfg.DispatchInterval
	dcfg.Retention = cfg.Retention
	dcfg.ResortsFile = cfg.ResortsFile
	d := daemon.New(monitor, store, registry, dcfg, logger, closerFunc(closeBrowser))

	go hub.Run(ctx)
	if err := d.Start(ctx); err != nil {
		return err
	}

	srv := server.New(&server.Config{
		Store:      store,
		Profiles:   registry,
		Tokens:     tokens,
		Emailer:    sender,
		Dispatcher: monitor,
		Events:     hub,
		Status: func() any {
			return poolStatus{Daemon: d.Status(), Browser: pool.Stats(), EventClients: hub.ClientCount()}
		},
		Logger:  logger,
		BaseURL: cfg.BaseURL,
	})

	addr := net.JoinHostPort("", cfg.Port)
	logger.Info("Starting parkwatch", "addr", addr, "workers", cfg.Workers, "max_sessions", cfg.MaxSessions)
	serveErr := srv.Run(ctx, addr)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	return errors.Join(serveErr, d.Stop(stopCtx))
}
