package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/guardpost/guardpost/internal/api"
	"github.com/guardpost/guardpost/internal/cache"
	"github.com/guardpost/guardpost/internal/checks"
	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/datasource"
	"github.com/guardpost/guardpost/internal/dnsbl"
	"github.com/guardpost/guardpost/internal/policy"
	"github.com/guardpost/guardpost/internal/proxyproto"
	"github.com/guardpost/guardpost/internal/smtp"
)

var listenFlag string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the guardpost policy daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&listenFlag, "listen", "", "Override the listen address (e.g. :2525)")
}

func runServer() error {
	if listenFlag != "" {
		cfg.Server.Listen = listenFlag
	}
	logger := slog.Default()
	startTime := time.Now()

	// Zone set and resolver, shared by every connection.
	zones := make([]dnsbl.Zone, 0, len(cfg.DNSBL.Zones))
	for _, entry := range cfg.DNSBL.Zones {
		zones = append(zones, dnsbl.ParseZone(entry))
	}
	resolver := dnsbl.NewClient(cfg.DNSBL.DNSServers, cfg.DNSBLTimeout())
	checker := dnsbl.NewChecker(zones, cfg.DNSBL.Allowlist, resolver, cfg.DNSBLTimeout(), logger)

	engine := policy.NewEngine(logger)
	// Registered even with no zones configured: the check also applies
	// the allow-list immunity and the environment override.
	engine.Register(checks.NewDNSBL(
		checker,
		cfg.DNSBL.RejectAt == "deferred",
		connection.RejectType(cfg.DNSBL.RejectType),
		logger,
	))

	var greylistStore cache.Cache
	if cfg.Greylist.Enabled {
		store, err := cache.New(cache.Config{
			Type:     cfg.Greylist.CacheType,
			Host:     cfg.Greylist.CacheHost,
			Port:     cfg.Greylist.CachePort,
			Password: cfg.Greylist.Password,
			Database: cfg.Greylist.Database,
		})
		if err != nil {
			return err
		}
		if err := store.Connect(); err != nil {
			return fmt.Errorf("greylist store: %w", err)
		}
		defer store.Close()
		greylistStore = store
		engine.Register(checks.NewGreylist(
			greylistStore,
			time.Duration(cfg.Greylist.RetryDelay)*time.Second,
			time.Duration(cfg.Greylist.Expiry)*time.Second,
			logger,
		))
	}

	if cfg.Karma.Enabled {
		engine.Register(checks.NewKarmaFloor(cfg.Karma.Floor, logger))
	}

	// The dispatcher registers last so every check in the trigger phase
	// runs before disposal.
	engine.Register(policy.NewDispatcher(
		cfg.TriggerPhase(),
		connection.RejectType(cfg.Naughty.DefaultRejectType),
		logger,
	))

	var users datasource.DataSource
	if cfg.Auth.Enabled {
		ds, err := datasource.New(datasource.Config{
			Type: cfg.Auth.DatasourceType,
			Path: cfg.Auth.DatasourcePath,
		})
		if err != nil {
			return err
		}
		if err := ds.Connect(); err != nil {
			return fmt.Errorf("auth datasource: %w", err)
		}
		defer ds.Close()
		users = ds
	}

	rewriter := proxyproto.NewRewriter(cfg.Proxy.Enabled, cfg.Proxy.TrustedRelay, logger)
	server := smtp.NewServer(cfg, engine, rewriter, users, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})
	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API.Listen, func() api.Status {
			return api.Status{
				Hostname:          cfg.Server.Hostname,
				StartTime:         startTime,
				ActiveConnections: server.ActiveConnections(),
				Zones:             cfg.DNSBL.Zones,
				TriggerPhase:      cfg.Naughty.TriggerPhase,
			}
		}, logger)
		g.Go(func() error {
			return apiServer.Start(ctx)
		})
	}

	logger.Info("guardpost started",
		"listen", cfg.Server.Listen,
		"zones", len(zones),
		"trigger_phase", cfg.Naughty.TriggerPhase,
		"proxy_enabled", cfg.Proxy.Enabled,
	)
	return g.Wait()
}
