package main

import (
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/realplexor/internal/config"
	"github.com/dgnsrekt/realplexor/internal/hub"
	"github.com/dgnsrekt/realplexor/internal/in"
	"github.com/dgnsrekt/realplexor/internal/protocol"
	"github.com/dgnsrekt/realplexor/internal/wait"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the IN and WAIT lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer logger.Sync()
			return runServe(cmd, cfg, logger)
		},
	}
}

func hubOptions(cfg *config.Config) hub.Options {
	opts := hub.DefaultOptions()
	opts.CleanIDAfter = cfg.CleanIDAfter
	opts.OfflineTimeout = cfg.OfflineTimeout
	opts.MaxDataForID = cfg.MaxDataForID
	opts.EventChainLen = cfg.EventChainLen
	opts.TimerResolution = cfg.TimerResolution
	return opts
}

func runServe(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) error {
	accounts, err := cfg.LoadAccounts()
	if err != nil {
		return err
	}

	logger.Info("configuration loaded",
		zap.String("inAddr", cfg.InAddr),
		zap.String("waitAddr", cfg.WaitAddr),
		zap.Duration("cleanIDAfter", cfg.CleanIDAfter),
		zap.Duration("offlineTimeout", cfg.OfflineTimeout),
		zap.Int("maxDataForID", cfg.MaxDataForID),
		zap.Bool("allowGuest", cfg.AllowGuest),
		zap.Int("accounts", len(accounts.Logins())),
		zap.Bool("wsEnabled", cfg.WSEnabled),
		zap.Bool("sseEnabled", cfg.SSEEnabled),
	)

	h := hub.New(hubOptions(cfg), logger)

	inServer := in.NewServer(in.ServerConfig{
		Addr:       cfg.InAddr,
		MaxLen:     cfg.InMaxLen,
		Timeout:    cfg.InTimeout,
		CloseDelay: cfg.InCloseDelay,
		AcceptRate: cfg.InAcceptRate,
	}, h, accounts, protocol.NewParser(cfg.Identifier, nil), logger)

	waitServer, err := wait.NewServer(wait.Config{
		Addr:        cfg.WaitAddr,
		Marker:      cfg.Identifier,
		WaitTimeout: cfg.WaitTimeout,
		WSEnabled:   cfg.WSEnabled,
		SSEEnabled:  cfg.SSEEnabled,
	}, h, protocol.NewParser(cfg.Identifier, h.Generator()), logger)
	if err != nil {
		return err
	}
	defer waitServer.Close()

	g, ctx := errgroup.WithContext(cmd.Context())

	g.Go(func() error {
		h.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return inServer.ListenAndServe(ctx)
	})
	g.Go(func() error {
		return waitServer.ListenAndServe(ctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
