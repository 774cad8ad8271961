// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	_ "github.com/quarry-storage/quarry/backend/file"
	_ "github.com/quarry-storage/quarry/backend/memory"
	"github.com/quarry-storage/quarry/migration"
	"github.com/quarry-storage/quarry/private/lifecycle"
	"github.com/quarry-storage/quarry/provider"
	"github.com/quarry-storage/quarry/rpc"
	_ "github.com/quarry-storage/quarry/transfer/chunked"
	_ "github.com/quarry-storage/quarry/transfer/passthrough"
	"github.com/quarry-storage/quarry/transport/drpcengine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the provider daemon",
	RunE:  cmdRun,
}

func init() {
	flags := runCmd.Flags()
	flags.String("listen-address", ":7777", "address to serve the RPC surface on")
	flags.String("provider-id", "", "identifier this provider presents to migration peers")
	flags.String("document", "", "path to the provider configuration JSON document")
	flags.String("log-level", "info", "zap log level (debug, info, warn, error)")
	flags.Bool("migration", false, "enable the migration client/server pair")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}
	return cfg.Build()
}

func cmdRun(cmd *cobra.Command, _ []string) (err error) {
	v, err := loadViper()
	if err != nil {
		return err
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	log, err := newLogger(v.GetString("log-level"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	docPath := v.GetString("document")
	if docPath == "" {
		return errs.New("quarryd run: --document is required")
	}
	doc, err := os.ReadFile(docPath)
	if err != nil {
		return errs.Wrap(err)
	}

	providerID := v.GetString("provider-id")
	if providerID == "" {
		return errs.New("quarryd run: --provider-id is required")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	bulk := drpcengine.NewBulkRegistry()
	engine := drpcengine.New(log.Named("transport"), bulk, nil)

	var migrationTransport migration.Transport
	if v.GetBool("migration") {
		migrationTransport = drpcengine.NewMigrationDirectory()
	}

	p, err := provider.New(ctx, log, providerID, engine, migrationTransport, doc)
	if err != nil {
		return errs.Wrap(err)
	}

	engine.SetDispatcher(rpc.New(log.Named("rpc"), p))
	if p.MigrationServer() != nil {
		engine = engine.WithMigrationServer(p.MigrationServer())
	}

	listenAddr := v.GetString("listen-address")
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return errs.Wrap(err)
	}
	log.Info("listening", zap.String("address", lis.Addr().String()))

	group := lifecycle.NewGroup(log)
	return group.Run(ctx,
		lifecycle.Worker{Name: "transport", Run: func(ctx context.Context) error {
			return engine.Serve(ctx, lis)
		}},
		lifecycle.Worker{Name: "signal", Run: func(ctx context.Context) error {
			return waitForSignal(ctx)
		}},
	)
}

func waitForSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sigCh:
		return nil
	}
}
