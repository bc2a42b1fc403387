package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/matchday/libsync/internal/daemon"
	"github.com/matchday/libsync/internal/diag"
	syncpkg "github.com/matchday/libsync/internal/sync"
	"github.com/matchday/libsync/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the replication daemon",
	Long: `Run the replication daemon until interrupted.

The daemon connects to the paired producer over its websocket endpoint
(peer_url), watches the bulk-transfer spool (spool_dir), applies inbound
snapshots, and periodically flushes queued local changes back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		syncConfig := syncpkg.DefaultConfig()
		syncConfig.Logger = newLogger("[sync] ")
		if ttl := viper.GetDuration("chunk_ttl"); ttl > 0 {
			syncConfig.ChunkTTL = ttl
		}
		coord := syncpkg.New(db, syncConfig)

		transportLogger := newLogger("[transport] ")

		var live *transport.WSChannel
		if url := viper.GetString("peer_url"); url != "" {
			wsConfig := transport.DefaultWSConfig(url)
			wsConfig.Logger = transportLogger
			live = transport.NewWSChannel(wsConfig)
		}

		var spool *transport.Spool
		if dir := viper.GetString("spool_dir"); dir != "" {
			spool, err = transport.NewSpool(
				filepath.Join(dir, "inbox"),
				filepath.Join(dir, "outbox"),
				transportLogger,
			)
			if err != nil {
				return fmt.Errorf("failed to create spool: %w", err)
			}
		}

		if live == nil && spool == nil {
			return fmt.Errorf("no transport configured: set peer_url and/or spool_dir")
		}

		adapter := transport.NewAdapter(live, spool, coord, transportLogger)

		var diagServer *diag.Server
		if port := viper.GetInt("diag_port"); port > 0 {
			diagServer = diag.NewServer(&diag.Config{
				Port:   port,
				Logger: newLogger("[diag] "),
			})
			if err := diagServer.Start(); err != nil {
				return fmt.Errorf("failed to start diagnostics server: %w", err)
			}
			defer func() { _ = diagServer.Stop() }()
		}

		daemonConfig := daemon.DefaultConfig()
		daemonConfig.Logger = newLogger("[daemon] ")
		if interval := viper.GetDuration("flush_interval"); interval > 0 {
			daemonConfig.FlushInterval = interval
		}

		d, err := daemon.New(coord, adapter, diagServer, daemonConfig)
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		if live != nil {
			live.Start()
			defer func() { _ = live.Close() }()
		}
		if spool != nil {
			if err := spool.Start(); err != nil {
				return fmt.Errorf("failed to start spool: %w", err)
			}
			defer func() { _ = spool.Stop() }()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("libsync daemon running (db: %s)\n", dbPath())
		start := time.Now()
		err = d.Start(ctx)
		fmt.Printf("libsync daemon stopped after %s\n", time.Since(start).Round(time.Second))
		return err
	},
}
