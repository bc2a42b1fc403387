package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	syncpkg "github.com/matchday/libsync/internal/sync"
	"github.com/matchday/libsync/internal/transport"
)

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Request a fresh full snapshot from the producer",
	Long: `Queue a resync request for the paired producer.

The request goes through the durable spool so it survives until the next
transfer window; the running daemon (or the platform transfer mechanism)
delivers it when the peer is reachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := viper.GetString("spool_dir")
		if dir == "" {
			return fmt.Errorf("spool_dir is not configured")
		}

		db, err := openDB()
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		logger := newLogger("[transport] ")
		spool, err := transport.NewSpool(
			filepath.Join(dir, "inbox"),
			filepath.Join(dir, "outbox"),
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to open spool: %w", err)
		}

		syncConfig := syncpkg.DefaultConfig()
		syncConfig.Logger = newLogger("[sync] ")
		coord := syncpkg.New(db, syncConfig)

		adapter := transport.NewAdapter(nil, spool, coord, logger)
		if err := adapter.RequestResync(cmd.Context()); err != nil {
			return fmt.Errorf("failed to queue resync request: %w", err)
		}

		fmt.Println("Resync request queued")
		return nil
	},
}
