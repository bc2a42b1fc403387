package main

import (
	"fmt"

	"github.com/spf13/cobra"

	syncpkg "github.com/matchday/libsync/internal/sync"
)

var wipeForce bool

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Erase the local mirror, buffered chunks, and queued changes",
	Long: `Erase all locally replicated data and queued changes.

Used for account sign-out or factory reset. Queued changes that were
never delivered are lost; requires --force.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !wipeForce {
			return fmt.Errorf("refusing to wipe without --force")
		}

		db, err := openDB()
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		syncConfig := syncpkg.DefaultConfig()
		syncConfig.Logger = newLogger("[sync] ")
		coord := syncpkg.New(db, syncConfig)

		if err := coord.WipeAll(cmd.Context()); err != nil {
			return fmt.Errorf("wipe failed: %w", err)
		}

		fmt.Println("Local data wiped")
		return nil
	},
}

func init() {
	wipeCmd.Flags().BoolVar(&wipeForce, "force", false, "confirm destructive wipe")
}
