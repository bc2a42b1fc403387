package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/matchday/libsync/internal/sync"
	"github.com/matchday/libsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List undelivered local changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		syncConfig := syncpkg.DefaultConfig()
		syncConfig.Logger = newLogger("[sync] ")
		coord := syncpkg.New(db, syncConfig)

		envelopes, err := coord.PendingDeltas(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}

		if len(envelopes) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		fmt.Printf("%d pending change(s):\n", len(envelopes))
		for _, e := range envelopes {
			fmt.Printf("  %s  %s %s  %s\n",
				ui.RenderAccent(e.ID.String()),
				e.Action,
				e.Entity,
				ui.RenderLabel(e.ModifiedAt.Local().Format(time.RFC822)))
		}
		return nil
	},
}
