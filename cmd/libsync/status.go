package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matchday/libsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		st, err := db.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load status: %w", err)
		}

		fmtTime := func(t *time.Time) string {
			if t == nil {
				return "never"
			}
			return t.Local().Format(time.RFC1123)
		}

		reachable := ui.RenderWarn("unreachable")
		if st.Reachable {
			reachable = ui.RenderOK("reachable")
		}

		fmt.Printf("%s %s\n", ui.RenderLabel("Peer:"), reachable)
		if st.LastConnectivityStatus != "" {
			fmt.Printf("%s %s\n", ui.RenderLabel("Connectivity:"), st.LastConnectivityStatus)
		}
		fmt.Printf("%s %s\n", ui.RenderLabel("Last snapshot generated:"), ui.RenderAccent(fmtTime(st.LastSnapshotGeneratedAt)))
		fmt.Printf("%s %s\n", ui.RenderLabel("Last snapshot applied:"), ui.RenderAccent(fmtTime(st.LastSnapshotAppliedAt)))
		fmt.Printf("%s %s\n", ui.RenderLabel("Last remote sync:"), fmtTime(st.LastRemoteSync))
		fmt.Printf("%s %d\n", ui.RenderLabel("Pending snapshot chunks:"), st.PendingSnapshotChunks)
		fmt.Printf("%s %d\n", ui.RenderLabel("Queued snapshots:"), st.QueuedSnapshots)
		fmt.Printf("%s %d\n", ui.RenderLabel("Queued deltas:"), st.QueuedDeltas)
		if st.RequiresBackfill {
			fmt.Printf("%s\n", ui.RenderWarn("Producer requires backfill"))
		}

		return nil
	},
}
