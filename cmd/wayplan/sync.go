package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued changes against the store",
	Long:  "Drain the offline write queue in order, replaying each queued change against the store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		requireAuth()
		client := getClient()
		mgr := getManager(client)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		res, err := mgr.Drain(ctx)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("Replayed %d change(s)\n", res.Replayed)
		for temp, server := range res.Remapped {
			fmt.Printf("  %s -> %s\n", temp, server)
		}
		for _, f := range res.Failed {
			fmt.Printf("  DROPPED %s %s/%s: %s\n", f.Entry.Op, f.Entry.Collection, f.Entry.DocID, f.Err.Message)
		}
		if res.Blocked {
			depth, _ := mgr.QueueLen()
			fmt.Printf("Sync interrupted; %d change(s) still queued. Try again later.\n", depth)
		}
		return nil
	},
}
