package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	wayplan "github.com/wayplan/wayplan-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show reachability, cached session, and pending changes",
	Long:  "Display store reachability, the locally cached session, and the depth of the offline write queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client := getClient()
		mgr := getManager(client)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, wayplan.DefaultBaseURL))
		if cfg.Auth.Email != "" {
			fmt.Printf("  Account:  %s\n", cfg.Auth.Email)
		} else {
			fmt.Println("  Account:  (not signed in)")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		monitor := wayplan.NewProbeMonitor(client, 0)
		if monitor.Online(ctx) {
			fmt.Println("Store:      reachable")
		} else {
			fmt.Println("Store:      unreachable (changes will be queued)")
		}

		sess, err := mgr.LoadSession()
		switch {
		case err == nil:
			fmt.Printf("Session:    %s <%s>\n", sess.Name, sess.Email)
		case errors.Is(err, wayplan.ErrNotFound):
			fmt.Println("Session:    (none cached)")
		default:
			fmt.Printf("Session:    unreadable (%v)\n", err)
		}

		depth, err := mgr.QueueLen()
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		fmt.Printf("Pending:    %d queued change(s)\n", depth)
		if depth > 0 {
			entries, err := mgr.PendingEntries()
			if err == nil {
				for _, e := range entries {
					fmt.Printf("  %s %s/%s (queued %s)\n",
						e.Op, e.Collection, e.DocID, e.EnqueuedAt.Format(time.RFC3339))
				}
			}
			fmt.Println("Run 'wayplan sync' to replay them.")
		}
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
