package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	wayplan "github.com/wayplan/wayplan-go"
)

var (
	tripDestination string
	tripStartDate   string
	tripEndDate     string
	tripStyle       string
)

func init() {
	rootCmd.AddCommand(tripsCmd)
	tripsCmd.AddCommand(tripsListCmd)
	tripsCmd.AddCommand(tripsCreateCmd)
	tripsCmd.AddCommand(tripsDeleteCmd)

	tripsCreateCmd.Flags().StringVar(&tripDestination, "destination", "", "Destination")
	tripsCreateCmd.Flags().StringVar(&tripStartDate, "start", "", "Start date (YYYY-MM-DD)")
	tripsCreateCmd.Flags().StringVar(&tripEndDate, "end", "", "End date (YYYY-MM-DD)")
	tripsCreateCmd.Flags().StringVar(&tripStyle, "style", "", "Trip style (leisure|business|adventure|family)")
}

var tripsCmd = &cobra.Command{
	Use:   "trips",
	Short: "Manage trips",
	Long:  "List, create, and delete trips. Writes work offline: they are queued locally and replayed on sync.",
}

var tripsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locally cached trips",
	RunE: func(cmd *cobra.Command, args []string) error {
		requireAuth()
		mgr := getManager(getClient())

		trips, err := mgr.Trips()
		if err != nil {
			return fmt.Errorf("failed to read trip cache: %w", err)
		}
		if len(trips) == 0 {
			fmt.Println("No trips cached.")
			return nil
		}
		for _, t := range trips {
			marker := " "
			if wayplan.IsLocalID(t.ID) {
				marker = "*"
			}
			fmt.Printf("%s %-30s %-20s %s  [%s]\n", marker, t.ID, t.Destination, t.Title, t.Status)
		}
		fmt.Println("\n(* = not yet synced to the store)")
		return nil
	},
}

var tripsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a trip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requireAuth()
		mgr := getManager(getClient())

		fields := map[string]any{"title": args[0]}
		if tripDestination != "" {
			fields["destination"] = tripDestination
		}
		if tripStartDate != "" {
			fields["startDate"] = tripStartDate
		}
		if tripEndDate != "" {
			fields["endDate"] = tripEndDate
		}
		if tripStyle != "" {
			fields["style"] = tripStyle
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := mgr.Mutate(ctx, wayplan.OpCreate, wayplan.CollectionTrips, wayplan.NewLocalID(), fields)
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		switch res.Status {
		case wayplan.StatusSent:
			var t wayplan.Trip
			if err := res.Result.Decode(&t); err == nil {
				fmt.Printf("Created trip %s\n", t.ID)
			} else {
				fmt.Println("Created trip")
			}
		case wayplan.StatusQueued:
			fmt.Printf("Offline: trip saved locally as %s, will sync later\n", res.Entry.DocID)
		}
		return nil
	},
}

var tripsDeleteCmd = &cobra.Command{
	Use:   "delete <trip-id>",
	Short: "Delete a trip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requireAuth()
		mgr := getManager(getClient())

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := mgr.Mutate(ctx, wayplan.OpDelete, wayplan.CollectionTrips, args[0], nil)
		if err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		if res.Status == wayplan.StatusQueued {
			fmt.Println("Offline: deletion recorded locally, will sync later")
		} else {
			fmt.Println("Deleted.")
		}
		return nil
	},
}
