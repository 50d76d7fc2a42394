package main

import (
	"fmt"
	"os"

	wayplan "github.com/wayplan/wayplan-go"
)

// getClient creates a Wayplan client from the stored config. It does not
// require a token, so sign-in and health checks work before init.
func getClient() *wayplan.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []wayplan.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, wayplan.WithBaseURL(cfg.Default.BaseURL))
	}
	return wayplan.NewClient(cfg.Auth.Token, opts...)
}

// getManager creates an offline manager over file storage, wired to a
// probe monitor against the configured store.
func getManager(client *wayplan.Client) *wayplan.OfflineManager {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	storage, err := wayplan.NewFileStorage(cfg.Default.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open local storage: %v\n", err)
		os.Exit(1)
	}

	return wayplan.NewOfflineManager(client, storage, wayplan.NewProbeMonitor(client, 0), &wayplan.OfflineOptions{
		OnEntryFailed: func(f wayplan.FailedEntry) {
			fmt.Fprintf(os.Stderr, "Change to %s could not be saved: %s\n", f.Entry.DocID, f.Err.Message)
		},
	})
}

// requireAuth exits unless a token is stored.
func requireAuth() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'wayplan init <email>' first.")
		os.Exit(1)
	}
}
