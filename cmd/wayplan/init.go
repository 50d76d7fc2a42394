package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(signOutCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <email>",
	Short: "Sign in and store the session token in ~/.wayplan/config.toml",
	Long:  "Sign in to Wayplan with your email, cache the session locally, and store the token for later commands.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		fmt.Print("Password: ")
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(password, "\r\n")

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, err := client.SignIn(ctx, email, password)
		if err != nil {
			return fmt.Errorf("sign-in failed: %w", err)
		}

		mgr := getManager(client)
		if err := mgr.SaveSession(*sess); err != nil {
			return fmt.Errorf("failed to cache session: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = client.Token()
		cfg.Auth.UserID = sess.UserID
		cfg.Auth.Email = sess.Email
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s. Token saved to %s\n", sess.Email, path)
		return nil
	},
}

var signOutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out and clear the cached session",
	RunE: func(cmd *cobra.Command, args []string) error {
		requireAuth()
		client := getClient()
		mgr := getManager(client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.SignOut(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Remote sign-out failed (%v), clearing local state anyway\n", err)
		}
		if err := mgr.ClearSession(); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed out.")
		return nil
	},
}
