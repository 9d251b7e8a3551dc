package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon connection status",
	Long:  "Connect to the daemon and display its version, uptime and session count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("cannot reach daemon: %w", err)
		}

		info, err := client.FetchInfo(ctx)

		fmt.Printf("State:   %s\n", client.State().State)
		if err != nil {
			fmt.Println("Daemon metadata unavailable.")
			return nil
		}
		fmt.Printf("Version: %s\n", info.Version)
		fmt.Printf("Uptime:  %s\n", (time.Duration(info.UptimeSeconds) * time.Second).String())
		fmt.Printf("Active sessions: %d\n", info.ActiveSessions)
		fmt.Printf("Port:    %d\n", info.Port)
		return nil
	},
}
