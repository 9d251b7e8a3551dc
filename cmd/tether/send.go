package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		content := strings.Join(args[1:], " ")

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

		store := client.Conversation(conversationID)
		if err := store.Send(ctx, content); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Println("Sent.")
		return nil
	},
}
