package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Load a conversation's recent history and print messages as they arrive or change.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
		err = client.Connect(connectCtx)
		connectCancel()
		if err != nil {
			return fmt.Errorf("cannot reach daemon: %w", err)
		}

		store := client.Conversation(conversationID)
		if err := store.Load(ctx); err != nil {
			return fmt.Errorf("load history: %w", err)
		}

		if settings, err := openSettings(); err == nil {
			_ = settings.Set(keyLastConversation, conversationID)
		}

		printed := 0
		render := func() {
			msgs := store.Messages()
			for ; printed < len(msgs); printed++ {
				m := msgs[printed]
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.Role, m.Content)
			}
		}
		render()

		states, stopStates := client.StateChanges()
		defer stopStates()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		for {
			select {
			case <-store.Changes():
				// Updates mutate in place, so re-print from scratch when the
				// list did not grow.
				if len(store.Messages()) < printed {
					printed = 0
				}
				render()
			case change := <-states:
				fmt.Fprintf(os.Stderr, "-- connection: %s\n", change.State)
			case <-sigCh:
				return nil
			}
		}
	},
}
