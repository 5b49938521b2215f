package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/roomclaw/internal/assistant"
	"github.com/nextlevelbuilder/roomclaw/internal/config"
	"github.com/nextlevelbuilder/roomclaw/internal/coordinator"
)

func sendCmd() *cobra.Command {
	var (
		flags   clientFlags
		trigger bool
	)
	cmd := &cobra.Command{
		Use:   "send <room> <message...>",
		Short: "Post a chat message to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			client, err := flags.client(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			room := args[0]
			msg, err := client.Send(ctx, room, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("sent %s (mentions assistant: %v)\n", msg.ID, msg.MentionsAssistant)

			if !trigger || !msg.MentionsAssistant {
				return nil
			}
			reply, err := client.Trigger(ctx, room, msg.ID)
			if coordinator.IsSettled(err) {
				fmt.Println("reply already handled elsewhere")
				return nil
			}
			if err != nil {
				return fmt.Errorf("trigger reply: %w", err)
			}
			fmt.Printf("reply %s\n", reply.ID)

			history, err := client.History(ctx, room, 5)
			if err != nil {
				return err
			}
			for _, m := range history {
				if m.ID == reply.ID {
					fmt.Printf("%s: %s\n", m.AuthorName, assistant.Preview(m.Content, 200))
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&trigger, "trigger", false, "call /ai-response after sending when the message mentions the assistant")
	return cmd
}
