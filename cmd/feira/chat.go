package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	feiralivre "github.com/feiralivre/feiralivre-go"
	"github.com/spf13/cobra"
)

var (
	conversationsJSON bool
	historyLimit      int
	historyJSON       bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, session, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(convs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		rows := feiralivre.BuildConversationRows(convs, session.UserID)
		for _, r := range rows {
			snippet := r.Snippet
			if snippet == "" {
				snippet = "(no messages)"
			}
			fmt.Printf("  %s  %-20s %s\n", r.ConversationID, r.PeerName, snippet)
		}
		return nil
	},
}

// ============================================================================
// resolve
// ============================================================================

var resolveCmd = &cobra.Command{
	Use:   "resolve <user-id>",
	Short: "Resolve (or create) the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, session, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.Conversations.With(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		peer := conv.Other(session.UserID)
		fmt.Printf("Conversation: %s\n", conv.ID)
		fmt.Printf("  With:    %s (%s)\n", peer.DisplayName, peer.ID)
		fmt.Printf("  Created: %s\n", conv.CreatedAt)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show recent messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, session, cfg := getClient()
		if !cmd.Flags().Changed("limit") && cfg.Chat.HistoryLimit > 0 {
			historyLimit = cfg.Chat.HistoryLimit
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		raw, err := client.Messages.History(ctx, args[0], historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			b, _ := json.MarshalIndent(raw, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		// Backend ordering is unspecified; route through the engine so the
		// display order is by timestamp, ascending.
		stream := feiralivre.NewStream(session.UserID, nil)
		stream.SetActive(args[0])
		stream.IngestRawBatch(raw)

		msgs := stream.Messages()
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m, session)
		}
		return nil
	},
}

// ============================================================================
// chat (interactive)
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <user-id>",
	Short: "Open a live chat with a user",
	Long:  "Resolve the conversation with a user, join its room, and chat interactively.\nType messages and press enter to send; /retry reconnects after a transport error; /quit exits.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, session, cfg := getClient()
		ctx := context.Background()

		cs := feiralivre.NewChatSession(client, session, feiralivre.ChatSessionConfig{
			HistoryLimit: cfg.Chat.HistoryLimit,
		})
		defer cs.Close()

		cs.Conn().OnConnectError(func(reason string) {
			fmt.Printf("\n! connection failed: %s (type /retry to reconnect)\n", reason)
		})
		cs.Conn().OnDisconnected(func(code int, reason string) {
			fmt.Printf("\n! disconnected: %s (type /retry to reconnect)\n", reason)
		})
		cs.Conn().OnChatMessage(func(raw json.RawMessage) {
			m, err := feiralivre.NormalizeMessage(raw, time.Now())
			if err != nil || m.AuthorID == session.UserID {
				return
			}
			if m.RoomID != "" && m.RoomID != cs.Stream().Active() {
				return
			}
			printMessage(m, session)
		})

		if err := cs.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Connect failed: %v (will retry on /retry)\n", err)
		}

		conv, err := cs.OpenWith(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cannot open conversation: %w", err)
		}
		peer := conv.Other(session.UserID)
		fmt.Printf("Chatting with %s (%s). /quit to exit.\n", peer.DisplayName, peer.ID)

		for _, m := range cs.Stream().Messages() {
			printMessage(m, session)
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			switch line {
			case "/quit":
				return nil
			case "/retry":
				if err := cs.Connect(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "Retry failed: %v\n", err)
				} else {
					fmt.Println("reconnected")
				}
				continue
			}

			if _, err := cs.Send(ctx, line); err != nil {
				// Empty input never turns into a send; anything else is worth
				// telling the user about.
				if !errors.Is(err, feiralivre.ErrEmptyText) {
					fmt.Fprintf(os.Stderr, "send blocked: %v\n", err)
				}
			}
		}
		return scanner.Err()
	},
}

// printMessage renders one message line.
func printMessage(m feiralivre.ChatMessage, session feiralivre.Session) {
	name := m.AuthorName
	if m.AuthorID == session.UserID {
		name = "you"
	}
	if name == "" {
		name = m.AuthorID
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), name, m.Text)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of messages to return")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(chatCmd)
}
