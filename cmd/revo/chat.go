package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	revoagent "github.com/reVo-AI/reVoAgent/sdk/golang"
)

var (
	chatModel   string
	chatSession string
	chatTimeout time.Duration
	chatVerbose bool
)

func init() {
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model to generate with")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "session id (defaults to config, then a generated one)")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 2*time.Minute, "how long to wait for the full response")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "log connection diagnostics to stderr")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <message...>",
	Short: "Send a message and stream the response",
	Long:  "Connect to the chat endpoint, send one message, and print the streamed response as it arrives.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		model := chatModel
		if model == "" {
			model = cfg.Chat.Model
		}
		session := chatSession
		if session == "" {
			session = cfg.Chat.SessionID
		}

		client := getClient(chatVerbose)
		rt := client.Realtime(&revoagent.Config{AutoReconnect: false})
		defer rt.Close()

		done := make(chan error, 1)
		var printed int

		rt.OnTyping(func(endpoint string, p revoagent.TypingPayload) {
			fmt.Fprintf(os.Stderr, "[%s]\n", p.Status)
		})
		rt.OnMessageAppend(func(endpoint string, msg revoagent.ChatMessage) {
			fmt.Print(msg.Content[printed:])
			printed = len(msg.Content)
		})
		rt.OnMessageFinalized(func(endpoint string, msg revoagent.ChatMessage) {
			fmt.Println()
			done <- nil
		})
		rt.OnMessageError(func(endpoint string, msg revoagent.ChatMessage) {
			fmt.Println()
			done <- fmt.Errorf("stream failed: %s", msg.Error)
		})
		rt.OnResponse(func(endpoint string, p revoagent.ResponsePayload) {
			// Backends without streaming reply in one shot.
			fmt.Println(p.Response)
			done <- nil
		})
		rt.OnServerError(func(endpoint string, p revoagent.ServerErrorPayload) {
			done <- fmt.Errorf("server error: %s", p.Error)
		})

		ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
		defer cancel()

		if err := rt.Connect(ctx, "chat", revoagent.Callbacks{}); err != nil {
			return err
		}
		if !rt.SendChat(ctx, "chat", &revoagent.ChatRequest{
			Message:     message,
			SessionID:   session,
			Model:       model,
			Temperature: cfg.Chat.Temperature,
			MaxTokens:   cfg.Chat.MaxTokens,
		}) {
			return fmt.Errorf("chat endpoint not connected")
		}

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for response")
		}
	},
}
