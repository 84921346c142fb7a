package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	revoagent "github.com/reVo-AI/reVoAgent/sdk/golang"
)

var (
	statusWatch   bool
	statusVerbose bool
)

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "keep the connection open and print every update")
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "log connection diagnostics to stderr")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Watch backend status over the dashboard endpoint",
	Long:  "Connect to the dashboard endpoint and print status updates. Without --watch, prints the first update and exits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient(statusVerbose)
		rt := client.Realtime(&revoagent.Config{AutoReconnect: statusWatch})
		defer rt.Close()

		updates := make(chan revoagent.StatusUpdatePayload, 8)
		rt.OnStatusUpdate(func(endpoint string, p revoagent.StatusUpdatePayload) {
			updates <- p
		})
		rt.OnReconnecting(func(endpoint string, attempt int, delay time.Duration) {
			fmt.Printf("reconnecting (attempt %d, in %s)...\n", attempt, delay)
		})

		ctx := context.Background()
		if err := rt.Connect(ctx, "dashboard", revoagent.Callbacks{}); err != nil {
			return err
		}

		if !statusWatch {
			select {
			case p := <-updates:
				fmt.Printf("status: %s, active connections: %d\n", p.SystemStatus, p.ActiveConnections)
				return nil
			case <-time.After(45 * time.Second):
				return fmt.Errorf("no status update received")
			}
		}

		for p := range updates {
			fmt.Printf("%s  status: %s, active connections: %d\n", p.Timestamp, p.SystemStatus, p.ActiveConnections)
		}
		return nil
	},
}
