package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type statusResponse struct {
	Running     bool  `json:"running"`
	Connections int64 `json:"connections"`
}

func statusCmd() *cobra.Command {
	var adminAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running proxy's connection count over its admin endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/status", adminAddr))
			if err != nil {
				return fmt.Errorf("failed to reach admin endpoint: %w", err)
			}
			defer resp.Body.Close()

			var status statusResponse
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}

			state := "stopped"
			if status.Running {
				state = "running"
			}
			fmt.Printf("proxy: %s\nactive connections: %s\n", state, humanize.Comma(status.Connections))
			return nil
		},
	}

	cmd.Flags().StringVar(&adminAddr, "admin-address", "127.0.0.1:9090", "address of the proxy's admin endpoint")
	return cmd
}
