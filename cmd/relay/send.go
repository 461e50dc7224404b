package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relaycollab/relay-go"
)

func init() {
	sendCmd.Flags().StringVar(&sendID, "id", "", "envelope id (generated when omitted)")
	rootCmd.AddCommand(sendCmd)
}

var sendID string

var sendCmd = &cobra.Command{
	Use:   "send <type> [json-payload]",
	Short: "Publish one envelope",
	Long:  "Connect, publish a single envelope of the given type with an optional JSON payload, and exit.\nExample: relay send notification '{\"text\":\"deploy finished\"}'",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := engineOptions()
		if err != nil {
			return err
		}

		var payload any
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}
		}

		engine := relay.New(opts)
		defer engine.Disconnect()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := engine.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		engine.SendWithID(args[0], payload, sendID)

		// The engine has no delivery acknowledgement; give the write a
		// moment to flush before closing.
		time.Sleep(200 * time.Millisecond)
		fmt.Printf("sent %s\n", args[0])
		return nil
	},
}
