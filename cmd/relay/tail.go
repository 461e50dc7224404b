package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relaycollab/relay-go"
)

func init() {
	tailCmd.Flags().StringSliceVar(&tailTypes, "type", nil, "only print envelopes of these types (repeatable)")
	rootCmd.AddCommand(tailCmd)
}

var tailTypes []string

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Connect and print envelopes as they arrive",
	Long:  "Connect to the configured server and print every inbound envelope as one JSON line until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := engineOptions()
		if err != nil {
			return err
		}

		wanted := make(map[string]bool, len(tailTypes))
		for _, t := range tailTypes {
			wanted[t] = true
		}

		opts.OnMessage = func(env *relay.Envelope) {
			if len(wanted) > 0 && !wanted[env.Type] {
				return
			}
			line, err := json.Marshal(env)
			if err != nil {
				return
			}
			fmt.Println(string(line))
		}
		opts.OnStateChange = func(old, new relay.ConnectionState) {
			fmt.Fprintf(os.Stderr, "connection: %s -> %s\n", old, new)
		}

		engine := relay.New(opts)
		defer engine.Disconnect()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = engine.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
