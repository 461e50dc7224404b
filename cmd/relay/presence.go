package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relaycollab/relay-go"
)

func init() {
	presenceCmd.Flags().BoolVar(&presenceEdit, "edit", false, "join as editor instead of viewer")
	rootCmd.AddCommand(presenceCmd)
}

var presenceEdit bool

var presenceCmd = &cobra.Command{
	Use:   "presence <entityType> <entityId>",
	Short: "Join an entity and watch its collaborators",
	Long:  "Connect, announce presence on an entity, and print the viewer/editor sets whenever they change. Leaves the entity on interrupt.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, entityID := args[0], args[1]

		opts, err := engineOptions()
		if err != nil {
			return err
		}
		if opts.UserID == "" {
			return fmt.Errorf("presence requires a user id: pass --user or run 'relay config set user.id <id>'")
		}

		var engine *relay.Engine
		report := func() {
			viewers, editors := engine.EntityCollaborators(entityType, entityID)
			fmt.Printf("viewers=[%s] editors=[%s]\n",
				strings.Join(viewers, " "), strings.Join(editors, " "))
		}
		opts.OnMessage = func(env *relay.Envelope) {
			if env.Type == relay.TypeUserActivity {
				report()
			}
		}

		engine = relay.New(opts)
		defer engine.Disconnect()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = engine.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		mode := relay.ActivityViewing
		if presenceEdit {
			mode = relay.ActivityEditing
		}
		engine.JoinEntity(entityType, entityID, mode)
		report()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		engine.LeaveEntity(entityType, entityID)
		return nil
	},
}
