package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"scripthost/pkg/bus"
	"scripthost/pkg/config"
	"scripthost/services/events"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Watch run lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newEventsTailCommand())
	return cmd
}

func newEventsTailCommand() *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print new events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return fmt.Errorf("NATS_URL is not set")
			}
			b, err := bus.New(cfg.NATSURL)
			if err != nil {
				return err
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, subject, "", func(_ context.Context, data []byte) error {
				var evt events.Event
				if err := json.Unmarshal(data, &evt); err != nil {
					fmt.Fprintf(out, "%s\n", data)
					return nil
				}
				fmt.Fprintf(out, "%s %-18s artifact=%d run=%d pid=%d %s\n",
					evt.At.Format("15:04:05"), evt.Type, evt.ArtifactID, evt.RunID, evt.PID, evt.Message)
				return nil
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", events.SubjectAll, "Subject filter")
	return cmd
}
