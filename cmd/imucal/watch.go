package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imucal/imucal/pkg/events"
)

func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Stream state changes from the daemon",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return apiClient.Watch(ctx, func(ev events.Event) error {
				printEvent(cmd, ev)
				return nil
			})
		},
	}
}

func printEvent(cmd *cobra.Command, ev events.Event) {
	now := time.Now().Format(time.TimeOnly)
	switch ev.Name {
	case events.CalibrationState, events.LifecycleState:
		p, err := events.DecodeAs[events.StateChangeEvent](ev)
		if err != nil {
			break
		}
		cmd.Printf("%s %s %s -> %s", now, ev.Name, p.From, bold("%s", p.To))
		if p.Reason != "" {
			cmd.Printf(" (%s)", p.Reason)
		}
		cmd.Println()
		return
	case events.CalibrationDemand:
		p, err := events.DecodeAs[events.DemandEvent](ev)
		if err != nil {
			break
		}
		cmd.Printf("%s %s from %s: %s\n", now, ev.Name, p.Source, p.Message)
		return
	case events.ScheduleChanged:
		p, err := events.DecodeAs[events.ScheduleEvent](ev)
		if err != nil {
			break
		}
		cmd.Printf("%s %s %s %q", now, ev.Name, p.Action, p.Cron)
		if p.Next != 0 {
			cmd.Printf(" next %s", time.Unix(p.Next, 0).Format(time.DateTime))
		}
		cmd.Println()
		return
	}
	cmd.Printf("%s %s %s\n", now, ev.Name, string(ev.Data))
}
