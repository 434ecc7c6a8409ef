package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/events"
	"github.com/agentctl/agentctl/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	replayTask   string
	replayType   string
	replaySince  string
	replayFollow bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay retained coordination events",
	Long: `Replay prints the daemon's retained event history, optionally filtered
by task, event type, or time. With --follow it stays attached and
streams live events until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		c, err := dialAuthed(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if replayFollow {
			err := c.Subscribe(ctx, replayTask, events.EventType(replayType), printEvent)
			if errdefs.KindOf(err) == errdefs.KindAbort {
				return nil
			}
			return err
		}

		payload := map[string]any{}
		if replayTask != "" {
			payload["task_id"] = replayTask
		}
		if replayType != "" {
			payload["event_type"] = replayType
		}
		if replaySince != "" {
			payload["since"] = replaySince
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		var out struct {
			Events []events.Event `json:"events"`
		}
		if err := c.Call(callCtx, protocol.TypeRecentEvents, payload, &out); err != nil {
			return err
		}
		for _, ev := range out.Events {
			printEvent(ev)
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayTask, "task", "", "only events for this task")
	replayCmd.Flags().StringVar(&replayType, "type", "", "only events of this type")
	replayCmd.Flags().StringVar(&replaySince, "since", "", "only events after this RFC3339 timestamp")
	replayCmd.Flags().BoolVarP(&replayFollow, "follow", "f", false, "stream live events after the backlog")
}

func printEvent(ev events.Event) {
	line := fmt.Sprintf("%s  %-20s", ev.Timestamp.Format(time.RFC3339), ev.Type)
	if ev.TaskID != "" {
		line += "  task=" + ev.TaskID
	}
	if ev.Account != "" {
		line += "  account=" + ev.Account
	}
	fmt.Println(line)
}
