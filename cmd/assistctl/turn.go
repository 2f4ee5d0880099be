package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"workspace-assistant/internal/orchestrator"
	"workspace-assistant/internal/queue"
)

var (
	turnUser      string
	turnBootstrap bool
)

var turnCmd = &cobra.Command{
	Use:   "turn [message]",
	Short: "Run one turn inline and print the result",
	Long: `Run a USER_MESSAGE turn for --user, or a BOOTSTRAP analysis with --bootstrap.

Examples:
  assistctl turn --user alice "add task write the launch notes"
  assistctl turn --user alice --bootstrap`,
	RunE: runTurn,
}

var replayCmd = &cobra.Command{
	Use:   "replay <task-id>",
	Short: "Execute the still-planned actions of a task",
	Long:  "Replays actions left PLANNED by a timed-out turn. Finalized actions are not touched.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := state.newOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		actions, err := o.Executor().ExecutePending(cmd.Context(), args[0])
		if perr := printJSON(cmd.OutOrStdout(), actions); perr != nil {
			return perr
		}
		return err
	},
}

var scheduleBootstrapCmd = &cobra.Command{
	Use:   "schedule-bootstrap <user-id>",
	Short: "Queue a user's recurring analysis to start now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := queue.NewTurnQueue(state.redisClient(), state.cfg)
		if err := q.Schedule(cmd.Context(), queue.BootstrapID(args[0]), orchestrator.NewBootstrap(args[0]), time.Now()); err != nil {
			return err
		}
		cmd.Printf("bootstrap queued for %s\n", args[0])
		return nil
	},
}

var dlqCount int64

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered turns",
	RunE: func(cmd *cobra.Command, _ []string) error {
		items, err := queue.NewTurnQueue(state.redisClient(), state.cfg).DLQPeek(cmd.Context(), dlqCount)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), items)
	},
}

func init() {
	turnCmd.Flags().StringVarP(&turnUser, "user", "u", "", "acting user id")
	turnCmd.Flags().BoolVar(&turnBootstrap, "bootstrap", false, "run a bootstrap analysis instead of a message")
	_ = turnCmd.MarkFlagRequired("user")
	dlqCmd.Flags().Int64Var(&dlqCount, "count", 20, "maximum entries to show")

	rootCmd.AddCommand(turnCmd, replayCmd, scheduleBootstrapCmd, dlqCmd)
}

func runTurn(cmd *cobra.Command, args []string) error {
	var req orchestrator.TurnRequest
	switch {
	case turnBootstrap:
		req = orchestrator.NewBootstrap(turnUser)
	case len(args) == 0:
		return fmt.Errorf("a message is required unless --bootstrap is set")
	default:
		req = orchestrator.NewUserMessage(turnUser, strings.Join(args, " "))
	}
	o, err := state.newOrchestrator(cmd.Context())
	if err != nil {
		return err
	}
	res, err := o.Run(cmd.Context(), req)
	if res.TaskID == "" && err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}
