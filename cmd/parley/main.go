// parley is a terminal client for the control plane. It drives a full turn
// the way a browser client would: submit, attach to the live stream, fold
// events into segments, and fall back to polling the persisted transcript
// when the stream dies.
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

	"github.com/parleyhq/parley/internal/reconcile"
)

var (
	flagServer       string
	flagConversation int64
)

func main() {
	root := &cobra.Command{
		Use:           "parley",
		Short:         "Talk to a parley agent conversation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "control plane base URL")
	root.PersistentFlags().Int64Var(&flagConversation, "conversation", 0, "conversation id")

	root.AddCommand(newCmd(), sendCmd(), transcriptCmd(), stopCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Create a conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(flagServer, 0)
			info, err := client.CreateConversation(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("conversation %d created\n", info.ID)
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagConversation == 0 {
				return fmt.Errorf("--conversation is required")
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client := newAPIClient(flagServer, flagConversation)
			machine := reconcile.NewMachine(reconcile.Config{})
			machine.Queue(strings.Join(args, " "))

			return runTurn(ctx, client, machine)
		},
	}
}

// runTurn dispatches the queued message once the machine is idle and follows
// the turn to completion, recovering via the transcript poller if the live
// stream goes quiet.
func runTurn(ctx context.Context, client *apiClient, machine *reconcile.Machine) error {
	message, ok := machine.NextOutgoing()
	if !ok {
		return nil
	}

	coords, err := client.StartTurn(ctx, message)
	if err != nil {
		if err == errTurnInProgress {
			machine.Requeue(message)
			fmt.Println("a turn is already running; message queued, stop it or wait")
			return nil
		}
		return err
	}
	machine.StartTurn(time.Now())

	pollCtx, stopPoller := context.WithCancel(ctx)
	defer stopPoller()
	go reconcile.NewPoller(machine, client, nil).Run(pollCtx)

	for machine.State() != reconcile.StateIdle {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := streamLive(ctx, coords.StreamURL, coords.StreamToken, machine); err != nil {
			machine.HandleStreamClosed(time.Now())
			// Poller owns the turn now; wait for it to converge or give up.
			for machine.State() == reconcile.StateRecovering {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(200 * time.Millisecond):
				}
			}
			// A live event during recovery flips the machine back to
			// streaming; reattach in that case.
			if machine.State() == reconcile.StateStreaming {
				continue
			}
			break
		}
	}

	printSegments(machine.Segments())
	if machine.RecoveryFailed() {
		return fmt.Errorf("connection lost and recovery timed out; the reply may be incomplete")
	}
	if res := machine.LastResult(); res != nil && res.Error != "" {
		return fmt.Errorf("turn failed: %s", res.Error)
	}
	return nil
}

func transcriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript",
		Short: "Print the persisted transcript",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flagConversation == 0 {
				return fmt.Errorf("--conversation is required")
			}
			client := newAPIClient(flagServer, flagConversation)
			snap, err := client.Transcript(cmd.Context(), 0)
			if err != nil {
				return err
			}

			folder := reconcile.NewFolder()
			for _, ev := range snap.Events {
				if err := folder.Apply(ev); err != nil {
					return err
				}
			}
			printSegments(folder.Segments())
			if snap.IsProcessing {
				fmt.Println("(turn still in progress)")
			}
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Interrupt the running turn",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flagConversation == 0 {
				return fmt.Errorf("--conversation is required")
			}
			client := newAPIClient(flagServer, flagConversation)
			if err := client.Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		},
	}
}

func printSegments(segments []reconcile.Segment) {
	for _, seg := range segments {
		switch seg.Kind {
		case reconcile.SegmentText:
			fmt.Println(seg.Text)
		case reconcile.SegmentThinking:
			fmt.Printf("[thinking] %s\n", seg.Text)
		case reconcile.SegmentToolUse:
			status := ""
			if seg.Status == reconcile.StatusInterrupted {
				status = " (interrupted)"
			}
			fmt.Printf("[tool: %s%s]\n", seg.ToolName, status)
		case reconcile.SegmentStopNotice:
			fmt.Printf("[stopped: %s]\n", seg.Reason)
		}
	}
}
