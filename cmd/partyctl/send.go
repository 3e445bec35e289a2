package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"go-watchparty/internal/realtime"
)

var (
	threadFlag  int64
	toParty     bool
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a chat message and wait for the server echo",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if threadFlag <= 0 {
			return errors.New("--thread is required")
		}
		content := strings.Join(args, " ")

		ctx, cancel := signalContext()
		defer cancel()

		s, err := signIn(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		waitCtx, cancelWait := context.WithTimeout(ctx, sendTimeout)
		defer cancelWait()

		if _, err := awaitState(waitCtx, s, func(st realtime.State) bool { return st.Authenticated }); err != nil {
			return fmt.Errorf("waiting for authentication: %w", err)
		}

		frame := realtime.SendToThread(threadFlag, content)
		if toParty {
			frame = realtime.SendToParty(threadFlag, content)
		}
		s.Realtime().Send(frame)

		st, err := awaitState(waitCtx, s, func(st realtime.State) bool {
			if !st.Connected {
				return true
			}
			for _, pm := range st.PendingMessages {
				if pm.Status == realtime.StatusFailed {
					return true
				}
			}
			return len(st.PendingMessages) == 0
		})
		switch {
		case err != nil:
			return fmt.Errorf("no echo from server: %w", err)
		case !st.Connected:
			return errors.New("connection closed before the echo arrived")
		case len(st.PendingMessages) > 0:
			return errors.New("message could not be sent")
		}

		fmt.Printf("%s delivered to thread %d\n", color.GreenString("✅"), threadFlag)
		return nil
	},
}

func init() {
	sendCmd.Flags().Int64Var(&threadFlag, "thread", 0, "Thread to post in")
	sendCmd.Flags().BoolVar(&toParty, "party", false, "Post to the watch party chat of the thread")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "How long to wait for the echo")
	rootCmd.AddCommand(sendCmd)
}
