package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"go-watchparty/internal/party"
	"go-watchparty/internal/realtime"
	"go-watchparty/internal/session"
)

var (
	joinFlag   string
	followFlag bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream realtime events until interrupted",
	Long: `Connect to the realtime socket and print every state change.

The socket is reopened with backoff when it drops.

Examples:
  partyctl watch
  partyctl watch --join 3:10   # join the party of thread 3 playing file 10`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&joinFlag, "join", "", "Join a watch party, as thread:file")
	watchCmd.Flags().BoolVar(&followFlag, "follow", false, "Always follow the party host")
	rootCmd.AddCommand(watchCmd)
}

func parseJoin(s string) (thread, file int64, err error) {
	threadStr, fileStr, ok := strings.Cut(s, ":")
	if !ok {
		fileStr = "0"
	}
	if thread, err = strconv.ParseInt(threadStr, 10, 64); err != nil || thread <= 0 {
		return 0, 0, fmt.Errorf("bad --join %q: thread must be a positive number", s)
	}
	if file, err = strconv.ParseInt(fileStr, 10, 64); err != nil || file < 0 {
		return 0, 0, fmt.Errorf("bad --join %q: file must be a number", s)
	}
	return thread, file, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	var thread, file int64
	if joinFlag != "" {
		var err error
		if thread, file, err = parseJoin(joinFlag); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := signIn(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	view := party.NewID()
	s.Indicator().Register(view, 0)
	s.Indicator().SetAlwaysFollow(followFlag)
	defer s.Indicator().Unregister(view)

	ch, stop := s.Realtime().Subscribe()
	defer stop()

	var prev realtime.State
	for {
		select {
		case <-ctx.Done():
			fmt.Println(color.YellowString("\nInterrupted, closing connection"))
			return nil

		case st := <-ch:
			printChange(prev, st)

			if st.Authenticated && !prev.Authenticated && thread != 0 && !st.Party.Active() {
				s.Realtime().Send(realtime.JoinWatchParty(thread, file))
			}
			if prev.Connected && !st.Connected {
				if err := reconnect(ctx, s); err != nil {
					return err
				}
			}
			prev = st
		}
	}
}

func reconnect(ctx context.Context, s *session.Session) error {
	fmt.Println(color.YellowString("⏳ connection lost, reconnecting..."))
	err := s.Reconnect(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printChange(prev, st realtime.State) {
	switch {
	case st.Connected && !prev.Connected:
		fmt.Println(color.GreenString("🔌 connected"))
	case !st.Connected && prev.Connected:
		fmt.Println(color.RedString("🔌 disconnected"))
	}
	if st.Authenticated && !prev.Authenticated {
		fmt.Printf("%s authenticated as user %d\n", color.GreenString("✅"), st.UserID)
	}
	if st.Party != prev.Party {
		if st.Party.Active() {
			role := "guest"
			if st.Party.IsOwner {
				role = "host"
			}
			fmt.Printf("🎬 party thread=%d file=%d (%s)\n", st.Party.ThreadID, st.Party.FileID, role)
		} else if prev.Party.Active() {
			fmt.Println("🎬 left the party")
		}
	}
	if st.LastMessage != nil && !sameFrame(st.LastMessage, prev.LastMessage) {
		printFrame(*st.LastMessage)
	}
	if n := len(st.PendingMessages); n != len(prev.PendingMessages) {
		fmt.Printf("   %s\n", color.HiBlackString("%d message(s) awaiting echo", n))
	}
}

func printFrame(f realtime.Frame) {
	ev, err := realtime.DecodeEvent(f)
	if err != nil {
		fmt.Printf("%s %s: %v\n", color.RedString("❌"), f.Type, err)
		return
	}
	switch ev := ev.(type) {
	case realtime.NewChatMessage:
		name := "?"
		if ev.Author != nil {
			name = ev.Author.Username
		}
		fmt.Printf("💬 [%d] %s: %s\n", ev.ThreadID, color.CyanString(name), ev.Content)
	case realtime.TranscodingComplete:
		fmt.Printf("📼 file %d ready at %s\n", ev.FileID, ev.URL)
	default:
		fmt.Printf("%s %s %s\n", color.HiBlackString("←"), f.Type, f.Payload)
	}
}

// sameFrame compares by value; every snapshot carries its own copy.
func sameFrame(a, b *realtime.Frame) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Type == b.Type && bytes.Equal(a.Payload, b.Payload)
}
