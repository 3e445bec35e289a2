package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go-watchparty/internal/config"
	"go-watchparty/internal/logging"
	"go-watchparty/internal/realtime"
	"go-watchparty/internal/session"
)

var (
	origin    = flag.String("origin", "http://localhost:8080", "server origin")
	userCount = flag.Int("users", 50, "concurrent sessions")
	msgCount  = flag.Int("messages", 20, "messages per session")
	threadID  = flag.Int64("thread", 1, "thread every session posts in")
	settle    = flag.Duration("settle", 5*time.Second, "how long to wait for echoes after sending")
)

type result struct {
	sent       atomic.Int64
	unmatched  atomic.Int64
	failedAuth atomic.Int64
}

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d users, %d messages each...", *userCount, *msgCount)

	cfg := config.Default()
	cfg.Server.Origin = *origin
	cfg.Logging.Level = "warn"
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}

	var (
		wg  sync.WaitGroup
		res result
	)
	start := time.Now()
	for i := 0; i < *userCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runUser(cfg, id, &res)
		}(i)
	}
	wg.Wait()

	log.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d unreconciled=%d failed_auth=%d",
		time.Since(start).Round(time.Millisecond), res.sent.Load(), res.unmatched.Load(), res.failedAuth.Load())
}

// runUser registers (or logs in), sends trackable messages and counts the
// ones whose echo never came back.
func runUser(cfg *config.Config, id int, res *result) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, err := session.New(cfg, session.WithLogger(logging.New(cfg.Logging, log.Writer())))
	if err != nil {
		log.Printf("❌ session [%d]: %v", id, err)
		res.failedAuth.Add(1)
		return
	}
	defer s.Close()

	name := fmt.Sprintf("load_%d", id)
	if _, err := s.Register(ctx, name, "password123"); err != nil {
		// Might already exist from an earlier run
		if _, err := s.Login(ctx, name, "password123"); err != nil {
			log.Printf("❌ Login Failed [%s]: %v", name, err)
			res.failedAuth.Add(1)
			return
		}
	}

	if !waitFor(ctx, s, func(st realtime.State) bool { return st.Authenticated }) {
		log.Printf("❌ WS auth timeout [%s]", name)
		res.failedAuth.Add(1)
		return
	}

	for i := 0; i < *msgCount; i++ {
		s.Realtime().Send(realtime.SendToThread(*threadID, fmt.Sprintf("LoadTest Msg %d from %s", i, name)))
		res.sent.Add(1)
		// Small sleep to simulate a real network
		time.Sleep(10 * time.Millisecond)
	}

	settleCtx, cancelSettle := context.WithTimeout(ctx, *settle)
	defer cancelSettle()
	waitFor(settleCtx, s, func(st realtime.State) bool { return len(st.PendingMessages) == 0 })

	left := len(s.Realtime().State().PendingMessages)
	res.unmatched.Add(int64(left))
	log.Printf("✅ %s finished sending %d msgs (%d unreconciled)", name, *msgCount, left)
}

func waitFor(ctx context.Context, s *session.Session, cond func(realtime.State) bool) bool {
	ch, stop := s.Realtime().Subscribe()
	defer stop()
	for {
		select {
		case st := <-ch:
			if cond(st) {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}
