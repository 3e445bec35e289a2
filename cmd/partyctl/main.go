package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"go-watchparty/internal/config"
	"go-watchparty/internal/logging"
	"go-watchparty/internal/realtime"
	"go-watchparty/internal/session"
)

var (
	configFile string
	origin     string
	username   string
	password   string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "partyctl",
	Short: "Command line client for watch parties",
	Long: `partyctl signs in to a watch party server and talks to it over the
realtime socket.

Credentials come from --username/--password or the WATCHPARTY_USERNAME and
WATCHPARTY_PASSWORD environment variables. Nothing is stored on disk, so every
command signs in again.

Examples:
  partyctl whoami --origin http://localhost:8080 -u alice -p secret
  partyctl watch --join 3:10
  partyctl send --thread 3 "hello everyone"`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&origin, "origin", "", "Server origin, overrides server.origin")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", os.Getenv("WATCHPARTY_USERNAME"), "Account name")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", os.Getenv("WATCHPARTY_PASSWORD"), "Account password")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if origin != "" {
		cfg.Server.Origin = origin
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	lc := cfg.Logging
	if lc.Format == "text" {
		lc.Format = "color"
	}
	return logging.New(lc, os.Stderr)
}

// signIn builds a session and logs in with the configured credentials.
func signIn(ctx context.Context) (*session.Session, error) {
	if username == "" || password == "" {
		return nil, errors.New("username and password are required (flags or WATCHPARTY_USERNAME/WATCHPARTY_PASSWORD)")
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	s, err := session.New(cfg, session.WithLogger(newLogger(cfg)))
	if err != nil {
		return nil, err
	}
	p, err := s.Login(ctx, username, password)
	if err != nil {
		s.Close()
		return nil, err
	}
	fmt.Printf("%s signed in as %s (id %d)\n", color.GreenString("✅"), color.CyanString(p.Username), p.ID)
	return s, nil
}

// signalContext is cancelled on Ctrl-C.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// awaitState blocks until cond holds for the session's realtime state.
func awaitState(ctx context.Context, s *session.Session, cond func(realtime.State) bool) (realtime.State, error) {
	ch, stop := s.Realtime().Subscribe()
	defer stop()
	for {
		select {
		case st := <-ch:
			if cond(st) {
				return st, nil
			}
		case <-ctx.Done():
			return realtime.State{}, ctx.Err()
		}
	}
}
