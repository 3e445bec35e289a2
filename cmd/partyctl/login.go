package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Check credentials and show the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		s, err := signIn(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		claims, err := s.Users().TokenClaims()
		if err != nil {
			return err
		}
		fmt.Printf("  token for user %d expires in %s\n", claims.ID, color.YellowString(claims.ExpiresIn(time.Now()).Round(time.Second).String()))
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed in profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		s, err := signIn(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		p, err := s.Me(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  username:  %s\n", p.Username)
		fmt.Printf("  id:        %d\n", p.ID)
		fmt.Printf("  guest:     %t\n", p.IsGuest)
		for _, r := range p.Roles {
			fmt.Printf("  role:      %s (rank %d)\n", color.CyanString(r.Name), r.Rank)
		}
		for _, perm := range p.Permissions {
			fmt.Printf("  may:       %s\n", perm.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(whoamiCmd)
}
