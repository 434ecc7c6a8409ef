package main

import (
	"context"
	"fmt"
	"time"

	"github.com/agentctl/agentctl/pkg/protocol"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the current working session",
}

var sessionNameCmd = &cobra.Command{
	Use:   "name NAME [SESSION_ID]",
	Short: "Name a session so it can be found later",
	Long: `Name attaches a human-readable name to a session record. With no
SESSION_ID a fresh session is created and its id printed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := dialAuthed(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		payload := map[string]any{"name": args[0]}
		if len(args) == 2 {
			payload["session_id"] = args[1]
		}
		var out struct {
			Session types.SessionRecord `json:"session"`
		}
		if err := c.Call(ctx, protocol.TypeSessionName, payload, &out); err != nil {
			return err
		}
		fmt.Printf("✓ Session %s named %q\n", out.Session.ID, out.Session.Name)
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionNameCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := dialAuthed(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		var out struct {
			Sessions []types.SessionRecord `json:"sessions"`
		}
		if err := c.Call(ctx, protocol.TypeListSessions, nil, &out); err != nil {
			return err
		}
		if len(out.Sessions) == 0 {
			fmt.Println("No sessions recorded")
			return nil
		}
		printSessions(out.Sessions)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search sessions by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := dialAuthed(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		var out struct {
			Sessions []types.SessionRecord `json:"sessions"`
		}
		if err := c.Call(ctx, protocol.TypeSearchSessions, map[string]any{"query": args[0]}, &out); err != nil {
			return err
		}
		if len(out.Sessions) == 0 {
			fmt.Println("No sessions matched")
			return nil
		}
		printSessions(out.Sessions)
		return nil
	},
}

func printSessions(sessions []types.SessionRecord) {
	for _, s := range sessions {
		name := s.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s  %-24s %s\n", s.ID, name, s.Account)
	}
}
