package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentctl/agentctl/pkg/client"
	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/hubdir"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagDir     string
	flagAccount string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errdefs.KindOf(err) == errdefs.KindInternal {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "agentctl - coordination hub for local coding agents",
	Long: `agentctl runs a local daemon that lets multiple coding agents hand off
tasks, exchange messages, share sessions, and run workflows over a
unix socket, with trust tracking and SLA escalation built in.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "hub directory (default $AGENTCTL_DIR or ~/.claude-hub)")
	rootCmd.PersistentFlags().StringVar(&flagAccount, "account", "", "account to act as (default: first account with a token)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(accountsCmd)
}

// resolveLayout honors --dir before the usual environment lookup.
func resolveLayout() (hubdir.Layout, error) {
	if flagDir != "" {
		return hubdir.Layout{Root: flagDir}, nil
	}
	return hubdir.Resolve()
}

// dialAuthed connects to the daemon and authenticates as the selected
// account. The caller owns Close.
func dialAuthed(ctx context.Context) (*client.Client, error) {
	layout, err := resolveLayout()
	if err != nil {
		return nil, err
	}
	account := flagAccount
	if account == "" {
		accounts, err := layout.ListAccounts()
		if err != nil {
			return nil, err
		}
		if len(accounts) == 0 {
			return nil, errdefs.Authf("no accounts registered; run 'agentctl accounts add <name>' first")
		}
		account = accounts[0]
	}
	token, err := layout.ReadToken(account)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Authf("no token for account %q", account)
		}
		return nil, err
	}
	c, err := client.Dial(layout.SocketPath())
	if err != nil {
		return nil, err
	}
	if err := c.Auth(ctx, account, token); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// printJSON renders a result payload for humans and scripts alike.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
