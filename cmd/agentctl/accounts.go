package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage agent accounts and their tokens",
}

func init() {
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := resolveLayout()
		if err != nil {
			return err
		}
		accounts, err := layout.ListAccounts()
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Println("No accounts registered")
			return nil
		}
		for _, a := range accounts {
			fmt.Println(a)
		}
		return nil
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register an account with a fresh token",
	Long: `Add generates a bearer token for NAME and stores it under the hub's
tokens directory. The token is printed once; agents present it on the
auth frame.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := resolveLayout()
		if err != nil {
			return err
		}
		name := args[0]
		if _, err := layout.ReadToken(name); err == nil {
			return fmt.Errorf("account %q already exists", name)
		}
		token := uuid.NewString()
		if err := layout.WriteToken(name, token); err != nil {
			return err
		}
		fmt.Printf("✓ Account %s registered\n", name)
		fmt.Printf("Token: %s\n", token)
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove an account's token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := resolveLayout()
		if err != nil {
			return err
		}
		name := args[0]
		if err := os.Remove(layout.TokenPath(name)); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no such account %q", name)
			}
			return err
		}
		fmt.Printf("✓ Account %s removed\n", name)
		return nil
	},
}
