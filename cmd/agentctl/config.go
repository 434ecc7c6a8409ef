package main

import (
	"context"
	"fmt"
	"time"

	"github.com/agentctl/agentctl/pkg/protocol"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change daemon configuration",
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configReloadCmd)
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Read one configuration value",
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
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := c.Call(ctx, protocol.TypeConfigGet, map[string]any{"key": args[0]}, &out); err != nil {
			return err
		}
		fmt.Println(out.Value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Change one configuration value",
	Long: `Set updates the value both in the running daemon and in config.yaml,
so it survives restarts.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := dialAuthed(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Call(ctx, protocol.TypeConfigSet, map[string]any{"key": args[0], "value": args[1]}, nil); err != nil {
			return err
		}
		fmt.Printf("✓ %s = %s\n", args[0], args[1])
		return nil
	},
}

var configReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload config.yaml into the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := dialAuthed(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Call(ctx, protocol.TypeConfigReload, nil, nil); err != nil {
			return err
		}
		fmt.Println("✓ Configuration reloaded")
		return nil
	},
}
