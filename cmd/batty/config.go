package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgJSONOut bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgJSONOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		}
		fmt.Printf("agent:          %s\n", cfg.Defaults.Agent)
		fmt.Printf("policy_tier:    %s\n", cfg.Defaults.PolicyTier)
		fmt.Printf("dod:            %s\n", dodDescription())
		fmt.Printf("multiplexer:    %s\n", tc.TmuxCommand)
		fmt.Printf("board command:  %s\n", tc.BoardCommand)
		fmt.Printf("max_retries:    %d\n", cfg.Defaults.MaxRetries)
		fmt.Printf("review mode:    %s\n", cfg.Director.Mode)
		fmt.Printf("supervisor cmd: %s\n", cfg.Supervisor.Command)
		return nil
	},
}

func init() {
	configCmd.Flags().BoolVar(&cfgJSONOut, "json", false, "print as JSON")
	rootCmd.AddCommand(configCmd)
}
