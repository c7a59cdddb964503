package main

import (
	"fmt"
	"os"

	"cometnerd/internal/config"
	"cometnerd/internal/status"

	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config and marker table to ~/.comet",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()

		if _, err := os.Stat(configPath); err == nil && !initForce {
			fmt.Printf("%s already exists (use --force to overwrite)\n", configPath)
		} else {
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", configPath)
		}

		if _, err := os.Stat(cfg.Markers.Path); err == nil && !initForce {
			fmt.Printf("%s already exists (use --force to overwrite)\n", cfg.Markers.Path)
			return nil
		}
		if err := status.WriteDefault(cfg.Markers.Path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", cfg.Markers.Path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing files")
}
