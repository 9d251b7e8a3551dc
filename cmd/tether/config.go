package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tether configuration",
	Long:  "View or modify the tether CLI configuration stored in ~/.tether/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := openSettings()
		if err != nil {
			return err
		}
		keys := settings.Keys()
		if len(keys) == 0 {
			fmt.Println("No configuration set. Run 'tether config set daemon.url <url>' to create one.")
			return nil
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("%s = %s\n", key, settings.Get(key))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: tether config set daemon.url ws://127.0.0.1:7350/rpc",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := openSettings()
		if err != nil {
			return err
		}
		if err := setConfigValue(settings, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Set %s\n", args[0])
		return nil
	},
}
