package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd, loginCmd, logoutCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage feira configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			fmt.Println("No configuration yet. Run 'feira login' to create one.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value by dot-notation key.\nExample: feira config set api.base_url https://staging.feiralivre.app",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id> <display-name> <token>",
	Short: "Store the session identity issued by the marketplace auth flow",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Session = ConfigSession{
			UserID:      args[0],
			DisplayName: args[1],
			Token:       args[2],
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Logged in as %s (%s).\n", cfg.Session.DisplayName, cfg.Session.UserID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the stored session identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Session = ConfigSession{}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}
