// Package cmd provides the command-line interface for Hearth.
//
// Configuration is loaded through Viper with clear precedence: command-line
// flags first, then HEARTH_-prefixed environment variables, then the
// .hearth.yml configuration file.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hearth",
	Short: "A static-site build tool with an incremental dev server",
	Long: `Hearth is a static-site build tool built around an incremental pipeline:
it watches source files, rebuilds only the artifacts a change actually
affects, and pushes a live-reload signal to connected browsers.

Quick Start:
  hearth serve                    Start the dev server with live reload
  hearth build                    Build the whole site once`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .hearth.yml, can also use HEARTH_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig initializes the configuration system. Priority, highest first:
// the --config flag, the HEARTH_CONFIG_FILE environment variable, then
// .hearth.yml in the current directory.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("HEARTH_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".hearth")
	}

	viper.SetEnvPrefix("HEARTH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing or malformed config file degrades to defaults rather than
	// failing startup.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
