package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.4.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "openclaw",
	Short: "OpenClaw - agent execution substrate",
	Long: `OpenClaw runs conversational AI agents on a durable append-only
session log. It drives provider turns, executes tools inside OS
sandboxes, and serves session state over a WebSocket gateway.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.openclaw/openclaw.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the openclaw version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("openclaw version %s\n", version)
		},
	})
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
