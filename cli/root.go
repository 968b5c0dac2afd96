// Package cli implements the archon command tree: serve (the default),
// migrate, and version. Commands return errors; Execute maps them onto the
// exit codes automation relies on.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/archon-kb/archon/common"
)

// Exit codes for scripting and orchestration.
const (
	ExitOK                  = 0
	ExitFailure             = 1
	ExitConfig              = 2
	ExitStorageUnavailable  = 3
	ExitProviderUnavailable = 4
)

// errConfig marks configuration-phase failures so Execute can map them to
// ExitConfig without inspecting message text.
var errConfig = errors.New("configuration error")

// cfgFile holds the --config flag value. When empty, config.LoadConfig
// searches the standard locations (., ./configs, ~/.archon, /etc/archon).
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "archon",
	Short: "self-hosted knowledge base and project management core",
	Long: `Archon Core

A self-hosted service combining a crawled/uploaded knowledge base with
hybrid semantic search, project and task management, and an MCP endpoint
for coding assistants.

Running archon without a subcommand starts the HTTP server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.archon, /etc/archon)")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "archon:", err)
		return exitCode(err)
	}
	return ExitOK
}

// exitCode maps an error onto the documented exit codes. Configuration
// mistakes, whether flagged during loading or rejected as validation errors
// by a component constructor, count as config errors.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errConfig), common.IsKind(err, common.KindValidation):
		return ExitConfig
	case common.IsKind(err, common.KindStorageUnavailable):
		return ExitStorageUnavailable
	case common.IsKind(err, common.KindProviderUnavailable),
		common.IsKind(err, common.KindProviderTimeout):
		return ExitProviderUnavailable
	default:
		return ExitFailure
	}
}
