// Package cli wires the command-line surface of the task agent.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/jalmeida85/vector-pmda/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "vector-taskd",
	Short: "On-demand profiling task agent",
	Long: `vector-taskd runs profiling tasks on behalf of monitoring clients.

A client stores a request against a task metric, the agent records the
system with the configured profiler, post-processes the samples into a
flame graph or heat map, and the client polls the same metric until the
terminal status arrives. Sessions can be scoped to a container via the
context side-channel.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("vector-taskd version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
