// Package gcmd contains the cobra commands of the nocap binary.
package gcmd

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is overridden at link time with -ldflags "-X ...gcmd.Version=...".
var Version = ""

// NewRootCommand returns the nocap root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "nocap",
		Short: "Multi-agent ledger node",
		Long: `nocap runs a ledger node for autonomous agents.

Agents propose model updates and vote on each other's proposals
over TCP, HTTP, or WebSocket. Once two thirds of the connected peers
accept, the pending transactions are sealed into a block
and the block is broadcast to every peer.`,

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCommand(),
		newVersionCommand(),
	)

	return root
}

// Execute runs the root command with the given arguments.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the nocap version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version())
			return err
		},
	}
}

func version() string {
	if Version != "" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "(devel)"
}
