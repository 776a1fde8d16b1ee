// Package cli contains the command-line interface.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/trust0/riscvvm/internal/log"
)

// Command is one verb: a cobra.Command owning its own flag set, matching the teacher's
// FlagSet-owned-by-the-command dispatch shape (cmd/internal/cli/cli.go's Command interface),
// rebuilt on cobra per SPEC_FULL.md's larger flag surface. ctx is threaded in explicitly rather
// than recovered from cobra.Command.Context() at run time, since only the root command's context
// is guaranteed set.
type Command interface {
	Cobra(ctx context.Context) *cobra.Command
}

// Commander is the root dispatcher: a thin wrapper around cobra.Command that wires every verb
// in as a subcommand and owns the shared logger, mirroring the teacher's Commander.
type Commander struct {
	ctx  context.Context
	root *cobra.Command
	log  *log.Logger
}

// New returns a Commander bound to ctx, used as the context every Command's Cobra receives.
func New(ctx context.Context) *Commander {
	root := &cobra.Command{
		Use:   "riscvvm",
		Short: "A multi-hart RV64IMAC virtual machine",
	}

	return &Commander{ctx: ctx, root: root}
}

// WithCommands adds every verb as a subcommand of the root.
func (c *Commander) WithCommands(cmds []Command) *Commander {
	for _, cmd := range cmds {
		c.root.AddCommand(cmd.Cobra(c.ctx))
	}

	return c
}

// WithLogger installs the formatted slog logger the teacher's internal/log package builds, and
// makes it the process default.
func (c *Commander) WithLogger(out *os.File) *Commander {
	logger := log.NewFormattedLogger(out)
	c.log = logger

	slog.SetDefault(logger)

	return c
}

// Execute parses args against the root command and runs whichever subcommand matched, returning
// a process exit code.
func (c *Commander) Execute(args []string) int {
	c.root.SetArgs(args)

	if err := c.root.Execute(); err != nil {
		if c.log != nil {
			c.log.Error(err.Error())
		}

		return 1
	}

	return 0
}
