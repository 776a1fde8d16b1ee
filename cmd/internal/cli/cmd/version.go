package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Version identifies this build; set at link time with -ldflags, matching the convention of
// every other example repo's version verb. Defaults to "dev" for a plain `go build`.
var Version = "dev"

// VersionCmd builds the "version" verb: print the build version and exit.
func VersionCmd() Command {
	return new(versionCmd)
}

type versionCmd struct{}

func (versionCmd) Cobra(context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the riscvvm build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}
