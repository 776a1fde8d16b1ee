// Command riscvvm is the command-line interface to the virtual machine: a multi-hart RV64IMAC
// emulator with CLINT/PLIC/UART and VirtIO block/net/rng/gpu/input devices.
package main

import (
	"context"
	"os"

	"github.com/trust0/riscvvm/cmd/internal/cli"
	"github.com/trust0/riscvvm/cmd/internal/cli/cmd"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	commander := cli.New(ctx).
		WithLogger(os.Stderr).
		WithCommands([]cli.Command{
			cmd.Run(),
			cmd.VersionCmd(),
		})

	return commander.Execute(os.Args[1:])
}
