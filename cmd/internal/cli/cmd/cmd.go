package cmd

import "github.com/trust0/riscvvm/cmd/internal/cli"

// Command aliases cli.Command, matching the teacher's type-alias convention in cli.go (Flag,
// FlagSet) so each verb file in this package can refer to Command without an import cycle (cli
// imports nothing from cmd).
type Command = cli.Command
