package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/trust0/riscvvm/cmd/internal/cli"
	"github.com/trust0/riscvvm/cmd/internal/cli/cmd"
)

func TestVersionCommandPrintsVersion(t *testing.T) {
	cmd.Version = "test-version"

	ctx := context.Background()
	commander := cli.New(ctx).WithCommands([]cli.Command{cmd.VersionCmd()})

	var out bytes.Buffer
	versionCobra := cmd.VersionCmd().Cobra(ctx)
	versionCobra.SetOut(&out)

	if err := versionCobra.RunE(versionCobra, nil); err != nil {
		t.Fatalf("version RunE: %v", err)
	}

	if got := out.String(); got != "test-version\n" {
		t.Fatalf("version output = %q, want %q", got, "test-version\n")
	}

	_ = commander
}

func TestRunRequiresSDCardFlag(t *testing.T) {
	commander := cli.New(context.Background()).WithCommands([]cli.Command{cmd.Run()})

	code := commander.Execute([]string{"run"})
	if code == 0 {
		t.Fatal("Execute: want non-zero exit when --sdcard is missing")
	}
}
