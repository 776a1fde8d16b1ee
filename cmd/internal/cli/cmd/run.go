// Package cmd holds the individual riscvvm verbs, one file per command, mirroring the
// teacher's cmd/internal/cli/cmd layout (demo.go, exec.go, help.go — one cobra.Command builder
// per file).
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trust0/riscvvm/cmd/internal/tty"
	"github.com/trust0/riscvvm/internal/log"
	"github.com/trust0/riscvvm/internal/netbackend"
	"github.com/trust0/riscvvm/internal/platform"
	"github.com/trust0/riscvvm/internal/snapshot"
	"github.com/trust0/riscvvm/internal/vm"
)

type runOpts struct {
	sdcard       string
	harts        int
	mount        string
	net          string
	enableGPU    bool
	enableRNG    bool
	enableInput  bool
	gpuWidth     uint32
	gpuHeight    uint32
	dramMiB      int
	snapshotLoad string
	snapshotSave string

	enableDisplay bool
	enableMMC     bool
	enableEMAC    bool
	enableTouch   bool
}

// Run builds the "run" verb: boots a kernel image and blocks until the guest halts or the
// process receives SIGINT/SIGTERM, matching spec §6's CLI surface.
func Run() Command {
	return new(runCmd)
}

type runCmd struct {
	opts runOpts
}

func (r *runCmd) Cobra(ctx context.Context) *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Boot a kernel image and run the virtual machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(ctx)
		},
	}

	flags := c.Flags()
	flags.StringVar(&r.opts.sdcard, "sdcard", "", "path to the kernel image (SD-card MBR/FAT32 parsing is not implemented; the file is loaded directly as an ELF or flat image)")
	flags.IntVar(&r.opts.harts, "harts", 1, "number of harts (0 selects a single hart)")
	flags.StringVar(&r.opts.mount, "mount", "", "path to a raw disk image backing the virtio-blk device")
	flags.StringVar(&r.opts.net, "net", "", "network backend: \"\" (disabled), \"dummy\", or a relay URL")
	flags.BoolVar(&r.opts.enableGPU, "enable-gpu", false, "attach a virtio-gpu device")
	flags.BoolVar(&r.opts.enableRNG, "enable-rng", false, "attach a virtio-rng device")
	flags.BoolVar(&r.opts.enableInput, "enable-input", false, "attach a virtio-input device")
	flags.Uint32Var(&r.opts.gpuWidth, "gpu-width", 0, "virtio-gpu framebuffer width (0 = device default)")
	flags.Uint32Var(&r.opts.gpuHeight, "gpu-height", 0, "virtio-gpu framebuffer height (0 = device default)")
	flags.IntVar(&r.opts.dramMiB, "dram-mib", 256, "DRAM size in MiB")
	flags.StringVar(&r.opts.snapshotLoad, "snapshot-load", "", "restore machine state from a snapshot file before running")
	flags.StringVar(&r.opts.snapshotSave, "snapshot-save", "", "write a snapshot file after the machine halts")
	flags.BoolVar(&r.opts.enableDisplay, "platform-display", false, "attach the D1 display stub region")
	flags.BoolVar(&r.opts.enableMMC, "platform-mmc", false, "attach the D1 MMC stub region")
	flags.BoolVar(&r.opts.enableEMAC, "platform-emac", false, "attach the D1 EMAC stub region")
	flags.BoolVar(&r.opts.enableTouch, "platform-touch", false, "attach the D1 touchscreen stub region")

	return c
}

func (r *runCmd) run(ctx context.Context) error {
	logger := log.DefaultLogger()

	if r.opts.sdcard == "" {
		return fmt.Errorf("run: --sdcard is required")
	}

	kernel, err := os.ReadFile(r.opts.sdcard)
	if err != nil {
		return fmt.Errorf("run: reading kernel image: %w", err)
	}

	var disk []byte
	if r.opts.mount != "" {
		disk, err = os.ReadFile(r.opts.mount)
		if err != nil {
			return fmt.Errorf("run: reading disk image: %w", err)
		}
	}

	backend, err := netBackend(r.opts.net)
	if err != nil {
		return fmt.Errorf("run: network backend: %w", err)
	}

	cfg := vm.Config{
		NumHarts:    r.opts.harts,
		DRAMSize:    r.opts.dramMiB * 1024 * 1024,
		Kernel:      kernel,
		Disk:        disk,
		EnableRNG:   r.opts.enableRNG,
		EnableGPU:   r.opts.enableGPU,
		GPUWidth:    r.opts.gpuWidth,
		GPUHeight:   r.opts.gpuHeight,
		EnableInput: r.opts.enableInput,
		NetBackend:  backend,
		Platform: *platform.New(
			r.opts.enableDisplay, r.opts.enableMMC, r.opts.enableEMAC, r.opts.enableTouch,
		),
		Logger: logger,
	}

	machine, err := vm.New(cfg)
	if err != nil {
		return fmt.Errorf("run: building machine: %w", err)
	}

	if r.opts.snapshotLoad != "" {
		if err := loadSnapshot(machine, r.opts.snapshotLoad); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	}

	term, err := tty.NewRaw(os.Stdin, os.Stdout)
	if err != nil {
		logger.Warn("raw terminal unavailable, running without interactive console", "error", err)
	} else {
		defer term.Restore()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if term != nil {
		go term.PumpInput(ctx, machine.PushUARTInput)
		go term.PumpOutput(ctx, machine.DrainUARTOutput)
	}

	code := machine.Run(ctx)

	if r.opts.snapshotSave != "" {
		if err := saveSnapshot(machine, r.opts.snapshotSave); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	}

	if code == 0x5555 {
		return nil
	}

	os.Exit(int(code & 0xffff))

	return nil
}

func netBackend(spec string) (netbackend.Backend, error) {
	switch spec {
	case "":
		return nil, nil
	case "dummy":
		return netbackend.NewAsync(netbackend.NewDummy()), nil
	default:
		relay, err := netbackend.NewRelay([6]byte{0x52, 0x49, 0x53, 0x43, 0x56, 0x00})
		if err != nil {
			return nil, err
		}

		return netbackend.NewAsync(relay), nil
	}
}

func loadSnapshot(m *vm.Machine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}

	snap, err := snapshot.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	return snapshot.Apply(m, snap)
}

func saveSnapshot(m *vm.Machine, path string) error {
	snap := snapshot.Capture(m)

	data, err := snapshot.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}
