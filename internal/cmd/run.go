// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/aibor/vmgraft/internal/attach"
	"github.com/aibor/vmgraft/internal/sys"
	"github.com/aibor/vmgraft/internal/vmgraft"
	"github.com/spf13/cobra"
)

const (
	name            = "vmgraft"
	localConfigFile = ".vmgraft-args"
)

// Exit codes.
const (
	exitOK         = 0
	exitError      = 1
	exitUsage      = 2
	exitAttached   = 3
	exitPermission = 4
)

const (
	coredumpToStdout  = "-"
	coredumpFileMode  = 0o600
	coredumpExtension = ".core"
)

// IO provides input and output details for the command.
type IO struct {
	Stdout io.Writer
	Stderr io.Writer
}

// HostFunc returns the host sessions run in.
type HostFunc func(lockDir string) vmgraft.Host

type command struct {
	io      IO
	newHost HostFunc
	global  globalFlags
	attach  attachFlags
}

func newRootCommand(cfg IO, newHost HostFunc) *cobra.Command {
	c := &command{io: cfg, newHost: newHost}

	root := &cobra.Command{
		Use:   name,
		Short: "Attach block devices and code to running KVM guests",
		Long: `vmgraft attaches to a running KVM hypervisor process, injects code into the
guest and serves virtio block devices to it, without cooperation of the
hypervisor.

All flags can also be provided via environment variable ` + EnvVarArgs + ` and via
file ./` + localConfigFile + `, with one argument per line.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &ParseArgsError{msg: "unknown command " + strconv.Quote(args[0])}
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging(cfg.Stderr, c.global.verbose, c.global.debug)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.SetOut(cfg.Stdout)
	root.SetErr(cfg.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ParseArgsError{msg: "flag parse", err: err}
	})

	c.global.register(root.PersistentFlags())

	root.AddCommand(
		c.attachCommand(),
		c.inspectCommand(),
		c.coredumpCommand(),
		c.versionCommand(),
	)

	return root
}

func pidArgs(minArgs, maxArgs int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) < minArgs || len(args) > maxArgs {
			return &ParseArgsError{msg: fmt.Sprintf("expected %d to %d arguments, got %d", minArgs, maxArgs, len(args))}
		}

		_, err := parsePID(args[0])

		return err
	}
}

func (c *command) attachCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <pid>",
		Short: "Inject stage code and serve devices until interrupted",
		Args:  pidArgs(1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, _ := parsePID(args[0])

			cfg, err := c.global.loadConfig()
			if err != nil {
				return err
			}

			spec, err := c.attach.spec(pid, cfg, cmd.Flags())
			if err != nil {
				return err
			}

			return vmgraft.Attach(cmd.Context(), c.newHost(c.global.lockDir), spec) //nolint:wrapcheck
		},
	}

	c.attach.register(cmd.Flags())

	return cmd
}

func (c *command) inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <pid>",
		Short: "Print the KVM resources and vCPU state of a process as YAML",
		Args:  pidArgs(1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, _ := parsePID(args[0])

			cfg, err := c.global.loadConfig()
			if err != nil {
				return err
			}

			//nolint:wrapcheck
			return vmgraft.Inspect(cmd.Context(), c.newHost(c.global.lockDir), pid, cfg.memory(), c.io.Stdout)
		},
	}
}

func (c *command) coredumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "coredump <pid> [path]",
		Short: "Write an ELF core file of the guest",
		Long: `Write an ELF core file of the guest memory and vCPU registers. The file
is written to vmgraft-<pid>.core by default, or to stdout for path "-".`,
		Args: pidArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, _ := parsePID(args[0])

			path := name + "-" + args[0] + coredumpExtension
			if len(args) > 1 {
				path = args[1]
			}

			cfg, err := c.global.loadConfig()
			if err != nil {
				return err
			}

			return c.coredump(cmd.Context(), c.newHost(c.global.lockDir), pid, cfg, path)
		},
	}
}

func (c *command) coredump(ctx context.Context, host vmgraft.Host, pid int, cfg *fileConfig, path string) error {
	if path == coredumpToStdout {
		_, err := vmgraft.Coredump(ctx, host, pid, cfg.memory(), c.io.Stdout)
		return err //nolint:wrapcheck
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, coredumpFileMode)
	if err != nil {
		return fmt.Errorf("create core file: %w", err)
	}

	size, err := vmgraft.Coredump(ctx, host, pid, cfg.memory(), file)
	if closeErr := file.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close core file: %w", closeErr))
	}

	if err != nil {
		_ = os.Remove(path)
		return err
	}

	slog.Info("Core file written", slog.String("path", path), slog.Int64("size", size))

	return nil
}

func (c *command) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			buildInfo, err := getBuildInfo()
			if err != nil {
				return err
			}

			arch := sys.Native

			fmt.Fprintf(c.io.Stdout, "Version: %s\n", buildInfo.Main.Version)
			fmt.Fprintf(c.io.Stdout, "Arch: %s (attachable: %t, kvm: %t)\n",
				arch.String(), arch.Attachable(), arch.KVMAvailable())

			return nil
		},
	}
}

func handleRunError(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "Error [%s]: %v\n", name, err)

	switch {
	case errors.Is(err, &ParseArgsError{}):
		fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", name)
		return exitUsage
	case errors.Is(err, attach.ErrAlreadyAttached):
		return exitAttached
	case errors.Is(err, attach.ErrPermission):
		return exitPermission
	default:
		return exitError
	}
}

// Run is the main entry point for the CLI command.
func Run(ctx context.Context, args []string, cfg IO) int {
	return run(ctx, args, cfg, vmgraft.NewHost)
}

func run(ctx context.Context, args []string, cfg IO, newHost HostFunc) int {
	args, err := MergedArgs(args, os.DirFS("."), localConfigFile)
	if err != nil {
		return handleRunError(err, cfg.Stderr)
	}

	root := newRootCommand(cfg, newHost)
	root.SetArgs(args)

	return handleRunError(root.ExecuteContext(ctx), cfg.Stderr)
}

func getBuildInfo() (*debug.BuildInfo, error) {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, ErrReadBuildInfo
	}

	return buildInfo, nil
}
