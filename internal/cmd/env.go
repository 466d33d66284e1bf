// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// EnvVarArgs is the environment variable arguments are read from.
const EnvVarArgs = "VMGRAFT_ARGS"

// EnvArgs returns vmgraft arguments from the environment.
func EnvArgs() []string {
	return strings.Fields(os.Getenv(EnvVarArgs))
}

// LocalConfigArgs returns vmgraft arguments from a local config file.
//
// The file's format is one argument per line. Environment variables may be used
// and are expanded with [os.ExpandEnv].
func LocalConfigArgs(fsys fs.FS, file string) ([]string, error) {
	conf, err := fs.ReadFile(fsys, file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read file: %w", err)
	}

	args := []string{}

	expandedConf := os.ExpandEnv(string(conf))
	for line := range strings.SplitSeq(expandedConf, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			args = append(args, line)
		}
	}

	return args, nil
}

// MergedArgs returns the arguments from the environment, the local config
// file and the given command line arguments, in this order. Later flags
// override earlier ones.
//
// The first of the command line arguments is the subcommand. It is kept in
// front, so the other sources apply to the subcommand flags.
func MergedArgs(args []string, fsys fs.FS, file string) ([]string, error) {
	localArgs, err := LocalConfigArgs(fsys, file)
	if err != nil {
		return nil, fmt.Errorf("local config args: %w", err)
	}

	merged := []string{}

	if len(args) > 0 {
		merged = append(merged, args[0])
		args = args[1:]
	}

	merged = append(merged, EnvArgs()...)
	merged = append(merged, localArgs...)
	merged = append(merged, args...)

	return merged, nil
}
