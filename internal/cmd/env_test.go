// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd_test

import (
	"testing"
	"testing/fstest"

	"github.com/aibor/vmgraft/internal/cmd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvArgs(t *testing.T) {
	tests := []struct {
		name   string
		env    string
		output []string
	}{
		{
			name:   "empty",
			env:    "",
			output: []string{},
		},
		{
			name:   "multiple args",
			env:    "--lock-dir /tmp --debug",
			output: []string{"--lock-dir", "/tmp", "--debug"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(cmd.EnvVarArgs, tt.env)
			assert.Equal(t, tt.output, cmd.EnvArgs())
		})
	}
}

func TestLocalConfigArgs(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		env      map[string]string
		expected []string
	}{
		{
			name:     "empty",
			content:  "",
			expected: []string{},
		},
		{
			name:     "single line",
			content:  "-arg1=3\n-arg2=4 5",
			expected: []string{"-arg1=3", "-arg2=4 5"},
		},
		{
			name:     "multiple lines",
			content:  "-arg1\n3\n-arg2\n4\n",
			expected: []string{"-arg1", "3", "-arg2", "4"},
		},
		{
			name:     "with env vars",
			content:  "-arg1=${VAR1}\n-arg2=$VAR2--\n-arg3=${VAR3}/more\n",
			env:      map[string]string{"VAR1": "42", "VAR2": "__"},
			expected: []string{"-arg1=42", "-arg2=__--", "-arg3=/more"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testFS := fstest.MapFS{
				"conf": &fstest.MapFile{
					Data: []byte(tt.content),
				},
			}

			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			content, err := cmd.LocalConfigArgs(testFS, "conf")
			require.NoError(t, err)

			assert.Equal(t, tt.expected, content)
		})
	}
}

func TestMergedArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		env      string
		file     string
		expected []string
	}{
		{
			name:     "none",
			expected: []string{},
		},
		{
			name:     "args only",
			args:     []string{"attach", "--persist", "42"},
			expected: []string{"attach", "--persist", "42"},
		},
		{
			name:     "all sources",
			args:     []string{"attach", "--gsi=7", "42"},
			env:      "--debug",
			file:     "--gsi=6\n--stage1=/stage1\n",
			expected: []string{"attach", "--debug", "--gsi=6", "--stage1=/stage1", "--gsi=7", "42"},
		},
		{
			name:     "no subcommand",
			env:      "--verbose",
			expected: []string{"--verbose"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(cmd.EnvVarArgs, tt.env)

			testFS := fstest.MapFS{}
			if tt.file != "" {
				testFS["conf"] = &fstest.MapFile{Data: []byte(tt.file)}
			}

			args, err := cmd.MergedArgs(tt.args, testFS, "conf")
			require.NoError(t, err)

			assert.Equal(t, tt.expected, args)
		})
	}
}
