// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cmd provides the CLI command entry point for vmgraft. It handles
// argument sources, flag parsing, configuration files, logging and exit
// codes.
package cmd
