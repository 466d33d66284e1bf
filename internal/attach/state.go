// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package attach

// State is the attachment state of a [Handle].
type State int

// Handle states. A handle moves from [StateAttached] to [StateHalted] while
// at least one vCPU is halted and ends in [StateDetached].
const (
	StateDetached State = iota
	StateAttached
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttached:
		return "attached"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}
