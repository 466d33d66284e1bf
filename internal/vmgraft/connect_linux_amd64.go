// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vmgraft

import (
	"context"

	"github.com/aibor/vmgraft/internal/kvm"
)

func connectKVM(ctx context.Context, target kvm.Target) (Hypervisor, error) {
	hv, err := kvm.Connect(ctx, target)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	return hv, nil
}
