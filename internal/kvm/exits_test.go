// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kvm_test

import (
	"testing"

	"github.com/aibor/vmgraft/internal/kvm"
	"github.com/stretchr/testify/assert"
)

func TestWindowContains(t *testing.T) {
	window := kvm.WindowFor(0xd000_0000, 2)

	tests := []struct {
		name     string
		addr     uint64
		length   uint32
		expected bool
	}{
		{name: "first register", addr: 0xd000_0000, length: 4, expected: true},
		{name: "last byte", addr: 0xd000_1fff, length: 1, expected: true},
		{name: "crossing end", addr: 0xd000_1ffe, length: 4},
		{name: "below", addr: 0xcfff_fffc, length: 4},
		{name: "above", addr: 0xd000_2000, length: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, window.Contains(tt.addr, tt.length))
		})
	}
}
