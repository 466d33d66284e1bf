// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtio_test

import (
	"testing"

	"github.com/aibor/vmgraft/internal/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	device := virtio.FeatureVersion1 | virtio.FeatureRingEventIdx | 1<<9

	tests := []struct {
		name        string
		driver      uint64
		expectedErr error
	}{
		{
			name:   "all",
			driver: device,
		},
		{
			name:   "subset",
			driver: virtio.FeatureVersion1 | 1<<9,
		},
		{
			name:        "unsupported bit",
			driver:      virtio.FeatureVersion1 | virtio.FeatureRingIndirectDesc,
			expectedErr: virtio.ErrFeatures,
		},
		{
			name:        "legacy",
			driver:      1 << 9,
			expectedErr: virtio.ErrFeatures,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			features, err := virtio.Negotiate(device, tt.driver)
			require.ErrorIs(t, err, tt.expectedErr)

			if tt.expectedErr == nil {
				assert.Equal(t, tt.driver, features)
			}
		})
	}
}
