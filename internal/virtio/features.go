// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package virtio

import "fmt"

// Device independent feature bits.
const (
	FeatureRingIndirectDesc uint64 = 1 << 28
	FeatureRingEventIdx     uint64 = 1 << 29
	FeatureVersion1         uint64 = 1 << 32
)

// Negotiate validates the features acknowledged by the driver against the
// device features and returns them. The driver must not acknowledge
// features the device does not offer and must accept
// [FeatureVersion1].
func Negotiate(device, driver uint64) (uint64, error) {
	if unsupported := driver &^ device; unsupported != 0 {
		return 0, fmt.Errorf("%w: unsupported features %#x", ErrFeatures, unsupported)
	}

	if driver&FeatureVersion1 == 0 {
		return 0, fmt.Errorf("%w: legacy driver", ErrFeatures)
	}

	return driver, nil
}
