// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package shareimage packs host files into a cpio archive that is exposed to
// the guest as read-only block device.
//
// The guest side unpacks the archive from the block device, so the image is
// padded to a multiple of the sector size.
package shareimage
