// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proc

import (
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultRoot is the mount point of the proc file system.
const DefaultRoot = "/proc"

// ReadLinkFS is a [fs.FS] with an additional method for reading the target of
// a symbolic link.
type ReadLinkFS interface {
	fs.FS

	ReadLink(name string) (string, error)
}

type dirFS struct {
	fs.FS
	root string
}

// ReadLink implements [ReadLinkFS].
func (d *dirFS) ReadLink(name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: fs.ErrInvalid}
	}

	return os.Readlink(filepath.Join(d.root, name)) //nolint:wrapcheck
}

// DirFS returns a [ReadLinkFS] for the proc file system mounted at root.
func DirFS(root string) ReadLinkFS {
	return &dirFS{FS: os.DirFS(root), root: root}
}

type noFollowFS struct {
	fs.FS
}

// ReadLink implements [ReadLinkFS] by returning the content of the file.
func (n *noFollowFS) ReadLink(name string) (string, error) {
	data, err := fs.ReadFile(n.FS, name)
	if err != nil {
		return "", err //nolint:wrapcheck
	}

	return string(data), nil
}

// WithReadLinkNoFollowOpen extends the given [fs.FS] into a [ReadLinkFS].
//
// The source's Open method must not follow symbolic links but return the
// link target as file content, like [testing/fstest.MapFS] does.
func WithReadLinkNoFollowOpen(fsys fs.FS) ReadLinkFS {
	return &noFollowFS{FS: fsys}
}

func readLink(fsys fs.FS, name string) (string, error) {
	rlFS, ok := fsys.(ReadLinkFS)
	if !ok {
		return "", &fs.PathError{
			Op:   "readlink",
			Path: name,
			Err:  ErrReadLinkNotSupported,
		}
	}

	return rlFS.ReadLink(name) //nolint:wrapcheck
}
