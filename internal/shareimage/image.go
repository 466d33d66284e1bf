// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package shareimage

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// SectorSize is the unit the image size is padded to.
const SectorSize = 512

// Image is a set of host paths to share with the guest.
//
// Files are added by their base name at the archive root. Directories are
// added recursively.
type Image struct {
	root     string
	sourceFS fs.FS
	sources  map[string]string
	names    []string
}

// New creates a new empty [Image].
func New() *Image {
	return newImage(string(filepath.Separator))
}

func newImage(root string) *Image {
	return &Image{
		root:     root,
		sourceFS: os.DirFS(root),
		sources:  map[string]string{},
	}
}

// Add adds the given host paths.
func (i *Image) Add(paths ...string) error {
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("abs path for %s: %w", p, err)
		}

		name := filepath.Base(abs)
		if existing, exists := i.sources[name]; exists {
			return fmt.Errorf("%w: %s and %s", ErrDuplicateName, existing, abs)
		}

		if _, err := os.Lstat(abs); err != nil {
			return fmt.Errorf("add %s: %w", p, err)
		}

		i.sources[name] = abs
		i.names = append(i.names, name)
	}

	return nil
}

// Len returns the number of added paths.
func (i *Image) Len() int {
	return len(i.names)
}

// WriteCPIO writes the archive padded to [SectorSize] and returns the number
// of bytes written.
func (i *Image) WriteCPIO(w io.Writer) (int64, error) {
	counter := &countingWriter{w: w}
	archive := NewCPIOWriter(counter)

	if err := i.writeTo(archive); err != nil {
		return counter.n, err
	}

	if err := archive.Close(); err != nil {
		return counter.n, err
	}

	if rem := counter.n % SectorSize; rem != 0 {
		if _, err := counter.Write(make([]byte, SectorSize-rem)); err != nil {
			return counter.n, fmt.Errorf("write padding: %w", err)
		}
	}

	return counter.n, nil
}

// WriteToTempFile writes the archive into a new file in dir and returns the
// open file and its size. If dir is empty [os.TempDir] is used. The caller
// must close and remove the file.
func (i *Image) WriteToTempFile(dir string) (*os.File, int64, error) {
	file, err := os.CreateTemp(dir, "vmgraft-share")
	if err != nil {
		return nil, 0, fmt.Errorf("create temp file: %w", err)
	}

	size, err := i.WriteCPIO(file)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())

		return nil, 0, fmt.Errorf("create archive: %w", err)
	}

	slog.Debug("Share image written",
		slog.String("path", file.Name()),
		slog.Int64("size", size),
		slog.Int("entries", len(i.names)))

	return file, size, nil
}

func (i *Image) writeTo(w Writer) error {
	for _, name := range i.names {
		// Cut leading / since fs.FS considers it invalid.
		rel, err := filepath.Rel(i.root, i.sources[name])
		if err != nil {
			return fmt.Errorf("relative path of %s: %w", i.sources[name], err)
		}

		rel = filepath.ToSlash(rel)

		err = fs.WalkDir(i.sourceFS, rel, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			archivePath := path.Join(name, strings.TrimPrefix(p, rel))

			return i.writeEntry(w, archivePath, p, d)
		})
		if err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	return nil
}

func (i *Image) writeEntry(w Writer, archivePath, sourcePath string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return fmt.Errorf("read info: %w", err)
	}

	switch {
	case d.IsDir():
		return w.WriteDirectory(archivePath, info.Mode())
	case d.Type()&fs.ModeSymlink != 0:
		target, err := os.Readlink(filepath.Join(i.root, filepath.FromSlash(sourcePath)))
		if err != nil {
			return fmt.Errorf("read link: %w", err)
		}

		return w.WriteLink(archivePath, target)
	case d.Type().IsRegular():
		source, err := i.sourceFS.Open(sourcePath)
		if err != nil {
			return err //nolint:wrapcheck
		}
		defer source.Close()

		return w.WriteRegular(archivePath, source, info.Mode())
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, sourcePath)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)

	return n, err //nolint:wrapcheck
}
