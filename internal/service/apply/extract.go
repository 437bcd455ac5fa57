package apply

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

const (
	treeMode os.FileMode = 0o755
	// spaceMargin is kept free on top of the unpacked size.
	spaceMargin int64 = 8 << 20
)

var (
	// ErrUnsafeEntry is returned for archive entries that would escape the tree.
	ErrUnsafeEntry = errors.New("unsafe archive entry")
	// ErrArchiveTooLarge is returned when the unpacked tree exceeds the limit.
	ErrArchiveTooLarge = errors.New("archive exceeds unpacked size limit")
	// ErrInsufficientSpace is returned when the filesystem cannot hold the unpacked tree.
	ErrInsufficientSpace = errors.New("insufficient free space")
	// ErrEmptyArchive is returned for archives without files.
	ErrEmptyArchive = errors.New("archive contains no files")
)

// Inspection summarizes an archive before extraction.
type Inspection struct {
	// Root is the wrapper directory that gets unwrapped, if the archive has one.
	Root string
	// Files is the number of regular files.
	Files int
	// UnpackedBytes is the declared uncompressed size.
	UnpackedBytes int64
}

// Inspect validates every entry name and type without writing anything.
// The wrapper directory is unwrapped only when it holds every entry.
func Inspect(archive, wrapper string, limit int64) (*Inspection, error) {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = reader.Close()
	}()

	return inspect(reader.File, wrapper, limit)
}

func inspect(files []*zip.File, wrapper string, limit int64) (*Inspection, error) {
	result := &Inspection{Root: wrapperRoot(files, wrapper)}

	for _, file := range files {
		if _, err := entryPath(file.Name); err != nil {
			return nil, err
		}

		mode := file.Mode()

		switch {
		case mode.IsDir():
			continue
		case !mode.IsRegular():
			return nil, fmt.Errorf("%w: %s has mode %s", ErrUnsafeEntry, file.Name, mode)
		}

		result.Files++

		size := int64(file.UncompressedSize64) //nolint:gosec // Checked against the limit right below.
		if size < 0 || result.UnpackedBytes+size > limit {
			return nil, fmt.Errorf("%w: limit %d bytes", ErrArchiveTooLarge, limit)
		}

		result.UnpackedBytes += size
	}

	if result.Files == 0 {
		return nil, ErrEmptyArchive
	}

	return result, nil
}

// extract unpacks the archive into dest, which must not exist yet. The declared
// sizes are not trusted: the limit is enforced on the bytes actually written.
func extract(archive, dest, wrapper string, limit int64) (*Inspection, error) {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = reader.Close()
	}()

	result, err := inspect(reader.File, wrapper, limit)
	if err != nil {
		return nil, err
	}

	if err = os.Mkdir(dest, treeMode); err != nil {
		return nil, fmt.Errorf("create staging tree: %w", err)
	}

	remaining := limit

	for _, file := range reader.File {
		name, _ := entryPath(file.Name)

		rel := strings.TrimPrefix(name, result.Root)
		if rel == "" || rel == "." {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(rel))

		if file.Mode().IsDir() {
			if err = os.MkdirAll(target, treeMode); err != nil {
				return nil, fmt.Errorf("create %s: %w", rel, err)
			}

			continue
		}

		written, err := extractFile(file, target, remaining)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", rel, err)
		}

		remaining -= written
	}

	return result, nil
}

func extractFile(file *zip.File, target string, remaining int64) (written int64, err error) {
	if err = os.MkdirAll(filepath.Dir(target), treeMode); err != nil {
		return 0, err
	}

	src, err := file.Open()
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = src.Close()
	}()

	// O_EXCL rejects duplicate entries instead of letting the last one win.
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, treeMode)
	if err != nil {
		return 0, err
	}

	defer func() {
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
	}()

	written, err = io.Copy(dst, io.LimitReader(src, remaining+1))
	if err != nil {
		return written, err
	}

	if written > remaining {
		return written, ErrArchiveTooLarge
	}

	// The umask must not narrow the permissions the boot scripts rely on.
	if err = dst.Chmod(treeMode); err != nil {
		return written, err
	}

	return written, dst.Sync()
}

// entryPath cleans an archive name and rejects absolute or escaping paths.
func entryPath(name string) (string, error) {
	if name == "" || strings.Contains(name, `\`) || path.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}

	cleaned := path.Clean(name)
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}

	if strings.HasSuffix(name, "/") {
		cleaned += "/"
	}

	return cleaned, nil
}

// wrapperRoot returns "wrapper/" when every entry lives below it, as in the
// vendor archives that wrap the tree in "latest/". Any other top-level
// directory is part of the tree and stays.
func wrapperRoot(files []*zip.File, wrapper string) string {
	if wrapper == "" || len(files) == 0 {
		return ""
	}

	for _, file := range files {
		name, err := entryPath(file.Name)
		if err != nil {
			return ""
		}

		first, _, found := strings.Cut(name, "/")
		if !found || first != wrapper {
			return ""
		}
	}

	return wrapper + "/"
}

// chmodTree applies the tree mode to every directory and file below root.
func chmodTree(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		return os.Chmod(p, treeMode)
	})
}

// syncTree flushes every directory below root so the entries survive a power cut.
func syncTree(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		return syncDir(p)
	})
}

// syncDir flushes the entries of a directory.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	defer func() {
		_ = d.Close()
	}()

	return d.Sync()
}

// copyFile copies src to dst with the tree mode and syncs it.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}

	defer func() {
		_ = in.Close()
	}()

	if err = os.MkdirAll(filepath.Dir(dst), treeMode); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, treeMode)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}

	if err = out.Chmod(treeMode); err != nil {
		return err
	}

	return out.Sync()
}
