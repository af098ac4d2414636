package posix

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// CopyFile copies a single regular file
func CopyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return eris.Wrapf(err, "Failed to create %s", dest)
	}

	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return eris.Wrapf(err, "Failed to copy %s to %s", src, dest)
	}

	return out.Close()
}

// CopyTree recursively copies the directory src to dest. Symlinks are recreated, not followed.
func CopyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return eris.Wrapf(err, "Failed to read link %s", path)
			}
			return os.Symlink(link, target)
		case info.IsDir():
			err = os.MkdirAll(target, 0770)
			if err != nil {
				return eris.Wrapf(err, "Failed to create %s", target)
			}
			return nil
		default:
			return CopyFile(path, target, info.Mode())
		}
	})
}
