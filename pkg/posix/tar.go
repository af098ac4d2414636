package posix

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
	"github.com/ulikunitz/xz"
)

func tarCmd(ctx context.Context, env Env, flags *pflag.FlagSet, args []string) error {
	create, err := flags.GetBool("create")
	if err != nil {
		return err
	}

	extract, err := flags.GetBool("extract")
	if err != nil {
		return err
	}

	file, err := flags.GetString("file")
	if err != nil {
		return err
	}

	dir, err := flags.GetString("directory")
	if err != nil {
		return err
	}

	if create == extract {
		return eris.New("exactly one of -c and -x is required")
	}

	if file == "" {
		return eris.New("no archive passed (-f)")
	}
	file = env.resolve(file)

	base := env.Dir
	if dir != "" {
		base = env.resolve(dir)
	}

	if extract {
		return ExtractArchive(file, base)
	}

	if len(args) != 1 || args[0] != "." {
		return eris.New("only archiving the whole directory (.) is supported")
	}

	return CreateArchive(file, base)
}

// CreateArchive writes the contents of dir into an uncompressed tar file. Entry names are relative to dir
// and sorted so the archive's layout doesn't depend on the file system.
func CreateArchive(dest, dir string) error {
	hdl, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "Failed to create %s", dest)
	}
	defer hdl.Close()

	writer := tar.NewWriter(hdl)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		// don't archive the archive when it's written into the archived folder
		if path == dest {
			return nil
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return eris.Wrapf(err, "Failed to read link %s", path)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return eris.Wrapf(err, "Failed to build header for %s", path)
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}

		err = writer.WriteHeader(header)
		if err != nil {
			return eris.Wrapf(err, "Failed to write header for %s", path)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "Failed to open %s", path)
		}
		defer f.Close()

		_, err = io.Copy(writer, f)
		if err != nil {
			return eris.Wrapf(err, "Failed to archive %s", path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = writer.Close()
	if err != nil {
		return eris.Wrapf(err, "Failed to finish %s", dest)
	}
	return hdl.Close()
}

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// decompress detects the compression of an archive by its magic bytes
func decompress(r io.Reader) (io.Reader, error) {
	buffered := bufio.NewReader(r)
	head, err := buffered.Peek(6)
	if err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "Failed to read archive header")
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return gzip.NewReader(buffered)
	case bytes.HasPrefix(head, bzip2Magic):
		return bzip2.NewReader(buffered), nil
	case bytes.HasPrefix(head, xzMagic):
		return xz.NewReader(buffered)
	}
	return buffered, nil
}

// ExtractArchive unpacks a (possibly gzip, bzip2 or xz compressed) tar archive into dest
func ExtractArchive(archivePath, dest string) error {
	hdl, err := os.Open(archivePath)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", archivePath)
	}
	defer hdl.Close()

	reader, err := decompress(hdl)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", archivePath)
	}

	return extractTar(reader, dest)
}

func extractTar(r io.Reader, destPath string) error {
	archive := tar.NewReader(r)
	destPath = filepath.Clean(destPath)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "Failed to read archive entry")
		}

		dest := filepath.Join(destPath, filepath.FromSlash(item.Name))
		if dest != destPath && !strings.HasPrefix(dest, destPath+string(filepath.Separator)) {
			return eris.Errorf("Archive entry %s points outside of %s", item.Name, destPath)
		}

		fi := item.FileInfo()
		switch item.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(dest, 0770)
			if err != nil {
				return eris.Wrapf(err, "Failed to create directory %s", dest)
			}
			continue
		case tar.TypeSymlink:
			err = os.MkdirAll(filepath.Dir(dest), 0770)
			if err != nil {
				return eris.Wrapf(err, "Failed to create directory %s", filepath.Dir(dest))
			}

			err = os.Remove(dest)
			if err != nil && !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "Failed to replace %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "Failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		case tar.TypeReg, tar.TypeRegA:
		default:
			// hard links, devices and similar entries never show up in R libraries
			continue
		}

		err = os.MkdirAll(filepath.Dir(dest), 0770)
		if err != nil {
			return eris.Wrapf(err, "Failed to create directory %s", filepath.Dir(dest))
		}

		destHandle, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm())
		if err != nil {
			return eris.Wrapf(err, "Failed to create file %s", dest)
		}

		_, err = io.Copy(destHandle, archive)
		if err != nil {
			destHandle.Close()
			return eris.Wrapf(err, "Failed to write extracted file %s", dest)
		}

		err = destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "Failed to write extracted file %s", dest)
		}
	}

	return nil
}
