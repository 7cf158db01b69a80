package transport

import (
	"context"
	"io"
	"os"
)

// fileTree is one side of a copy: the local filesystem or an SFTP session.
type fileTree interface {
	stat(p string) (os.FileInfo, error)
	open(p string) (io.ReadCloser, error)
	create(p string, perm os.FileMode) (io.WriteCloser, error)
	mkdirAll(p string) error
	list(p string) ([]string, error)
	join(elem ...string) string
	dir(p string) string
}

// copyContentFunc moves the bytes of one file of the given size.
type copyContentFunc func(dst io.Writer, src io.Reader, size int64) error

func plainCopy(dst io.Writer, src io.Reader, _ int64) error {
	_, err := io.Copy(dst, src)
	return err
}

// copyTree copies srcPath to dstPath, recursing into directories.
func copyTree(ctx context.Context, src, dst fileTree, srcPath, dstPath string, opts CopyOptions, content copyContentFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := src.stat(srcPath)
	if err != nil {
		if opts.IgnoreNotExist && IsNotExist(err) {
			return nil
		}
		return err
	}

	if info.IsDir() {
		if err := dst.mkdirAll(dstPath); err != nil {
			return err
		}
		names, err := src.list(srcPath)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := copyTree(ctx, src, dst, src.join(srcPath, name), dst.join(dstPath, name), opts, content); err != nil {
				return err
			}
		}
		return nil
	}

	if existing, err := dst.stat(dstPath); err == nil && !existing.IsDir() {
		if !opts.Overwrite {
			return nil
		}
		if opts.ChangedOnly && existing.Size() == info.Size() && !info.ModTime().After(existing.ModTime()) {
			return nil
		}
	}

	if err := dst.mkdirAll(dst.dir(dstPath)); err != nil {
		return err
	}
	in, err := src.open(srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := dst.create(dstPath, info.Mode().Perm())
	if err != nil {
		return err
	}
	if err := content(out, in, info.Size()); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
