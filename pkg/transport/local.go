package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// Local runs commands through /bin/sh on this machine.
type Local struct{}

var _ Transport = (*Local)(nil)

// NewLocal returns a transport for the local machine.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Frontend() string { return "localhost" }

func (l *Local) Connect(context.Context) error { return nil }

func (l *Local) Close() error { return nil }

func (l *Local) wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Host: l.Frontend(), Path: path, Err: err}
}

func (l *Local) Execute(ctx context.Context, command string) (Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.ExitCode = 128 + int(ws.Signal())
		}
		if ctx.Err() != nil {
			return res, l.wrap("execute", command, ctx.Err())
		}
		return res, nil
	}
	return res, l.wrap("execute", command, err)
}

func (l *Local) ExecuteDetached(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", detachedCommand(command))
	setDetached(cmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return l.wrap("execute", command, errors.Join(err, errors.New(strings.TrimSpace(string(out)))))
	}
	return nil
}

func (l *Local) RemoteUsername(ctx context.Context) (string, error) {
	res, err := l.Execute(ctx, "whoami")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (l *Local) Open(path string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(filepath.FromSlash(path), flag, perm)
	if err != nil {
		return nil, l.wrap("open", path, err)
	}
	return f, nil
}

func (l *Local) Put(ctx context.Context, local, remote string, opts CopyOptions) error {
	return l.wrap("put", local, copyTree(ctx, localTree{}, localTree{}, local, filepath.FromSlash(remote), opts, plainCopy))
}

func (l *Local) Get(ctx context.Context, remote, local string, opts CopyOptions) error {
	return l.wrap("get", remote, copyTree(ctx, localTree{}, localTree{}, filepath.FromSlash(remote), local, opts, plainCopy))
}

func (l *Local) MakeDirs(path string, perm os.FileMode) error {
	return l.wrap("makedirs", path, os.MkdirAll(filepath.FromSlash(path), perm))
}

func (l *Local) Remove(path string) error {
	return l.wrap("remove", path, os.Remove(filepath.FromSlash(path)))
}

func (l *Local) RemoveTree(_ context.Context, path string) error {
	if strings.TrimSpace(path) == "" || filepath.Clean(path) == "/" {
		return l.wrap("remove_tree", path, ErrUnsafePath)
	}
	return l.wrap("remove_tree", path, os.RemoveAll(filepath.FromSlash(path)))
}

func (l *Local) Rename(oldpath, newpath string) error {
	return l.wrap("rename", oldpath, os.Rename(filepath.FromSlash(oldpath), filepath.FromSlash(newpath)))
}

func (l *Local) Stat(path string) (os.FileInfo, error) {
	info, err := os.Stat(filepath.FromSlash(path))
	if err != nil {
		return nil, l.wrap("stat", path, err)
	}
	return info, nil
}

func (l *Local) Exists(path string) (bool, error) {
	_, err := l.Stat(path)
	if err == nil {
		return true, nil
	}
	if IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (l *Local) IsDir(path string) (bool, error) {
	info, err := l.Stat(path)
	if err != nil {
		if IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (l *Local) ListDir(path string) ([]string, error) {
	names, err := localTree{}.list(filepath.FromSlash(path))
	if err != nil {
		return nil, l.wrap("listdir", path, err)
	}
	return names, nil
}

func (l *Local) Chmod(path string, mode os.FileMode) error {
	return l.wrap("chmod", path, os.Chmod(filepath.FromSlash(path), mode))
}

type localTree struct{}

func (localTree) stat(p string) (os.FileInfo, error) { return os.Stat(p) }

func (localTree) open(p string) (io.ReadCloser, error) { return os.Open(p) }

func (localTree) create(p string, perm os.FileMode) (io.WriteCloser, error) {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (localTree) mkdirAll(p string) error { return os.MkdirAll(p, 0755) }

func (localTree) list(p string) ([]string, error) {
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (localTree) join(elem ...string) string { return filepath.Join(elem...) }

func (localTree) dir(p string) string { return filepath.Dir(p) }
