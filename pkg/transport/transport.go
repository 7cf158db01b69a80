// Package transport runs shell commands and moves files on the local machine or
// on a remote host reached over SSH. Both implementations behave the same at
// this interface; callers never need to know which one they hold.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
)

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit code.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// CopyOptions controls Put and Get.
type CopyOptions struct {
	// Overwrite replaces existing destination files. Without it existing files
	// are left alone.
	Overwrite bool

	// ChangedOnly skips files whose destination has the same size and is not
	// older than the source.
	ChangedOnly bool

	// IgnoreNotExist makes a missing source a no-op instead of an error.
	IgnoreNotExist bool
}

// File is an open file on the target host.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Stat() (os.FileInfo, error)
}

// Transport executes commands and transfers files on one host.
//
// Paths on the target host are slash-separated. Execute only fails when the
// command could not be run; a non-zero exit is reported in Result.
type Transport interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, command string) (Result, error)

	// ExecuteDetached starts command in the background so that it outlives the
	// call and the transport connection. Its output is discarded.
	ExecuteDetached(ctx context.Context, command string) error

	Open(path string, flag int, perm os.FileMode) (File, error)
	Put(ctx context.Context, local, remote string, opts CopyOptions) error
	Get(ctx context.Context, remote, local string, opts CopyOptions) error
	MakeDirs(path string, perm os.FileMode) error
	Remove(path string) error
	RemoveTree(ctx context.Context, path string) error
	Rename(oldpath, newpath string) error
	Stat(path string) (os.FileInfo, error)
	Exists(path string) (bool, error)
	IsDir(path string) (bool, error)
	ListDir(path string) ([]string, error)
	Chmod(path string, mode os.FileMode) error
	RemoteUsername(ctx context.Context) (string, error)

	// Frontend is the host name commands run on ("localhost" for local).
	Frontend() string
	Close() error
}

// Sentinel errors for transport operations.
var (
	// ErrUnsafePath indicates a path that could escape its intended root.
	ErrUnsafePath = errors.New("unsafe path")

	// ErrNotYetAvailable indicates a file did not appear within the retry budget.
	ErrNotYetAvailable = errors.New("file not yet available")
)

// Error wraps a failed transport operation with the host and path involved.
type Error struct {
	// Op is the operation that failed (e.g., "execute", "get").
	Op string

	// Host is the target host.
	Host string

	// Path is the file path or command, if applicable.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		cause := e.Err
		// An fs.PathError for the same path would repeat it.
		var pe *fs.PathError
		if errors.As(e.Err, &pe) && filepath.ToSlash(pe.Path) == filepath.ToSlash(e.Path) {
			cause = pe.Err
		}
		return fmt.Sprintf("%s on %s: %s: %v", e.Op, e.Host, e.Path, cause)
	}
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Host, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotExist reports whether err means a file or directory does not exist,
// for both local and SFTP errors.
func IsNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		return se.Code == sshFxNoSuchFile
	}
	return false
}

// SSH_FX_NO_SUCH_FILE from the SFTP protocol.
const sshFxNoSuchFile = 2

// Quote returns s as a single-quoted shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// QuoteExpandable double-quotes s so that the shell still expands $VAR
// references but not word splitting or globbing.
func QuoteExpandable(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`")
	return `"` + r.Replace(s) + `"`
}

// ReadFile reads a whole file through t.
func ReadFile(t Transport, path string) ([]byte, error) {
	f, err := t.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// WriteFile writes data to path through t, creating or truncating it.
func WriteFile(t Transport, path string, data []byte, perm os.FileMode) error {
	f, err := t.Open(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// detachedCommand backgrounds command with all standard streams detached, so
// the launching shell returns at once and the child is reparented.
func detachedCommand(command string) string {
	return "nohup " + command + " </dev/null >/dev/null 2>&1 &"
}

func checkRemotePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q contains '..'", ErrUnsafePath, p)
		}
	}
	return nil
}
