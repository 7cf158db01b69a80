package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSH runs commands and transfers files on a remote host. The connection is
// opened lazily and reopened after a failure.
type SSH struct {
	cfg    resolved
	logger *zap.Logger

	mu     sync.RWMutex
	client *ssh.Client
	sftp   *sftp.Client
}

var _ Transport = (*SSH)(nil)

// NewSSH validates cfg and returns an unconnected transport.
func NewSSH(cfg SSHConfig, logger *zap.Logger) (*SSH, error) {
	r, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSH{cfg: r, logger: logger.With(zap.String("host", r.Host))}, nil
}

func (s *SSH) Frontend() string { return s.cfg.Host }

func (s *SSH) wrap(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Host: s.cfg.Host, Path: p, Err: err}
}

func (s *SSH) clientConfig() (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			s.logger.Debug("ssh agent unavailable", zap.Error(err))
		}
	}
	if s.cfg.KeyFile != "" {
		key, err := os.ReadFile(s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", s.cfg.KeyFile, err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("no ssh authentication method: set a key file or run an ssh agent")
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if !s.cfg.IgnoreHostKeys {
		cb, err := knownhosts.New(s.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeys = cb
	}

	return &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            auths,
		HostKeyCallback: hostKeys,
		Timeout:         s.cfg.Timeout,
	}, nil
}

func (s *SSH) dial(cc *ssh.ClientConfig) (*ssh.Client, error) {
	if s.cfg.ProxyCommand == "" {
		return ssh.Dial("tcp", s.cfg.addr(), cc)
	}

	command := expandProxyCommand(s.cfg.ProxyCommand, s.cfg.hostname, s.cfg.Port, s.cfg.Username)
	conn, err := dialProxyCommand(command)
	if err != nil {
		return nil, fmt.Errorf("proxy command: %w", err)
	}

	type handshake struct {
		c     ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}
	done := make(chan handshake, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, s.cfg.addr(), cc)
		done <- handshake{c, chans, reqs, err}
	}()

	var timer <-chan time.Time
	if cc.Timeout > 0 {
		t := time.NewTimer(cc.Timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case h := <-done:
		if h.err != nil {
			_ = conn.Close()
			return nil, h.err
		}
		return ssh.NewClient(h.c, h.chans, h.reqs), nil
	case <-timer:
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake through proxy timed out after %s", cc.Timeout)
	}
}

// ensureConnected returns live SSH and SFTP clients, dialing if needed.
func (s *SSH) ensureConnected() (*ssh.Client, *sftp.Client, error) {
	s.mu.RLock()
	c, fc := s.client, s.sftp
	s.mu.RUnlock()
	if c != nil && fc != nil {
		return c, fc, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another caller may have connected meanwhile.
	if s.client != nil && s.sftp != nil {
		return s.client, s.sftp, nil
	}

	cc, err := s.clientConfig()
	if err != nil {
		return nil, nil, s.wrap("connect", "", err)
	}
	client, err := s.dial(cc)
	if err != nil {
		return nil, nil, s.wrap("connect", "", err)
	}
	fc, err = sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, s.wrap("connect", "", fmt.Errorf("start sftp: %w", err))
	}
	s.logger.Debug("ssh connected", zap.String("addr", s.cfg.addr()), zap.String("user", s.cfg.Username))
	s.client, s.sftp = client, fc
	return client, fc, nil
}

func (s *SSH) Connect(context.Context) error {
	_, _, err := s.ensureConnected()
	return err
}

func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.sftp != nil {
		errs = append(errs, s.sftp.Close())
		s.sftp = nil
	}
	if s.client != nil {
		errs = append(errs, s.client.Close())
		s.client = nil
	}
	return errors.Join(errs...)
}

// reset drops a broken connection so the next call redials.
func (s *SSH) reset() {
	_ = s.Close()
}

func (s *SSH) Execute(ctx context.Context, command string) (Result, error) {
	client, _, err := s.ensureConnected()
	if err != nil {
		return Result{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		s.reset()
		if client, _, err = s.ensureConnected(); err != nil {
			return Result{}, err
		}
		if session, err = client.NewSession(); err != nil {
			return Result{}, s.wrap("execute", command, fmt.Errorf("open session: %w", err))
		}
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, s.wrap("execute", command, ctx.Err())
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, s.wrap("execute", command, err)
	}
	return res, nil
}

func (s *SSH) ExecuteDetached(ctx context.Context, command string) error {
	res, err := s.Execute(ctx, detachedCommand(command))
	if err != nil {
		return err
	}
	if !res.OK() {
		return s.wrap("execute", command, fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (s *SSH) RemoteUsername(ctx context.Context) (string, error) {
	res, err := s.Execute(ctx, "whoami")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (s *SSH) sftpClient() (*sftp.Client, error) {
	_, fc, err := s.ensureConnected()
	return fc, err
}

func (s *SSH) Open(p string, flag int, perm os.FileMode) (File, error) {
	fc, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := fc.OpenFile(p, flag)
	if err != nil {
		return nil, s.wrap("open", p, err)
	}
	if flag&os.O_CREATE != 0 && perm != 0 {
		if err := f.Chmod(perm); err != nil {
			_ = f.Close()
			return nil, s.wrap("open", p, err)
		}
	}
	return f, nil
}

func (s *SSH) Put(ctx context.Context, local, remote string, opts CopyOptions) error {
	fc, err := s.sftpClient()
	if err != nil {
		return err
	}
	return s.wrap("put", local, copyTree(ctx, localTree{}, sftpTree{fc}, local, remote, opts, plainCopy))
}

// Get copies remote to local. Files below the large-file threshold are read in
// one piece; larger ones are streamed in fixed-size chunks, which avoids stalls
// some servers show on big single reads.
func (s *SSH) Get(ctx context.Context, remote, local string, opts CopyOptions) error {
	fc, err := s.sftpClient()
	if err != nil {
		return err
	}
	content := chunkedCopy(s.cfg.LargeFileThreshold, s.cfg.LargeFileChunkSize)
	return s.wrap("get", remote, copyTree(ctx, sftpTree{fc}, localTree{}, remote, local, opts, content))
}

// chunkedCopy reads files smaller than threshold in one piece and streams the
// rest through a chunkSize buffer.
func chunkedCopy(threshold int64, chunkSize int) copyContentFunc {
	return func(dst io.Writer, src io.Reader, size int64) error {
		if size < threshold {
			data, err := io.ReadAll(src)
			if err != nil {
				return err
			}
			_, err = dst.Write(data)
			return err
		}
		buf := make([]byte, max(chunkSize, 1))
		// Hide ReaderFrom/WriterTo so every read goes through buf.
		_, err := io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, buf)
		return err
	}
}

func (s *SSH) MakeDirs(p string, perm os.FileMode) error {
	if err := checkRemotePath(p); err != nil {
		return s.wrap("makedirs", p, err)
	}
	fc, err := s.sftpClient()
	if err != nil {
		return err
	}
	if err := fc.MkdirAll(p); err != nil {
		return s.wrap("makedirs", p, err)
	}
	return s.wrap("makedirs", p, fc.Chmod(p, perm))
}

func (s *SSH) Remove(p string) error {
	fc, err := s.sftpClient()
	if err != nil {
		return err
	}
	return s.wrap("remove", p, fc.Remove(p))
}

func (s *SSH) RemoveTree(ctx context.Context, p string) error {
	if strings.TrimSpace(p) == "" || path.Clean(p) == "/" {
		return s.wrap("remove_tree", p, ErrUnsafePath)
	}
	res, err := s.Execute(ctx, "rm -rf "+Quote(p))
	if err != nil {
		return err
	}
	if !res.OK() {
		return s.wrap("remove_tree", p, fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (s *SSH) Rename(oldpath, newpath string) error {
	fc, err := s.sftpClient()
	if err != nil {
		return err
	}
	// POSIX rename replaces the target atomically; plain SFTP rename refuses to.
	if err := fc.PosixRename(oldpath, newpath); err != nil {
		return s.wrap("rename", oldpath, err)
	}
	return nil
}

func (s *SSH) Stat(p string) (os.FileInfo, error) {
	fc, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	info, err := fc.Stat(p)
	if err != nil {
		return nil, s.wrap("stat", p, err)
	}
	return info, nil
}

func (s *SSH) Exists(p string) (bool, error) {
	_, err := s.Stat(p)
	if err == nil {
		return true, nil
	}
	if IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *SSH) IsDir(p string) (bool, error) {
	info, err := s.Stat(p)
	if err != nil {
		if IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *SSH) ListDir(p string) ([]string, error) {
	fc, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	names, err := sftpTree{fc}.list(p)
	if err != nil {
		return nil, s.wrap("listdir", p, err)
	}
	return names, nil
}

func (s *SSH) Chmod(p string, mode os.FileMode) error {
	fc, err := s.sftpClient()
	if err != nil {
		return err
	}
	return s.wrap("chmod", p, fc.Chmod(p, mode))
}

type sftpTree struct {
	c *sftp.Client
}

func (t sftpTree) stat(p string) (os.FileInfo, error) { return t.c.Stat(p) }

func (t sftpTree) open(p string) (io.ReadCloser, error) { return t.c.Open(p) }

func (t sftpTree) create(p string, perm os.FileMode) (io.WriteCloser, error) {
	f, err := t.c.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (t sftpTree) mkdirAll(p string) error { return t.c.MkdirAll(p) }

func (t sftpTree) list(p string) ([]string, error) {
	infos, err := t.c.ReadDir(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func (t sftpTree) join(elem ...string) string { return path.Join(elem...) }

func (t sftpTree) dir(p string) string { return path.Dir(p) }
