package transport

import (
	"io"
	"net"
	"os/exec"
	"time"
)

// proxyConn is a net.Conn over the stdin/stdout of a ProxyCommand process.
type proxyConn struct {
	cmd *exec.Cmd
	r   io.ReadCloser
	w   io.WriteCloser
}

func dialProxyCommand(command string) (net.Conn, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	w, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	r, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &proxyConn{cmd: cmd, r: r, w: w}, nil
}

func (c *proxyConn) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *proxyConn) Write(b []byte) (int, error) { return c.w.Write(b) }

func (c *proxyConn) Close() error {
	_ = c.w.Close()
	_ = c.r.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	return nil
}

type proxyAddr string

func (a proxyAddr) Network() string { return "proxy" }
func (a proxyAddr) String() string  { return string(a) }

func (c *proxyConn) LocalAddr() net.Addr  { return proxyAddr("local") }
func (c *proxyConn) RemoteAddr() net.Addr { return proxyAddr(c.cmd.String()) }

func (c *proxyConn) SetDeadline(time.Time) error      { return nil }
func (c *proxyConn) SetReadDeadline(time.Time) error  { return nil }
func (c *proxyConn) SetWriteDeadline(time.Time) error { return nil }
