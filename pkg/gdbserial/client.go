// Package gdbserial implements a client for the GDB Remote Serial Protocol
// as spoken by the QEMU gdb stub.
//
// Packets have the form $<data>#<checksum>, the checksum being the sum of
// the data bytes modulo 256 as two hex digits. Until the client asks for
// no-ack mode with QStartNoAckMode both ends acknowledge every packet
// with '+' (or ask for retransmission with '-'). Replies to unsupported
// commands are empty packets, errors are 'Exx' packets.
//
// The protocol is specified at:
//   https://sourceware.org/gdb/onlinedocs/gdb/Remote-Protocol.html
package gdbserial

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const dialTimeout = 5 * time.Second

var (
	// ErrNotAttached is returned by operations that need a stub when the
	// client is detached.
	ErrNotAttached = errors.New("not attached to a gdb stub")
	// ErrAlreadyAttached is returned by Attach when the client is already
	// connected to a stub.
	ErrAlreadyAttached = errors.New("already attached to a gdb stub")
)

// Client is a debugger attached to a gdb stub listening on a unix
// socket. It is safe for concurrent use, operations are serialized.
type Client struct {
	mu   sync.Mutex
	path string
	nc   net.Conn
	conn *gdbConn
}

// NewClient returns a detached client.
func NewClient() *Client {
	return &Client{}
}

// IsConnectedTo reports whether the client is attached to the stub at
// path.
func (c *Client) IsConnectedTo(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.path == path
}

// Attach connects to the stub listening at path and performs the
// protocol handshake.
func (c *Client) Attach(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return ErrAlreadyAttached
	}

	nc, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return err
	}
	conn := newConn(nc)
	conn.log = conn.log.WithField("stub", path)
	nc.SetDeadline(time.Now().Add(dialTimeout))
	if err := conn.handshake(); err != nil {
		nc.Close()
		return fmt.Errorf("gdb handshake: %w", err)
	}
	nc.SetDeadline(time.Time{})

	c.path = path
	c.nc = nc
	c.conn = conn
	return nil
}

// Detach sends the detach command, which lets the target resume, and
// closes the connection. Detaching a detached client does nothing.
func (c *Client) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.detach()
	c.nc.Close()
	c.nc = nil
	c.conn = nil
	c.path = ""
	return err
}

func (c *Client) attached() (*gdbConn, error) {
	if c.conn == nil {
		return nil, ErrNotAttached
	}
	return c.conn, nil
}

// StopReason asks the stub why the target is halted.
func (c *Client) StopReason() (StopPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.attached()
	if err != nil {
		return StopPacket{}, err
	}
	return conn.stopReason()
}

// Registers reads the registers of the current vCPU.
func (c *Client) Registers() (*Registers, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.attached()
	if err != nil {
		return nil, err
	}
	data, err := conn.readRegisters()
	if err != nil {
		return nil, err
	}
	return decodeAMD64(data)
}

// ReadMemory reads n bytes of guest memory at addr, which is a virtual
// address in the current vCPU's address space.
func (c *Client) ReadMemory(addr uint64, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.attached()
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if err := conn.readMemory(data, addr); err != nil {
		return nil, err
	}
	return data, nil
}

// Step executes one instruction on the current vCPU.
func (c *Client) Step() (StopPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.attached()
	if err != nil {
		return StopPacket{}, err
	}
	return conn.step()
}
