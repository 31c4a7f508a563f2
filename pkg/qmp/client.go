// Package qmp implements a client for the QEMU Machine Protocol.
//
// QMP is a JSON based protocol spoken over a socket QEMU listens on when
// started with `-qmp unix:<path>,server`. After connecting QEMU sends a
// greeting, the client must then negotiate capabilities with
// `qmp_capabilities` before any other command is accepted. From then on
// the client sends commands ({"execute": ...}) tagged with an id and QEMU
// answers each with a message carrying the same id ({"return": ...} or
// {"error": ...}). QEMU can also send asynchronous events ({"event": ...})
// at any time, for example when the guest stops or resets.
//
// The protocol is specified at:
//   https://www.qemu.org/docs/master/interop/qmp-spec.html
//
// Client keeps track of the state of the connection as a Runstate, every
// transition is published and can be observed with RunstateChanged.
package qmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/oro-os/dbgutil/pkg/logflags"
)

const (
	qmpWireMaxLen = 200

	runstateBacklog = 16
)

var (
	// ErrNotConnected is returned by Request when the client does not have
	// an established session.
	ErrNotConnected = errors.New("qmp: not connected")
	// ErrAlreadyConnected is returned by Connect when the client is not
	// idle.
	ErrAlreadyConnected = errors.New("qmp: already connected")
	// ErrDisconnected is returned to every request that was waiting for a
	// reply when the connection went away.
	ErrDisconnected = errors.New("qmp: connection closed")
)

// ErrBadGreeting is returned by Connect when the peer does not start the
// session with a QMP greeting.
type ErrBadGreeting struct {
	Msg string
}

func (err *ErrBadGreeting) Error() string {
	msg := err.Msg
	if len(msg) > qmpWireMaxLen {
		msg = msg[:qmpWireMaxLen] + "..."
	}
	return fmt.Sprintf("qmp: unexpected greeting %s", msg)
}

type result struct {
	resp *Response
	err  error
}

// Client is a QMP client. It is safe for concurrent use, replies are
// matched to requests using the request id.
type Client struct {
	name string
	log  *logrus.Entry

	mu         sync.Mutex
	conn       net.Conn
	runstate   Runstate
	greeting   *Greeting
	pending    map[string]chan result
	readerDone chan struct{}

	wmu sync.Mutex // serializes writes to conn

	runstates chan Runstate
}

// NewClient returns an idle client, name only appears in logs.
func NewClient(name string) *Client {
	return &Client{
		name:      name,
		log:       logflags.QMPWireLogger().WithField("client", name),
		runstates: make(chan Runstate, runstateBacklog),
	}
}

// Runstate returns the current state of the connection.
func (c *Client) Runstate() Runstate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runstate
}

// RunstateChanged waits for the next runstate transition and returns the
// state the connection moved to. Transitions are queued so that a slow
// observer does not miss them.
func (c *Client) RunstateChanged(ctx context.Context) (Runstate, error) {
	select {
	case rs := <-c.runstates:
		return rs, nil
	case <-ctx.Done():
		return c.Runstate(), ctx.Err()
	}
}

// Greeting returns the greeting received on the current connection, nil
// if the client never connected.
func (c *Client) Greeting() *Greeting {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greeting
}

// setRunstate must be called with c.mu held.
func (c *Client) setRunstate(rs Runstate) {
	if c.runstate == rs {
		return
	}
	c.log.Debugf("runstate %v -> %v", c.runstate, rs)
	c.runstate = rs
	select {
	case c.runstates <- rs:
	default:
		// drop the oldest transition, the newest one is what matters
		select {
		case <-c.runstates:
		default:
		}
		select {
		case c.runstates <- rs:
		default:
		}
	}
}

// Connect dials the QMP socket at path and negotiates capabilities.
func (c *Client) Connect(ctx context.Context, path string) error {
	c.mu.Lock()
	if c.runstate != RunstateIdle {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.setRunstate(RunstateConnecting)
	c.mu.Unlock()

	conn, dec, greeting, err := c.negotiate(ctx, path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.setRunstate(RunstateIdle)
		return err
	}
	c.conn = conn
	c.greeting = greeting
	c.pending = make(map[string]chan result)
	c.readerDone = make(chan struct{})
	c.setRunstate(RunstateRunning)
	go c.readLoop(conn, dec, c.readerDone)
	return nil
}

func (c *Client) negotiate(ctx context.Context, path string) (net.Conn, *json.Decoder, *Greeting, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, nil, nil, err
	}
	// unblock the handshake if ctx is cancelled half way through
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	fail := func(err error) (net.Conn, *json.Decoder, *Greeting, error) {
		stop()
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, nil, ctxErr
		}
		return nil, nil, nil, err
	}

	dec := json.NewDecoder(conn)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return fail(fmt.Errorf("qmp: reading greeting: %w", err))
	}
	c.logWire("->", raw)
	if !gjson.GetBytes(raw, "QMP").IsObject() {
		return fail(&ErrBadGreeting{Msg: string(raw)})
	}
	greeting := new(Greeting)
	if err := json.Unmarshal(raw, greeting); err != nil {
		return fail(fmt.Errorf("qmp: decoding greeting: %w", err))
	}

	buf, _ := json.Marshal(&Request{Execute: "qmp_capabilities", ID: "negotiate"})
	if err := c.write(conn, buf); err != nil {
		return fail(fmt.Errorf("qmp: negotiating capabilities: %w", err))
	}
	var resp Response
	if err := dec.Decode(&raw); err != nil {
		return fail(fmt.Errorf("qmp: negotiating capabilities: %w", err))
	}
	c.logWire("->", raw)
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fail(fmt.Errorf("qmp: negotiating capabilities: %w", err))
	}
	if err := resp.Err(); err != nil {
		return fail(err)
	}

	if !stop() {
		conn.Close()
		return nil, nil, nil, ctx.Err()
	}
	return conn, dec, greeting, nil
}

// Disconnect closes the connection and waits for the reader to exit.
// Requests still waiting for a reply fail with ErrDisconnected.
// Disconnecting an idle client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.runstate != RunstateRunning {
		c.mu.Unlock()
		return nil
	}
	c.setRunstate(RunstateDisconnecting)
	conn, done := c.conn, c.readerDone
	c.mu.Unlock()

	err := conn.Close()
	<-done

	c.mu.Lock()
	c.conn = nil
	c.setRunstate(RunstateIdle)
	c.mu.Unlock()
	return err
}

// Request sends req and waits for the matching reply. A QMP error reply is
// not a Go error, check Response.Err or use Response.Decode.
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	id := uuid.NewString()
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.runstate != RunstateRunning {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	msg := *req
	msg.ID = id
	buf, err := json.Marshal(&msg)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("qmp: encoding %s: %w", req.Execute, err)
	}
	if err := c.write(conn, buf); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("qmp: sending %s: %w", req.Execute, err)
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Execute runs command with args and decodes its return value into ret,
// which may be nil.
func (c *Client) Execute(ctx context.Context, command string, args, ret interface{}) error {
	resp, err := c.Request(ctx, NewRequest(command, args))
	if err != nil {
		return err
	}
	return resp.Decode(ret)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(conn net.Conn, buf []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.logWire("<-", buf)
	_, err := conn.Write(append(buf, '\n'))
	return err
}

func (c *Client) logWire(dir string, msg []byte) {
	if !logflags.QMPWire() {
		return
	}
	if len(msg) > qmpWireMaxLen {
		c.log.Debugf("%s %s...", dir, string(msg[:qmpWireMaxLen]))
	} else {
		c.log.Debugf("%s %s", dir, string(msg))
	}
}

func (c *Client) readLoop(conn net.Conn, dec *json.Decoder, done chan struct{}) {
	defer close(done)

	var err error
	for {
		var raw json.RawMessage
		if err = dec.Decode(&raw); err != nil {
			break
		}
		c.logWire("->", raw)

		switch {
		case gjson.GetBytes(raw, "event").Exists():
			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				c.log.Warnf("malformed event: %v", err)
				continue
			}
			c.log.Debugf("event %s", ev.Event)
		case gjson.GetBytes(raw, "return").Exists(), gjson.GetBytes(raw, "error").Exists():
			resp := new(Response)
			if err := json.Unmarshal(raw, resp); err != nil {
				c.log.Warnf("malformed response: %v", err)
				continue
			}
			c.deliver(resp)
		default:
			c.log.Warnf("unexpected message %s", string(raw))
		}
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		ch <- result{err: fmt.Errorf("%w: %v", ErrDisconnected, err)}
		delete(c.pending, id)
	}
	hangup := c.runstate == RunstateRunning
	if hangup {
		// the peer went away, Disconnect was not called
		c.setRunstate(RunstateDisconnecting)
	}
	c.mu.Unlock()

	if hangup {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.setRunstate(RunstateIdle)
		c.mu.Unlock()
	}
}

func (c *Client) deliver(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Warnf("reply for unknown request %q", resp.ID)
		return
	}
	ch <- result{resp: resp}
}
