package qemu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/oro-os/dbgutil/pkg/logflags"
	"github.com/oro-os/dbgutil/pkg/qmp"
)

// ErrBridgeClosed is returned by Bridge.Request when the bridge is not
// running.
var ErrBridgeClosed = errors.New("qmp bridge closed")

// ControlConn is the control protocol session driven by a Bridge.
// *qmp.Client implements it.
type ControlConn interface {
	Connect(ctx context.Context, path string) error
	Disconnect() error
	Request(ctx context.Context, req *qmp.Request) (*qmp.Response, error)
	RunstateChanged(ctx context.Context) (qmp.Runstate, error)
	Runstate() qmp.Runstate
}

// BridgeState is the lifecycle state of a Bridge.
type BridgeState int32

const (
	BridgeNotStarted BridgeState = iota
	BridgeRunning
	BridgeDisconnecting
	BridgeStopped
)

func (s BridgeState) String() string {
	switch s {
	case BridgeNotStarted:
		return "not started"
	case BridgeRunning:
		return "running"
	case BridgeDisconnecting:
		return "disconnecting"
	case BridgeStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

type bridgeReply struct {
	resp *qmp.Response
	err  error
}

type pendingRequest struct {
	ctx   context.Context // the caller's
	req   *qmp.Request
	reply chan bridgeReply // capacity 1, written once by the loop
}

// Bridge owns a control connection on a dedicated goroutine and lets any
// other goroutine issue blocking requests over it.
//
// The loop goroutine connects, then serves submitted requests while
// watching the connection runstate. The transition to qmp.RunstateIdle
// means the peer is gone and ends the loop. When the loop ends every
// request still in flight is cancelled, so no caller stays blocked on a
// dead connection.
type Bridge struct {
	conn ControlConn
	path string
	log  *logrus.Entry

	state atomic.Int32

	submit chan *pendingRequest
	quit   chan struct{}
	done   chan struct{}

	shutdownOnce sync.Once

	err error // set by the loop before done is closed
}

// NewBridge returns a bridge that will connect conn to the socket at path
// once started.
func NewBridge(conn ControlConn, path string) *Bridge {
	return &Bridge{
		conn:   conn,
		path:   path,
		log:    logflags.BridgeLogger().WithField("socket", path),
		submit: make(chan *pendingRequest),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the lifecycle state of the bridge.
func (b *Bridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

// Start launches the loop goroutine. Connection errors are not returned
// here, they are reported by Err once the loop has stopped and by the
// next Request.
func (b *Bridge) Start() {
	if b.state.CompareAndSwap(int32(BridgeNotStarted), int32(BridgeRunning)) {
		go b.run()
	}
}

// Done returns a channel closed when the loop goroutine has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the error that stopped the loop. It is only meaningful
// after Done is closed.
func (b *Bridge) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

func (b *Bridge) closedError() error {
	if err := b.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBridgeClosed, err)
	}
	return ErrBridgeClosed
}

// Request hands req to the loop goroutine and waits for the reply. Replies
// are matched to requests by the control connection, concurrent callers
// each get their own reply but no ordering between them is implied.
// Request blocks until the reply arrives, the bridge stops or ctx is done.
func (b *Bridge) Request(ctx context.Context, req *qmp.Request) (*qmp.Response, error) {
	if b.State() != BridgeRunning {
		return nil, b.closedError()
	}
	p := &pendingRequest{ctx: ctx, req: req, reply: make(chan bridgeReply, 1)}
	select {
	case b.submit <- p:
	case <-b.done:
		return nil, b.closedError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-p.reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute is like Request but decodes the return value into ret and turns
// QMP error replies into errors.
func (b *Bridge) Execute(ctx context.Context, command string, args, ret interface{}) error {
	resp, err := b.Request(ctx, qmp.NewRequest(command, args))
	if err != nil {
		return err
	}
	return resp.Decode(ret)
}

// Shutdown disconnects from the peer and waits for the loop goroutine and
// every request it started to finish. Disconnect errors are logged and
// otherwise ignored. Calling Shutdown more than once, or on a bridge that
// was never started or has already stopped, is safe.
func (b *Bridge) Shutdown() {
	b.shutdownOnce.Do(func() {
		if b.state.CompareAndSwap(int32(BridgeNotStarted), int32(BridgeStopped)) {
			close(b.done)
			return
		}
		close(b.quit)
	})
	<-b.done
}

func (b *Bridge) run() {
	ctx, cancel := context.WithCancel(context.Background())
	var tasks sync.WaitGroup

	defer func() {
		cancel()
		tasks.Wait()
		b.state.Store(int32(BridgeStopped))
		b.log.Debugf("loop stopped (err: %v)", b.err)
		close(b.done)
	}()

	b.log.Debug("connecting")
	connectCtx, stopConnect := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.quit:
			stopConnect()
		case <-connectCtx.Done():
		}
	}()
	err := b.conn.Connect(connectCtx, b.path)
	stopConnect()
	if err != nil {
		b.err = fmt.Errorf("connecting to %s: %w", b.path, err)
		return
	}

	idle := make(chan error, 1)
	tasks.Add(1)
	go func() {
		defer tasks.Done()
		idle <- b.watchRunstate(ctx)
	}()

	for {
		select {
		case p := <-b.submit:
			tasks.Add(1)
			go func() {
				defer tasks.Done()
				// The request is abandoned when either the caller gives
				// up or the loop stops.
				reqCtx, cancelReq := context.WithCancel(p.ctx)
				stop := context.AfterFunc(ctx, cancelReq)
				defer func() {
					stop()
					cancelReq()
				}()
				resp, err := b.conn.Request(reqCtx, p.req)
				if err != nil && ctx.Err() != nil {
					err = ErrBridgeClosed
				}
				p.reply <- bridgeReply{resp: resp, err: err}
			}()

		case err := <-idle:
			if err != nil {
				b.err = err
			}
			b.log.Debug("peer disconnected")
			return

		case <-b.quit:
			b.state.Store(int32(BridgeDisconnecting))
			if b.conn.Runstate() == qmp.RunstateRunning {
				if err := b.conn.Disconnect(); err != nil {
					b.log.Debugf("disconnect failed: %v", err)
				}
			}
			return
		}
	}
}

// watchRunstate returns nil once the connection reaches
// qmp.RunstateIdle.
func (b *Bridge) watchRunstate(ctx context.Context) error {
	for {
		rs, err := b.conn.RunstateChanged(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.log.Debugf("runstate changed to %v", rs)
		if rs == qmp.RunstateIdle {
			return nil
		}
	}
}
