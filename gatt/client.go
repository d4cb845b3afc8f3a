package gatt

import (
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
)

// ClientOptions configure a Client. The zero value is usable.
type ClientOptions struct {
	Logger *logrus.Logger

	// ClearCCCOnDisconnect drops the discovered CCC handle from retained
	// subscriptions when the peer disconnects, forcing rediscovery on the
	// next connection.
	ClearCCCOnDisconnect bool
}

// A Client runs the remote-facing procedures: discovery, reads, writes, MTU
// exchange and subscriptions. Every procedure is asynchronous; its params
// object identifies it while in flight and may not be reused until the
// procedure completes.
type Client struct {
	conns  *hashmap.Map[string, *clientConn]
	subs   *hashmap.Map[string, *subList]
	logger *logrus.Logger

	mu       sync.Mutex
	monitors []Monitor

	clearCCC bool
}

// clientConn is the per-connection pending-operation set.
type clientConn struct {
	conn Conn

	mu      sync.Mutex
	ops     map[interface{}]func(error)
	mtuDone bool
}

// NewClient creates a client engine.
func NewClient(opts ClientOptions) *Client {
	return &Client{
		conns:    hashmap.New[string, *clientConn](),
		subs:     hashmap.New[string, *subList](),
		logger:   defaultLogger(opts.Logger),
		clearCCC: opts.ClearCCCOnDisconnect,
	}
}

// AddMonitor appends an MTU monitor. Monitors are never removed.
func (c *Client) AddMonitor(m Monitor) {
	c.mu.Lock()
	c.monitors = append(c.monitors, m)
	c.mu.Unlock()
}

func (c *Client) notifyMTU(conn Conn, mtu int) {
	c.mu.Lock()
	ms := make([]Monitor, len(c.monitors))
	copy(ms, c.monitors)
	c.mu.Unlock()
	for _, m := range ms {
		m.MTUUpdated(conn, mtu)
	}
}

// Connected tells the client about a new connection and replays retained
// subscriptions for the peer.
func (c *Client) Connected(conn Conn) {
	cc := &clientConn{conn: conn, ops: make(map[interface{}]func(error))}
	c.conns.Set(keyOf(conn), cc)
	c.resubscribeAll(conn)
}

// Disconnected completes every in-flight operation for the connection with
// ErrDisconnected, exactly once each, and drops all references to their
// params.
func (c *Client) Disconnected(conn Conn) {
	key := keyOf(conn)
	cc, ok := c.conns.Get(key)
	c.conns.Del(key)
	if ok {
		cc.mu.Lock()
		fails := make([]func(error), 0, len(cc.ops))
		for _, fail := range cc.ops {
			fails = append(fails, fail)
		}
		cc.ops = make(map[interface{}]func(error))
		cc.mu.Unlock()
		for _, fail := range fails {
			fail(ErrDisconnected)
		}
	}
	c.dropConnSubs(conn)
}

func (c *Client) state(conn Conn) (*clientConn, bool) {
	return c.conns.Get(keyOf(conn))
}

// begin registers an in-flight operation. fail is its failure completion,
// invoked by Cancel and Disconnected.
func (cc *clientConn) begin(params interface{}, fail func(error)) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if _, ok := cc.ops[params]; ok {
		return ErrInProgress
	}
	cc.ops[params] = fail
	return nil
}

// alive reports whether the operation is still in flight; a late transport
// callback for a completed operation must be dropped.
func (cc *clientConn) alive(params interface{}) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	_, ok := cc.ops[params]
	return ok
}

// finish removes the operation, reporting whether the caller owns its
// completion.
func (cc *clientConn) finish(params interface{}) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if _, ok := cc.ops[params]; !ok {
		return false
	}
	delete(cc.ops, params)
	return true
}

// abort is finish for the synchronous-failure path: the operation is
// removed without any callback.
func (cc *clientConn) abort(params interface{}) {
	cc.mu.Lock()
	delete(cc.ops, params)
	cc.mu.Unlock()
}

// Cancel completes the first in-flight operation matching params with
// att.ErrUnlikely. The params object is not released beyond that; it may be
// resubmitted afterwards.
func (c *Client) Cancel(conn Conn, params interface{}) error {
	cc, ok := c.state(conn)
	if !ok {
		return ErrDisconnected
	}
	cc.mu.Lock()
	fail, ok := cc.ops[params]
	if ok {
		delete(cc.ops, params)
	}
	cc.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	fail(att.ErrUnlikely)
	return nil
}

// ExchangeMTUParams drive the MTU exchange.
type ExchangeMTUParams struct {
	// Func receives the outcome; on success the negotiated MTU is already
	// visible through the transport.
	Func func(conn Conn, err error, p *ExchangeMTUParams)

	// RxMTU is the MTU to offer; zero offers the maximum.
	RxMTU uint16
}

// ExchangeMTU starts the MTU exchange. A connection gets exactly one;
// later calls fail with ErrAlreadyExists.
func (c *Client) ExchangeMTU(conn Conn, p *ExchangeMTUParams) error {
	cc, ok := c.state(conn)
	if !ok {
		return ErrDisconnected
	}
	cc.mu.Lock()
	if cc.mtuDone {
		cc.mu.Unlock()
		return ErrAlreadyExists
	}
	cc.mtuDone = true
	cc.mu.Unlock()

	rx := p.RxMTU
	if rx == 0 {
		rx = att.MaxMTU
	}
	done := func(err error) {
		if p.Func != nil {
			p.Func(conn, err, p)
		}
	}
	if err := cc.begin(p, done); err != nil {
		return err
	}
	req := &att.Req{Kind: att.ExchangeMTU, RxMTU: rx}
	err := conn.Transport().Request(req, func(rsp *att.Rsp) {
		if !cc.finish(p) {
			return
		}
		if rsp.Err != att.ErrSuccess {
			done(rsp.Err)
			return
		}
		mtu := int(rx)
		if int(rsp.RxMTU) < mtu {
			mtu = int(rsp.RxMTU)
		}
		c.notifyMTU(conn, mtu)
		done(nil)
	})
	if err != nil {
		cc.abort(p)
		cc.mu.Lock()
		cc.mtuDone = false
		cc.mu.Unlock()
		return err
	}
	return nil
}
