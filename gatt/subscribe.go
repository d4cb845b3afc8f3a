package gatt

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
)

// NotifyCallback receives notification and indication payloads for a
// subscription. A nil data call means the subscription has ended; returning
// IterStop asks the engine to unsubscribe.
type NotifyCallback func(conn Conn, p *SubscribeParams, data []byte) Iter

// SubscribeCallback receives the outcome of the subscription attempt.
type SubscribeCallback func(conn Conn, err error, p *SubscribeParams)

// SubscribeFlags qualify a subscription's lifetime.
type SubscribeFlags uint8

// Subscription flags.
const (
	// SubVolatile drops the subscription when the peer disconnects.
	SubVolatile SubscribeFlags = 1 << iota

	// SubNoResubscribe keeps the subscription across a disconnect without
	// rewriting the CCC on reconnect; the peer is trusted to retain it.
	SubNoResubscribe
)

// Volatile reports whether the subscription dies with the connection.
func (f SubscribeFlags) Volatile() bool { return f&SubVolatile != 0 }

// NoResubscribe reports whether reconnection skips the CCC rewrite.
func (f SubscribeFlags) NoResubscribe() bool { return f&SubNoResubscribe != 0 }

type subState int

const (
	subIdle subState = iota
	subDiscovering
	subWritePending
	subSubscribed
	subUnsubscribing
)

// SubscribeParams drive one subscription. CCCHandle zero asks the engine to
// discover the descriptor first, scanning (ValueHandle, EndHandle]; a
// discovery failure aborts the subscription with the discovery error and no
// write is issued.
type SubscribeParams struct {
	Notify    NotifyCallback
	Subscribe SubscribeCallback

	ValueHandle uint16
	CCCHandle   uint16
	EndHandle   uint16
	Value       uint16 // CCCNotify, CCCIndicate or both

	// MinSecurity drops incoming payloads silently while the link is below
	// it.
	MinSecurity SecurityLevel

	Flags SubscribeFlags

	state subState
	disc  DiscoverParams
}

// subList holds the subscriptions of one (identity, peer) pair. It outlives
// connections; retained subscriptions replay from it.
type subList struct {
	params []*SubscribeParams
}

func (c *Client) listFor(key string, create bool) (*subList, bool) {
	if l, ok := c.subs.Get(key); ok {
		return l, true
	}
	if !create {
		return nil, false
	}
	l := &subList{}
	c.subs.Set(key, l)
	return l, true
}

func (c *Client) removeSub(key string, p *SubscribeParams) {
	l, ok := c.subs.Get(key)
	if !ok {
		return
	}
	for i, q := range l.params {
		if q == p {
			l.params = append(l.params[:i], l.params[i+1:]...)
			return
		}
	}
}

// Subscribe writes the peer's CCC descriptor and tracks the subscription.
// A params object already covering (ValueHandle, CCCHandle) for the peer is
// a duplicate.
func (c *Client) Subscribe(conn Conn, p *SubscribeParams) error {
	if p.Notify == nil || p.ValueHandle == 0 || p.Value == 0 {
		return ErrInvalidArgument
	}
	cc, ok := c.state(conn)
	if !ok {
		return ErrDisconnected
	}
	key := keyOf(conn)
	l, _ := c.listFor(key, true)
	for _, q := range l.params {
		if q == p {
			return ErrInProgress
		}
		if q.ValueHandle == p.ValueHandle && q.CCCHandle == p.CCCHandle {
			return ErrAlreadyExists
		}
	}
	l.params = append(l.params, p)
	if err := c.startSubscribe(cc, p); err != nil {
		c.removeSub(key, p)
		p.state = subIdle
		return err
	}
	return nil
}

func (c *Client) startSubscribe(cc *clientConn, p *SubscribeParams) error {
	if p.CCCHandle == 0 {
		return c.discoverCCC(cc, p)
	}
	p.state = subWritePending
	return c.subWrite(cc, p, p.Value, func(err error) {
		c.subscribeDone(cc.conn, p, err)
	})
}

func (c *Client) subscribeDone(conn Conn, p *SubscribeParams, err error) {
	if err != nil {
		if err == ErrDisconnected {
			// Retained; the disconnect sweep decides its fate.
			p.state = subIdle
		} else {
			c.removeSub(keyOf(conn), p)
			p.state = subIdle
		}
		if p.Subscribe != nil {
			p.Subscribe(conn, err, p)
		}
		return
	}
	p.state = subSubscribed
	if p.Subscribe != nil {
		p.Subscribe(conn, nil, p)
	}
}

// discoverCCC locates the CCC descriptor before the first write.
func (c *Client) discoverCCC(cc *clientConn, p *SubscribeParams) error {
	p.state = subDiscovering
	end := p.EndHandle
	if end == 0 {
		end = att.LastHandle
	}
	conn := cc.conn
	p.disc = DiscoverParams{
		Type:  DiscoverStdCharDesc,
		UUID:  CCCUUID,
		Start: p.ValueHandle + 1,
		End:   end,
		Func: func(_ Conn, attr *Attribute, d *DiscoverParams) Iter {
			if attr == nil {
				err := d.termErr
				if err == nil {
					err = ErrNotFound
				}
				c.subscribeDone(conn, p, err)
				return IterStop
			}
			p.CCCHandle = attr.Handle
			p.state = subWritePending
			if err := c.subWrite(cc, p, p.Value, func(err error) {
				c.subscribeDone(conn, p, err)
			}); err != nil {
				c.subscribeDone(conn, p, err)
			}
			return IterStop
		},
	}
	return c.Discover(conn, &p.disc)
}

// subWrite issues the CCC write backing a subscribe or unsubscribe. done
// fires exactly once, from the response, a cancel or a disconnect.
func (c *Client) subWrite(cc *clientConn, p *SubscribeParams, value uint16, done func(error)) error {
	if err := cc.begin(p, done); err != nil {
		return err
	}
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, value)
	req := &att.Req{Kind: att.Write, Handle: p.CCCHandle, Value: data}
	err := cc.conn.Transport().Request(req, func(rsp *att.Rsp) {
		if !cc.finish(p) {
			return
		}
		var e error
		if rsp.Err != att.ErrSuccess {
			e = rsp.Err
		}
		done(e)
	})
	if err != nil {
		cc.abort(p)
		return err
	}
	return nil
}

// Unsubscribe writes zero to the CCC and drops the subscription once the
// attempt completes, successfully or not, delivering the nil-data notify
// call exactly once. When another subscription still needs the descriptor
// the write is skipped. A synchronous enqueue failure leaves the
// subscription untouched.
func (c *Client) Unsubscribe(conn Conn, p *SubscribeParams) error {
	cc, ok := c.state(conn)
	if !ok {
		return ErrDisconnected
	}
	key := keyOf(conn)
	l, ok := c.listFor(key, false)
	if !ok {
		return ErrNotFound
	}
	found := false
	shared := false
	for _, q := range l.params {
		if q == p {
			found = true
			continue
		}
		if q.CCCHandle == p.CCCHandle && q.state == subSubscribed {
			shared = true
		}
	}
	if !found {
		return ErrNotFound
	}
	if p.state != subSubscribed {
		return ErrInProgress
	}
	if shared {
		c.removeSub(key, p)
		p.state = subIdle
		p.Notify(conn, p, nil)
		return nil
	}
	p.state = subUnsubscribing
	err := c.subWrite(cc, p, 0, func(error) {
		c.removeSub(key, p)
		p.state = subIdle
		p.Notify(conn, p, nil)
	})
	if err != nil {
		p.state = subSubscribed
		return err
	}
	return nil
}

// Resubscribe pre-registers a subscription for a bonded peer with no wire
// traffic; it is replayed when the peer next connects.
func (c *Client) Resubscribe(id uint8, peer string, p *SubscribeParams) error {
	if p.Notify == nil || p.ValueHandle == 0 || p.Value == 0 {
		return ErrInvalidArgument
	}
	key := connKey(id, NewAddr(peer))
	l, _ := c.listFor(key, true)
	for _, q := range l.params {
		if q == p {
			return ErrInProgress
		}
		if q.ValueHandle == p.ValueHandle && q.CCCHandle == p.CCCHandle {
			return ErrAlreadyExists
		}
	}
	p.state = subIdle
	l.params = append(l.params, p)
	return nil
}

// HandleNotify routes an inbound notification, indication or multi-handle
// notification to the matching subscriptions. Payloads arriving below a
// subscription's minimum security are dropped silently.
func (c *Client) HandleNotify(conn Conn, req *att.Req) {
	switch req.Kind {
	case att.Notify, att.Indicate:
		c.routeValue(conn, req.Handle, req.Value)
	case att.NotifyMultiple:
		for _, item := range req.Items {
			c.routeValue(conn, item.Handle, item.Value)
		}
	}
}

func (c *Client) routeValue(conn Conn, handle uint16, data []byte) {
	l, ok := c.listFor(keyOf(conn), false)
	if !ok {
		return
	}
	var stops []*SubscribeParams
	for _, p := range l.params {
		if p.state != subSubscribed || p.ValueHandle != handle {
			continue
		}
		if conn.SecurityLevel() < p.MinSecurity {
			continue
		}
		if p.Notify(conn, p, data) == IterStop {
			stops = append(stops, p)
		}
	}
	for _, p := range stops {
		if err := c.Unsubscribe(conn, p); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"peer":   conn.RemoteAddr().String(),
				"handle": p.ValueHandle,
			}).Warn("unsubscribe after stop failed")
		}
	}
}

// dropConnSubs applies the disconnect policy to the peer's subscriptions.
func (c *Client) dropConnSubs(conn Conn) {
	key := keyOf(conn)
	l, ok := c.listFor(key, false)
	if !ok {
		return
	}
	kept := l.params[:0]
	var dropped []*SubscribeParams
	for _, p := range l.params {
		if p.Flags.Volatile() {
			dropped = append(dropped, p)
			continue
		}
		if !p.Flags.NoResubscribe() {
			p.state = subIdle
			if c.clearCCC {
				p.CCCHandle = 0
			}
		}
		kept = append(kept, p)
	}
	l.params = kept
	for _, p := range dropped {
		p.state = subIdle
		p.Notify(conn, p, nil)
	}
}

// resubscribeAll replays the peer's retained subscriptions on a new
// connection.
func (c *Client) resubscribeAll(conn Conn) {
	cc, ok := c.state(conn)
	if !ok {
		return
	}
	l, ok := c.listFor(keyOf(conn), false)
	if !ok {
		return
	}
	pending := make([]*SubscribeParams, 0, len(l.params))
	for _, p := range l.params {
		if p.state == subIdle && !p.Flags.Volatile() {
			pending = append(pending, p)
		}
	}
	for _, p := range pending {
		if err := c.startSubscribe(cc, p); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"peer":   conn.RemoteAddr().String(),
				"handle": p.ValueHandle,
			}).Warn("resubscribe failed")
		}
	}
}
