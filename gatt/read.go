package gatt

import (
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"
)

// ReadFunc receives read data. A nil data callback terminates the
// procedure; returning IterStop after a full-sized payload ends a long read
// early, returning IterContinue asks for the next blob.
type ReadFunc func(conn Conn, err error, p *ReadParams, data []byte) Iter

// ReadByUUID scopes a read to the first attributes of a type within a
// handle range. Start is advanced to each delivered handle, then past it
// for the next exchange.
type ReadByUUID struct {
	Start uint16
	End   uint16
	Type  uuid.UUID
}

// ReadParams drive one read procedure: single (long reads continue
// automatically while the callback keeps returning IterContinue), multiple
// fixed or variable length, or by UUID. Exactly one mode applies: ByUUID,
// then Handles, then Handle.
type ReadParams struct {
	Func     ReadFunc
	Handle   uint16
	Offset   uint16
	Handles  []uint16
	Variable bool
	ByUUID   *ReadByUUID
}

// Read starts a read procedure. The params object identifies the procedure
// while in flight; resubmitting it fails with ErrInProgress.
func (c *Client) Read(conn Conn, p *ReadParams) error {
	if p.Func == nil {
		return ErrInvalidArgument
	}
	cc, ok := c.state(conn)
	if !ok {
		return ErrDisconnected
	}
	switch {
	case p.ByUUID != nil:
		if p.ByUUID.Start == 0 || p.ByUUID.Start > p.ByUUID.End || p.ByUUID.Type == nil {
			return ErrInvalidArgument
		}
	case len(p.Handles) > 0:
		if len(p.Handles) < 2 {
			return ErrInvalidArgument
		}
	default:
		if p.Handle == 0 {
			return ErrInvalidArgument
		}
	}
	if err := cc.begin(p, func(err error) {
		p.Func(conn, err, p, nil)
	}); err != nil {
		return err
	}
	if err := c.readRound(cc, p); err != nil {
		cc.abort(p)
		return err
	}
	return nil
}

func (c *Client) readRound(cc *clientConn, p *ReadParams) error {
	req := &att.Req{}
	switch {
	case p.ByUUID != nil:
		req.Kind = att.ReadByType
		req.Start = p.ByUUID.Start
		req.End = p.ByUUID.End
		req.Type = p.ByUUID.Type
	case len(p.Handles) > 0:
		req.Kind = att.ReadMultiple
		if p.Variable {
			req.Kind = att.ReadMultipleVariable
		}
		req.Handles = p.Handles
	case p.Offset > 0:
		req.Kind = att.ReadBlob
		req.Handle = p.Handle
		req.Offset = p.Offset
	default:
		req.Kind = att.Read
		req.Handle = p.Handle
	}
	return cc.conn.Transport().Request(req, func(rsp *att.Rsp) {
		c.onReadRsp(cc, p, rsp)
	})
}

func (c *Client) readDone(cc *clientConn, p *ReadParams, err error) {
	if !cc.finish(p) {
		return
	}
	p.Func(cc.conn, err, p, nil)
}

func (c *Client) onReadRsp(cc *clientConn, p *ReadParams, rsp *att.Rsp) {
	if !cc.alive(p) {
		return
	}
	switch {
	case p.ByUUID != nil:
		c.onReadByUUIDRsp(cc, p, rsp)
	case len(p.Handles) > 0:
		c.onReadMultipleRsp(cc, p, rsp)
	default:
		c.onReadSingleRsp(cc, p, rsp)
	}
}

func (c *Client) onReadSingleRsp(cc *clientConn, p *ReadParams, rsp *att.Rsp) {
	if rsp.Err != att.ErrSuccess {
		c.readDone(cc, p, rsp.Err)
		return
	}
	verdict := p.Func(cc.conn, nil, p, rsp.Value)
	if verdict == IterStop {
		cc.finish(p)
		return
	}
	// A full payload may mean there is more; continue with a blob read at
	// the advanced offset. Anything shorter is the end of the value.
	if len(rsp.Value) == cc.conn.Transport().MTU()-1 {
		p.Offset += uint16(len(rsp.Value))
		if err := c.readRound(cc, p); err != nil {
			c.readDone(cc, p, err)
		}
		return
	}
	c.readDone(cc, p, nil)
}

func (c *Client) onReadMultipleRsp(cc *clientConn, p *ReadParams, rsp *att.Rsp) {
	if rsp.Err != att.ErrSuccess {
		c.readDone(cc, p, rsp.Err)
		return
	}
	if !p.Variable {
		if p.Func(cc.conn, nil, p, rsp.Value) == IterStop {
			cc.finish(p)
			return
		}
		c.readDone(cc, p, nil)
		return
	}
	for _, item := range rsp.Items {
		p.Handle = item.Handle
		if p.Func(cc.conn, nil, p, item.Value) == IterStop {
			cc.finish(p)
			return
		}
	}
	c.readDone(cc, p, nil)
}

func (c *Client) onReadByUUIDRsp(cc *clientConn, p *ReadParams, rsp *att.Rsp) {
	if rsp.Err != att.ErrSuccess {
		if rsp.Err == att.ErrAttrNotFound {
			c.readDone(cc, p, nil)
		} else {
			c.readDone(cc, p, rsp.Err)
		}
		return
	}
	last := uint16(0)
	for _, item := range rsp.Items {
		p.ByUUID.Start = item.Handle
		last = item.Handle
		if p.Func(cc.conn, nil, p, item.Value) == IterStop {
			cc.finish(p)
			return
		}
	}
	if last == 0 || last >= p.ByUUID.End || last == att.LastHandle {
		c.readDone(cc, p, nil)
		return
	}
	p.ByUUID.Start = last + 1
	if err := c.readRound(cc, p); err != nil {
		c.readDone(cc, p, err)
	}
}
