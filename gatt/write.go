package gatt

import (
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
)

// WriteFunc receives the outcome of a write procedure.
type WriteFunc func(conn Conn, err error, p *WriteParams)

// WriteParams drive one write procedure.
type WriteParams struct {
	Func   WriteFunc
	Handle uint16
	Offset uint16 // prepare writes only
	Data   []byte
}

// Write starts a write request. A payload that does not fit one bearer
// payload fails with ErrTooLarge; the engine never fragments a write on its
// own — use PrepareWrite and ExecuteWrite for long values.
func (c *Client) Write(conn Conn, p *WriteParams) error {
	if p.Func == nil || p.Handle == 0 {
		return ErrInvalidArgument
	}
	cc, ok := c.state(conn)
	if !ok {
		return ErrDisconnected
	}
	if len(p.Data) > conn.Transport().MTU()-3 {
		return ErrTooLarge
	}
	req := &att.Req{Kind: att.Write, Handle: p.Handle, Value: p.Data}
	return c.writeRequest(cc, p, req)
}

// PrepareWrite queues one part of a long write on the server at
// p.Offset.
func (c *Client) PrepareWrite(conn Conn, p *WriteParams) error {
	if p.Func == nil || p.Handle == 0 {
		return ErrInvalidArgument
	}
	cc, ok := c.state(conn)
	if !ok {
		return ErrDisconnected
	}
	if len(p.Data) > conn.Transport().MTU()-5 {
		return ErrTooLarge
	}
	req := &att.Req{Kind: att.PrepareWrite, Handle: p.Handle, Offset: p.Offset, Value: p.Data}
	return c.writeRequest(cc, p, req)
}

// ExecuteWrite commits or cancels the server's prepare-write queue.
func (c *Client) ExecuteWrite(conn Conn, p *WriteParams, commit bool) error {
	if p.Func == nil {
		return ErrInvalidArgument
	}
	cc, ok := c.state(conn)
	if !ok {
		return ErrDisconnected
	}
	flags := att.ExecWriteCancel
	if commit {
		flags = att.ExecWriteAll
	}
	req := &att.Req{Kind: att.ExecuteWrite, Flags: flags}
	return c.writeRequest(cc, p, req)
}

func (c *Client) writeRequest(cc *clientConn, p *WriteParams, req *att.Req) error {
	conn := cc.conn
	if err := cc.begin(p, func(err error) {
		p.Func(conn, err, p)
	}); err != nil {
		return err
	}
	err := conn.Transport().Request(req, func(rsp *att.Rsp) {
		if !cc.finish(p) {
			return
		}
		var err error
		if rsp.Err != att.ErrSuccess {
			err = rsp.Err
		}
		p.Func(conn, err, p)
	})
	if err != nil {
		cc.abort(p)
		return err
	}
	return nil
}

// WriteWithoutResponse sends a write command. f, if non-nil, fires once the
// PDU has been handed to the transport. sign requests a signed command; the
// signature itself is the transport's concern, and a server may still treat
// it as a plain command.
func (c *Client) WriteWithoutResponse(conn Conn, handle uint16, data []byte, sign bool, f func(conn Conn, err error)) error {
	if handle == 0 {
		return ErrInvalidArgument
	}
	if _, ok := c.state(conn); !ok {
		return ErrDisconnected
	}
	if len(data) > conn.Transport().MTU()-3 {
		return ErrTooLarge
	}
	kind := att.WriteCommand
	if sign {
		kind = att.SignedWriteCommand
	}
	req := &att.Req{Kind: kind, Handle: handle, Value: data}
	var fn func(error)
	if f != nil {
		fn = func(err error) { f(conn, err) }
	}
	return conn.Transport().Send(req, fn)
}
