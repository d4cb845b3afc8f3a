package main

import (
	"context"
	"sync/atomic"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/gatt"
)

// pipeTransport is one direction of an in-process connection: submissions
// go through a bounded queue and a pump goroutine hands them to the other
// side's handler, so callbacks never run under the submitter's stack.
type pipeTransport struct {
	mtu    *int32 // shared between both directions
	jobs   chan func()
	quit   chan struct{}
	handle func(req *att.Req) *att.Rsp
}

func newPipeTransport(depth int, mtu *int32, handle func(*att.Req) *att.Rsp) *pipeTransport {
	t := &pipeTransport{
		mtu:    mtu,
		jobs:   make(chan func(), depth),
		quit:   make(chan struct{}),
		handle: handle,
	}
	go t.pump()
	return t
}

func (t *pipeTransport) pump() {
	for {
		select {
		case job := <-t.jobs:
			job()
		case <-t.quit:
			return
		}
	}
}

func (t *pipeTransport) close() { close(t.quit) }

func (t *pipeTransport) Request(req *att.Req, fn func(*att.Rsp)) error {
	job := func() { fn(t.handle(req)) }
	select {
	case t.jobs <- job:
		return nil
	default:
		return att.ErrQueueFull
	}
}

func (t *pipeTransport) RequestWait(ctx context.Context, req *att.Req, fn func(*att.Rsp)) error {
	job := func() { fn(t.handle(req)) }
	select {
	case t.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pipeTransport) Send(req *att.Req, fn func(error)) error {
	job := func() {
		t.handle(req)
		if fn != nil {
			fn(nil)
		}
	}
	select {
	case t.jobs <- job:
		return nil
	default:
		return att.ErrQueueFull
	}
}

func (t *pipeTransport) SendWait(ctx context.Context, req *att.Req, fn func(error)) error {
	job := func() {
		t.handle(req)
		if fn != nil {
			fn(nil)
		}
	}
	select {
	case t.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pipeTransport) MTU() int { return int(atomic.LoadInt32(t.mtu)) }

func (t *pipeTransport) BearerMTUs() []int { return []int{t.MTU()} }

type conn struct {
	id   uint8
	addr gatt.Addr
	tr   att.Transport
	sec  gatt.SecurityLevel
}

func (c *conn) ID() uint8 { return c.id }

func (c *conn) RemoteAddr() gatt.Addr { return c.addr }

func (c *conn) Transport() att.Transport { return c.tr }

func (c *conn) SecurityLevel() gatt.SecurityLevel { return c.sec }

// loopback wires a client engine and a server together as one connection.
type loopback struct {
	mtu     int32
	cliTr   *pipeTransport
	srvTr   *pipeTransport
	cliConn *conn
	srvConn *conn
}

func newLoopback(srv *gatt.Server, cli *gatt.Client, depth int, addr string) *loopback {
	lb := &loopback{mtu: att.DefaultMTU}
	lb.cliTr = newPipeTransport(depth, &lb.mtu, func(req *att.Req) *att.Rsp {
		rsp := srv.HandleRequest(lb.srvConn, req)
		if req.Kind == att.ExchangeMTU && rsp != nil && rsp.Err == att.ErrSuccess {
			mtu := req.RxMTU
			if rsp.RxMTU < mtu {
				mtu = rsp.RxMTU
			}
			atomic.StoreInt32(&lb.mtu, int32(mtu))
		}
		return rsp
	})
	lb.srvTr = newPipeTransport(depth, &lb.mtu, func(req *att.Req) *att.Rsp {
		cli.HandleNotify(lb.cliConn, req)
		return &att.Rsp{}
	})
	a := gatt.NewAddr(addr)
	lb.cliConn = &conn{addr: a, tr: lb.cliTr}
	lb.srvConn = &conn{addr: a, tr: lb.srvTr}
	return lb
}

func (lb *loopback) close() {
	lb.cliTr.close()
	lb.srvTr.close()
}
