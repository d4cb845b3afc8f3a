package gatt

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeJob struct {
	req    *att.Req
	rspFn  func(*att.Rsp)
	sendFn func(error)
}

// fakeTransport queues submissions and hands them to a scripted handler
// when the test pumps it, so engine callbacks never run under the
// submitter's stack.
type fakeTransport struct {
	mtu     int
	bearers []int
	depth   int
	jobs    []fakeJob
	sent    []*att.Req
	handler func(*att.Req) *att.Rsp
}

func newFakeTransport(mtu int) *fakeTransport {
	return &fakeTransport{mtu: mtu, depth: 8}
}

func (t *fakeTransport) enqueue(j fakeJob) error {
	if len(t.jobs) >= t.depth {
		return att.ErrQueueFull
	}
	t.jobs = append(t.jobs, j)
	t.sent = append(t.sent, j.req)
	return nil
}

func (t *fakeTransport) Request(req *att.Req, fn func(*att.Rsp)) error {
	return t.enqueue(fakeJob{req: req, rspFn: fn})
}

func (t *fakeTransport) RequestWait(ctx context.Context, req *att.Req, fn func(*att.Rsp)) error {
	t.jobs = append(t.jobs, fakeJob{req: req, rspFn: fn})
	t.sent = append(t.sent, req)
	return nil
}

func (t *fakeTransport) Send(req *att.Req, fn func(error)) error {
	return t.enqueue(fakeJob{req: req, sendFn: fn})
}

func (t *fakeTransport) SendWait(ctx context.Context, req *att.Req, fn func(error)) error {
	t.jobs = append(t.jobs, fakeJob{req: req, sendFn: fn})
	t.sent = append(t.sent, req)
	return nil
}

func (t *fakeTransport) MTU() int { return t.mtu }

func (t *fakeTransport) BearerMTUs() []int {
	if t.bearers != nil {
		return t.bearers
	}
	return []int{t.mtu}
}

// flush drains the queue, running completions with the scripted handler's
// responses. Continuation rounds enqueued by a completion drain too.
func (t *fakeTransport) flush() {
	for len(t.jobs) > 0 {
		t.flushOne()
	}
}

func (t *fakeTransport) flushOne() {
	if len(t.jobs) == 0 {
		return
	}
	j := t.jobs[0]
	t.jobs = t.jobs[1:]
	if j.rspFn != nil {
		var rsp *att.Rsp
		if t.handler != nil {
			rsp = t.handler(j.req)
		}
		if rsp == nil {
			rsp = &att.Rsp{}
		}
		j.rspFn(rsp)
		return
	}
	if t.handler != nil {
		t.handler(j.req)
	}
	if j.sendFn != nil {
		j.sendFn(nil)
	}
}

// drop discards the queue without completing anything.
func (t *fakeTransport) drop() { t.jobs = nil }

type fakeConn struct {
	id   uint8
	addr Addr
	sec  SecurityLevel
	tr   *fakeTransport
}

func newFakeConn(addr string, tr *fakeTransport) *fakeConn {
	return &fakeConn{addr: NewAddr(addr), tr: tr}
}

func (c *fakeConn) ID() uint8 { return c.id }

func (c *fakeConn) RemoteAddr() Addr { return c.addr }

func (c *fakeConn) Transport() att.Transport { return c.tr }

func (c *fakeConn) SecurityLevel() SecurityLevel { return c.sec }

// testServer builds a server whose work context runs inline, so test
// assertions see completions immediately.
func newTestServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	s := NewServer(opts)
	return s
}

// settle waits for the server's work context to drain by round-tripping a
// barrier through it.
func (s *Server) settle() {
	done := make(chan struct{})
	s.submit(func() { close(done) })
	<-done
}
