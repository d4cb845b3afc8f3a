package att

import "context"

// A Transport exchanges decoded ATT records for a single connection. It owns
// framing, encoding, retransmission and the bounded outbound request queue;
// the engine above it owns everything else.
//
// Submission is synchronous up to enqueue time. When the queue is full the
// non-blocking variants fail immediately with ErrQueueFull and the PDU was
// not enqueued; the blocking variants wait for room and must never be called
// from the context that drains the queue.
type Transport interface {
	// Request enqueues a transaction. fn is invoked exactly once with the
	// decoded response, on the transport's receive context.
	Request(req *Req, fn func(*Rsp)) error

	// RequestWait is Request, blocking for queue space.
	RequestWait(ctx context.Context, req *Req, fn func(*Rsp)) error

	// Send enqueues an unacknowledged PDU. fn, if non-nil, is invoked once
	// after transmission, on the deferred work context.
	Send(req *Req, fn func(error)) error

	// SendWait is Send, blocking for queue space.
	SendWait(ctx context.Context, req *Req, fn func(error)) error

	// MTU returns the negotiated ATT MTU of the main bearer.
	MTU() int

	// BearerMTUs returns the negotiated MTU of every currently open bearer.
	BearerMTUs() []int
}
