package gatt

import "errors"

// Engine errors. Asynchronous failures are delivered exactly once through
// the operation's own completion callback; these sentinels are returned
// synchronously, in which case the submission had no effect and the
// callback is never invoked for it.
var (
	// ErrInvalidArgument means one or more of the arguments are invalid:
	// a malformed handle range, an undersized batch, or batch entries with
	// mismatched callbacks.
	ErrInvalidArgument = errors.New("gatt: invalid argument")

	// ErrInProgress means the parameter object is already driving an
	// in-flight operation and cannot be re-submitted until it completes.
	ErrInProgress = errors.New("gatt: operation already in progress")

	// ErrAlreadyExists means an identical operation or subscription is
	// already tracked.
	ErrAlreadyExists = errors.New("gatt: already exists")

	// ErrNotSupported means the peer has not advertised the capability the
	// operation requires.
	ErrNotSupported = errors.New("gatt: not supported by peer")

	// ErrTooLarge means the payload exceeds the MTU for an operation that
	// refuses to fragment.
	ErrTooLarge = errors.New("gatt: payload exceeds MTU")

	// ErrDisconnected means the connection was torn down mid-operation.
	ErrDisconnected = errors.New("gatt: disconnected")

	// ErrTryAgain means the engine is replaying persisted settings and
	// cannot accept the call yet. Retry once replay completes.
	ErrTryAgain = errors.New("gatt: busy replaying settings, try again")

	// ErrNotFound means no matching attribute, service or subscription.
	ErrNotFound = errors.New("gatt: not found")

	// ErrNoMem means a fixed-capacity resource ran out: the handle space,
	// the prepare queue or a subscription table with eviction disabled.
	ErrNoMem = errors.New("gatt: out of resources")
)
