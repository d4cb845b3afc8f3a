package gatt

import (
	"context"
	"encoding/binary"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"
)

// NotifyParams describe one notification. Either Attr names the target
// directly, or UUID starts a forward search from Attr (from the first handle
// when Attr is nil) and the first matching attribute is the target.
type NotifyParams struct {
	UUID uuid.UUID
	Attr *Attribute
	Data []byte

	// Func, if non-nil, is invoked on the work context once the PDU has been
	// handed to the transport for conn.
	Func     func(conn Conn)
	UserData interface{}

	// Blocking opts into waiting for queue space instead of failing with
	// att.ErrQueueFull.
	Blocking bool
}

// resolveTarget turns (UUID, Attr) into the value handle to send on and its
// CCC descriptor.
func (s *Server) resolveTarget(u uuid.UUID, a *Attribute) (uint16, *Attribute, error) {
	if u != nil {
		start := uint16(att.FirstHandle)
		if a != nil {
			start = a.Handle
		}
		found, ok := s.db.FindByUUID(start, u)
		if !ok {
			return 0, nil, ErrNotFound
		}
		a = found
	}
	if a == nil {
		return 0, nil, ErrInvalidArgument
	}
	vh := ValueHandle(a)
	cccAttr, ok := s.db.FindCCC(vh)
	if !ok {
		return 0, nil, ErrNotFound
	}
	return vh, cccAttr, nil
}

// sendable reports whether the peer should receive a send on the
// characteristic: subscription bits, the per-descriptor match hook, and the
// attribute's read security against the link.
func (s *Server) sendable(conn Conn, vh, cccHandle uint16, bit uint16) bool {
	if s.ccc.Value(conn, cccHandle)&bit == 0 {
		return false
	}
	if !s.ccc.match(conn, cccHandle) {
		return false
	}
	if a, ok := s.db.At(vh); ok {
		if secGate(a.Perm.ReadSecurity(), conn.SecurityLevel()) != att.ErrSuccess {
			return false
		}
	}
	return true
}

// Notify sends a notification to conn, or to every subscribed connection
// when conn is nil. The payload is clipped to the bearer MTU.
func (s *Server) Notify(conn Conn, p *NotifyParams) error {
	vh, cccAttr, err := s.resolveTarget(p.UUID, p.Attr)
	if err != nil {
		return err
	}
	if conn != nil {
		if !s.sendable(conn, vh, cccAttr.Handle, CCCNotify) {
			return ErrNotFound
		}
		return s.notifyOne(conn, vh, p)
	}
	if s.ccc.Aggregate(cccAttr.Handle)&CCCNotify == 0 {
		return ErrNotFound
	}
	s.conns.Range(func(key string, st *connState) bool {
		c := st.conn
		if !s.sendable(c, vh, cccAttr.Handle, CCCNotify) {
			return true
		}
		if err := s.notifyOne(c, vh, p); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"peer":   c.RemoteAddr().String(),
				"handle": vh,
			}).Debug("notify dropped")
		}
		return true
	})
	return nil
}

func (s *Server) notifyOne(conn Conn, vh uint16, p *NotifyParams) error {
	tr := conn.Transport()
	data := p.Data
	if max := tr.MTU() - 3; len(data) > max {
		data = data[:max]
	}
	req := &att.Req{Kind: att.Notify, Handle: vh, Value: data}
	fn := func(error) {
		if p.Func != nil {
			s.submit(func() { p.Func(conn) })
		}
	}
	if p.Blocking {
		return tr.SendWait(context.Background(), req, fn)
	}
	return tr.Send(req, fn)
}

// NotifyMultiple packs several values into one multi-handle notification.
// All params must name concrete attributes and share the same completion
// callback and user data; the combined PDU must fit the MTU of every open
// bearer, and the peer must have advertised support for multi-value
// notifications. The batch is enqueued whole or not at all.
func (s *Server) NotifyMultiple(conn Conn, params []*NotifyParams) error {
	if conn == nil || len(params) < 2 {
		return ErrInvalidArgument
	}
	first := params[0]
	for _, p := range params[1:] {
		if !sameFunc(first.Func, p.Func) || !sameData(first.UserData, p.UserData) {
			return ErrInvalidArgument
		}
	}
	items := make([]att.Item, 0, len(params))
	lens := make([]int, 0, len(params))
	for _, p := range params {
		if p.UUID != nil || p.Attr == nil {
			return ErrInvalidArgument
		}
		vh, cccAttr, err := s.resolveTarget(nil, p.Attr)
		if err != nil {
			return err
		}
		if !s.sendable(conn, vh, cccAttr.Handle, CCCNotify) {
			return ErrNotFound
		}
		items = append(items, att.Item{Handle: vh, Value: p.Data})
		lens = append(lens, len(p.Data))
	}
	if !s.supportsMultiNotify(conn) {
		return ErrNotSupported
	}
	size := att.MultiNotifySize(lens...)
	for _, mtu := range conn.Transport().BearerMTUs() {
		if size > mtu {
			return ErrTooLarge
		}
	}
	req := &att.Req{Kind: att.NotifyMultiple, Items: items}
	fn := func(error) {
		if first.Func != nil {
			s.submit(func() { first.Func(conn) })
		}
	}
	if first.Blocking {
		return conn.Transport().SendWait(context.Background(), req, fn)
	}
	return conn.Transport().Send(req, fn)
}

// sameData compares user data without tripping over uncomparable types.
func sameData(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func sameFunc(a, b func(Conn)) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// IndicateParams describe one indication. The params object is reference
// counted: Func fires once per connection with the confirmation status, and
// Destroy fires exactly once when the last outstanding send completes. The
// object may not be re-submitted while outstanding.
type IndicateParams struct {
	UUID uuid.UUID
	Attr *Attribute
	Data []byte

	// Func receives the per-connection confirmation, on the work context.
	Func func(conn Conn, p *IndicateParams, err error)

	// Destroy fires at reference count zero, on the work context.
	Destroy func(p *IndicateParams)

	// Blocking opts into waiting for queue space.
	Blocking bool

	ref int32
}

type indFlight struct {
	p      *IndicateParams
	conn   Conn
	st     *connState
	handle uint16
	once   sync.Once
}

// complete settles the flight exactly once: per-connection callback, then
// the reference-count release.
func (f *indFlight) complete(s *Server, err error) {
	f.once.Do(func() {
		f.st.mu.Lock()
		delete(f.st.inds, f)
		f.st.mu.Unlock()
		s.submit(func() {
			if f.p.Func != nil {
				f.p.Func(f.conn, f.p, err)
			}
			if atomic.AddInt32(&f.p.ref, -1) == 0 && f.p.Destroy != nil {
				f.p.Destroy(f.p)
			}
		})
	})
}

// Indicate sends an indication to conn, or to every subscribed connection
// when conn is nil. ErrInProgress if p is still outstanding from an earlier
// call.
func (s *Server) Indicate(conn Conn, p *IndicateParams) error {
	if !atomic.CompareAndSwapInt32(&p.ref, 0, 1) {
		return ErrInProgress
	}
	vh, cccAttr, err := s.resolveTarget(p.UUID, p.Attr)
	if err != nil {
		atomic.StoreInt32(&p.ref, 0)
		return err
	}
	if conn != nil {
		if !s.sendable(conn, vh, cccAttr.Handle, CCCIndicate) {
			atomic.StoreInt32(&p.ref, 0)
			return ErrNotFound
		}
		if err := s.indicateOne(conn, vh, p); err != nil {
			atomic.StoreInt32(&p.ref, 0)
			return err
		}
		return nil
	}
	if s.ccc.Aggregate(cccAttr.Handle)&CCCIndicate == 0 {
		atomic.StoreInt32(&p.ref, 0)
		return ErrNotFound
	}
	sent := 0
	s.conns.Range(func(key string, st *connState) bool {
		c := st.conn
		if !s.sendable(c, vh, cccAttr.Handle, CCCIndicate) {
			return true
		}
		atomic.AddInt32(&p.ref, 1)
		if err := s.indicateOne(c, vh, p); err != nil {
			atomic.AddInt32(&p.ref, -1)
			s.logger.WithError(err).WithFields(logrus.Fields{
				"peer":   c.RemoteAddr().String(),
				"handle": vh,
			}).Debug("indicate dropped")
			return true
		}
		sent++
		return true
	})
	// Release the submission's own reference. Destroy fires only if at
	// least one send is in flight or has completed.
	if atomic.AddInt32(&p.ref, -1) == 0 {
		if sent == 0 {
			return ErrNotFound
		}
		if p.Destroy != nil {
			s.submit(func() { p.Destroy(p) })
		}
	}
	return nil
}

func (s *Server) indicateOne(conn Conn, vh uint16, p *IndicateParams) error {
	st, ok := s.state(conn)
	if !ok {
		return ErrDisconnected
	}
	f := &indFlight{p: p, conn: conn, st: st, handle: vh}
	st.mu.Lock()
	st.inds[f] = struct{}{}
	st.mu.Unlock()
	req := &att.Req{Kind: att.Indicate, Handle: vh, Value: p.Data}
	fn := func(rsp *att.Rsp) {
		var err error
		if rsp.Err != att.ErrSuccess {
			err = rsp.Err
		}
		f.complete(s, err)
	}
	var err error
	if p.Blocking {
		err = conn.Transport().RequestWait(context.Background(), req, fn)
	} else {
		err = conn.Transport().Request(req, fn)
	}
	if err != nil {
		st.mu.Lock()
		delete(st.inds, f)
		st.mu.Unlock()
		return err
	}
	return nil
}

// sweepIndications completes in-flight indications whose handle falls in the
// removed range [start, end].
func (s *Server) sweepIndications(start, end uint16) {
	var victims []*indFlight
	s.conns.Range(func(key string, st *connState) bool {
		st.mu.Lock()
		for f := range st.inds {
			if f.handle >= start && f.handle <= end {
				victims = append(victims, f)
			}
		}
		st.mu.Unlock()
		return true
	})
	for _, f := range victims {
		f.complete(s, att.ErrInvalidHandle)
	}
}

// ServiceChanged indicates the affected handle range to every peer
// subscribed to the Service Changed characteristic. The server must have
// registered its GATT service.
func (s *Server) ServiceChanged(start, end uint16) error {
	if s.svcChanged == nil {
		return ErrNotFound
	}
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:2], start)
	binary.LittleEndian.PutUint16(data[2:4], end)
	err := s.Indicate(nil, &IndicateParams{Attr: s.svcChanged, Data: data})
	if err == ErrNotFound {
		// Nobody subscribed; nothing to tell.
		return nil
	}
	return err
}
