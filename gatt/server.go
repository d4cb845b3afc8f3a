package gatt

import (
	"bytes"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"
)

// An Authorization collaborator approves or denies attribute access beyond
// the static permission bits. At most one is installed; a denial is relayed
// to the peer as att.ErrAuthorization.
type Authorization interface {
	AuthorizeRead(conn Conn, attr *Attribute) bool
	AuthorizeWrite(conn Conn, attr *Attribute) bool
}

// A Monitor observes connection-level events the engine learns about.
type Monitor interface {
	MTUUpdated(conn Conn, mtu int)
}

// ServerOptions configure a Server. The zero value is usable.
type ServerOptions struct {
	Logger *logrus.Logger

	// Store persists per-peer CCC values. Nil disables persistence.
	Store Store

	// CCCCapacity is the peer-entry capacity of each CCC descriptor.
	CCCCapacity int

	// CCCEvict lets a full descriptor reclaim its least recently connected
	// disconnected entry instead of refusing the write.
	CCCEvict bool

	// RxMTU is the MTU the server offers in an MTU exchange.
	RxMTU uint16

	// PrepareQueueDepth bounds the per-connection prepare-write queue.
	PrepareQueueDepth int
}

// A Server owns the local attribute database and answers decoded inbound
// requests. The transport calls HandleRequest on its receive context;
// deferred completions run on the server's work context.
type Server struct {
	db     *DB
	ccc    *CCCTable
	conns  *hashmap.Map[string, *connState]
	logger *logrus.Logger

	mu       sync.Mutex
	authz    Authorization
	monitors []Monitor

	work chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	rxMTU     uint16
	prepLimit int

	svcChanged *Attribute
}

type connState struct {
	conn Conn

	mu       sync.Mutex
	features uint8
	prepQ    []prepWrite
	inds     map[*indFlight]struct{}
}

type prepWrite struct {
	handle uint16
	offset uint16
	data   []byte
}

// Client Supported Features bits.
const (
	FeatRobustCaching uint8 = 0x01
	FeatEATT          uint8 = 0x02
	FeatMultiNotify   uint8 = 0x04
)

const defaultPrepQueueDepth = 4

// NewServer creates a server and starts its work context.
func NewServer(opts ServerOptions) *Server {
	l := defaultLogger(opts.Logger)
	if opts.RxMTU == 0 {
		opts.RxMTU = att.MaxMTU
	}
	if opts.PrepareQueueDepth <= 0 {
		opts.PrepareQueueDepth = defaultPrepQueueDepth
	}
	s := &Server{
		db:        NewDB(l),
		ccc:       NewCCCTable(opts.CCCCapacity, opts.CCCEvict, opts.Store, l),
		conns:     hashmap.New[string, *connState](),
		logger:    l,
		work:      make(chan func(), 16),
		quit:      make(chan struct{}),
		rxMTU:     opts.RxMTU,
		prepLimit: opts.PrepareQueueDepth,
	}
	s.wg.Add(1)
	go s.workLoop()
	return s
}

func (s *Server) workLoop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.work:
			fn()
		case <-s.quit:
			for {
				select {
				case fn := <-s.work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// submit schedules fn on the work context.
func (s *Server) submit(fn func()) {
	select {
	case s.work <- fn:
	case <-s.quit:
		fn()
	}
}

// Close stops the work context after draining it.
func (s *Server) Close() {
	close(s.quit)
	s.wg.Wait()
}

// DB exposes the attribute database, for local reads and range scans.
func (s *Server) DB() *DB { return s.db }

// CCC exposes the subscription table.
func (s *Server) CCC() *CCCTable { return s.ccc }

// StartReplay opens the settings-replay window; see DB.StartReplay.
func (s *Server) StartReplay() { s.db.StartReplay() }

// SettingsLoaded closes the settings-replay window.
func (s *Server) SettingsLoaded() { s.db.FinishReplay() }

// Register adds a service to the database and binds its CCC descriptors to
// the subscription table.
func (s *Server) Register(svc *Service) error {
	if err := s.db.Register(svc); err != nil {
		return err
	}
	for _, a := range svc.Attrs {
		if a.Type.Equal(CCCUUID) {
			s.ccc.bind(a)
		}
	}
	return nil
}

// Unregister removes a service. In-flight indications referencing its
// attributes complete with att.ErrInvalidHandle.
func (s *Server) Unregister(svc *Service) error {
	if err := s.db.Unregister(svc); err != nil {
		return err
	}
	for _, a := range svc.Attrs {
		if a.Type.Equal(CCCUUID) {
			s.ccc.unbind(a)
		}
	}
	s.sweepIndications(svc.Handle, svc.EndHandle)
	return nil
}

// IsRegistered reports whether the service is currently in the database.
func (s *Server) IsRegistered(svc *Service) bool {
	if svc.Handle == 0 {
		return false
	}
	a, ok := s.db.At(svc.Handle)
	return ok && len(svc.Attrs) > 0 && a == svc.Attrs[0]
}

// SetAuthorization installs the authorization collaborator, replacing any
// previous one. Pass nil to remove it.
func (s *Server) SetAuthorization(a Authorization) {
	s.mu.Lock()
	s.authz = a
	s.mu.Unlock()
}

func (s *Server) authorization() Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authz
}

// AddMonitor appends a monitor. Monitors are never removed.
func (s *Server) AddMonitor(m Monitor) {
	s.mu.Lock()
	s.monitors = append(s.monitors, m)
	s.mu.Unlock()
}

func (s *Server) notifyMTU(conn Conn, mtu int) {
	s.mu.Lock()
	ms := make([]Monitor, len(s.monitors))
	copy(ms, s.monitors)
	s.mu.Unlock()
	s.submit(func() {
		for _, m := range ms {
			m.MTUUpdated(conn, mtu)
		}
	})
}

// MTU returns the negotiated MTU of the connection's main bearer.
func (s *Server) MTU(conn Conn) int { return conn.Transport().MTU() }

// Connected tells the server about a new connection. Persisted CCC values
// of the peer become active.
func (s *Server) Connected(conn Conn) {
	st := &connState{conn: conn, inds: make(map[*indFlight]struct{})}
	s.conns.Set(keyOf(conn), st)
	s.ccc.Connected(conn)
	s.logger.WithField("peer", conn.RemoteAddr().String()).Debug("connected")
}

// Disconnected tells the server a connection is gone. Every in-flight
// indication for it completes with ErrDisconnected, exactly once.
func (s *Server) Disconnected(conn Conn) {
	key := keyOf(conn)
	st, ok := s.conns.Get(key)
	s.conns.Del(key)
	s.ccc.Disconnected(conn)
	if ok {
		st.mu.Lock()
		flights := make([]*indFlight, 0, len(st.inds))
		for f := range st.inds {
			flights = append(flights, f)
		}
		st.inds = make(map[*indFlight]struct{})
		st.mu.Unlock()
		for _, f := range flights {
			f.complete(s, ErrDisconnected)
		}
	}
	s.logger.WithField("peer", conn.RemoteAddr().String()).Debug("disconnected")
}

func (s *Server) state(conn Conn) (*connState, bool) {
	return s.conns.Get(keyOf(conn))
}

// IsSubscribed reports whether the peer has the given CCC bits set on the
// characteristic. attr may be the declaration or the value attribute.
func (s *Server) IsSubscribed(conn Conn, attr *Attribute, cccType uint16) bool {
	cccAttr, ok := s.db.FindCCC(ValueHandle(attr))
	if !ok {
		return false
	}
	return s.ccc.Value(conn, cccAttr.Handle)&cccType != 0
}

// Access gating. Order: static permission and link security, then
// capability presence, then the authorization collaborator.

func secGate(required, level SecurityLevel) att.Error {
	switch {
	case required == SecurityHigh && level < SecurityHigh:
		return att.ErrAuthentication
	case required == SecurityMedium && level < SecurityMedium:
		return att.ErrInsuffEnc
	}
	return att.ErrSuccess
}

func (s *Server) gateRead(conn Conn, a *Attribute) att.Error {
	if !a.Perm.Readable() {
		return att.ErrReadNotPerm
	}
	if e := secGate(a.Perm.ReadSecurity(), conn.SecurityLevel()); e != att.ErrSuccess {
		return e
	}
	if a.Read == nil {
		return att.ErrReadNotPerm
	}
	if az := s.authorization(); az != nil && !az.AuthorizeRead(conn, a) {
		return att.ErrAuthorization
	}
	return att.ErrSuccess
}

func (s *Server) gateWrite(conn Conn, a *Attribute) att.Error {
	if !a.Perm.Writable() {
		return att.ErrWriteNotPerm
	}
	if e := secGate(a.Perm.WriteSecurity(), conn.SecurityLevel()); e != att.ErrSuccess {
		return e
	}
	if a.Write == nil {
		return att.ErrWriteNotPerm
	}
	if az := s.authorization(); az != nil && !az.AuthorizeWrite(conn, a) {
		return att.ErrAuthorization
	}
	return att.ErrSuccess
}

func attErr(err error) att.Error {
	if e, ok := err.(att.Error); ok {
		return e
	}
	return att.ErrUnlikely
}

// HandleRequest answers one decoded inbound PDU. It is called on the
// transport's receive context; commands return a nil response.
func (s *Server) HandleRequest(conn Conn, req *att.Req) *att.Rsp {
	switch req.Kind {
	case att.ExchangeMTU:
		return s.handleExchangeMTU(conn, req)
	case att.FindInformation:
		return s.handleFindInformation(conn, req)
	case att.FindByTypeValue:
		return s.handleFindByTypeValue(conn, req)
	case att.ReadByType:
		return s.handleReadByType(conn, req)
	case att.Read, att.ReadBlob:
		return s.handleRead(conn, req)
	case att.ReadMultiple, att.ReadMultipleVariable:
		return s.handleReadMultiple(conn, req)
	case att.ReadByGroupType:
		return s.handleReadByGroupType(conn, req)
	case att.Write:
		return s.handleWrite(conn, req)
	case att.WriteCommand, att.SignedWriteCommand:
		s.handleWriteCommand(conn, req)
		return nil
	case att.PrepareWrite:
		return s.handlePrepareWrite(conn, req)
	case att.ExecuteWrite:
		return s.handleExecuteWrite(conn, req)
	default:
		return att.NewErrorRsp(0, att.ErrReqNotSupp)
	}
}

func (s *Server) handleExchangeMTU(conn Conn, req *att.Req) *att.Rsp {
	if req.RxMTU < att.DefaultMTU {
		return att.NewErrorRsp(0, att.ErrInvalidPDU)
	}
	mtu := int(req.RxMTU)
	if int(s.rxMTU) < mtu {
		mtu = int(s.rxMTU)
	}
	s.notifyMTU(conn, mtu)
	return &att.Rsp{RxMTU: s.rxMTU}
}

func (s *Server) handleFindInformation(conn Conn, req *att.Req) *att.Rsp {
	if req.Start == 0 || req.Start > req.End {
		return att.NewErrorRsp(req.Start, att.ErrInvalidHandle)
	}
	mtu := conn.Transport().MTU()
	budget := mtu - 2
	rsp := &att.Rsp{}
	uuidLen := 0
	s.db.Foreach(req.Start, req.End, nil, nil, 0, func(a *Attribute) Iter {
		if uuidLen == 0 {
			uuidLen = a.Type.Len()
		}
		if a.Type.Len() != uuidLen {
			return IterStop
		}
		if budget < 2+uuidLen {
			return IterStop
		}
		budget -= 2 + uuidLen
		rsp.Items = append(rsp.Items, att.Item{Handle: a.Handle, Value: a.Type})
		return IterContinue
	})
	if len(rsp.Items) == 0 {
		return att.NewErrorRsp(req.Start, att.ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) handleFindByTypeValue(conn Conn, req *att.Req) *att.Rsp {
	if req.Start == 0 || req.Start > req.End {
		return att.NewErrorRsp(req.Start, att.ErrInvalidHandle)
	}
	if req.Type.Len() != 2 {
		return att.NewErrorRsp(req.Start, att.ErrInvalidPDU)
	}
	mtu := conn.Transport().MTU()
	budget := mtu - 1
	rsp := &att.Rsp{}
	s.db.Foreach(req.Start, req.End, req.Type, nil, 0, func(a *Attribute) Iter {
		if a.Read == nil {
			return IterContinue
		}
		v, err := a.Read.ServeRead(conn, a, 0)
		if err != nil || !bytes.Equal(v, req.Value) {
			return IterContinue
		}
		if budget < 4 {
			return IterStop
		}
		budget -= 4
		rsp.Items = append(rsp.Items, att.Item{Handle: a.Handle, EndGroup: s.db.GroupEnd(a.Handle)})
		return IterContinue
	})
	if len(rsp.Items) == 0 {
		return att.NewErrorRsp(req.Start, att.ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) handleReadByType(conn Conn, req *att.Req) *att.Rsp {
	if req.Start == 0 || req.Start > req.End {
		return att.NewErrorRsp(req.Start, att.ErrInvalidHandle)
	}
	mtu := conn.Transport().MTU()
	budget := mtu - 2
	rsp := &att.Rsp{}
	var gateErr *att.Rsp
	dlen := -1
	s.db.Foreach(req.Start, req.End, req.Type, nil, 0, func(a *Attribute) Iter {
		if e := s.gateRead(conn, a); e != att.ErrSuccess {
			if len(rsp.Items) == 0 {
				gateErr = att.NewErrorRsp(a.Handle, e)
			}
			return IterStop
		}
		v, err := a.Read.ServeRead(conn, a, 0)
		if err != nil {
			if len(rsp.Items) == 0 {
				gateErr = att.NewErrorRsp(a.Handle, attErr(err))
			}
			return IterStop
		}
		// First value fixes the entry length; shorter later values stop the
		// response, longer ones are truncated.
		if dlen == -1 {
			dlen = len(v)
			if dlen > mtu-4 {
				dlen = mtu - 4
			}
			if dlen > 253 {
				dlen = 253
			}
		}
		if len(v) < dlen {
			return IterStop
		}
		if budget < 2+dlen {
			return IterStop
		}
		budget -= 2 + dlen
		rsp.Items = append(rsp.Items, att.Item{Handle: a.Handle, Value: v[:dlen]})
		return IterContinue
	})
	if gateErr != nil {
		return gateErr
	}
	if len(rsp.Items) == 0 {
		return att.NewErrorRsp(req.Start, att.ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) handleRead(conn Conn, req *att.Req) *att.Rsp {
	a, ok := s.db.At(req.Handle)
	if !ok {
		return att.NewErrorRsp(req.Handle, att.ErrInvalidHandle)
	}
	if e := s.gateRead(conn, a); e != att.ErrSuccess {
		return att.NewErrorRsp(req.Handle, e)
	}
	offset := uint16(0)
	if req.Kind == att.ReadBlob {
		offset = req.Offset
	}
	v, err := a.Read.ServeRead(conn, a, offset)
	if err != nil {
		return att.NewErrorRsp(req.Handle, attErr(err))
	}
	mtu := conn.Transport().MTU()
	if len(v) > mtu-1 {
		v = v[:mtu-1]
	}
	return &att.Rsp{Value: v}
}

func (s *Server) handleReadMultiple(conn Conn, req *att.Req) *att.Rsp {
	if len(req.Handles) < 2 {
		return att.NewErrorRsp(0, att.ErrInvalidPDU)
	}
	mtu := conn.Transport().MTU()
	rsp := &att.Rsp{}
	budget := mtu - 1
	for _, h := range req.Handles {
		a, ok := s.db.At(h)
		if !ok {
			return att.NewErrorRsp(h, att.ErrInvalidHandle)
		}
		if e := s.gateRead(conn, a); e != att.ErrSuccess {
			return att.NewErrorRsp(h, e)
		}
		v, err := a.Read.ServeRead(conn, a, 0)
		if err != nil {
			return att.NewErrorRsp(h, attErr(err))
		}
		if req.Kind == att.ReadMultiple {
			if len(v) > budget {
				v = v[:budget]
			}
			budget -= len(v)
			rsp.Value = append(rsp.Value, v...)
			if budget == 0 {
				break
			}
			continue
		}
		if budget < 2 {
			break
		}
		if len(v) > budget-2 {
			v = v[:budget-2]
		}
		budget -= 2 + len(v)
		rsp.Items = append(rsp.Items, att.Item{Handle: h, Value: v})
	}
	return rsp
}

func (s *Server) handleReadByGroupType(conn Conn, req *att.Req) *att.Rsp {
	if req.Start == 0 || req.Start > req.End {
		return att.NewErrorRsp(req.Start, att.ErrInvalidHandle)
	}
	if !req.Type.Equal(PrimaryServiceUUID) && !req.Type.Equal(SecondaryServiceUUID) {
		return att.NewErrorRsp(req.Start, att.ErrUnsuppGrpType)
	}
	mtu := conn.Transport().MTU()
	budget := mtu - 2
	rsp := &att.Rsp{}
	dlen := -1
	s.db.Foreach(req.Start, req.End, req.Type, nil, 0, func(a *Attribute) Iter {
		sv, ok := a.UserData.(*ServiceValue)
		if !ok {
			return IterContinue
		}
		// All entries share the first UUID's length.
		if dlen == -1 {
			dlen = len(sv.UUID)
		}
		if len(sv.UUID) != dlen {
			return IterStop
		}
		if budget < 4+dlen {
			return IterStop
		}
		budget -= 4 + dlen
		rsp.Items = append(rsp.Items, att.Item{Handle: a.Handle, EndGroup: sv.EndHandle, Value: sv.UUID})
		return IterContinue
	})
	if len(rsp.Items) == 0 {
		return att.NewErrorRsp(req.Start, att.ErrAttrNotFound)
	}
	return rsp
}

func (s *Server) serveWrite(conn Conn, a *Attribute, data []byte, offset uint16, flags WriteFlag) att.Error {
	n, err := a.Write.ServeWrite(conn, a, data, offset, flags)
	if err != nil {
		return attErr(err)
	}
	if !flags.Prepared() && n != len(data) {
		return att.ErrUnlikely
	}
	return att.ErrSuccess
}

func (s *Server) handleWrite(conn Conn, req *att.Req) *att.Rsp {
	a, ok := s.db.At(req.Handle)
	if !ok {
		return att.NewErrorRsp(req.Handle, att.ErrInvalidHandle)
	}
	if e := s.gateWrite(conn, a); e != att.ErrSuccess {
		return att.NewErrorRsp(req.Handle, e)
	}
	if e := s.serveWrite(conn, a, req.Value, 0, 0); e != att.ErrSuccess {
		return att.NewErrorRsp(req.Handle, e)
	}
	return &att.Rsp{}
}

func (s *Server) handleWriteCommand(conn Conn, req *att.Req) {
	a, ok := s.db.At(req.Handle)
	if !ok {
		return
	}
	if e := s.gateWrite(conn, a); e != att.ErrSuccess {
		s.logger.WithFields(logrus.Fields{
			"handle": req.Handle,
			"err":    e.Error(),
		}).Debug("write command refused")
		return
	}
	if e := s.serveWrite(conn, a, req.Value, 0, WriteCommand); e != att.ErrSuccess {
		s.logger.WithFields(logrus.Fields{
			"handle": req.Handle,
			"err":    e.Error(),
		}).Debug("write command failed")
	}
}

func (s *Server) handlePrepareWrite(conn Conn, req *att.Req) *att.Rsp {
	a, ok := s.db.At(req.Handle)
	if !ok {
		return att.NewErrorRsp(req.Handle, att.ErrInvalidHandle)
	}
	if e := s.gateWrite(conn, a); e != att.ErrSuccess {
		return att.NewErrorRsp(req.Handle, e)
	}
	// An attribute opting into prepare writes sees the check-only phase; the
	// data lands at execution.
	if a.Perm&PermPrepareWrite != 0 {
		if e := s.serveWrite(conn, a, req.Value, req.Offset, WritePrepare); e != att.ErrSuccess {
			return att.NewErrorRsp(req.Handle, e)
		}
	}
	st, ok := s.state(conn)
	if !ok {
		return att.NewErrorRsp(req.Handle, att.ErrUnlikely)
	}
	st.mu.Lock()
	if len(st.prepQ) >= s.prepLimit {
		st.mu.Unlock()
		return att.NewErrorRsp(req.Handle, att.ErrPrepQueueFull)
	}
	data := make([]byte, len(req.Value))
	copy(data, req.Value)
	st.prepQ = append(st.prepQ, prepWrite{handle: req.Handle, offset: req.Offset, data: data})
	st.mu.Unlock()
	return &att.Rsp{Value: req.Value}
}

func (s *Server) handleExecuteWrite(conn Conn, req *att.Req) *att.Rsp {
	st, ok := s.state(conn)
	if !ok {
		return att.NewErrorRsp(0, att.ErrUnlikely)
	}
	st.mu.Lock()
	q := st.prepQ
	st.prepQ = nil
	st.mu.Unlock()
	if req.Flags == att.ExecWriteCancel {
		return &att.Rsp{}
	}
	for _, p := range q {
		a, ok := s.db.At(p.handle)
		if !ok {
			return att.NewErrorRsp(p.handle, att.ErrInvalidHandle)
		}
		if e := s.gateWrite(conn, a); e != att.ErrSuccess {
			return att.NewErrorRsp(p.handle, e)
		}
		if e := s.serveWrite(conn, a, p.data, p.offset, WriteExecute); e != att.ErrSuccess {
			return att.NewErrorRsp(p.handle, e)
		}
	}
	return &att.Rsp{}
}

// GATT service characteristic UUIDs.
var (
	gattServiceUUID    = uuid.UUID16(0x1801)
	serviceChangedUUID = uuid.UUID16(0x2A05)
	clientFeaturesUUID = uuid.UUID16(0x2B29)
)

// NewGATTService builds the Generic Attribute service: the Service Changed
// characteristic with its CCC, and Client Supported Features, whose writes
// record the peer's capabilities (multi-value notifications among them).
// Register the returned service like any other.
func (s *Server) NewGATTService() *Service {
	svc := NewService(gattServiceUUID)
	sc := svc.NewCharacteristic(serviceChangedUUID, CharIndicate, 0, nil, nil)
	sc.AddDescriptor(s.ccc.NewAttr(PermRead|PermWrite, CCCHandlers{}))
	s.svcChanged = sc.value

	svc.NewCharacteristic(clientFeaturesUUID, CharRead|CharWrite, PermRead|PermWrite,
		ReadHandlerFunc(func(conn Conn, attr *Attribute, offset uint16) ([]byte, error) {
			var f uint8
			if st, ok := s.state(conn); ok {
				st.mu.Lock()
				f = st.features
				st.mu.Unlock()
			}
			return ReadValue([]byte{f}, offset)
		}),
		WriteHandlerFunc(func(conn Conn, attr *Attribute, data []byte, offset uint16, flags WriteFlag) (int, error) {
			if flags.Prepared() {
				return 0, nil
			}
			if offset != 0 {
				return 0, att.ErrInvalidOffset
			}
			if len(data) == 0 {
				return 0, att.ErrInvalAttrValueLen
			}
			st, ok := s.state(conn)
			if !ok {
				return 0, att.ErrUnlikely
			}
			st.mu.Lock()
			defer st.mu.Unlock()
			// A connected client may set bits but not clear them.
			if st.features&^data[0] != 0 {
				return 0, att.ErrValueNotAllowed
			}
			st.features = data[0]
			return len(data), nil
		}))
	return svc
}

func (s *Server) supportsMultiNotify(conn Conn) bool {
	st, ok := s.state(conn)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.features&FeatMultiNotify != 0
}
