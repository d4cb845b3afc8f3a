package gatt

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
)

// CCCValue is the decoded value of a Client Characteristic Configuration
// descriptor, as delivered by descriptor discovery.
type CCCValue struct {
	Flags uint16
}

// A Store persists per-peer CCC values across connections. Save replaces
// the value a bonded peer wrote; Delete removes it when the peer clears its
// subscription.
type Store interface {
	Save(id uint8, peer string, handle uint16, value uint16) error
	Delete(id uint8, peer string, handle uint16) error
}

// CCCHandlers are the per-descriptor hooks of a CCC attribute. All are
// optional.
type CCCHandlers struct {
	// Validate may transform or reject a peer's write before it is stored:
	// the returned value is stored, a non-nil att.Error refuses the write.
	Validate func(conn Conn, value uint16) (uint16, error)

	// Changed is invoked whenever the aggregate value over connected peers
	// changes, with the new aggregate.
	Changed func(value uint16)

	// Match adds a per-send gate: a notification or indication is sent to a
	// subscribed peer only if Match approves it. Nil approves all.
	Match func(conn Conn, value uint16) bool
}

type cccEntry struct {
	key       string // id/peer
	value     uint16
	connected bool
	lastSeen  uint64 // connect sequence, for least-recently-connected eviction
}

// cccState is the server-side state behind one CCC descriptor. It rides in
// the descriptor attribute's UserData.
type cccState struct {
	handle    uint16
	entries   []cccEntry
	aggregate uint16
	handlers  CCCHandlers
}

// A CCCTable owns every CCC descriptor of a server: the per-peer values,
// their aggregates, eviction and persistence. Connection events and settings
// replay flow through it.
type CCCTable struct {
	mu      sync.Mutex
	states  []*cccState
	byH     map[uint16]*cccState
	cap     int
	evict   bool
	store   Store
	seq     uint64
	present map[string]bool // connected peers, by id/peer key
	logger  *logrus.Logger
}

// NewCCCTable creates a table holding up to capacity peer entries per
// descriptor. With evict set, a write that finds the entries full reclaims
// the least recently connected disconnected entry; otherwise the write is
// refused with att.ErrInsuffResources.
func NewCCCTable(capacity int, evict bool, store Store, l *logrus.Logger) *CCCTable {
	if capacity <= 0 {
		capacity = defaultCCCCapacity
	}
	return &CCCTable{
		cap:     capacity,
		evict:   evict,
		store:   store,
		present: make(map[string]bool),
		byH:     make(map[uint16]*cccState),
		logger:  defaultLogger(l),
	}
}

const defaultCCCCapacity = 8

// NewAttr builds a CCC descriptor attribute backed by this table. A read
// returns the requesting peer's own value, zero if it never wrote one; a
// write stores the peer's value and recomputes the aggregate.
func (t *CCCTable) NewAttr(perm Perm, h CCCHandlers) *Attribute {
	st := &cccState{handlers: h}
	if perm == 0 {
		perm = PermRead | PermWrite
	}
	return &Attribute{
		Type:     CCCUUID,
		Perm:     perm,
		Read:     ReadHandlerFunc(st.read(t)),
		Write:    WriteHandlerFunc(st.write(t)),
		UserData: st,
	}
}

func (st *cccState) read(t *CCCTable) func(Conn, *Attribute, uint16) ([]byte, error) {
	return func(conn Conn, attr *Attribute, offset uint16) ([]byte, error) {
		t.mu.Lock()
		v := st.valueOf(keyOf(conn))
		t.mu.Unlock()
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return ReadValue(b, offset)
	}
}

func (st *cccState) write(t *CCCTable) func(Conn, *Attribute, []byte, uint16, WriteFlag) (int, error) {
	return func(conn Conn, attr *Attribute, data []byte, offset uint16, flags WriteFlag) (int, error) {
		if flags.Prepared() {
			return 0, nil
		}
		if offset != 0 {
			return 0, att.ErrInvalidOffset
		}
		if len(data) != 2 {
			return 0, att.ErrInvalAttrValueLen
		}
		value := binary.LittleEndian.Uint16(data)
		if value&^(CCCNotify|CCCIndicate) != 0 {
			return 0, att.ErrValueNotAllowed
		}
		if st.handlers.Validate != nil {
			v, err := st.handlers.Validate(conn, value)
			if err != nil {
				return 0, err
			}
			value = v
		}
		if err := t.apply(st, conn, value); err != nil {
			return 0, err
		}
		return len(data), nil
	}
}

func (t *CCCTable) apply(st *cccState, conn Conn, value uint16) error {
	key := keyOf(conn)
	t.mu.Lock()
	e := st.find(key)
	if e == nil {
		if value == 0 {
			t.mu.Unlock()
			return nil
		}
		var err error
		if e, err = t.alloc(st); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	if value == 0 {
		st.remove(key)
	} else {
		e.key = key
		e.value = value
		e.connected = true
		e.lastSeen = t.seq
	}
	changed, agg := st.recompute()
	t.mu.Unlock()

	if changed && st.handlers.Changed != nil {
		st.handlers.Changed(agg)
	}
	t.persist(conn.ID(), conn.RemoteAddr().String(), st.handle, value)
	return nil
}

func (t *CCCTable) persist(id uint8, peer string, handle uint16, value uint16) {
	if t.store == nil {
		return
	}
	var err error
	if value == 0 {
		err = t.store.Delete(id, peer, handle)
	} else {
		err = t.store.Save(id, peer, handle, value)
	}
	if err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"peer":   peer,
			"handle": handle,
		}).Warn("ccc persist failed")
	}
}

func (st *cccState) find(key string) *cccEntry {
	for i := range st.entries {
		if st.entries[i].key == key {
			return &st.entries[i]
		}
	}
	return nil
}

func (st *cccState) valueOf(key string) uint16 {
	if e := st.find(key); e != nil {
		return e.value
	}
	return 0
}

func (st *cccState) remove(key string) {
	for i := range st.entries {
		if st.entries[i].key == key {
			st.entries = append(st.entries[:i], st.entries[i+1:]...)
			return
		}
	}
}

// alloc returns a free entry, evicting the least recently connected
// disconnected one when allowed.
func (t *CCCTable) alloc(st *cccState) (*cccEntry, error) {
	if len(st.entries) < t.cap {
		st.entries = append(st.entries, cccEntry{})
		return &st.entries[len(st.entries)-1], nil
	}
	if !t.evict {
		return nil, att.ErrInsuffResources
	}
	victim := -1
	for i := range st.entries {
		if st.entries[i].connected {
			continue
		}
		if victim < 0 || st.entries[i].lastSeen < st.entries[victim].lastSeen {
			victim = i
		}
	}
	if victim < 0 {
		return nil, att.ErrInsuffResources
	}
	t.logger.WithFields(logrus.Fields{
		"peer":   st.entries[victim].key,
		"handle": st.handle,
	}).Debug("ccc entry evicted")
	st.entries[victim] = cccEntry{}
	return &st.entries[victim], nil
}

// recompute ORs the values of connected entries into the aggregate and
// reports whether it changed.
func (st *cccState) recompute() (bool, uint16) {
	var agg uint16
	for i := range st.entries {
		if st.entries[i].connected {
			agg |= st.entries[i].value
		}
	}
	changed := agg != st.aggregate
	st.aggregate = agg
	return changed, agg
}

// bind attaches a registered CCC attribute to the table. Called once the
// attribute has its handle.
func (t *CCCTable) bind(a *Attribute) {
	st, ok := a.UserData.(*cccState)
	if !ok {
		return
	}
	t.mu.Lock()
	st.handle = a.Handle
	t.states = append(t.states, st)
	t.byH[a.Handle] = st
	t.mu.Unlock()
}

// unbind detaches an unregistered CCC attribute.
func (t *CCCTable) unbind(a *Attribute) {
	st, ok := a.UserData.(*cccState)
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.byH, a.Handle)
	for i, s := range t.states {
		if s == st {
			t.states = append(t.states[:i], t.states[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// Load installs a persisted value during settings replay, as a disconnected
// entry. Unknown handles are refused.
func (t *CCCTable) Load(id uint8, peer string, handle uint16, value uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byH[handle]
	if !ok {
		return ErrNotFound
	}
	key := connKey(id, NewAddr(peer))
	e := st.find(key)
	if e == nil {
		if len(st.entries) >= t.cap {
			return ErrNoMem
		}
		st.entries = append(st.entries, cccEntry{})
		e = &st.entries[len(st.entries)-1]
	}
	e.key = key
	e.value = value
	e.connected = false
	return nil
}

// Connected marks the peer's persisted entries active and folds them into
// the aggregates.
func (t *CCCTable) Connected(conn Conn) {
	key := keyOf(conn)
	t.mu.Lock()
	t.seq++
	t.present[key] = true
	type change struct {
		fn  func(uint16)
		agg uint16
	}
	var changes []change
	for _, st := range t.states {
		if e := st.find(key); e != nil {
			e.connected = true
			e.lastSeen = t.seq
			if changed, agg := st.recompute(); changed && st.handlers.Changed != nil {
				changes = append(changes, change{st.handlers.Changed, agg})
			}
		}
	}
	t.mu.Unlock()
	for _, c := range changes {
		c.fn(c.agg)
	}
}

// Disconnected marks the peer's entries inactive and recomputes the
// aggregates. Entries themselves are kept for the next connection; they
// leave only through a zero write, eviction or Clear.
func (t *CCCTable) Disconnected(conn Conn) {
	key := keyOf(conn)
	t.mu.Lock()
	delete(t.present, key)
	type change struct {
		fn  func(uint16)
		agg uint16
	}
	var changes []change
	for _, st := range t.states {
		if e := st.find(key); e != nil {
			e.connected = false
			if changed, agg := st.recompute(); changed && st.handlers.Changed != nil {
				changes = append(changes, change{st.handlers.Changed, agg})
			}
		}
	}
	t.mu.Unlock()
	for _, c := range changes {
		c.fn(c.agg)
	}
}

// Clear drops every entry of the identified peer, as when a bond is
// deleted.
func (t *CCCTable) Clear(id uint8, peer string) {
	key := connKey(id, NewAddr(peer))
	t.mu.Lock()
	type change struct {
		fn  func(uint16)
		agg uint16
	}
	var changes []change
	var handles []uint16
	for _, st := range t.states {
		if e := st.find(key); e != nil {
			st.remove(e.key)
			handles = append(handles, st.handle)
			if changed, agg := st.recompute(); changed && st.handlers.Changed != nil {
				changes = append(changes, change{st.handlers.Changed, agg})
			}
		}
	}
	t.mu.Unlock()
	for _, c := range changes {
		c.fn(c.agg)
	}
	for _, h := range handles {
		t.persist(id, peer, h, 0)
	}
}

// Aggregate returns the OR of the descriptor's values over connected peers.
func (t *CCCTable) Aggregate(handle uint16) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.byH[handle]; ok {
		return st.aggregate
	}
	return 0
}

// Value returns the peer's own value for the descriptor, zero if none.
func (t *CCCTable) Value(conn Conn, handle uint16) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.byH[handle]; ok {
		return st.valueOf(keyOf(conn))
	}
	return 0
}

// match applies the descriptor's per-send gate for the peer.
func (t *CCCTable) match(conn Conn, handle uint16) bool {
	t.mu.Lock()
	st, ok := t.byH[handle]
	var v uint16
	var fn func(Conn, uint16) bool
	if ok {
		v = st.valueOf(keyOf(conn))
		fn = st.handlers.Match
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if fn == nil {
		return true
	}
	return fn(conn, v)
}
