package gatt

import (
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"
)

// A DB is the attribute table: every registered attribute keyed by handle,
// in ascending handle order. Handles are assigned from a monotonically
// increasing high-water mark and never reused, so a handle observed by a
// peer either still names the same attribute or names nothing.
type DB struct {
	sync.RWMutex
	attrs     *orderedmap.OrderedMap[uint16, *Attribute]
	svcs      []*Service
	next      uint16
	replaying bool
	logger    *logrus.Logger
}

// NewDB creates an empty attribute table.
func NewDB(l *logrus.Logger) *DB {
	return &DB{
		attrs:  orderedmap.New[uint16, *Attribute](),
		next:   att.FirstHandle,
		logger: defaultLogger(l),
	}
}

// StartReplay marks the table as replaying persisted settings. Register
// fails with ErrTryAgain until FinishReplay.
func (db *DB) StartReplay() {
	db.Lock()
	db.replaying = true
	db.Unlock()
}

// FinishReplay ends the replay window.
func (db *DB) FinishReplay() {
	db.Lock()
	db.replaying = false
	db.Unlock()
}

// Register assigns a contiguous handle range to the service's attributes and
// adds them to the table. The service declaration's group end and each
// characteristic declaration's value handle are filled in here.
func (db *DB) Register(svc *Service) error {
	db.Lock()
	defer db.Unlock()
	if db.replaying {
		return ErrTryAgain
	}
	if len(svc.Attrs) == 0 {
		return ErrInvalidArgument
	}
	if svc.Handle != 0 {
		return ErrAlreadyExists
	}
	n := uint16(len(svc.Attrs))
	if db.next > att.LastHandle-n+1 {
		return ErrNoMem
	}

	h := db.next
	for _, a := range svc.Attrs {
		a.Handle = h
		h++
	}
	db.next = h
	svc.Handle = svc.Attrs[0].Handle
	svc.EndHandle = svc.Attrs[len(svc.Attrs)-1].Handle

	for _, a := range svc.Attrs {
		switch v := a.UserData.(type) {
		case *ServiceValue:
			v.EndHandle = svc.EndHandle
		case *CharacteristicValue:
			v.ValueHandle = a.Handle + 1
		}
		db.attrs.Set(a.Handle, a)
	}
	db.svcs = append(db.svcs, svc)

	if db.logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, a := range svc.Attrs {
			db.logger.WithFields(logrus.Fields{
				"handle": a.Handle,
				"type":   a.Type.String(),
				"name":   uuid.Name(a.Type),
			}).Debug("attr registered")
		}
	}
	return nil
}

// Unregister removes the service's attributes from the table. The handle
// range is retired, not recycled.
func (db *DB) Unregister(svc *Service) error {
	db.Lock()
	defer db.Unlock()
	idx := -1
	for i, s := range db.svcs {
		if s == svc {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	for _, a := range svc.Attrs {
		db.attrs.Delete(a.Handle)
	}
	db.svcs = append(db.svcs[:idx], db.svcs[idx+1:]...)
	return nil
}

// At returns the attribute at handle h.
func (db *DB) At(h uint16) (*Attribute, bool) {
	db.RLock()
	defer db.RUnlock()
	return db.attrs.Get(h)
}

// Foreach visits attributes with handles in [start, end], ascending,
// skipping those whose type does not match typ (nil matches all) or whose
// user data does not match matchData (nil matches all), stopping after
// limit matches (0 is unlimited) or when fn returns IterStop. It returns
// the number of attributes visited.
func (db *DB) Foreach(start, end uint16, typ uuid.UUID, matchData interface{}, limit int, fn func(*Attribute) Iter) int {
	db.RLock()
	defer db.RUnlock()
	n := 0
	for p := db.attrs.Oldest(); p != nil; p = p.Next() {
		a := p.Value
		if a.Handle < start {
			continue
		}
		if a.Handle > end {
			break
		}
		if typ != nil && !a.Type.Equal(typ) {
			continue
		}
		if matchData != nil && !reflect.DeepEqual(a.UserData, matchData) {
			continue
		}
		n++
		if fn(a) == IterStop {
			break
		}
		if limit != 0 && n >= limit {
			break
		}
	}
	return n
}

// FindByUUID returns the first attribute at or after start whose type
// matches u.
func (db *DB) FindByUUID(start uint16, u uuid.UUID) (*Attribute, bool) {
	var found *Attribute
	db.Foreach(start, att.LastHandle, u, nil, 1, func(a *Attribute) Iter {
		found = a
		return IterStop
	})
	return found, found != nil
}

// FindCCC returns the CCC descriptor of the characteristic whose value sits
// at valueHandle, scanning forward until the next declaration.
func (db *DB) FindCCC(valueHandle uint16) (*Attribute, bool) {
	var found *Attribute
	db.Foreach(valueHandle+1, att.LastHandle, nil, nil, 0, func(a *Attribute) Iter {
		switch {
		case a.Type.Equal(CCCUUID):
			found = a
			return IterStop
		case a.Type.Equal(CharacteristicUUID),
			a.Type.Equal(PrimaryServiceUUID),
			a.Type.Equal(SecondaryServiceUUID):
			return IterStop
		}
		return IterContinue
	})
	return found, found != nil
}

// GroupEnd returns the last handle of the service group containing h.
func (db *DB) GroupEnd(h uint16) uint16 {
	db.RLock()
	defer db.RUnlock()
	for _, s := range db.svcs {
		if h >= s.Handle && h <= s.EndHandle {
			return s.EndHandle
		}
	}
	return h
}
