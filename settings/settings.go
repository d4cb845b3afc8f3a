// Package settings persists per-peer GATT state between connections. The
// file store keeps CCC values written by bonded peers so subscriptions
// survive a restart.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// A Record is one persisted CCC value.
type Record struct {
	ID     uint8  `cbor:"1,keyasint"`
	Peer   string `cbor:"2,keyasint"`
	Handle uint16 `cbor:"3,keyasint"`
	Value  uint16 `cbor:"4,keyasint"`
}

func (r Record) key() string {
	return fmt.Sprintf("%d/%s/%d", r.ID, r.Peer, r.Handle)
}

// A File is a CBOR file-backed store. Every mutation rewrites the file
// atomically; it implements the server's persistence collaborator.
type File struct {
	mu     sync.Mutex
	path   string
	recs   map[string]Record
	logger *logrus.Logger
}

// Open loads the store at path, creating an empty one if the file does not
// exist.
func Open(path string, l *logrus.Logger) (*File, error) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	f := &File{path: path, recs: make(map[string]Record), logger: l}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "can't read settings")
	}
	var recs []Record
	if err := cbor.Unmarshal(b, &recs); err != nil {
		return nil, errors.Wrap(err, "can't decode settings")
	}
	for _, r := range recs {
		f.recs[r.key()] = r
	}
	f.logger.WithFields(logrus.Fields{
		"path":    path,
		"records": len(recs),
	}).Debug("settings loaded")
	return f, nil
}

// Save stores the CCC value a peer wrote.
func (f *File) Save(id uint8, peer string, handle uint16, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := Record{ID: id, Peer: peer, Handle: handle, Value: value}
	f.recs[r.key()] = r
	return f.flush()
}

// Delete removes a peer's value for the handle.
func (f *File) Delete(id uint8, peer string, handle uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, Record{ID: id, Peer: peer, Handle: handle}.key())
	return f.flush()
}

// Replay feeds every stored record to fn, for loading into the subscription
// table inside the server's replay window. Records fn refuses are dropped
// from the store.
func (f *File) Replay(fn func(id uint8, peer string, handle uint16, value uint16) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dirty := false
	for k, r := range f.recs {
		if err := fn(r.ID, r.Peer, r.Handle, r.Value); err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"peer":   r.Peer,
				"handle": r.Handle,
			}).Warn("dropping stale settings record")
			delete(f.recs, k)
			dirty = true
		}
	}
	if dirty {
		return f.flush()
	}
	return nil
}

// flush rewrites the file. Callers hold f.mu.
func (f *File) flush() error {
	recs := make([]Record, 0, len(f.recs))
	for _, r := range f.recs {
		recs = append(recs, r)
	}
	b, err := cbor.Marshal(recs)
	if err != nil {
		return errors.Wrap(err, "can't encode settings")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return errors.Wrap(err, "can't write settings")
	}
	if err := os.Rename(tmp, filepath.Clean(f.path)); err != nil {
		return errors.Wrap(err, "can't replace settings")
	}
	return nil
}
