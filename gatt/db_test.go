package gatt

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"
)

func simpleService(svcUUID, chrUUID uint16) *Service {
	svc := NewService(uuid.UUID16(svcUUID))
	svc.NewCharacteristic(uuid.UUID16(chrUUID), CharRead, PermRead, StaticValue([]byte{0x01}), nil)
	return svc
}

func TestRegisterAssignsContiguousHandles(t *testing.T) {
	db := NewDB(testLogger())
	s1 := simpleService(0x180F, 0x2A19)
	s2 := simpleService(0x180D, 0x2A37)
	require.NoError(t, db.Register(s1))
	require.NoError(t, db.Register(s2))

	assert.Equal(t, uint16(1), s1.Handle)
	assert.Equal(t, uint16(3), s1.EndHandle)
	assert.Equal(t, uint16(4), s2.Handle)
	assert.Equal(t, uint16(6), s2.EndHandle)

	sv := s1.Attrs[0].UserData.(*ServiceValue)
	assert.Equal(t, uint16(3), sv.EndHandle)
	cv := s1.Attrs[1].UserData.(*CharacteristicValue)
	assert.Equal(t, uint16(3), cv.ValueHandle)
}

func TestRegisterDuringReplayWindow(t *testing.T) {
	db := NewDB(testLogger())
	db.StartReplay()
	err := db.Register(simpleService(0x180F, 0x2A19))
	assert.Equal(t, ErrTryAgain, err)
	db.FinishReplay()
	assert.NoError(t, db.Register(simpleService(0x180F, 0x2A19)))
}

func TestRegisterTwice(t *testing.T) {
	db := NewDB(testLogger())
	svc := simpleService(0x180F, 0x2A19)
	require.NoError(t, db.Register(svc))
	assert.Equal(t, ErrAlreadyExists, db.Register(svc))
}

func TestUnregisterRetiresHandles(t *testing.T) {
	db := NewDB(testLogger())
	s1 := simpleService(0x180F, 0x2A19)
	require.NoError(t, db.Register(s1))
	require.NoError(t, db.Unregister(s1))

	_, ok := db.At(s1.Handle)
	assert.False(t, ok)
	assert.Equal(t, ErrNotFound, db.Unregister(s1))

	// A later registration never reuses the retired range.
	s2 := simpleService(0x180D, 0x2A37)
	require.NoError(t, db.Register(s2))
	assert.Equal(t, uint16(4), s2.Handle)
}

func TestForeach(t *testing.T) {
	db := NewDB(testLogger())
	require.NoError(t, db.Register(simpleService(0x180F, 0x2A19)))
	require.NoError(t, db.Register(simpleService(0x180D, 0x2A37)))

	var handles []uint16
	n := db.Foreach(1, att.LastHandle, nil, nil, 0, func(a *Attribute) Iter {
		handles = append(handles, a.Handle)
		return IterContinue
	})
	assert.Equal(t, 6, n)
	assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6}, handles)

	// UUID filter.
	n = db.Foreach(1, att.LastHandle, PrimaryServiceUUID, nil, 0, func(a *Attribute) Iter {
		return IterContinue
	})
	assert.Equal(t, 2, n)

	// Limit.
	n = db.Foreach(1, att.LastHandle, nil, nil, 3, func(a *Attribute) Iter {
		return IterContinue
	})
	assert.Equal(t, 3, n)

	// Stop verdict.
	n = db.Foreach(1, att.LastHandle, nil, nil, 0, func(a *Attribute) Iter {
		return IterStop
	})
	assert.Equal(t, 1, n)

	// Range bounds.
	n = db.Foreach(2, 4, nil, nil, 0, func(a *Attribute) Iter {
		return IterContinue
	})
	assert.Equal(t, 3, n)
}

func TestForeachMatchData(t *testing.T) {
	db := NewDB(testLogger())
	svc := simpleService(0x180F, 0x2A19)
	require.NoError(t, db.Register(svc))
	require.NoError(t, db.Register(simpleService(0x180D, 0x2A37)))

	// Matching a declaration's user data selects exactly that attribute.
	var handles []uint16
	n := db.Foreach(1, att.LastHandle, nil, svc.Attrs[1].UserData, 0, func(a *Attribute) Iter {
		handles = append(handles, a.Handle)
		return IterContinue
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint16{2}, handles)

	// Data matching nothing visits nothing.
	n = db.Foreach(1, att.LastHandle, nil, &ServiceValue{UUID: uuid.UUID16(0x1234)}, 0, func(a *Attribute) Iter {
		return IterContinue
	})
	assert.Equal(t, 0, n)
}

func TestRegisterLogsAttributeTable(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	db := NewDB(l)
	require.NoError(t, db.Register(simpleService(0x180F, 0x2A19)))
	assert.Contains(t, buf.String(), "Primary Service")
}

func TestFindByUUID(t *testing.T) {
	db := NewDB(testLogger())
	require.NoError(t, db.Register(simpleService(0x180F, 0x2A19)))
	require.NoError(t, db.Register(simpleService(0x180F, 0x2A19)))

	a, ok := db.FindByUUID(1, uuid.UUID16(0x2A19))
	require.True(t, ok)
	assert.Equal(t, uint16(3), a.Handle)

	a, ok = db.FindByUUID(4, uuid.UUID16(0x2A19))
	require.True(t, ok)
	assert.Equal(t, uint16(6), a.Handle)

	_, ok = db.FindByUUID(1, uuid.UUID16(0x2A99))
	assert.False(t, ok)
}

func TestFindCCC(t *testing.T) {
	db := NewDB(testLogger())
	ccc := NewCCCTable(0, false, nil, testLogger())
	svc := NewService(uuid.UUID16(0x180D))
	bare := svc.NewCharacteristic(uuid.UUID16(0x2A38), CharRead, PermRead, StaticValue(nil), nil)
	ch := svc.NewCharacteristic(uuid.UUID16(0x2A37), CharNotify, 0, nil, nil)
	cccAttr := ch.AddDescriptor(ccc.NewAttr(0, CCCHandlers{}))
	require.NoError(t, db.Register(svc))

	a, ok := db.FindCCC(ch.ValueHandle())
	require.True(t, ok)
	assert.Equal(t, cccAttr.Handle, a.Handle)

	// The scan must not cross into the next characteristic's descriptors.
	_, ok = db.FindCCC(bare.ValueHandle())
	assert.False(t, ok)
}

func TestHandleSpaceExhaustion(t *testing.T) {
	db := NewDB(testLogger())
	db.next = att.LastHandle - 1
	err := db.Register(simpleService(0x180F, 0x2A19))
	assert.Equal(t, ErrNoMem, err)
}

func TestReadValueClipping(t *testing.T) {
	v := []byte{1, 2, 3, 4}

	b, err := ReadValue(v, 0)
	require.NoError(t, err)
	assert.Equal(t, v, b)

	b, err = ReadValue(v, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, b)

	b, err = ReadValue(v, 4)
	require.NoError(t, err)
	assert.Empty(t, b)

	// An offset past the end is an empty read, not an error; it is how a
	// long read terminates.
	b, err = ReadValue(v, 5)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestValueHandleResolution(t *testing.T) {
	db := NewDB(testLogger())
	svc := simpleService(0x180F, 0x2A19)
	require.NoError(t, db.Register(svc))

	decl := svc.Attrs[1]
	value := svc.Attrs[2]
	assert.Equal(t, value.Handle, ValueHandle(decl))
	assert.Equal(t, value.Handle, ValueHandle(value))
}
