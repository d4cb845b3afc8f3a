package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"
)

type fixture struct {
	srv  *Server
	conn *fakeConn
	tr   *fakeTransport

	value  []byte // backing store of the writable characteristic
	svc    *Service
	chr    *Characteristic
	wchr   *Characteristic
	secure *Characteristic
	ccc    *Attribute
}

// newFixture builds a server with one service: a notifiable read-only
// characteristic with a CCC, a writable one, and one requiring encryption.
func newFixture(t *testing.T, mtu int) *fixture {
	f := &fixture{value: []byte{0x00}}
	f.srv = newTestServer(ServerOptions{})
	t.Cleanup(f.srv.Close)

	svc := NewService(uuid.UUID16(0x180F))
	f.chr = svc.NewCharacteristic(uuid.UUID16(0x2A19), CharRead|CharNotify|CharIndicate, PermRead,
		StaticValue([]byte{0x64}), nil)
	f.ccc = f.chr.AddDescriptor(f.srv.CCC().NewAttr(0, CCCHandlers{}))
	f.wchr = svc.NewCharacteristic(uuid.UUID16(0x2A39), CharWrite, PermWrite|PermPrepareWrite, nil,
		WriteHandlerFunc(func(conn Conn, attr *Attribute, data []byte, offset uint16, flags WriteFlag) (int, error) {
			if flags.Prepared() {
				return 0, nil
			}
			if int(offset) > len(f.value) {
				return 0, att.ErrInvalidOffset
			}
			f.value = append(f.value[:offset], data...)
			return len(data), nil
		}))
	f.secure = svc.NewCharacteristic(uuid.UUID16(0x2A18), CharRead, PermReadEncrypt,
		StaticValue([]byte{0x2a}), nil)
	require.NoError(t, f.srv.Register(svc))
	f.svc = svc

	f.tr = newFakeTransport(mtu)
	f.conn = newFakeConn("aa:aa", f.tr)
	f.srv.Connected(f.conn)
	return f
}

type fakeMonitor struct {
	conns []Conn
	mtus  []int
}

func (m *fakeMonitor) MTUUpdated(conn Conn, mtu int) {
	m.conns = append(m.conns, conn)
	m.mtus = append(m.mtus, mtu)
}

func TestExchangeMTUHandler(t *testing.T) {
	f := newFixture(t, 23)
	mon := &fakeMonitor{}
	f.srv.AddMonitor(mon)

	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.ExchangeMTU, RxMTU: 185})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, uint16(att.MaxMTU), rsp.RxMTU)
	f.srv.settle()
	require.Equal(t, []int{185}, mon.mtus)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.ExchangeMTU, RxMTU: 10})
	assert.Equal(t, att.ErrInvalidPDU, rsp.Err)
}

func TestFindInformationHandler(t *testing.T) {
	f := newFixture(t, 23)

	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.FindInformation, Start: 1, End: 0xFFFF})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	// 16-bit entries are 4 bytes each; a 23-byte MTU fits 5.
	require.Len(t, rsp.Items, 5)
	assert.Equal(t, uint16(1), rsp.Items[0].Handle)
	assert.Equal(t, []byte(PrimaryServiceUUID), rsp.Items[0].Value)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.FindInformation, Start: f.svc.EndHandle + 1, End: 0xFFFF})
	assert.Equal(t, att.ErrAttrNotFound, rsp.Err)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.FindInformation, Start: 5, End: 4})
	assert.Equal(t, att.ErrInvalidHandle, rsp.Err)
}

func TestReadByGroupTypeHandler(t *testing.T) {
	f := newFixture(t, 128)

	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.ReadByGroupType, Start: 1, End: 0xFFFF, Type: PrimaryServiceUUID})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	require.Len(t, rsp.Items, 1)
	assert.Equal(t, f.svc.Handle, rsp.Items[0].Handle)
	assert.Equal(t, f.svc.EndHandle, rsp.Items[0].EndGroup)
	assert.Equal(t, []byte(uuid.UUID16(0x180F)), rsp.Items[0].Value)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.ReadByGroupType, Start: 1, End: 0xFFFF, Type: uuid.UUID16(0x2A00)})
	assert.Equal(t, att.ErrUnsuppGrpType, rsp.Err)
}

func TestFindByTypeValueHandler(t *testing.T) {
	f := newFixture(t, 23)

	rsp := f.srv.HandleRequest(f.conn, &att.Req{
		Kind: att.FindByTypeValue, Start: 1, End: 0xFFFF,
		Type: PrimaryServiceUUID, Value: uuid.UUID16(0x180F),
	})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	require.Len(t, rsp.Items, 1)
	assert.Equal(t, f.svc.Handle, rsp.Items[0].Handle)
	assert.Equal(t, f.svc.EndHandle, rsp.Items[0].EndGroup)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{
		Kind: att.FindByTypeValue, Start: 1, End: 0xFFFF,
		Type: PrimaryServiceUUID, Value: uuid.UUID16(0x1234),
	})
	assert.Equal(t, att.ErrAttrNotFound, rsp.Err)
}

func TestReadByTypeHandler(t *testing.T) {
	f := newFixture(t, 128)

	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.ReadByType, Start: 1, End: 0xFFFF, Type: uuid.UUID16(0x2A19)})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	require.Len(t, rsp.Items, 1)
	assert.Equal(t, f.chr.ValueHandle(), rsp.Items[0].Handle)
	assert.Equal(t, []byte{0x64}, rsp.Items[0].Value)

	// A gate failure on the first match surfaces as an error naming it.
	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.ReadByType, Start: 1, End: 0xFFFF, Type: uuid.UUID16(0x2A18)})
	assert.Equal(t, att.ErrInsuffEnc, rsp.Err)
	assert.Equal(t, f.secure.ValueHandle(), rsp.ErrHandle)
}

func TestReadHandler(t *testing.T) {
	f := newFixture(t, 23)

	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Read, Handle: f.chr.ValueHandle()})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, []byte{0x64}, rsp.Value)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Read, Handle: 0x1234})
	assert.Equal(t, att.ErrInvalidHandle, rsp.Err)

	// Write-only attribute refuses reads.
	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Read, Handle: f.wchr.ValueHandle()})
	assert.Equal(t, att.ErrReadNotPerm, rsp.Err)

	// Encryption required, link is plain.
	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Read, Handle: f.secure.ValueHandle()})
	assert.Equal(t, att.ErrInsuffEnc, rsp.Err)

	f.conn.sec = SecurityMedium
	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Read, Handle: f.secure.ValueHandle()})
	assert.Equal(t, att.ErrSuccess, rsp.Err)
}

func TestReadBlobClipsToMTU(t *testing.T) {
	f := newFixture(t, 23)
	long := make([]byte, 30)
	for i := range long {
		long[i] = byte(i)
	}
	svc := NewService(uuid.UUID16(0x1810))
	ch := svc.NewCharacteristic(uuid.UUID16(0x2A35), CharRead, PermRead, StaticValue(long), nil)
	require.NoError(t, f.srv.Register(svc))

	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Read, Handle: ch.ValueHandle()})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, long[:22], rsp.Value)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.ReadBlob, Handle: ch.ValueHandle(), Offset: 22})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, long[22:], rsp.Value)
}

func TestReadMultipleHandler(t *testing.T) {
	f := newFixture(t, 128)

	rsp := f.srv.HandleRequest(f.conn, &att.Req{
		Kind:    att.ReadMultiple,
		Handles: []uint16{f.chr.ValueHandle(), f.secure.ValueHandle()},
	})
	assert.Equal(t, att.ErrInsuffEnc, rsp.Err)
	assert.Equal(t, f.secure.ValueHandle(), rsp.ErrHandle)

	f.conn.sec = SecurityMedium
	rsp = f.srv.HandleRequest(f.conn, &att.Req{
		Kind:    att.ReadMultiple,
		Handles: []uint16{f.chr.ValueHandle(), f.secure.ValueHandle()},
	})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, []byte{0x64, 0x2a}, rsp.Value)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{
		Kind:    att.ReadMultipleVariable,
		Handles: []uint16{f.chr.ValueHandle(), f.secure.ValueHandle()},
	})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	require.Len(t, rsp.Items, 2)
	assert.Equal(t, []byte{0x64}, rsp.Items[0].Value)
	assert.Equal(t, []byte{0x2a}, rsp.Items[1].Value)
}

func TestWriteHandler(t *testing.T) {
	f := newFixture(t, 23)

	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Write, Handle: f.wchr.ValueHandle(), Value: []byte{1, 2}})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, []byte{1, 2}, f.value)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Write, Handle: f.chr.ValueHandle(), Value: []byte{1}})
	assert.Equal(t, att.ErrWriteNotPerm, rsp.Err)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Write, Handle: 0x1234, Value: []byte{1}})
	assert.Equal(t, att.ErrInvalidHandle, rsp.Err)
}

func TestWriteCommandSilentOnError(t *testing.T) {
	f := newFixture(t, 23)

	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.WriteCommand, Handle: f.chr.ValueHandle(), Value: []byte{1}})
	assert.Nil(t, rsp)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.WriteCommand, Handle: f.wchr.ValueHandle(), Value: []byte{9}})
	assert.Nil(t, rsp)
	assert.Equal(t, []byte{9}, f.value)
}

func TestPrepareExecuteWrite(t *testing.T) {
	f := newFixture(t, 23)
	h := f.wchr.ValueHandle()

	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.PrepareWrite, Handle: h, Offset: 0, Value: []byte{1, 2}})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, []byte{1, 2}, rsp.Value)
	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.PrepareWrite, Handle: h, Offset: 2, Value: []byte{3, 4}})
	require.Equal(t, att.ErrSuccess, rsp.Err)

	// Nothing lands until execution.
	assert.Equal(t, []byte{0x00}, f.value)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.ExecuteWrite, Flags: att.ExecWriteAll})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.value)
}

func TestExecuteWriteCancel(t *testing.T) {
	f := newFixture(t, 23)
	h := f.wchr.ValueHandle()

	f.srv.HandleRequest(f.conn, &att.Req{Kind: att.PrepareWrite, Handle: h, Value: []byte{1}})
	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.ExecuteWrite, Flags: att.ExecWriteCancel})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, []byte{0x00}, f.value)

	// The queue is empty afterwards.
	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.ExecuteWrite, Flags: att.ExecWriteAll})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, []byte{0x00}, f.value)
}

func TestPrepareQueueFull(t *testing.T) {
	f := newFixture(t, 23)
	h := f.wchr.ValueHandle()

	var rsp *att.Rsp
	for i := 0; i < defaultPrepQueueDepth+1; i++ {
		rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.PrepareWrite, Handle: h, Value: []byte{byte(i)}})
	}
	assert.Equal(t, att.ErrPrepQueueFull, rsp.Err)
}

type denyAll struct{}

func (denyAll) AuthorizeRead(Conn, *Attribute) bool  { return false }
func (denyAll) AuthorizeWrite(Conn, *Attribute) bool { return false }

func TestAuthorizationGate(t *testing.T) {
	f := newFixture(t, 23)
	f.srv.SetAuthorization(denyAll{})

	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Read, Handle: f.chr.ValueHandle()})
	assert.Equal(t, att.ErrAuthorization, rsp.Err)

	// Permission failures outrank authorization: the collaborator is not
	// reached for a write-only attribute read.
	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Read, Handle: f.wchr.ValueHandle()})
	assert.Equal(t, att.ErrReadNotPerm, rsp.Err)

	// Installing replaces; nil removes.
	f.srv.SetAuthorization(nil)
	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Read, Handle: f.chr.ValueHandle()})
	assert.Equal(t, att.ErrSuccess, rsp.Err)
}

func TestClientFeaturesCharacteristic(t *testing.T) {
	f := newFixture(t, 23)
	gattSvc := f.srv.NewGATTService()
	require.NoError(t, f.srv.Register(gattSvc))

	var csf uint16
	f.srv.DB().Foreach(gattSvc.Handle, gattSvc.EndHandle, clientFeaturesUUID, nil, 1, func(a *Attribute) Iter {
		csf = a.Handle
		return IterStop
	})
	require.NotZero(t, csf)

	assert.False(t, f.srv.supportsMultiNotify(f.conn))
	rsp := f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Write, Handle: csf, Value: []byte{FeatMultiNotify}})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.True(t, f.srv.supportsMultiNotify(f.conn))

	// Bits may be set but not cleared while connected.
	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Write, Handle: csf, Value: []byte{0x00}})
	assert.Equal(t, att.ErrValueNotAllowed, rsp.Err)

	rsp = f.srv.HandleRequest(f.conn, &att.Req{Kind: att.Read, Handle: csf})
	require.Equal(t, att.ErrSuccess, rsp.Err)
	assert.Equal(t, []byte{FeatMultiNotify}, rsp.Value)
}

func TestIsSubscribed(t *testing.T) {
	f := newFixture(t, 23)

	assert.False(t, f.srv.IsSubscribed(f.conn, f.chr.value, CCCNotify))
	require.NoError(t, cccWrite(f.ccc, f.conn, CCCNotify))
	assert.True(t, f.srv.IsSubscribed(f.conn, f.chr.value, CCCNotify))
	assert.False(t, f.srv.IsSubscribed(f.conn, f.chr.value, CCCIndicate))

	// The declaration resolves to the same characteristic.
	assert.True(t, f.srv.IsSubscribed(f.conn, f.chr.decl, CCCNotify))
}

func TestServiceRegisteredQuery(t *testing.T) {
	f := newFixture(t, 23)
	assert.True(t, f.srv.IsRegistered(f.svc))
	require.NoError(t, f.srv.Unregister(f.svc))
	assert.False(t, f.srv.IsRegistered(f.svc))
}
