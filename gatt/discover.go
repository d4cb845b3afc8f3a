package gatt

import (
	"encoding/binary"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"
)

// DiscoverType selects the discovery procedure.
type DiscoverType int

// Discovery procedures.
const (
	// DiscoverPrimary finds primary services, optionally filtered by UUID.
	DiscoverPrimary DiscoverType = iota
	// DiscoverSecondary finds secondary services.
	DiscoverSecondary
	// DiscoverInclude finds include declarations within a service range.
	DiscoverInclude
	// DiscoverCharacteristic finds characteristic declarations.
	DiscoverCharacteristic
	// DiscoverDescriptor finds descriptors; results carry no decoded payload.
	DiscoverDescriptor
	// DiscoverAttribute finds every attribute in the range, undecoded.
	DiscoverAttribute
	// DiscoverStdCharDesc reads standard descriptor values (CEP, CCC, SCC,
	// CPF) along with their handles; UUID selects which.
	DiscoverStdCharDesc
)

// DiscoverFunc receives discovered attributes in ascending handle order.
// A nil attr marks the end of the procedure; returning IterStop ends it
// early with no final callback.
type DiscoverFunc func(conn Conn, attr *Attribute, p *DiscoverParams) Iter

// DiscoverParams drive one discovery procedure. Start is advanced as the
// procedure progresses; the object may not be touched while in flight.
type DiscoverParams struct {
	Type  DiscoverType
	UUID  uuid.UUID // filter; required for DiscoverStdCharDesc
	Start uint16
	End   uint16
	Func  DiscoverFunc

	termErr error // why the procedure ended, for in-package callers
}

var stdDescUUIDs = []uuid.UUID{CEPUUID, CCCUUID, SCCUUID, CPFUUID}

// Discover starts a discovery procedure. An empty range (Start > End)
// completes immediately with the single nil-attribute callback and no wire
// traffic.
func (c *Client) Discover(conn Conn, p *DiscoverParams) error {
	if p.Func == nil || p.Start == 0 {
		return ErrInvalidArgument
	}
	if p.Type == DiscoverStdCharDesc {
		ok := false
		for _, u := range stdDescUUIDs {
			if u.Equal(p.UUID) {
				ok = true
				break
			}
		}
		if !ok {
			return ErrInvalidArgument
		}
	}
	cc, ok := c.state(conn)
	if !ok {
		return ErrDisconnected
	}
	if p.Start > p.End {
		p.termErr = nil
		p.Func(conn, nil, p)
		return nil
	}
	if err := cc.begin(p, func(err error) {
		p.termErr = err
		p.Func(conn, nil, p)
	}); err != nil {
		return err
	}
	if err := c.discoverRound(cc, p); err != nil {
		cc.abort(p)
		return err
	}
	return nil
}

func (c *Client) discoverRound(cc *clientConn, p *DiscoverParams) error {
	req := &att.Req{Start: p.Start, End: p.End}
	switch p.Type {
	case DiscoverPrimary, DiscoverSecondary:
		declType := PrimaryServiceUUID
		if p.Type == DiscoverSecondary {
			declType = SecondaryServiceUUID
		}
		if p.UUID != nil {
			req.Kind = att.FindByTypeValue
			req.Type = declType
			req.Value = p.UUID
		} else {
			req.Kind = att.ReadByGroupType
			req.Type = declType
		}
	case DiscoverInclude:
		req.Kind = att.ReadByType
		req.Type = IncludeUUID
	case DiscoverCharacteristic:
		req.Kind = att.ReadByType
		req.Type = CharacteristicUUID
	case DiscoverDescriptor, DiscoverAttribute:
		req.Kind = att.FindInformation
	case DiscoverStdCharDesc:
		req.Kind = att.ReadByType
		req.Type = p.UUID
	default:
		return ErrInvalidArgument
	}
	return cc.conn.Transport().Request(req, func(rsp *att.Rsp) {
		c.onDiscoverRsp(cc, p, rsp)
	})
}

// terminate ends the procedure with the final nil-attribute callback, once.
func (c *Client) terminate(cc *clientConn, p *DiscoverParams, err error) {
	if !cc.finish(p) {
		return
	}
	p.termErr = err
	p.Func(cc.conn, nil, p)
}

func (c *Client) onDiscoverRsp(cc *clientConn, p *DiscoverParams, rsp *att.Rsp) {
	if !cc.alive(p) {
		return
	}
	if rsp.Err != att.ErrSuccess {
		if rsp.Err == att.ErrAttrNotFound {
			c.terminate(cc, p, nil)
		} else {
			c.terminate(cc, p, rsp.Err)
		}
		return
	}
	next := uint16(0)
	exhausted := false
	for _, item := range rsp.Items {
		attr, cont := c.discoveredAttr(p, item)
		if attr != nil {
			if p.Func(cc.conn, attr, p) == IterStop {
				cc.finish(p)
				return
			}
		}
		if cont == 0 {
			exhausted = true
			break
		}
		next = cont
	}
	if exhausted || next == 0 || next > p.End {
		c.terminate(cc, p, nil)
		return
	}
	p.Start = next
	if err := c.discoverRound(cc, p); err != nil {
		c.logger.WithError(err).Debug("discovery continuation failed")
		c.terminate(cc, p, err)
	}
}

// discoveredAttr decodes one response item into the attribute handed to the
// callback, plus the handle the scan continues from. A zero continuation
// means the handle space is exhausted; a nil attribute with a nonzero
// continuation means the item was filtered out.
func (c *Client) discoveredAttr(p *DiscoverParams, item att.Item) (*Attribute, uint16) {
	switch p.Type {
	case DiscoverPrimary, DiscoverSecondary:
		declType := PrimaryServiceUUID
		if p.Type == DiscoverSecondary {
			declType = SecondaryServiceUUID
		}
		sv := &ServiceValue{EndHandle: item.EndGroup}
		if len(item.Value) > 0 {
			sv.UUID = uuid.UUID(item.Value)
		} else {
			sv.UUID = p.UUID
		}
		cont := uint16(0)
		if item.EndGroup != att.LastHandle {
			cont = item.EndGroup + 1
		}
		return &Attribute{Handle: item.Handle, Type: declType, UserData: sv}, cont

	case DiscoverInclude:
		if len(item.Value) < 4 {
			return nil, c.nextHandle(item.Handle)
		}
		iv := &IncludeValue{
			Start: binary.LittleEndian.Uint16(item.Value[0:2]),
			End:   binary.LittleEndian.Uint16(item.Value[2:4]),
		}
		if len(item.Value) >= 6 {
			iv.UUID = uuid.UUID(item.Value[4:6])
		}
		return &Attribute{Handle: item.Handle, Type: IncludeUUID, UserData: iv}, c.nextHandle(item.Handle)

	case DiscoverCharacteristic:
		if len(item.Value) < 5 {
			return nil, c.nextHandle(item.Handle)
		}
		cv := &CharacteristicValue{
			Properties:  Property(item.Value[0]),
			ValueHandle: binary.LittleEndian.Uint16(item.Value[1:3]),
			UUID:        uuid.UUID(item.Value[3:]),
		}
		// The wire query cannot carry a characteristic UUID filter; apply
		// it here.
		cont := c.nextHandle(cv.ValueHandle)
		if p.UUID != nil && !p.UUID.Equal(cv.UUID) {
			return nil, cont
		}
		return &Attribute{Handle: item.Handle, Type: CharacteristicUUID, UserData: cv}, cont

	case DiscoverDescriptor, DiscoverAttribute:
		cont := c.nextHandle(item.Handle)
		t := uuid.UUID(item.Value)
		if p.UUID != nil && !p.UUID.Equal(t) {
			return nil, cont
		}
		return &Attribute{Handle: item.Handle, Type: t}, cont

	case DiscoverStdCharDesc:
		return &Attribute{Handle: item.Handle, Type: p.UUID, UserData: stdDescValue(p.UUID, item.Value)}, c.nextHandle(item.Handle)
	}
	return nil, 0
}

func (c *Client) nextHandle(h uint16) uint16 {
	if h == att.LastHandle {
		return 0
	}
	return h + 1
}

func stdDescValue(u uuid.UUID, b []byte) interface{} {
	u16 := func() uint16 {
		if len(b) < 2 {
			return 0
		}
		return binary.LittleEndian.Uint16(b)
	}
	switch {
	case u.Equal(CEPUUID):
		return &CEPValue{Properties: u16()}
	case u.Equal(CCCUUID):
		return &CCCValue{Flags: u16()}
	case u.Equal(SCCUUID):
		return &SCCValue{Flags: u16()}
	case u.Equal(CPFUUID):
		v := &CPFValue{}
		if len(b) >= 7 {
			v.Format = b[0]
			v.Exponent = int8(b[1])
			v.Unit = binary.LittleEndian.Uint16(b[2:4])
			v.NameSpace = b[4]
			v.Description = binary.LittleEndian.Uint16(b[5:7])
		}
		return v
	}
	return nil
}
