package gatt

import (
	"encoding/binary"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"
)

// An Attribute is one entry of the attribute table. Its read and write
// capabilities, when present, serve remote access; Perm carries the security
// requirements gating them.
type Attribute struct {
	Type     uuid.UUID
	Handle   uint16
	Perm     Perm
	Read     ReadHandler
	Write    WriteHandler
	UserData interface{}
}

// A ReadHandler produces the value of an attribute for a remote read.
// offset is the byte offset the client asked for; implementations commonly
// delegate the clipping to ReadValue. Errors must be att.Error codes.
type ReadHandler interface {
	ServeRead(conn Conn, attr *Attribute, offset uint16) ([]byte, error)
}

// ReadHandlerFunc is an adapter to allow the use of ordinary functions as
// read handlers.
type ReadHandlerFunc func(conn Conn, attr *Attribute, offset uint16) ([]byte, error)

// ServeRead calls f(conn, attr, offset).
func (f ReadHandlerFunc) ServeRead(conn Conn, attr *Attribute, offset uint16) ([]byte, error) {
	return f(conn, attr, offset)
}

// A WriteHandler applies a remote write to an attribute and returns the
// number of bytes consumed. flags qualifies the write; a prepare-flagged
// write shall only check authorization and store nothing. Errors must be
// att.Error codes.
type WriteHandler interface {
	ServeWrite(conn Conn, attr *Attribute, data []byte, offset uint16, flags WriteFlag) (int, error)
}

// WriteHandlerFunc is an adapter to allow the use of ordinary functions as
// write handlers.
type WriteHandlerFunc func(conn Conn, attr *Attribute, data []byte, offset uint16, flags WriteFlag) (int, error)

// ServeWrite calls f(conn, attr, data, offset, flags).
func (f WriteHandlerFunc) ServeWrite(conn Conn, attr *Attribute, data []byte, offset uint16, flags WriteFlag) (int, error) {
	return f(conn, attr, data, offset, flags)
}

// ReadValue clips a stored value to the requested offset. An offset at or
// past the end yields an empty slice, not an error; the empty read is how a
// long read terminates.
func ReadValue(value []byte, offset uint16) ([]byte, error) {
	if int(offset) >= len(value) {
		return []byte{}, nil
	}
	return value[offset:], nil
}

// StaticValue returns a read handler serving a fixed value.
func StaticValue(value []byte) ReadHandler {
	return ReadHandlerFunc(func(conn Conn, attr *Attribute, offset uint16) ([]byte, error) {
		return ReadValue(value, offset)
	})
}

// ServiceValue is the decoded value of a service declaration.
type ServiceValue struct {
	UUID      uuid.UUID
	EndHandle uint16 // filled in at registration; discovery results carry the group end
}

// IncludeValue is the decoded value of an include declaration.
type IncludeValue struct {
	UUID  uuid.UUID // empty for included services with a 128-bit UUID
	Start uint16
	End   uint16
}

// CharacteristicValue is the decoded value of a characteristic declaration.
type CharacteristicValue struct {
	UUID        uuid.UUID
	ValueHandle uint16
	Properties  Property
}

// CEPValue is the decoded value of a Characteristic Extended Properties
// descriptor.
type CEPValue struct {
	Properties uint16
}

// Extended property bits carried by a CEP descriptor.
const (
	CEPReliableWrite    uint16 = 0x0001
	CEPWritableAuxilary uint16 = 0x0002
)

// SCCValue is the decoded value of a Server Characteristic Configuration
// descriptor.
type SCCValue struct {
	Flags uint16
}

// CPFValue is the decoded value of a Characteristic Presentation Format
// descriptor.
type CPFValue struct {
	Format      uint8
	Exponent    int8
	Unit        uint16
	NameSpace   uint8
	Description uint16
}

// ValueHandle returns the handle holding the characteristic value when a is
// a characteristic declaration, and a's own handle otherwise. Procedures
// accept either form.
func ValueHandle(a *Attribute) uint16 {
	if v, ok := a.UserData.(*CharacteristicValue); ok && v.ValueHandle != 0 {
		return v.ValueHandle
	}
	return a.Handle
}

// A Service is a group of attributes registered and removed as a unit. Build
// one with NewService or NewSecondaryService, populate it, then hand it to
// Server.Register; Handle and EndHandle are filled in at registration.
type Service struct {
	UUID      uuid.UUID
	Primary   bool
	Attrs     []*Attribute
	Handle    uint16
	EndHandle uint16
}

// NewService creates a primary service.
func NewService(u uuid.UUID) *Service {
	return newService(u, true)
}

// NewSecondaryService creates a secondary service, referenced by other
// services through include declarations and skipped by primary discovery.
func NewSecondaryService(u uuid.UUID) *Service {
	return newService(u, false)
}

func newService(u uuid.UUID, primary bool) *Service {
	declType := PrimaryServiceUUID
	if !primary {
		declType = SecondaryServiceUUID
	}
	s := &Service{UUID: u, Primary: primary}
	v := &ServiceValue{UUID: u}
	s.Attrs = append(s.Attrs, &Attribute{
		Type:     declType,
		Perm:     PermRead,
		Read:     StaticValue(u),
		UserData: v,
	})
	return s
}

// AddIncludedService appends an include declaration referencing a previously
// registered service.
func (s *Service) AddIncludedService(inc *Service) {
	v := &IncludeValue{Start: inc.Handle, End: inc.EndHandle}
	if inc.UUID.Len() == 2 {
		v.UUID = inc.UUID
	}
	s.Attrs = append(s.Attrs, &Attribute{
		Type: IncludeUUID,
		Perm: PermRead,
		Read: ReadHandlerFunc(func(conn Conn, attr *Attribute, offset uint16) ([]byte, error) {
			b := make([]byte, 4, 6)
			binary.LittleEndian.PutUint16(b[0:2], v.Start)
			binary.LittleEndian.PutUint16(b[2:4], v.End)
			b = append(b, v.UUID...)
			return ReadValue(b, offset)
		}),
		UserData: v,
	})
}

// A Characteristic is the pair of declaration and value attributes appended
// by Service.NewCharacteristic, kept so descriptors can be added and the
// assigned handles read back after registration.
type Characteristic struct {
	UUID  uuid.UUID
	Props Property

	svc   *Service
	decl  *Attribute
	value *Attribute
}

// Handle returns the handle of the characteristic declaration.
func (c *Characteristic) Handle() uint16 { return c.decl.Handle }

// ValueHandle returns the handle of the characteristic value.
func (c *Characteristic) ValueHandle() uint16 { return c.value.Handle }

// NewCharacteristic appends a characteristic declaration and its value
// attribute. rh and wh may be nil for a value without the corresponding
// capability.
func (s *Service) NewCharacteristic(u uuid.UUID, props Property, perm Perm, rh ReadHandler, wh WriteHandler) *Characteristic {
	cv := &CharacteristicValue{UUID: u, Properties: props}
	decl := &Attribute{
		Type: CharacteristicUUID,
		Perm: PermRead,
		Read: ReadHandlerFunc(func(conn Conn, attr *Attribute, offset uint16) ([]byte, error) {
			b := make([]byte, 3, 3+len(u))
			b[0] = byte(cv.Properties)
			binary.LittleEndian.PutUint16(b[1:3], cv.ValueHandle)
			b = append(b, u...)
			return ReadValue(b, offset)
		}),
		UserData: cv,
	}
	value := &Attribute{
		Type:  u,
		Perm:  perm,
		Read:  rh,
		Write: wh,
	}
	s.Attrs = append(s.Attrs, decl, value)
	return &Characteristic{UUID: u, Props: props, svc: s, decl: decl, value: value}
}

// AddDescriptor appends a descriptor attribute to the characteristic.
func (c *Characteristic) AddDescriptor(a *Attribute) *Attribute {
	c.svc.Attrs = append(c.svc.Attrs, a)
	return a
}

// AddUserDescription appends a Characteristic User Description descriptor.
func (c *Characteristic) AddUserDescription(desc string) *Attribute {
	return c.AddDescriptor(&Attribute{
		Type: CUDUUID,
		Perm: PermRead,
		Read: StaticValue([]byte(desc)),
	})
}

// AddExtendedProperties appends a Characteristic Extended Properties
// descriptor. The characteristic declaration should carry CharExtended.
func (c *Characteristic) AddExtendedProperties(props uint16) *Attribute {
	v := &CEPValue{Properties: props}
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, props)
	return c.AddDescriptor(&Attribute{
		Type:     CEPUUID,
		Perm:     PermRead,
		Read:     StaticValue(b),
		UserData: v,
	})
}

// AddPresentationFormat appends a Characteristic Presentation Format
// descriptor.
func (c *Characteristic) AddPresentationFormat(v CPFValue) *Attribute {
	b := make([]byte, 7)
	b[0] = v.Format
	b[1] = byte(v.Exponent)
	binary.LittleEndian.PutUint16(b[2:4], v.Unit)
	b[4] = v.NameSpace
	binary.LittleEndian.PutUint16(b[5:7], v.Description)
	return c.AddDescriptor(&Attribute{
		Type:     CPFUUID,
		Perm:     PermRead,
		Read:     StaticValue(b),
		UserData: &v,
	})
}

// AddServerConfiguration appends a Server Characteristic Configuration
// descriptor. changed, if non-nil, is invoked when a peer flips the
// broadcast flag.
func (c *Characteristic) AddServerConfiguration(changed func(conn Conn, flags uint16)) *Attribute {
	v := &SCCValue{}
	return c.AddDescriptor(&Attribute{
		Type: SCCUUID,
		Perm: PermRead | PermWrite,
		Read: ReadHandlerFunc(func(conn Conn, attr *Attribute, offset uint16) ([]byte, error) {
			b := make([]byte, 2)
			binary.LittleEndian.PutUint16(b, v.Flags)
			return ReadValue(b, offset)
		}),
		Write: WriteHandlerFunc(func(conn Conn, attr *Attribute, data []byte, offset uint16, flags WriteFlag) (int, error) {
			if flags.Prepared() {
				return 0, nil
			}
			if offset != 0 {
				return 0, att.ErrInvalidOffset
			}
			if len(data) != 2 {
				return 0, att.ErrInvalAttrValueLen
			}
			nv := binary.LittleEndian.Uint16(data)
			if nv != v.Flags {
				v.Flags = nv
				if changed != nil {
					changed(conn, nv)
				}
			}
			return len(data), nil
		}),
		UserData: v,
	})
}
