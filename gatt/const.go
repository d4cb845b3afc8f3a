package gatt

import "github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"

// Attribute types of the GATT profile.
var (
	PrimaryServiceUUID   = uuid.UUID16(0x2800)
	SecondaryServiceUUID = uuid.UUID16(0x2801)
	IncludeUUID          = uuid.UUID16(0x2802)
	CharacteristicUUID   = uuid.UUID16(0x2803)

	// Standard characteristic descriptors.
	CEPUUID = uuid.UUID16(0x2900) // Characteristic Extended Properties
	CUDUUID = uuid.UUID16(0x2901) // Characteristic User Description
	CCCUUID = uuid.UUID16(0x2902) // Client Characteristic Configuration
	SCCUUID = uuid.UUID16(0x2903) // Server Characteristic Configuration
	CPFUUID = uuid.UUID16(0x2904) // Characteristic Presentation Format
)

// Property is a characteristic property bitmask. [Vol 3, Part G, 3.3.1.1]
type Property uint8

// Characteristic property flags.
const (
	CharBroadcast   Property = 0x01 // may be broadcasted
	CharRead        Property = 0x02 // may be read
	CharWriteNR     Property = 0x04 // may be written to, with no reply
	CharWrite       Property = 0x08 // may be written to, with a reply
	CharNotify      Property = 0x10 // supports notifications
	CharIndicate    Property = 0x20 // supports indications
	CharSignedWrite Property = 0x40 // supports signed write
	CharExtended    Property = 0x80 // supports extended properties
)

// Perm is an attribute permission bitmask. The bits are security
// requirements; whether an attribute can be read or written at all is
// determined by the presence of its Read and Write capabilities.
type Perm uint16

// Attribute permission flags.
const (
	PermRead         Perm = 0x0001 // open read access
	PermWrite        Perm = 0x0002 // open write access
	PermReadEncrypt  Perm = 0x0004 // read requires encryption
	PermWriteEncrypt Perm = 0x0008 // write requires encryption
	PermReadAuthen   Perm = 0x0010 // read requires an authenticated link
	PermWriteAuthen  Perm = 0x0020 // write requires an authenticated link
	PermPrepareWrite Perm = 0x0040 // allows queued prepare writes
)

// Readable reports whether any read permission bit is set.
func (p Perm) Readable() bool { return p&(PermRead|PermReadEncrypt|PermReadAuthen) != 0 }

// Writable reports whether any write permission bit is set.
func (p Perm) Writable() bool { return p&(PermWrite|PermWriteEncrypt|PermWriteAuthen) != 0 }

// ReadSecurity returns the minimum security level the read bits demand.
func (p Perm) ReadSecurity() SecurityLevel {
	switch {
	case p&PermReadAuthen != 0:
		return SecurityHigh
	case p&PermReadEncrypt != 0:
		return SecurityMedium
	default:
		return SecurityLow
	}
}

// WriteSecurity returns the minimum security level the write bits demand.
func (p Perm) WriteSecurity() SecurityLevel {
	switch {
	case p&PermWriteAuthen != 0:
		return SecurityHigh
	case p&PermWriteEncrypt != 0:
		return SecurityMedium
	default:
		return SecurityLow
	}
}

// CCC subscription bits.
const (
	CCCNotify   uint16 = 0x0001
	CCCIndicate uint16 = 0x0002
)

// SecurityLevel is the security level of a connection's link.
type SecurityLevel int

// Link security levels, low to high.
const (
	SecurityLow    SecurityLevel = iota // no encryption
	SecurityMedium                      // encrypted, unauthenticated key
	SecurityHigh                        // encrypted, authenticated key
)

// WriteFlag qualifies a write delivered to a write capability.
type WriteFlag uint8

// Write flags.
const (
	// WritePrepare marks a queued prepare write: the capability shall only
	// check authorization, not store data.
	WritePrepare WriteFlag = 0x01
	// WriteCommand marks a write without response.
	WriteCommand WriteFlag = 0x02
	// WriteExecute marks the final write of a prepare/execute sequence.
	WriteExecute WriteFlag = 0x04
)

// Prepared reports whether the write is the check-only prepare phase.
func (f WriteFlag) Prepared() bool { return f&WritePrepare != 0 }

// Command reports whether the write came without response.
func (f WriteFlag) Command() bool { return f&WriteCommand != 0 }

// Execute reports whether the write ends a prepare/execute sequence.
func (f WriteFlag) Execute() bool { return f&WriteExecute != 0 }
