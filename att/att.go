// Package att defines the boundary between the attribute-exchange engine
// and the transport that frames, encodes and exchanges ATT PDUs. PDUs cross
// this boundary in decoded form; wire layout belongs to the transport.
package att

import "errors"

// DefaultMTU 23 defines the default MTU of ATT protocol.
const DefaultMTU = 23

// MaxMTU is maximum of ATT_MTU, which is 512 bytes of value length and 3 bytes of header.
// The maximum length of an attribute value shall be 512 octets [Vol 3, Part F, 3.2.9]
const MaxMTU = 512 + 3

// FirstHandle and LastHandle bound the valid attribute handle range.
// Handle 0 is invalid.
const (
	FirstHandle uint16 = 0x0001
	LastHandle  uint16 = 0xFFFF
)

// ErrQueueFull is returned by a Transport when the bounded request queue has
// no room for another PDU. The submission had no effect.
var ErrQueueFull = errors.New("att: request queue full")
