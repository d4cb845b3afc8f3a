package gatt

import (
	"strconv"
	"strings"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
)

// Addr represents a network end point of a remote device.
type Addr interface {
	String() string
}

// NewAddr creates an Addr from its string form. The address is normalized
// to lowercase so it can serve as a map key.
func NewAddr(s string) Addr { return addr(strings.ToLower(s)) }

type addr string

func (a addr) String() string { return string(a) }

// A Conn is an established link to a remote device, as presented by the
// connection layer. The engine never opens or closes connections; it is told
// about them through Server.Connected, Server.Disconnected and their Client
// counterparts.
type Conn interface {
	// ID returns the local identity the connection was made with.
	ID() uint8

	// RemoteAddr returns the peer address.
	RemoteAddr() Addr

	// Transport returns the ATT transport of this connection.
	Transport() att.Transport

	// SecurityLevel returns the current security level of the link.
	SecurityLevel() SecurityLevel
}

// connKey builds the map key identifying a bonded peer: local identity plus
// peer address. The same peer bonded against two local identities is two
// distinct entries.
func connKey(id uint8, a Addr) string {
	return strconv.Itoa(int(id)) + "/" + a.String()
}

func keyOf(c Conn) string { return connKey(c.ID(), c.RemoteAddr()) }
