package att

import "github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"

// Kind identifies the ATT method a decoded record belongs to.
type Kind int

// ATT methods. [Vol 3, Part F, 3.4]
const (
	ExchangeMTU Kind = iota
	FindInformation
	FindByTypeValue
	ReadByType
	Read
	ReadBlob
	ReadMultiple
	ReadMultipleVariable
	ReadByGroupType
	Write
	WriteCommand
	SignedWriteCommand
	PrepareWrite
	ExecuteWrite
	Notify
	NotifyMultiple
	Indicate
)

func (k Kind) String() string {
	if int(k) < len(kindName) {
		return kindName[k]
	}
	return "unknown"
}

var kindName = []string{
	"exchange MTU",
	"find information",
	"find by type value",
	"read by type",
	"read",
	"read blob",
	"read multiple",
	"read multiple variable",
	"read by group type",
	"write",
	"write command",
	"signed write command",
	"prepare write",
	"execute write",
	"notify",
	"notify multiple",
	"indicate",
}

// Execute write flags.
const (
	ExecWriteCancel uint8 = 0x00
	ExecWriteAll    uint8 = 0x01
)

// An Item is one handle/value element of a list-shaped record: one entry of
// a find-information, read-by-type or read-by-group-type response, or one
// value of a multi-handle notification.
type Item struct {
	Handle   uint16
	EndGroup uint16 // group end handle; read-by-group-type and find-by-type-value only
	Value    []byte
}

// A Req is a decoded ATT request, command or server-initiated PDU.
// Only the fields relevant to Kind are meaningful.
type Req struct {
	Kind   Kind
	Start  uint16    // range-scoped methods
	End    uint16    // range-scoped methods
	Type   uuid.UUID // queried attribute type
	Handle uint16
	Value  []byte // match value, write payload, notification payload
	Offset uint16
	// ReadMultiple, ReadMultipleVariable
	Handles []uint16
	// NotifyMultiple
	Items []Item
	// ExecuteWrite
	Flags uint8
	// ExchangeMTU
	RxMTU uint16
}

// A Rsp is a decoded ATT response or confirmation. Err is zero on success;
// otherwise it carries the remote error code and the handle it refers to.
type Rsp struct {
	Err       Error
	ErrHandle uint16
	Items     []Item // list-shaped responses
	Value     []byte // read, read blob, prepare write
	RxMTU     uint16 // exchange MTU
}

// NewErrorRsp builds an error response.
func NewErrorRsp(h uint16, e Error) *Rsp {
	return &Rsp{Err: e, ErrHandle: h}
}

// NotifySize returns the encoded size of a handle value notification or
// indication carrying n payload bytes: opcode + handle + payload.
func NotifySize(n int) int { return 3 + n }

// MultiNotifySize returns the encoded size of a multiple handle value
// notification carrying the given payload lengths: opcode plus a
// handle + length prefix per value.
func MultiNotifySize(lens ...int) int {
	sz := 1
	for _, n := range lens {
		sz += 4 + n
	}
	return sz
}
