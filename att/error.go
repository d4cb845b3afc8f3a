package att

// Error is an ATT protocol error code. [Vol 3, Part F, 3.4.1.1]
// Remote-reported failures are surfaced verbatim as this type.
type Error byte

// ATT protocol error codes.
const (
	ErrSuccess           Error = 0x00 // the operation succeeded.
	ErrInvalidHandle     Error = 0x01 // the attribute handle given was not valid on this server.
	ErrReadNotPerm       Error = 0x02 // the attribute cannot be read.
	ErrWriteNotPerm      Error = 0x03 // the attribute cannot be written.
	ErrInvalidPDU        Error = 0x04 // the attribute PDU was invalid.
	ErrAuthentication    Error = 0x05 // the attribute requires authentication before it can be read or written.
	ErrReqNotSupp        Error = 0x06 // the attribute server does not support the request received from the client.
	ErrInvalidOffset     Error = 0x07 // the specified offset was past the end of the attribute.
	ErrAuthorization     Error = 0x08 // the attribute requires authorization before it can be read or written.
	ErrPrepQueueFull     Error = 0x09 // too many prepare writes have been queued.
	ErrAttrNotFound      Error = 0x0a // no attribute found within the given attribute handle range.
	ErrAttrNotLong       Error = 0x0b // the attribute cannot be read or written using the Read Blob Request.
	ErrInsuffEncrKeySize Error = 0x0c // the Encryption Key Size used for encrypting this link is insufficient.
	ErrInvalAttrValueLen Error = 0x0d // the attribute value length is invalid for the operation.
	ErrUnlikely          Error = 0x0e // the request has encountered an error that was unlikely and could not be completed.
	ErrInsuffEnc         Error = 0x0f // the attribute requires encryption before it can be read or written.
	ErrUnsuppGrpType     Error = 0x10 // the attribute type is not a supported grouping attribute.
	ErrInsuffResources   Error = 0x11 // insufficient resources to complete the request.
	ErrValueNotAllowed   Error = 0x13 // the attribute parameter value was not allowed.
)

func (e Error) Error() string {
	switch i := int(e); {
	case i <= 0x13:
		return errName[e]
	case (i >= 0x14 && i <= 0x7F) || // Reserved for future use
		(i >= 0xA0 && i <= 0xDF): // Reserved for future use
		return "reserved error code"
	case i >= 0x80 && i <= 0x9F: // Application error, defined by higher layer
		return "application error"
	case i >= 0xE0 && i <= 0xFF: // Common profile and service error codes
		return "profile or service error"
	default: // can't happen, just make compiler happy
		return "unknown error"
	}
}

var errName = map[Error]string{
	ErrSuccess:           "success",
	ErrInvalidHandle:     "invalid handle",
	ErrReadNotPerm:       "read not permitted",
	ErrWriteNotPerm:      "write not permitted",
	ErrInvalidPDU:        "invalid PDU",
	ErrAuthentication:    "insufficient authentication",
	ErrReqNotSupp:        "request not supported",
	ErrInvalidOffset:     "invalid offset",
	ErrAuthorization:     "insufficient authorization",
	ErrPrepQueueFull:     "prepare queue full",
	ErrAttrNotFound:      "attribute not found",
	ErrAttrNotLong:       "attribute not long",
	ErrInsuffEncrKeySize: "insufficient encryption key size",
	ErrInvalAttrValueLen: "invalid attribute value length",
	ErrUnlikely:          "unlikely error",
	ErrInsuffEnc:         "insufficient encryption",
	ErrUnsuppGrpType:     "unsupported group type",
	ErrInsuffResources:   "insufficient resources",
	ErrValueNotAllowed:   "value not allowed",
}
