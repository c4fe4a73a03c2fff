package gamesocket

import "fmt"

// Flag is the 16-bit bit set at the start of every frame.
//
//	bit 15     body compressed
//	bits 6..7  request mode (0 none, 1 request, 2 response)
//	bit 5      multi-session frame (share-channel only)
type Flag uint16

const (
	FlagCompressed   Flag = 1 << 15
	FlagMultiSession Flag = 1 << 5

	requestModeShift      = 6
	requestModeMask  Flag = 0x3 << requestModeShift
)

// RequestMode tags a frame as part of a request/response exchange.
type RequestMode uint8

const (
	ModeNone RequestMode = iota
	ModeRequest
	ModeResponse
)

func (m RequestMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeRequest:
		return "request"
	case ModeResponse:
		return "response"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Compressed reports whether the body on the wire is compressed.
func (f Flag) Compressed() bool {
	return f&FlagCompressed != 0
}

// MultiSession reports whether the frame addresses a list of sessions.
func (f Flag) MultiSession() bool {
	return f&FlagMultiSession != 0
}

// RequestMode extracts the request-mode tag.
func (f Flag) RequestMode() RequestMode {
	return RequestMode((f & requestModeMask) >> requestModeShift)
}

// WithRequestMode returns f with the request-mode tag replaced by m.
func (f Flag) WithRequestMode(m RequestMode) Flag {
	return f&^requestModeMask | Flag(m)<<requestModeShift&requestModeMask
}

// NoSession is the session id of a frame that belongs to the physical
// connection rather than to a logical session.
const NoSession int32 = -1

// SystemType is the reserved message type of internal messages.
const SystemType uint16 = 0

// Frame is one complete protocol message.
type Frame struct {
	Flag     Flag
	Sequence uint16
	Type     uint16

	// SessionID addresses one logical session in share-channel mode.
	SessionID int32
	// SessionIDs addresses many logical sessions when Flag has
	// FlagMultiSession set.
	SessionIDs []int32
	// RequestID is carried when the request mode is not ModeNone.
	RequestID int32

	// Body is the decoded message. It is nil when the frame was relayed
	// without decoding.
	Body any
	// Raw holds the undecoded body bytes of a relayed frame. When set on an
	// outbound frame it is written as the body without encoding.
	Raw []byte
}

// RequestMode returns the request-mode tag of the frame.
func (f *Frame) RequestMode() RequestMode {
	return f.Flag.RequestMode()
}

// IsRequest reports whether the frame is a request awaiting a response.
func (f *Frame) IsRequest() bool {
	return f.RequestMode() == ModeRequest
}

// IsResponse reports whether the frame answers an earlier request.
func (f *Frame) IsResponse() bool {
	return f.RequestMode() == ModeResponse
}

// Payload returns the decoded body if present, otherwise the raw bytes.
func (f *Frame) Payload() any {
	if f.Body != nil {
		return f.Body
	}
	return f.Raw
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{flag=%#04x seq=%d type=%d session=%d mode=%s request=%d}",
		uint16(f.Flag), f.Sequence, f.Type, f.SessionID, f.RequestMode(), f.RequestID)
}
