package gamesocket

import "github.com/pkg/errors"

// ErrNeedMoreData is returned by FrameCodec.Decode when the buffer does not
// yet hold a complete frame. It is not a failure: the caller should read
// more bytes and try again. The buffer's read position is left untouched.
var ErrNeedMoreData = errors.New("need more data")

// ErrProtocol is the umbrella for every protocol violation. A violation
// always terminates the connection. Use errors.Is(err, ErrProtocol) to
// recognise any of the specific errors below.
var ErrProtocol = errors.New("protocol violation")

// Protocol violations.
var (
	ErrBodyTooLarge       = protocolError("body length exceeds hard limit")
	ErrNegativeBodyLength = protocolError("negative body length")
	ErrSequenceMismatch   = protocolError("unexpected sequence")
	ErrMalformedFrame     = protocolError("malformed frame")
	ErrUnknownMessageType = protocolError("unknown message type")
)

// Errors returned by session and request operations.
var (
	// ErrSessionClosed fails requests issued on, or pending in, a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrRequestTimeout fails requests that got no response in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrRequestModeDisabled is returned when requesting on a connection
	// configured without RequestOption.
	ErrRequestModeDisabled = errors.New("request mode disabled")
	// ErrSessionExists is returned when registering a logical session twice.
	ErrSessionExists = errors.New("session already registered")
	// ErrTooManySessions is returned when a broadcast names more sessions
	// than a multi-session frame can carry.
	ErrTooManySessions = errors.New("too many sessions in one frame")
	// ErrNotEncodable is returned when the body encoder cannot handle a
	// message and the message is not a raw byte slice that can pass through.
	ErrNotEncodable = errors.New("message not encodable")
	// ErrUnregisteredMessage is returned when encoding a message whose Go
	// type has no registered message type.
	ErrUnregisteredMessage = errors.New("message type not registered")
	// ErrNotShareChannel is returned by multiplexer operations on a
	// connection that is not in share-channel mode.
	ErrNotShareChannel = errors.New("connection not in share-channel mode")
)

type protocolErr struct {
	msg string
}

func protocolError(msg string) error {
	return &protocolErr{msg: msg}
}

func (e *protocolErr) Error() string {
	return e.msg
}

// Is makes every protocol error match ErrProtocol.
func (e *protocolErr) Is(target error) bool {
	return target == ErrProtocol
}
