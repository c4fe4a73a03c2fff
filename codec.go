package gamesocket

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Header field sizes in bytes.
const (
	flagSize      = 2
	sequenceSize  = 2
	typeSize      = 2
	lengthSize    = 4
	sessionIDSize = 4
	countSize     = 2
	requestIDSize = 4

	maxMultiSessions = 0xFFFF
)

// SequenceValidator checks inbound sequence numbers.
type SequenceValidator interface {
	ValidateReceiveSequence(seq int) bool
}

// DecodeError describes a frame that could not be decoded. It carries
// whatever header fields were parsed before the failure.
type DecodeError struct {
	Type       uint16
	BodyLength int32
	SessionID  int32
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (type %d, body length %d, session %d): %v",
		e.Type, e.BodyLength, e.SessionID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FrameCodec converts between frames and their wire form:
//
//	[flag:2][sequence:2]?[type:2][bodyLength:4]
//	[sessionId:4 | sessionCount:2 sessionId:4*count]?[requestId:4]?[body]
//
// All integers are big-endian. The optional parts depend on the codec
// configuration (sequence, share-channel) and on the frame's flag.
// A FrameCodec holds no per-connection state and is safe for concurrent use.
type FrameCodec struct {
	encoder    BodyEncoder
	decoder    BodyDecoder
	registry   TypeRegistry
	compressor Compressor
	threshold  int
	sequence   bool
	share      bool
	softLimit  int
	hardLimit  int
	logger     Logger
	metrics    *Metrics
}

// NewFrameCodec builds a codec from the codec-related options. Connection
// options are accepted and ignored.
func NewFrameCodec(opt ...Option) *FrameCodec {
	opts := newOptions(opt)
	applyCodecDefaults(&opts)
	return newFrameCodec(&opts)
}

func newFrameCodec(opts *options) *FrameCodec {
	return &FrameCodec{
		encoder:    opts.encoder,
		decoder:    opts.decoder,
		registry:   opts.registry,
		compressor: opts.compressor,
		threshold:  opts.compressThreshold,
		sequence:   opts.sequence,
		share:      opts.shareChannel,
		softLimit:  opts.softLimit,
		hardLimit:  opts.hardLimit,
		logger:     opts.logger,
		metrics:    opts.metrics,
	}
}

// Sequence reports whether frames carry a sequence field.
func (c *FrameCodec) Sequence() bool {
	return c.sequence
}

// ShareChannel reports whether frames carry session ids.
func (c *FrameCodec) ShareChannel() bool {
	return c.share
}

// Encode appends the wire form of f to dst.
//
// If f has no Raw body and the body encoder cannot encode f.Body, nothing is
// written and encoded is false: the message passes through untouched so
// another layer can deal with it.
//
// The message type is taken from f.Type, or looked up in the registry when
// f.Type is SystemType. The sequence field is written from f.Sequence; Conn
// overwrites it when the frame is actually sent.
func (c *FrameCodec) Encode(dst []byte, f *Frame) (out []byte, encoded bool, err error) {
	var body []byte
	typ := f.Type

	switch {
	case f.Raw != nil:
		body = f.Raw
	case f.Body == nil || c.encoder == nil || !c.encoder.CanEncode(f.Body):
		return dst, false, nil
	default:
		if typ == SystemType {
			t, ok := c.lookupType(f.Body)
			if !ok {
				return dst, false, errors.Wrapf(ErrUnregisteredMessage, "%T", f.Body)
			}
			typ = t
		}
		if body, err = c.encoder.Encode(nil, f.Body); err != nil {
			return dst, false, errors.Wrapf(err, "encode body of type %d", typ)
		}
	}

	flag := f.Flag &^ FlagCompressed
	if c.compressor != nil && len(body) >= c.threshold {
		if body, err = c.compressor.Compress(body); err != nil {
			return dst, false, errors.Wrapf(err, "compress body of type %d", typ)
		}
		flag |= FlagCompressed
		c.metrics.compressed()
	}

	if len(body) >= c.hardLimit {
		return dst, false, errors.Wrapf(ErrBodyTooLarge, "outbound type %d body length %d, limit %d",
			typ, len(body), c.hardLimit)
	}

	multi := flag.MultiSession()
	mode := flag.RequestMode()
	if mode > ModeResponse {
		return dst, false, errors.Errorf("invalid request mode %d", mode)
	}
	if multi {
		if !c.share {
			return dst, false, errors.Wrap(ErrNotShareChannel, "multi-session frame")
		}
		if mode != ModeNone {
			return dst, false, errors.New("multi-session frame cannot carry a request id")
		}
		if len(f.SessionIDs) > maxMultiSessions {
			return dst, false, errors.Wrapf(ErrTooManySessions, "%d sessions", len(f.SessionIDs))
		}
	}

	dst = binary.BigEndian.AppendUint16(dst, uint16(flag))
	if c.sequence {
		dst = binary.BigEndian.AppendUint16(dst, f.Sequence)
	}
	dst = binary.BigEndian.AppendUint16(dst, typ)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	if c.share {
		if multi {
			dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.SessionIDs)))
			for _, id := range f.SessionIDs {
				dst = binary.BigEndian.AppendUint32(dst, uint32(id))
			}
		} else {
			dst = binary.BigEndian.AppendUint32(dst, uint32(f.SessionID))
		}
	}
	if mode != ModeNone {
		dst = binary.BigEndian.AppendUint32(dst, uint32(f.RequestID))
	}
	dst = append(dst, body...)

	c.metrics.frameOut(mode)
	return dst, true, nil
}

func (c *FrameCodec) lookupType(v any) (uint16, bool) {
	if c.registry == nil {
		return 0, false
	}
	return c.registry.TypeOf(v)
}

// Decode parses one frame from the unread bytes of buf.
//
// It returns ErrNeedMoreData, leaving buf untouched, when the frame is not
// fully buffered yet. Any other error is a *DecodeError wrapping a protocol
// violation; buf is left untouched as well and the connection must be
// closed. On success the read index moves past exactly one frame.
//
// When sequence mode is on and v is not nil, the frame's sequence is
// validated once the whole frame has arrived.
func (c *FrameCodec) Decode(buf *Buffer, v SequenceValidator) (*Frame, error) {
	b := buf.Bytes()
	f := &Frame{SessionID: NoSession}

	off := 0
	if len(b) < flagSize {
		return nil, ErrNeedMoreData
	}
	f.Flag = Flag(binary.BigEndian.Uint16(b))
	off += flagSize

	if c.sequence {
		if len(b) < off+sequenceSize {
			return nil, ErrNeedMoreData
		}
		f.Sequence = binary.BigEndian.Uint16(b[off:])
		off += sequenceSize
	}

	if len(b) < off+typeSize+lengthSize {
		return nil, ErrNeedMoreData
	}
	f.Type = binary.BigEndian.Uint16(b[off:])
	length := int32(binary.BigEndian.Uint32(b[off+typeSize:]))
	off += typeSize + lengthSize

	fail := func(err error) (*Frame, error) {
		return nil, &DecodeError{Type: f.Type, BodyLength: length, SessionID: f.SessionID, Err: err}
	}

	if length < 0 {
		return fail(ErrNegativeBodyLength)
	}
	if int64(length) >= int64(c.hardLimit) {
		return fail(errors.Wrapf(ErrBodyTooLarge, "limit %d", c.hardLimit))
	}

	if c.share {
		if f.Flag.MultiSession() {
			if len(b) < off+countSize {
				return nil, ErrNeedMoreData
			}
			count := int(binary.BigEndian.Uint16(b[off:]))
			off += countSize
			if len(b) < off+count*sessionIDSize {
				return nil, ErrNeedMoreData
			}
			f.SessionIDs = make([]int32, count)
			for i := range f.SessionIDs {
				f.SessionIDs[i] = int32(binary.BigEndian.Uint32(b[off:]))
				off += sessionIDSize
			}
		} else {
			if len(b) < off+sessionIDSize {
				return nil, ErrNeedMoreData
			}
			f.SessionID = int32(binary.BigEndian.Uint32(b[off:]))
			off += sessionIDSize
		}
	} else if f.Flag.MultiSession() {
		return fail(errors.Wrap(ErrMalformedFrame, "multi-session flag outside share-channel mode"))
	}

	mode := f.Flag.RequestMode()
	switch mode {
	case ModeNone:
	case ModeRequest, ModeResponse:
		if f.Flag.MultiSession() {
			return fail(errors.Wrap(ErrMalformedFrame, "multi-session frame with request id"))
		}
		if len(b) < off+requestIDSize {
			return nil, ErrNeedMoreData
		}
		f.RequestID = int32(binary.BigEndian.Uint32(b[off:]))
		off += requestIDSize
	default:
		return fail(errors.Wrapf(ErrMalformedFrame, "request mode %d", mode))
	}

	if len(b) < off+int(length) {
		return nil, ErrNeedMoreData
	}
	body := b[off : off+int(length)]

	if c.sequence && v != nil && !v.ValidateReceiveSequence(int(f.Sequence)) {
		return fail(errors.Wrapf(ErrSequenceMismatch, "sequence %d", f.Sequence))
	}

	if int(length) > c.softLimit {
		c.logger.Warn("body length above soft limit",
			"type", f.Type, "session_id", f.SessionID, "body_length", length, "limit", c.softLimit)
	}

	if f.Flag.Compressed() {
		if c.compressor == nil {
			return fail(errors.Wrap(ErrMalformedFrame, "compressed body without compressor"))
		}
		plain, err := c.compressor.Decompress(body)
		if err != nil {
			return fail(err)
		}
		body = plain
	}

	if err := c.decodeBody(f, body); err != nil {
		return fail(err)
	}

	buf.Skip(off + int(length))
	c.metrics.frameIn(mode)
	return f, nil
}

// decodeBody fills f.Body, or f.Raw when the frame is relayed undecoded.
// In share-channel mode a type the registry does not know is treated as
// opaque payload for a downstream hop.
func (c *FrameCodec) decodeBody(f *Frame, body []byte) error {
	relay := c.decoder == nil || (c.share && (c.registry == nil || !c.registry.Known(f.Type)))
	if relay {
		f.Raw = append([]byte(nil), body...)
		return nil
	}

	v, err := c.decoder.Decode(f.Type, body)
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			return err
		}
		return errors.Wrapf(ErrMalformedFrame, "body of type %d: %v", f.Type, err)
	}
	f.Body = v
	return nil
}
