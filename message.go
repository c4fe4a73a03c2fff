package gamesocket

// BodyEncoder serializes message bodies.
//
// CanEncode lets several encoders coexist on one connection: a message the
// encoder does not recognise is passed through unencoded instead of failing.
type BodyEncoder interface {
	// CanEncode reports whether Encode accepts v.
	CanEncode(v any) bool
	// Encode appends the serialized form of v to dst.
	Encode(dst []byte, v any) ([]byte, error)
}

// BodyDecoder turns body bytes of a given message type back into a message.
type BodyDecoder interface {
	// Decode decodes data as a message of type typ. It returns an error
	// matching ErrUnknownMessageType when typ is not known to the decoder.
	// data is only valid for the duration of the call.
	Decode(typ uint16, data []byte) (any, error)
}

// BodyCodec is both a BodyEncoder and a BodyDecoder.
type BodyCodec interface {
	BodyEncoder
	BodyDecoder
}

// Compressor compresses bodies above the configured threshold.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// TypeRegistry maps message values to their wire type and back.
type TypeRegistry interface {
	// TypeOf returns the message type registered for the dynamic type of v.
	TypeOf(v any) (uint16, bool)
	// New returns a fresh, empty message for typ.
	New(typ uint16) (any, bool)
	// Known reports whether typ is registered.
	Known(typ uint16) bool
}
