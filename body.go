package gamesocket

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// ProtoBodyCodec encodes protobuf messages. Decoding resolves the message
// type through Registry, so every inbound type must be registered.
type ProtoBodyCodec struct {
	Registry TypeRegistry
}

// NewProtoBodyCodec returns a codec resolving types through r.
func NewProtoBodyCodec(r TypeRegistry) *ProtoBodyCodec {
	return &ProtoBodyCodec{Registry: r}
}

// CanEncode implements BodyEncoder.
func (c *ProtoBodyCodec) CanEncode(v any) bool {
	_, ok := v.(proto.Message)
	return ok
}

// Encode implements BodyEncoder.
func (c *ProtoBodyCodec) Encode(dst []byte, v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return dst, errors.Wrapf(ErrNotEncodable, "%T is not a proto.Message", v)
	}
	return proto.MarshalOptions{}.MarshalAppend(dst, m)
}

// Decode implements BodyDecoder.
func (c *ProtoBodyCodec) Decode(typ uint16, data []byte) (any, error) {
	v, ok := c.Registry.New(typ)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMessageType, "type %d", typ)
	}
	m, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Errorf("type %d is bound to %T, not a proto.Message", typ, v)
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "type %d: %v", typ, err)
	}
	return m, nil
}

// BytesBodyCodec carries opaque byte slices as bodies. It accepts every
// message type on decode and hands back a private copy of the bytes.
type BytesBodyCodec struct{}

// CanEncode implements BodyEncoder.
func (BytesBodyCodec) CanEncode(v any) bool {
	_, ok := v.([]byte)
	return ok
}

// Encode implements BodyEncoder.
func (BytesBodyCodec) Encode(dst []byte, v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return dst, errors.Wrapf(ErrNotEncodable, "%T is not []byte", v)
	}
	return append(dst, b...), nil
}

// Decode implements BodyDecoder.
func (BytesBodyCodec) Decode(_ uint16, data []byte) (any, error) {
	return append([]byte(nil), data...), nil
}
