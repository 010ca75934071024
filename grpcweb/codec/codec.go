// Package codec is the two-way lookup between useBinaryFormat and a
// method's wire codec (component C: message serialization), plus the
// normalize step that lets callers pass either a typed message or a
// partial structural value.
package codec

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // registers the "proto" CodecV2
	"google.golang.org/grpc/mem"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	// NameBinary is the registered CodecV2 name used for
	// application/grpc-web+proto.
	NameBinary = "proto"
	// NameText is the registered CodecV2 name used for
	// application/grpc-web+json.
	NameText = "json"
)

func init() {
	encoding.RegisterCodecV2(jsonCodec{})
}

// Lookup returns the codec for a call's useBinaryFormat setting.
func Lookup(useBinaryFormat bool) encoding.CodecV2 {
	if useBinaryFormat {
		return encoding.GetCodecV2(NameBinary)
	}
	return encoding.GetCodecV2(NameText)
}

// Normalize accepts either an already-typed proto.Message or a partial
// structural value (any value encoding/json can marshal into the input
// type's protojson form) and returns the canonical typed form to
// serialize, per spec §4.C. newInput constructs a zero-value instance of
// the method's input type; a nil in returns that zero value.
func Normalize(newInput func() proto.Message, in any) (proto.Message, error) {
	if in == nil {
		return newInput(), nil
	}

	if msg, ok := in.(proto.Message); ok {
		return msg, nil
	}

	// A partial structural value: JSON-encode then decode into the
	// canonical input type, the same normalization strategy
	// connect/protojson-based clients use for loosely typed inputs.
	raw, err := jsonMarshalAny(in)
	if err != nil {
		return nil, errors.Wrap(err, "failed to normalize structural input")
	}

	msg := newInput()
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, errors.Wrap(err, "failed to normalize structural input into typed message")
	}
	return msg, nil
}

// jsonCodec registers the textual format used when useBinaryFormat is
// false, mirroring how encoding/proto registers the binary one.
type jsonCodec struct{}

func (jsonCodec) Name() string { return NameText }

func (jsonCodec) Marshal(v any) (mem.BufferSlice, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Errorf("grpcweb: json codec: %T does not implement proto.Message", v)
	}
	data, err := protojson.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return mem.BufferSlice{mem.NewBuffer(&data, nil)}, nil
}

func (jsonCodec) Unmarshal(data mem.BufferSlice, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return errors.Errorf("grpcweb: json codec: %T does not implement proto.Message", v)
	}
	return protojson.Unmarshal(data.Materialize(), msg)
}

func jsonMarshalAny(v any) ([]byte, error) {
	return json.Marshal(v)
}
