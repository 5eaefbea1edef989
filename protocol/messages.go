package protocol

import (
	"github.com/chromiumos/camalgo/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Attach is the first message on an algorithm ops channel. It carries the session token that was sent in the socket
// handshake.
type Attach struct {
	Token string
}

func (m *Attach) Type() MessageType { return TypeAttach }

func (m *Attach) appendPayload(buff []byte) []byte {
	return appendString(buff, 1, m.Token)
}

func (m *Attach) decodePayload(buff []byte) error {
	return decodeFields(buff, func(num protowire.Number, f *field) error {
		if num == 1 {
			return f.string(&m.Token)
		}
		return f.skip()
	})
}

// Initialize carries the callback channel endpoint as its only attached file.
type Initialize struct{}

func (m *Initialize) Type() MessageType { return TypeInitialize }

func (m *Initialize) appendPayload(buff []byte) []byte { return buff }

func (m *Initialize) decodePayload(buff []byte) error {
	return decodeFields(buff, func(_ protowire.Number, f *field) error { return f.skip() })
}

// RegisterBuffer carries the buffer descriptor as its only attached file.
type RegisterBuffer struct{}

func (m *RegisterBuffer) Type() MessageType { return TypeRegisterBuffer }

func (m *RegisterBuffer) appendPayload(buff []byte) []byte { return buff }

func (m *RegisterBuffer) decodePayload(buff []byte) error {
	return decodeFields(buff, func(_ protowire.Number, f *field) error { return f.skip() })
}

type Request struct {
	ReqID        uint32
	Header       []byte
	BufferHandle int32
}

func (m *Request) Type() MessageType { return TypeRequest }

func (m *Request) appendPayload(buff []byte) []byte {
	buff = appendUint32(buff, 1, m.ReqID)
	buff = appendBytes(buff, 2, m.Header)
	return appendInt32(buff, 3, m.BufferHandle)
}

func (m *Request) decodePayload(buff []byte) error {
	return decodeFields(buff, func(num protowire.Number, f *field) error {
		switch num {
		case 1:
			return f.uint32(&m.ReqID)
		case 2:
			return f.bytes(&m.Header)
		case 3:
			return f.int32(&m.BufferHandle)
		}
		return f.skip()
	})
}

type DeregisterBuffers struct {
	Handles []int32
}

func (m *DeregisterBuffers) Type() MessageType { return TypeDeregisterBuffers }

func (m *DeregisterBuffers) appendPayload(buff []byte) []byte {
	return appendPackedInt32(buff, 1, m.Handles)
}

func (m *DeregisterBuffers) decodePayload(buff []byte) error {
	return decodeFields(buff, func(num protowire.Number, f *field) error {
		if num == 1 {
			return f.packedInt32(&m.Handles)
		}
		return f.skip()
	})
}

// Return is sent by the server on the callback channel when the vendor library completes a request.
type Return struct {
	ReqID        uint32
	Status       int32
	BufferHandle int32
}

func (m *Return) Type() MessageType { return TypeReturn }

func (m *Return) appendPayload(buff []byte) []byte {
	buff = appendUint32(buff, 1, m.ReqID)
	buff = appendInt32(buff, 2, m.Status)
	return appendInt32(buff, 3, m.BufferHandle)
}

func (m *Return) decodePayload(buff []byte) error {
	return decodeFields(buff, func(num protowire.Number, f *field) error {
		switch num {
		case 1:
			return f.uint32(&m.ReqID)
		case 2:
			return f.int32(&m.Status)
		case 3:
			return f.int32(&m.BufferHandle)
		}
		return f.skip()
	})
}

// CreateChannel asks the dispatcher to hand the attached endpoint to the named capability.
type CreateChannel struct {
	Name string
}

func (m *CreateChannel) Type() MessageType { return TypeCreateChannel }

func (m *CreateChannel) appendPayload(buff []byte) []byte {
	return appendString(buff, 1, m.Name)
}

func (m *CreateChannel) decodePayload(buff []byte) error {
	return decodeFields(buff, func(num protowire.Number, f *field) error {
		if num == 1 {
			return f.string(&m.Name)
		}
		return f.skip()
	})
}

// Result is the response to any request that expects one. Value is a status code or, for RegisterBuffer, a buffer
// handle.
type Result struct {
	For   MessageType
	Value int32
}

func (m *Result) Type() MessageType { return m.For }

func (m *Result) appendPayload(buff []byte) []byte {
	return appendInt32(buff, 1, m.Value)
}

func (m *Result) decodePayload(buff []byte) error {
	return decodeFields(buff, func(num protowire.Number, f *field) error {
		if num == 1 {
			return f.int32(&m.Value)
		}
		return f.skip()
	})
}

func appendString(buff []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return buff
	}
	buff = protowire.AppendTag(buff, num, protowire.BytesType)
	return protowire.AppendString(buff, s)
}

func appendBytes(buff []byte, num protowire.Number, b []byte) []byte {
	if len(b) == 0 {
		return buff
	}
	buff = protowire.AppendTag(buff, num, protowire.BytesType)
	return protowire.AppendBytes(buff, b)
}

func appendUint32(buff []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return buff
	}
	buff = protowire.AppendTag(buff, num, protowire.VarintType)
	return protowire.AppendVarint(buff, uint64(v))
}

// int32 fields are sint32 on the wire since statuses and handles are often negative
func appendInt32(buff []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return buff
	}
	buff = protowire.AppendTag(buff, num, protowire.VarintType)
	return protowire.AppendVarint(buff, protowire.EncodeZigZag(int64(v)))
}

func appendPackedInt32(buff []byte, num protowire.Number, vals []int32) []byte {
	if len(vals) == 0 {
		return buff
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}
	buff = protowire.AppendTag(buff, num, protowire.BytesType)
	return protowire.AppendBytes(buff, packed)
}

type field struct {
	typ  protowire.Type
	num  protowire.Number
	buff []byte
	n    int
}

func decodeFields(buff []byte, visit func(num protowire.Number, f *field) error) error {
	for len(buff) > 0 {
		num, typ, n := protowire.ConsumeTag(buff)
		if n < 0 {
			return wireError(protowire.ParseError(n))
		}
		buff = buff[n:]
		f := &field{typ: typ, num: num, buff: buff}
		if err := visit(num, f); err != nil {
			return err
		}
		if f.n <= 0 {
			return errors.NewProtocolErrorf("field %d not consumed", num)
		}
		buff = buff[f.n:]
	}
	return nil
}

func (f *field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return errors.NewProtocolErrorf("field %d has wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f *field) varint() (uint64, error) {
	if err := f.expect(protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(f.buff)
	if n < 0 {
		return 0, wireError(protowire.ParseError(n))
	}
	f.n = n
	return v, nil
}

func (f *field) uint32(out *uint32) error {
	v, err := f.varint()
	if err != nil {
		return err
	}
	*out = uint32(v)
	return nil
}

func (f *field) int32(out *int32) error {
	v, err := f.varint()
	if err != nil {
		return err
	}
	*out = int32(protowire.DecodeZigZag(v))
	return nil
}

func (f *field) bytes(out *[]byte) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	v, n := protowire.ConsumeBytes(f.buff)
	if n < 0 {
		return wireError(protowire.ParseError(n))
	}
	f.n = n
	*out = append([]byte(nil), v...)
	return nil
}

func (f *field) string(out *string) error {
	var b []byte
	if err := f.bytes(&b); err != nil {
		return err
	}
	*out = string(b)
	return nil
}

func (f *field) packedInt32(out *[]int32) error {
	var packed []byte
	if err := f.bytes(&packed); err != nil {
		return err
	}
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return wireError(protowire.ParseError(n))
		}
		*out = append(*out, int32(protowire.DecodeZigZag(v)))
		packed = packed[n:]
	}
	return nil
}

func (f *field) skip() error {
	n := protowire.ConsumeFieldValue(f.num, f.typ, f.buff)
	if n < 0 {
		return wireError(protowire.ParseError(n))
	}
	f.n = n
	return nil
}

func wireError(err error) error {
	return errors.NewProtocolErrorf("malformed payload: %v", err)
}
