// Copyright 2024 The Tektite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"encoding/binary"

	"github.com/chromiumos/camalgo/errors"
)

type Version uint16

const (
	V1         Version = 1
	HeaderSize         = 13
)

type MessageType uint16

const (
	TypeAttach MessageType = iota + 1
	TypeInitialize
	TypeRegisterBuffer
	TypeRequest
	TypeDeregisterBuffers
	TypeReturn
	TypeCreateChannel
)

func (m MessageType) String() string {
	switch m {
	case TypeAttach:
		return "Attach"
	case TypeInitialize:
		return "Initialize"
	case TypeRegisterBuffer:
		return "RegisterBuffer"
	case TypeRequest:
		return "Request"
	case TypeDeregisterBuffers:
		return "DeregisterBuffers"
	case TypeReturn:
		return "Return"
	case TypeCreateChannel:
		return "CreateChannel"
	default:
		return "Unknown"
	}
}

const (
	FlagExpectsResponse uint8 = 1 << iota
	FlagIsResponse
)

// Header precedes every message on a channel. RequestID correlates a response with its request and is zero for
// one-way messages.
type Header struct {
	Version   Version
	Type      MessageType
	Flags     uint8
	RequestID uint64
}

func (h *Header) ExpectsResponse() bool {
	return h.Flags&FlagExpectsResponse != 0
}

func (h *Header) IsResponse() bool {
	return h.Flags&FlagIsResponse != 0
}

func (h *Header) append(buff []byte) []byte {
	buff = binary.BigEndian.AppendUint16(buff, uint16(h.Version))
	buff = binary.BigEndian.AppendUint16(buff, uint16(h.Type))
	buff = append(buff, h.Flags)
	return binary.BigEndian.AppendUint64(buff, h.RequestID)
}

// Message is implemented by every payload that can travel on a channel.
type Message interface {
	Type() MessageType
	appendPayload(buff []byte) []byte
	decodePayload(buff []byte) error
}

// Encode serializes msg behind a header of the message's type.
func Encode(h Header, msg Message) []byte {
	h.Version = V1
	h.Type = msg.Type()
	buff := make([]byte, 0, 64)
	buff = h.append(buff)
	return msg.appendPayload(buff)
}

func EncodeRequest(requestID uint64, msg Message) []byte {
	return Encode(Header{Flags: FlagExpectsResponse, RequestID: requestID}, msg)
}

func EncodeOneWay(msg Message) []byte {
	return Encode(Header{}, msg)
}

func EncodeResponse(requestID uint64, forType MessageType, value int32) []byte {
	return Encode(Header{Flags: FlagIsResponse, RequestID: requestID}, &Result{For: forType, Value: value})
}

func DecodeHeader(buff []byte) (Header, []byte, error) {
	if len(buff) < HeaderSize {
		return Header{}, nil, errors.NewProtocolErrorf("message of %d bytes is shorter than header", len(buff))
	}
	h := Header{
		Version:   Version(binary.BigEndian.Uint16(buff)),
		Type:      MessageType(binary.BigEndian.Uint16(buff[2:])),
		Flags:     buff[4],
		RequestID: binary.BigEndian.Uint64(buff[5:]),
	}
	if h.Version != V1 {
		return Header{}, nil, errors.NewProtocolErrorf("unexpected protocol version %d", h.Version)
	}
	return h, buff[HeaderSize:], nil
}

// Decode parses a complete message.
func Decode(buff []byte) (Header, Message, error) {
	h, payload, err := DecodeHeader(buff)
	if err != nil {
		return Header{}, nil, err
	}
	var msg Message
	if h.IsResponse() {
		msg = &Result{For: h.Type}
	} else {
		switch h.Type {
		case TypeAttach:
			msg = &Attach{}
		case TypeInitialize:
			msg = &Initialize{}
		case TypeRegisterBuffer:
			msg = &RegisterBuffer{}
		case TypeRequest:
			msg = &Request{}
		case TypeDeregisterBuffers:
			msg = &DeregisterBuffers{}
		case TypeReturn:
			msg = &Return{}
		case TypeCreateChannel:
			msg = &CreateChannel{}
		default:
			return Header{}, nil, errors.NewProtocolErrorf("unknown message type %d", h.Type)
		}
	}
	if err := msg.decodePayload(payload); err != nil {
		return Header{}, nil, err
	}
	return h, msg, nil
}
