// Package protocol holds the binary wire types exchanged with the relay: the
// websocket frame protobuf, the message envelope and its content, and the
// provisioning handshake messages. The messages are small and fixed, so they
// are coded directly over protowire instead of carrying generated bindings.
package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/forstalabs/librelay/internal/errs"
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

var errTruncated = errs.New(errs.InvalidProtoBuf, "truncated message")

// fieldScanner walks the fields of one encoded message.
type fieldScanner struct {
	buf []byte
}

// next returns the next field number and type, or ok=false at end of buffer.
func (s *fieldScanner) next() (protowire.Number, protowire.Type, bool, error) {
	if len(s.buf) == 0 {
		return 0, 0, false, nil
	}
	num, typ, n := protowire.ConsumeTag(s.buf)
	if n < 0 {
		return 0, 0, false, errTruncated
	}
	s.buf = s.buf[n:]
	return num, typ, true, nil
}

func (s *fieldScanner) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(s.buf)
	if n < 0 {
		return 0, errTruncated
	}
	s.buf = s.buf[n:]
	return v, nil
}

func (s *fieldScanner) fixed64() (uint64, error) {
	v, n := protowire.ConsumeFixed64(s.buf)
	if n < 0 {
		return 0, errTruncated
	}
	s.buf = s.buf[n:]
	return v, nil
}

func (s *fieldScanner) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(s.buf)
	if n < 0 {
		return nil, errTruncated
	}
	s.buf = s.buf[n:]
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *fieldScanner) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, s.buf)
	if n < 0 {
		return errTruncated
	}
	s.buf = s.buf[n:]
	return nil
}

// WebSocketMessageType tags a frame as carrying a request or a response.
type WebSocketMessageType uint32

const (
	WebSocketTypeUnknown  WebSocketMessageType = 0
	WebSocketTypeRequest  WebSocketMessageType = 1
	WebSocketTypeResponse WebSocketMessageType = 2
)

// WebSocketRequest is an RPC-style request riding the persistent socket.
type WebSocketRequest struct {
	Verb string
	Path string
	Body []byte
	ID   uint64
}

// WebSocketResponse answers a WebSocketRequest by id.
type WebSocketResponse struct {
	ID      uint64
	Status  uint32
	Message string
	Body    []byte
}

// WebSocketMessage is the single frame type on the socket.
type WebSocketMessage struct {
	Type     WebSocketMessageType
	Request  *WebSocketRequest
	Response *WebSocketResponse
}

func (r *WebSocketRequest) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, r.Verb)
	b = appendStringField(b, 2, r.Path)
	if r.Body != nil {
		b = appendBytesField(b, 3, r.Body)
	}
	b = appendVarintField(b, 4, r.ID)
	return b
}

func unmarshalWebSocketRequest(data []byte) (*WebSocketRequest, error) {
	r := &WebSocketRequest{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return r, nil
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			r.Verb = string(v)
		case num == 2 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			r.Path = string(v)
		case num == 3 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			r.Body = v
		case num == 4 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			r.ID = v
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

func (r *WebSocketResponse) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, r.ID)
	b = appendVarintField(b, 2, uint64(r.Status))
	if r.Message != "" {
		b = appendStringField(b, 3, r.Message)
	}
	if r.Body != nil {
		b = appendBytesField(b, 4, r.Body)
	}
	return b
}

func unmarshalWebSocketResponse(data []byte) (*WebSocketResponse, error) {
	r := &WebSocketResponse{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return r, nil
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			r.ID = v
		case num == 2 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			r.Status = uint32(v)
		case num == 3 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			r.Message = string(v)
		case num == 4 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			r.Body = v
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

// Marshal encodes the frame.
func (m *WebSocketMessage) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Type))
	if m.Request != nil {
		b = appendBytesField(b, 2, m.Request.marshal())
	}
	if m.Response != nil {
		b = appendBytesField(b, 3, m.Response.marshal())
	}
	return b
}

// UnmarshalWebSocketMessage decodes one socket frame.
func UnmarshalWebSocketMessage(data []byte) (*WebSocketMessage, error) {
	m := &WebSocketMessage{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return m, nil
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			m.Type = WebSocketMessageType(v)
		case num == 2 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			req, err := unmarshalWebSocketRequest(v)
			if err != nil {
				return nil, err
			}
			m.Request = req
		case num == 3 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			resp, err := unmarshalWebSocketResponse(v)
			if err != nil {
				return nil, err
			}
			m.Response = resp
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}
