package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// SignalMessage is one symmetric-ratchet ciphertext. The trailing 8-byte MAC
// appended by the session cipher is not part of this encoding.
type SignalMessage struct {
	Counter    uint32
	PrevChain  uint32
	IV         []byte
	Ciphertext []byte
}

func (m *SignalMessage) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 2, uint64(m.Counter))
	if m.PrevChain != 0 {
		b = appendVarintField(b, 3, uint64(m.PrevChain))
	}
	if m.IV != nil {
		b = appendBytesField(b, 5, m.IV)
	}
	if m.Ciphertext != nil {
		b = appendBytesField(b, 4, m.Ciphertext)
	}
	return b
}

func UnmarshalSignalMessage(data []byte) (*SignalMessage, error) {
	m := &SignalMessage{}
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
		case num == 2 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			m.Counter = uint32(v)
		case num == 3 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			m.PrevChain = uint32(v)
		case num == 5 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			m.IV = v
		case num == 4 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			m.Ciphertext = v
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

// PreKeySignalMessage wraps the first SignalMessages of a session with the
// key material the responder needs to derive the same session.
type PreKeySignalMessage struct {
	RegistrationID uint32
	PreKeyID       uint32
	HasPreKeyID    bool
	SignedPreKeyID uint32
	BaseKey        []byte // initiator's ephemeral public key, serialized
	IdentityKey    []byte // initiator's identity public key, serialized
	Message        []byte // embedded SignalMessage with MAC
}

func (m *PreKeySignalMessage) Marshal() []byte {
	var b []byte
	if m.HasPreKeyID {
		b = appendVarintField(b, 1, uint64(m.PreKeyID))
	}
	if m.BaseKey != nil {
		b = appendBytesField(b, 2, m.BaseKey)
	}
	if m.IdentityKey != nil {
		b = appendBytesField(b, 3, m.IdentityKey)
	}
	if m.Message != nil {
		b = appendBytesField(b, 4, m.Message)
	}
	b = appendVarintField(b, 5, uint64(m.RegistrationID))
	b = appendVarintField(b, 6, uint64(m.SignedPreKeyID))
	return b
}

func UnmarshalPreKeySignalMessage(data []byte) (*PreKeySignalMessage, error) {
	m := &PreKeySignalMessage{}
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
			m.PreKeyID = uint32(v)
			m.HasPreKeyID = true
		case num == 2 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			m.BaseKey = v
		case num == 3 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			m.IdentityKey = v
		case num == 4 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			m.Message = v
		case num == 5 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			m.RegistrationID = uint32(v)
		case num == 6 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			m.SignedPreKeyID = uint32(v)
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}
