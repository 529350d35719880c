package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// ProvisionEnvelope carries the encrypted provisioning message plus the
// sender's ephemeral public key, relayed to the new device's provisioning
// socket.
type ProvisionEnvelope struct {
	PublicKey []byte
	Body      []byte
}

func (p *ProvisionEnvelope) Marshal() []byte {
	var b []byte
	if p.PublicKey != nil {
		b = appendBytesField(b, 1, p.PublicKey)
	}
	if p.Body != nil {
		b = appendBytesField(b, 2, p.Body)
	}
	return b
}

func UnmarshalProvisionEnvelope(data []byte) (*ProvisionEnvelope, error) {
	p := &ProvisionEnvelope{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return p, nil
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			p.PublicKey = v
		case num == 2 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			p.Body = v
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

// ProvisionMessage is the plaintext inside a ProvisionEnvelope: the account's
// long-term identity private key plus what the new device needs to register.
type ProvisionMessage struct {
	IdentityKeyPrivate []byte
	Addr               string
	ProvisioningCode   string
	UserAgent          string
}

func (p *ProvisionMessage) Marshal() []byte {
	var b []byte
	if p.IdentityKeyPrivate != nil {
		b = appendBytesField(b, 2, p.IdentityKeyPrivate)
	}
	if p.Addr != "" {
		b = appendStringField(b, 3, p.Addr)
	}
	if p.ProvisioningCode != "" {
		b = appendStringField(b, 4, p.ProvisioningCode)
	}
	if p.UserAgent != "" {
		b = appendStringField(b, 5, p.UserAgent)
	}
	return b
}

func UnmarshalProvisionMessage(data []byte) (*ProvisionMessage, error) {
	p := &ProvisionMessage{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return p, nil
		}
		switch {
		case num == 2 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			p.IdentityKeyPrivate = v
		case num == 3 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			p.Addr = string(v)
		case num == 4 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			p.ProvisioningCode = string(v)
		case num == 5 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			p.UserAgent = string(v)
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

// ProvisioningUUID is the one-time routing id the relay assigns a provisioning
// socket.
type ProvisioningUUID struct {
	UUID string
}

func (p *ProvisioningUUID) Marshal() []byte {
	var b []byte
	if p.UUID != "" {
		b = appendStringField(b, 1, p.UUID)
	}
	return b
}

func UnmarshalProvisioningUUID(data []byte) (*ProvisioningUUID, error) {
	p := &ProvisioningUUID{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return p, nil
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			p.UUID = string(v)
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}
