package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// EnvelopeType says how the envelope content is encrypted.
type EnvelopeType uint32

const (
	EnvelopeUnknown      EnvelopeType = 0
	EnvelopeCiphertext   EnvelopeType = 1
	EnvelopeKeyExchange  EnvelopeType = 2
	EnvelopePreKeyBundle EnvelopeType = 3
	EnvelopeReceipt      EnvelopeType = 5
)

// DataMessage flag bits.
const (
	FlagEndSession            = 1
	FlagExpirationTimerUpdate = 2
)

// Envelope is the relay's framing unit for one encrypted payload between
// devices. Timestamp is milliseconds since epoch.
type Envelope struct {
	Type          EnvelopeType
	Source        string
	Relay         string
	Timestamp     uint64
	LegacyMessage []byte
	SourceDevice  uint32
	Content       []byte
}

func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(e.Type))
	if e.Source != "" {
		b = appendStringField(b, 2, e.Source)
	}
	if e.Relay != "" {
		b = appendStringField(b, 3, e.Relay)
	}
	if e.Timestamp != 0 {
		b = appendVarintField(b, 5, e.Timestamp)
	}
	if e.LegacyMessage != nil {
		b = appendBytesField(b, 6, e.LegacyMessage)
	}
	if e.SourceDevice != 0 {
		b = appendVarintField(b, 7, uint64(e.SourceDevice))
	}
	if e.Content != nil {
		b = appendBytesField(b, 8, e.Content)
	}
	return b
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return e, nil
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			e.Type = EnvelopeType(v)
		case num == 2 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			e.Source = string(v)
		case num == 3 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			e.Relay = string(v)
		case num == 5 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			e.Timestamp = v
		case num == 6 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			e.LegacyMessage = v
		case num == 7 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			e.SourceDevice = uint32(v)
		case num == 8 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			e.Content = v
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

// AttachmentPointer references one encrypted attachment on the relay.
type AttachmentPointer struct {
	ID          uint64
	ContentType string
	Key         []byte
	Size        uint32
	Digest      []byte
	FileName    string
}

func (a *AttachmentPointer) marshal() []byte {
	var b []byte
	b = appendFixed64Field(b, 1, a.ID)
	if a.ContentType != "" {
		b = appendStringField(b, 2, a.ContentType)
	}
	if a.Key != nil {
		b = appendBytesField(b, 3, a.Key)
	}
	if a.Size != 0 {
		b = appendVarintField(b, 4, uint64(a.Size))
	}
	if a.Digest != nil {
		b = appendBytesField(b, 6, a.Digest)
	}
	if a.FileName != "" {
		b = appendStringField(b, 7, a.FileName)
	}
	return b
}

func unmarshalAttachmentPointer(data []byte) (*AttachmentPointer, error) {
	a := &AttachmentPointer{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return a, nil
		}
		switch {
		case num == 1 && typ == protowire.Fixed64Type:
			v, err := s.fixed64()
			if err != nil {
				return nil, err
			}
			a.ID = v
		case num == 2 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			a.ContentType = string(v)
		case num == 3 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			a.Key = v
		case num == 4 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			a.Size = uint32(v)
		case num == 6 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			a.Digest = v
		case num == 7 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			a.FileName = string(v)
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

// DataMessage carries the padded application payload plus attachment pointers
// and the end-session / expiration control flags.
type DataMessage struct {
	Body        string
	Attachments []*AttachmentPointer
	Flags       uint32
	ExpireTimer uint32
}

func (d *DataMessage) Marshal() []byte {
	var b []byte
	if d.Body != "" {
		b = appendStringField(b, 1, d.Body)
	}
	for _, a := range d.Attachments {
		b = appendBytesField(b, 2, a.marshal())
	}
	if d.Flags != 0 {
		b = appendVarintField(b, 4, uint64(d.Flags))
	}
	if d.ExpireTimer != 0 {
		b = appendVarintField(b, 5, uint64(d.ExpireTimer))
	}
	return b
}

func UnmarshalDataMessage(data []byte) (*DataMessage, error) {
	d := &DataMessage{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return d, nil
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			d.Body = string(v)
		case num == 2 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			a, err := unmarshalAttachmentPointer(v)
			if err != nil {
				return nil, err
			}
			d.Attachments = append(d.Attachments, a)
		case num == 4 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			d.Flags = uint32(v)
		case num == 5 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			d.ExpireTimer = uint32(v)
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

// SyncSent mirrors one of our own outbound messages to our other devices.
type SyncSent struct {
	Destination              string
	Timestamp                uint64
	Message                  *DataMessage
	ExpirationStartTimestamp uint64
}

func (ss *SyncSent) marshal() []byte {
	var b []byte
	if ss.Destination != "" {
		b = appendStringField(b, 1, ss.Destination)
	}
	if ss.Timestamp != 0 {
		b = appendVarintField(b, 2, ss.Timestamp)
	}
	if ss.Message != nil {
		b = appendBytesField(b, 3, ss.Message.Marshal())
	}
	if ss.ExpirationStartTimestamp != 0 {
		b = appendVarintField(b, 4, ss.ExpirationStartTimestamp)
	}
	return b
}

func unmarshalSyncSent(data []byte) (*SyncSent, error) {
	ss := &SyncSent{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return ss, nil
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			ss.Destination = string(v)
		case num == 2 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			ss.Timestamp = v
		case num == 3 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			dm, err := UnmarshalDataMessage(v)
			if err != nil {
				return nil, err
			}
			ss.Message = dm
		case num == 4 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			ss.ExpirationStartTimestamp = v
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

// SyncRead marks a message from sender at timestamp as read on another device.
type SyncRead struct {
	Sender    string
	Timestamp uint64
}

func (sr *SyncRead) marshal() []byte {
	var b []byte
	if sr.Sender != "" {
		b = appendStringField(b, 1, sr.Sender)
	}
	if sr.Timestamp != 0 {
		b = appendVarintField(b, 2, sr.Timestamp)
	}
	return b
}

func unmarshalSyncRead(data []byte) (*SyncRead, error) {
	sr := &SyncRead{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return sr, nil
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			sr.Sender = string(v)
		case num == 2 && typ == protowire.VarintType:
			v, err := s.varint()
			if err != nil {
				return nil, err
			}
			sr.Timestamp = v
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

// SyncMessage is a device-to-device mirror of outbound traffic or read state.
type SyncMessage struct {
	Sent *SyncSent
	Read []*SyncRead
}

func (sm *SyncMessage) Marshal() []byte {
	var b []byte
	if sm.Sent != nil {
		b = appendBytesField(b, 1, sm.Sent.marshal())
	}
	for _, r := range sm.Read {
		b = appendBytesField(b, 5, r.marshal())
	}
	return b
}

func UnmarshalSyncMessage(data []byte) (*SyncMessage, error) {
	sm := &SyncMessage{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return sm, nil
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			sent, err := unmarshalSyncSent(v)
			if err != nil {
				return nil, err
			}
			sm.Sent = sent
		case num == 5 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			r, err := unmarshalSyncRead(v)
			if err != nil {
				return nil, err
			}
			sm.Read = append(sm.Read, r)
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}

// Content is what an envelope decrypts to: exactly one of the two members.
type Content struct {
	DataMessage *DataMessage
	SyncMessage *SyncMessage
}

func (c *Content) Marshal() []byte {
	var b []byte
	if c.DataMessage != nil {
		b = appendBytesField(b, 1, c.DataMessage.Marshal())
	}
	if c.SyncMessage != nil {
		b = appendBytesField(b, 2, c.SyncMessage.Marshal())
	}
	return b
}

func UnmarshalContent(data []byte) (*Content, error) {
	c := &Content{}
	s := &fieldScanner{buf: data}
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return c, nil
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			dm, err := UnmarshalDataMessage(v)
			if err != nil {
				return nil, err
			}
			c.DataMessage = dm
		case num == 2 && typ == protowire.BytesType:
			v, err := s.bytes()
			if err != nil {
				return nil, err
			}
			sm, err := UnmarshalSyncMessage(v)
			if err != nil {
				return nil, err
			}
			c.SyncMessage = sm
		default:
			if err := s.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
}
