// Package payload models the version-1 application document carried inside
// every data message. On the wire it is a single-element JSON array (a
// historical compatibility quirk every Forsta client preserves).
package payload

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay/internal/errs"
)

// MessageType is the payload's top-level kind.
type MessageType string

const (
	MessageTypeContent      MessageType = "content"
	MessageTypeControl      MessageType = "control"
	MessageTypePoll         MessageType = "poll"
	MessageTypePollResponse MessageType = "pollResponse"
)

// ControlType names a control sub-type. The wire values are shared across all
// client platforms.
type ControlType string

const (
	ControlThreadUpdate      ControlType = "threadUpdate"
	ControlThreadClear       ControlType = "threadClear"
	ControlThreadArchive     ControlType = "threadArchive"
	ControlThreadRestore     ControlType = "threadRestore"
	ControlThreadDelete      ControlType = "threadDelete"
	ControlReadMark          ControlType = "readMark"
	ControlPendingMessage    ControlType = "pendingMessage"
	ControlSnooze            ControlType = "snooze"
	ControlProvisionRequest  ControlType = "provisionRequest"
	ControlSyncRequest       ControlType = "syncRequest"
	ControlSyncResponse      ControlType = "syncResponse"
	ControlDiscoverRequest   ControlType = "discoverRequest"
	ControlDiscoverResponse  ControlType = "discoverResponse"
	ControlPreMessageCheck   ControlType = "preMessageCheck"
	ControlACLRequest        ControlType = "aclRequest"
	ControlACLResponse       ControlType = "aclResponse"
	ControlUserBlock         ControlType = "userBlock"
	ControlUserUnblock       ControlType = "userUnblock"
	ControlBeacon            ControlType = "beacon"
	ControlCloseSession      ControlType = "closeSession"
	ControlCallJoin          ControlType = "callJoin"
	ControlCallLeave         ControlType = "callLeave"
	ControlCallOffer         ControlType = "callOffer"
	ControlCallAcceptOffer   ControlType = "callAcceptOffer"
	ControlCallICECandidates ControlType = "callICECandidates"
	ControlCallHeartbeat     ControlType = "callHeartbeat"
)

// ControlTypes lists every known control sub-type.
var ControlTypes = []ControlType{
	ControlThreadUpdate, ControlThreadClear, ControlThreadArchive,
	ControlThreadRestore, ControlThreadDelete, ControlReadMark,
	ControlPendingMessage, ControlSnooze, ControlProvisionRequest,
	ControlSyncRequest, ControlSyncResponse, ControlDiscoverRequest,
	ControlDiscoverResponse, ControlPreMessageCheck, ControlACLRequest,
	ControlACLResponse, ControlUserBlock, ControlUserUnblock, ControlBeacon,
	ControlCloseSession, ControlCallJoin, ControlCallLeave, ControlCallOffer,
	ControlCallAcceptOffer, ControlCallICECandidates, ControlCallHeartbeat,
}

// BodyEntry is one rendering of the message text.
type BodyEntry struct {
	Type  string `json:"type"`  // "text/plain" or "text/html"
	Value string `json:"value"`
}

// Distribution names the recipient set as a tag-math expression, resolved by
// the directory service.
type Distribution struct {
	Expression string `json:"expression"`
}

// SenderInfo overrides the envelope source, for payloads relayed on behalf of
// another address.
type SenderInfo struct {
	UserID uuid.UUID `json:"userId"`
	Device uint32    `json:"device,omitempty"`
}

// AttachmentMeta describes one attachment, mirroring the pointer carried in
// the data-message protobuf.
type AttachmentMeta struct {
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
	Size  int64  `json:"size,omitempty"`
	MTime int64  `json:"mtime,omitempty"` // ms since epoch
	ID    string `json:"id,omitempty"`
	Key   []byte `json:"key,omitempty"`
}

// ThreadUpdate carries mutated thread properties.
type ThreadUpdate struct {
	ThreadTitle string `json:"threadTitle,omitempty"`
	Expression  string `json:"expression,omitempty"`
}

// ProvisionRequest asks our other devices to provision a new one.
type ProvisionRequest struct {
	UUID string `json:"uuid"`
	Key  []byte `json:"key"` // new device's ephemeral public key
}

// CallData carries call-signalling fields for the call* control types.
type CallData struct {
	CallID     string            `json:"callId,omitempty"`
	PeerID     string            `json:"peerId,omitempty"`
	Originator string            `json:"originator,omitempty"`
	Members    []uuid.UUID       `json:"members,omitempty"`
	Offer      string            `json:"offer,omitempty"`
	Answer     string            `json:"answer,omitempty"`
	ICE        []json.RawMessage `json:"icecandidates,omitempty"`
}

// Poll and PollResponse payload bodies.
type Poll struct {
	Question string   `json:"question"`
	Choices  []string `json:"choices"`
}

type PollResponse struct {
	PollID uuid.UUID `json:"pollId"`
	Votes  []int     `json:"votes"`
}

// Data is the sub-object keyed on the payload's sub-type. Only the fields
// relevant to the sub-type are populated.
type Data struct {
	Body             []BodyEntry       `json:"body,omitempty"`
	Control          ControlType       `json:"control,omitempty"`
	Attachments      []AttachmentMeta  `json:"attachments,omitempty"`
	ThreadUpdate     *ThreadUpdate     `json:"threadUpdate,omitempty"`
	ReadMark         int64             `json:"readMark,omitempty"` // ms since epoch
	Snooze           int64             `json:"snoozeUntil,omitempty"`
	ProvisionRequest *ProvisionRequest `json:"provisionRequest,omitempty"`
	Call             *CallData         `json:"call,omitempty"`
	Poll             *Poll             `json:"poll,omitempty"`
	PollResponse     *PollResponse     `json:"pollResponse,omitempty"`
	VersionInfo      string            `json:"version,omitempty"` // beacon/discover responses
}

func (d *Data) empty() bool {
	return d == nil || (len(d.Body) == 0 && d.Control == "" &&
		len(d.Attachments) == 0 && d.ThreadUpdate == nil && d.ReadMark == 0 &&
		d.Snooze == 0 && d.ProvisionRequest == nil && d.Call == nil &&
		d.Poll == nil && d.PollResponse == nil && d.VersionInfo == "")
}

// Payload is the application document. Required: Version (always 1),
// MessageID, MessageType, ThreadID, Distribution.Expression.
type Payload struct {
	Version      int          `json:"version"`
	MessageID    uuid.UUID    `json:"messageId"`
	MessageRef   *uuid.UUID   `json:"messageRef,omitempty"`
	MessageType  MessageType  `json:"messageType"`
	ThreadID     uuid.UUID    `json:"threadId"`
	ThreadTitle  string       `json:"threadTitle,omitempty"`
	ThreadType   string       `json:"threadType,omitempty"`
	UserAgent    string       `json:"userAgent,omitempty"`
	SendTime     int64        `json:"sendTime,omitempty"` // ms since epoch
	Sender       *SenderInfo  `json:"sender,omitempty"`
	Distribution Distribution `json:"distribution"`
	Data         *Data        `json:"data,omitempty"`
}

// New returns a content payload skeleton with fresh ids.
func New(threadID uuid.UUID, expression string) *Payload {
	return &Payload{
		Version:      1,
		MessageID:    uuid.New(),
		MessageType:  MessageTypeContent,
		ThreadID:     threadID,
		Distribution: Distribution{Expression: expression},
	}
}

// NewControl returns a control payload skeleton.
func NewControl(threadID uuid.UUID, expression string, control ControlType) *Payload {
	p := New(threadID, expression)
	p.MessageType = MessageTypeControl
	p.Data = &Data{Control: control}
	return p
}

func (p *Payload) ensureData() *Data {
	if p.Data == nil {
		p.Data = &Data{}
	}
	return p.Data
}

// SetBodyText sets the plain-text rendering, replacing any previous one.
func (p *Payload) SetBodyText(text string) {
	d := p.ensureData()
	d.Body = filterBody(d.Body, "text/plain")
	if text != "" {
		d.Body = append(d.Body, BodyEntry{Type: "text/plain", Value: text})
	}
	p.normalize()
}

// SetBodyHTML sets the HTML rendering, replacing any previous one.
func (p *Payload) SetBodyHTML(html string) {
	d := p.ensureData()
	d.Body = filterBody(d.Body, "text/html")
	if html != "" {
		d.Body = append(d.Body, BodyEntry{Type: "text/html", Value: html})
	}
	p.normalize()
}

// BodyText returns the plain-text rendering, if any.
func (p *Payload) BodyText() string {
	return p.bodyOf("text/plain")
}

// BodyHTML returns the HTML rendering, if any.
func (p *Payload) BodyHTML() string {
	return p.bodyOf("text/html")
}

func (p *Payload) bodyOf(kind string) string {
	if p.Data == nil {
		return ""
	}
	for _, e := range p.Data.Body {
		if e.Type == kind {
			return e.Value
		}
	}
	return ""
}

func filterBody(entries []BodyEntry, drop string) []BodyEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Type != drop {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SetReadMark records a read mark; zero clears it.
func (p *Payload) SetReadMark(ms int64) {
	p.ensureData().ReadMark = ms
	p.normalize()
}

// SetProvisionRequest attaches a provisioning request; nil clears it.
func (p *Payload) SetProvisionRequest(pr *ProvisionRequest) {
	p.ensureData().ProvisionRequest = pr
	p.normalize()
}

// normalize removes now-empty parent objects so cleared fields don't leave
// `"data": {}` husks on the wire.
func (p *Payload) normalize() {
	if p.Data.empty() {
		p.Data = nil
	}
	if p.Sender != nil && p.Sender.UserID == uuid.Nil && p.Sender.Device == 0 {
		p.Sender = nil
	}
}

// SanityCheck validates the document before it is serialized or dispatched.
func (p *Payload) SanityCheck() error {
	if p.Version != 1 {
		return errs.Newf(errs.InvalidPayload, "unsupported payload version %d", p.Version)
	}
	if p.MessageID == uuid.Nil {
		return errs.New(errs.InvalidPayload, "missing messageId")
	}
	if p.MessageType == "" {
		return errs.New(errs.InvalidPayload, "missing messageType")
	}
	if p.ThreadID == uuid.Nil {
		return errs.New(errs.InvalidPayload, "missing threadId")
	}
	if p.Distribution.Expression == "" {
		return errs.New(errs.InvalidPayload, "missing distribution expression")
	}
	control := ControlType("")
	if p.Data != nil {
		control = p.Data.Control
	}
	if p.MessageType == MessageTypeControl && control == "" {
		return errs.New(errs.InvalidPayload, "control message without controlType")
	}
	if control != "" && p.MessageType != MessageTypeControl {
		return errs.Newf(errs.InvalidPayload, "controlType %q on non-control message", control)
	}
	if p.BodyHTML() != "" && p.BodyText() == "" {
		return errs.New(errs.InvalidPayload, "html body without plain body")
	}
	return nil
}

// Encode serializes the payload as the single-element JSON array used on the
// wire. UUID fields serialize lowercase (uuid.UUID's canonical form).
func (p *Payload) Encode() ([]byte, error) {
	p.normalize()
	return json.Marshal([]*Payload{p})
}

// Decode parses a wire body: either the canonical one-element array or, for
// tolerance with old peers, a bare object.
func Decode(data []byte) (*Payload, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []*Payload
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, errs.Wrap(errs.InvalidPayload, "bad payload json", err)
		}
		if len(list) == 0 || list[0] == nil {
			return nil, errs.New(errs.InvalidPayload, "empty payload array")
		}
		return list[0], nil
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errs.Wrap(errs.InvalidPayload, "bad payload json", err)
	}
	return &p, nil
}
