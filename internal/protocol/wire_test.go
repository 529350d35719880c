package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketMessageRequestRoundTrip(t *testing.T) {
	in := &WebSocketMessage{
		Type: WebSocketTypeRequest,
		Request: &WebSocketRequest{
			Verb: "PUT",
			Path: "/api/v1/message",
			Body: []byte{0x01, 0x02, 0x03},
			ID:   0xdeadbeefcafe,
		},
	}
	out, err := UnmarshalWebSocketMessage(in.Marshal())
	require.NoError(t, err)
	require.NotNil(t, out.Request)
	assert.Equal(t, WebSocketTypeRequest, out.Type)
	assert.Equal(t, "PUT", out.Request.Verb)
	assert.Equal(t, "/api/v1/message", out.Request.Path)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, out.Request.Body)
	assert.Equal(t, uint64(0xdeadbeefcafe), out.Request.ID)
}

func TestWebSocketMessageResponseRoundTrip(t *testing.T) {
	in := &WebSocketMessage{
		Type: WebSocketTypeResponse,
		Response: &WebSocketResponse{
			ID:      42,
			Status:  404,
			Message: "Not found",
		},
	}
	out, err := UnmarshalWebSocketMessage(in.Marshal())
	require.NoError(t, err)
	require.NotNil(t, out.Response)
	assert.Equal(t, uint64(42), out.Response.ID)
	assert.Equal(t, uint32(404), out.Response.Status)
	assert.Equal(t, "Not found", out.Response.Message)
	assert.Nil(t, out.Response.Body)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := &Envelope{
		Type:         EnvelopePreKeyBundle,
		Source:       "11111111-1111-1111-1111-111111111111",
		SourceDevice: 2,
		Timestamp:    1700000000123,
		Content:      []byte("ciphertext"),
	}
	out, err := UnmarshalEnvelope(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Source, out.Source)
	assert.Equal(t, in.SourceDevice, out.SourceDevice)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, in.Content, out.Content)
	assert.Nil(t, out.LegacyMessage)
}

func TestContentWithSyncSent(t *testing.T) {
	in := &Content{
		SyncMessage: &SyncMessage{
			Sent: &SyncSent{
				Destination:              "thread-1",
				Timestamp:                1700000000001,
				ExpirationStartTimestamp: 1700000000002,
				Message: &DataMessage{
					Body:        `[{"version":1}]`,
					Flags:       FlagEndSession,
					ExpireTimer: 300,
					Attachments: []*AttachmentPointer{{
						ID:          9,
						ContentType: "image/png",
						Key:         []byte{1, 2},
						Size:        512,
						FileName:    "x.png",
					}},
				},
			},
		},
	}
	out, err := UnmarshalContent(in.Marshal())
	require.NoError(t, err)
	require.Nil(t, out.DataMessage)
	require.NotNil(t, out.SyncMessage)
	require.NotNil(t, out.SyncMessage.Sent)

	sent := out.SyncMessage.Sent
	assert.Equal(t, "thread-1", sent.Destination)
	assert.Equal(t, uint64(1700000000001), sent.Timestamp)
	assert.Equal(t, uint64(1700000000002), sent.ExpirationStartTimestamp)
	require.NotNil(t, sent.Message)
	assert.Equal(t, `[{"version":1}]`, sent.Message.Body)
	assert.Equal(t, uint32(FlagEndSession), sent.Message.Flags)
	assert.Equal(t, uint32(300), sent.Message.ExpireTimer)
	require.Len(t, sent.Message.Attachments, 1)
	assert.Equal(t, uint64(9), sent.Message.Attachments[0].ID)
	assert.Equal(t, "x.png", sent.Message.Attachments[0].FileName)
}

func TestContentWithReadSync(t *testing.T) {
	in := &Content{
		SyncMessage: &SyncMessage{
			Read: []*SyncRead{
				{Sender: "22222222-2222-2222-2222-222222222222", Timestamp: 100},
				{Sender: "33333333-3333-3333-3333-333333333333", Timestamp: 200},
			},
		},
	}
	out, err := UnmarshalContent(in.Marshal())
	require.NoError(t, err)
	require.NotNil(t, out.SyncMessage)
	require.Len(t, out.SyncMessage.Read, 2)
	assert.Equal(t, uint64(200), out.SyncMessage.Read[1].Timestamp)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	// A frame with an extra field from a newer peer must still decode.
	data := (&Envelope{Type: EnvelopeCiphertext, Source: "a"}).Marshal()
	data = appendStringField(data, 99, "future field")
	out, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeCiphertext, out.Type)
	assert.Equal(t, "a", out.Source)
}

func TestTruncatedFrameFails(t *testing.T) {
	data := (&Envelope{Type: EnvelopeCiphertext, Content: []byte("0123456789")}).Marshal()
	_, err := UnmarshalEnvelope(data[:len(data)-4])
	assert.Error(t, err)
}

func TestProvisionMessagesRoundTrip(t *testing.T) {
	env := &ProvisionEnvelope{PublicKey: []byte{5, 1, 2}, Body: []byte{9, 9}}
	outEnv, err := UnmarshalProvisionEnvelope(env.Marshal())
	require.NoError(t, err)
	assert.Equal(t, env.PublicKey, outEnv.PublicKey)
	assert.Equal(t, env.Body, outEnv.Body)

	pm := &ProvisionMessage{
		IdentityKeyPrivate: make([]byte, 32),
		Addr:               "11111111-1111-1111-1111-111111111111.1",
		ProvisioningCode:   "abc",
		UserAgent:          "librelay-go",
	}
	outPM, err := UnmarshalProvisionMessage(pm.Marshal())
	require.NoError(t, err)
	assert.Equal(t, pm.Addr, outPM.Addr)
	assert.Equal(t, pm.ProvisioningCode, outPM.ProvisioningCode)
	assert.Equal(t, pm.IdentityKeyPrivate, outPM.IdentityKeyPrivate)

	pu := &ProvisioningUUID{UUID: "socket-uuid"}
	outPU, err := UnmarshalProvisioningUUID(pu.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "socket-uuid", outPU.UUID)
}
