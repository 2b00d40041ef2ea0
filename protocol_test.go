package docsync

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEncodeJoinRoundTrip(t *testing.T) {
	key := RequireDocKey("room", 42, "notes")
	frame, err := EncodeJoin(key, "1.2.3")
	assert.Equal(t, err, nil)

	var envelope MessageEnvelope
	err = json.Unmarshal(frame, &envelope)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Type, int(MessageTypeJoin))

	var join JoinMessage
	err = json.Unmarshal(envelope.Data, &join)
	assert.Equal(t, err, nil)
	assert.Equal(t, join.EntityType, "room")
	assert.Equal(t, join.EntityId, 42)
	assert.Equal(t, join.DocType, "notes")
	assert.Equal(t, join.ClientVersion, "1.2.3")
}

func TestEncodePushUpdateBase64(t *testing.T) {
	key := RequireDocKey("space", 7, "map")
	update := []byte{0x00, 0x01, 0xff, 0xfe}
	frame, err := EncodePushUpdate(key, update, "client-1")
	assert.Equal(t, err, nil)

	var envelope MessageEnvelope
	err = json.Unmarshal(frame, &envelope)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Type, int(MessageTypePushUpdate))

	var push PushUpdateMessage
	err = json.Unmarshal(envelope.Data, &push)
	assert.Equal(t, err, nil)
	assert.Equal(t, push.UpdateB64, base64.StdEncoding.EncodeToString(update))
	assert.Equal(t, push.ClientId, "client-1")
}

func TestDecodeServerMessageUnion(t *testing.T) {
	frame, err := encodeEnvelope(int(MessageTypeDocUpdate), &DocUpdateMessage{
		RoomAddress: RoomAddress{EntityType: "room", EntityId: 42, DocType: "notes"},
		UpdateB64:   base64.StdEncoding.EncodeToString([]byte("delta")),
		UpdateId:    "u1",
		EditorId:    "e1",
	})
	assert.Equal(t, err, nil)

	message, err := DecodeServerMessage(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type, MessageTypeDocUpdate)
	assert.NotEqual(t, message.DocUpdate, nil)
	assert.Equal(t, message.DocAwareness, nil)

	key, err := message.DocKey()
	assert.Equal(t, err, nil)
	assert.Equal(t, key.String(), "room:42:notes")

	update, err := message.DocUpdate.Update()
	assert.Equal(t, err, nil)
	assert.Equal(t, update, []byte("delta"))
}

func TestDecodeTokenInvalidate(t *testing.T) {
	frame, err := encodeEnvelope(int(MessageTypeTokenInvalidate), nil)
	assert.Equal(t, err, nil)

	message, err := DecodeServerMessage(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type, MessageTypeTokenInvalidate)
	assert.NotEqual(t, message.TokenInvalidate, nil)
}

func TestDecodeMalformedFrames(t *testing.T) {
	_, err := DecodeServerMessage([]byte("not json"))
	assert.NotEqual(t, err, nil)

	// non-numeric type
	_, err = DecodeServerMessage([]byte(`{"type":"update","data":{}}`))
	assert.NotEqual(t, err, nil)

	// unrecognized type
	_, err = DecodeServerMessage([]byte(`{"type":9999,"data":{}}`))
	assert.NotEqual(t, err, nil)

	// recognized type, wrong payload shape
	_, err = DecodeServerMessage([]byte(`{"type":200,"data":"zzz"}`))
	assert.NotEqual(t, err, nil)
}

func TestHeartbeatFrame(t *testing.T) {
	var envelope MessageEnvelope
	err := json.Unmarshal(EncodeHeartbeat(), &envelope)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Type, int(MessageTypeHeartbeat))
}
