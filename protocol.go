package docsync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// wire protocol: JSON frames over one websocket per session.
// each frame is {type, data} where type selects the payload shape
// from the closed sets below. binary payloads are base64 in the json.

type ClientMessageType int

const (
	MessageTypeHeartbeat     ClientMessageType = 2
	MessageTypeJoin          ClientMessageType = 200
	MessageTypeLeave         ClientMessageType = 201
	MessageTypePushUpdate    ClientMessageType = 202
	MessageTypePushAwareness ClientMessageType = 203
)

type ServerMessageType int

const (
	MessageTypeTokenInvalidate ServerMessageType = 100
	MessageTypeDocUpdate       ServerMessageType = 200
	MessageTypeDocAwareness    ServerMessageType = 201
	MessageTypeDocUpdateAck    ServerMessageType = 202
)

type MessageEnvelope struct {
	Type int             `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// the key fields shared by every room-addressed payload
type RoomAddress struct {
	EntityType string `json:"entityType"`
	EntityId   int    `json:"entityId"`
	DocType    string `json:"docType"`
}

func roomAddress(key DocKey) RoomAddress {
	return RoomAddress{
		EntityType: key.EntityType,
		EntityId:   key.EntityId,
		DocType:    key.DocType,
	}
}

func (self RoomAddress) DocKey() (DocKey, error) {
	return NewDocKey(self.EntityType, self.EntityId, self.DocType)
}

type JoinMessage struct {
	RoomAddress
	ClientVersion string `json:"clientVersion"`
}

type LeaveMessage struct {
	RoomAddress
}

type PushUpdateMessage struct {
	RoomAddress
	UpdateB64 string `json:"updateB64"`
	ClientId  string `json:"clientId,omitempty"`
}

type PushAwarenessMessage struct {
	RoomAddress
	AwarenessUpdate json.RawMessage `json:"awarenessUpdate"`
}

type DocUpdateMessage struct {
	RoomAddress
	UpdateB64  string `json:"updateB64"`
	UpdateId   string `json:"updateId,omitempty"`
	ServerTime int64  `json:"serverTime,omitempty"`
	EditorId   string `json:"editorId,omitempty"`
}

func (self *DocUpdateMessage) Update() ([]byte, error) {
	return base64.StdEncoding.DecodeString(self.UpdateB64)
}

func (self *DocUpdateMessage) Time() time.Time {
	return time.UnixMilli(self.ServerTime)
}

type DocAwarenessMessage struct {
	RoomAddress
	AwarenessUpdate json.RawMessage `json:"awarenessUpdate"`
	EditorId        string          `json:"editorId,omitempty"`
}

type DocUpdateAckMessage struct {
	RoomAddress
	UpdateId   string `json:"updateId,omitempty"`
	ServerTime int64  `json:"serverTime,omitempty"`
}

type TokenInvalidateMessage struct{}

func encodeEnvelope(messageType int, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(&MessageEnvelope{
		Type: messageType,
		Data: raw,
	})
}

func EncodeHeartbeat() []byte {
	// no payload. cannot fail.
	frame, _ := json.Marshal(&MessageEnvelope{Type: int(MessageTypeHeartbeat)})
	return frame
}

func EncodeJoin(key DocKey, clientVersion string) ([]byte, error) {
	return encodeEnvelope(int(MessageTypeJoin), &JoinMessage{
		RoomAddress:   roomAddress(key),
		ClientVersion: clientVersion,
	})
}

func EncodeLeave(key DocKey) ([]byte, error) {
	return encodeEnvelope(int(MessageTypeLeave), &LeaveMessage{
		RoomAddress: roomAddress(key),
	})
}

func EncodePushUpdate(key DocKey, update []byte, clientId string) ([]byte, error) {
	return encodeEnvelope(int(MessageTypePushUpdate), &PushUpdateMessage{
		RoomAddress: roomAddress(key),
		UpdateB64:   base64.StdEncoding.EncodeToString(update),
		ClientId:    clientId,
	})
}

func EncodePushAwareness(key DocKey, awareness []byte) ([]byte, error) {
	return encodeEnvelope(int(MessageTypePushAwareness), &PushAwarenessMessage{
		RoomAddress:     roomAddress(key),
		AwarenessUpdate: json.RawMessage(awareness),
	})
}

// ServerMessage is the closed union of frames the server can send.
// exactly one of the pointers is set.
type ServerMessage struct {
	Type            ServerMessageType
	DocUpdate       *DocUpdateMessage
	DocAwareness    *DocAwarenessMessage
	DocUpdateAck    *DocUpdateAckMessage
	TokenInvalidate *TokenInvalidateMessage
}

// the room the message is addressed to. zero value for TOKEN_INVALIDATE.
func (self *ServerMessage) DocKey() (DocKey, error) {
	switch self.Type {
	case MessageTypeDocUpdate:
		return self.DocUpdate.RoomAddress.DocKey()
	case MessageTypeDocAwareness:
		return self.DocAwareness.RoomAddress.DocKey()
	case MessageTypeDocUpdateAck:
		return self.DocUpdateAck.RoomAddress.DocKey()
	default:
		return DocKey{}, nil
	}
}

func DecodeServerMessage(frame []byte) (*ServerMessage, error) {
	var envelope MessageEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, err
	}
	switch ServerMessageType(envelope.Type) {
	case MessageTypeTokenInvalidate:
		return &ServerMessage{
			Type:            MessageTypeTokenInvalidate,
			TokenInvalidate: &TokenInvalidateMessage{},
		}, nil
	case MessageTypeDocUpdate:
		message := &DocUpdateMessage{}
		if err := json.Unmarshal(envelope.Data, message); err != nil {
			return nil, err
		}
		return &ServerMessage{
			Type:      MessageTypeDocUpdate,
			DocUpdate: message,
		}, nil
	case MessageTypeDocAwareness:
		message := &DocAwarenessMessage{}
		if err := json.Unmarshal(envelope.Data, message); err != nil {
			return nil, err
		}
		return &ServerMessage{
			Type:         MessageTypeDocAwareness,
			DocAwareness: message,
		}, nil
	case MessageTypeDocUpdateAck:
		message := &DocUpdateAckMessage{}
		if err := json.Unmarshal(envelope.Data, message); err != nil {
			return nil, err
		}
		return &ServerMessage{
			Type:         MessageTypeDocUpdateAck,
			DocUpdateAck: message,
		}, nil
	default:
		return nil, fmt.Errorf("unrecognized message type %d", envelope.Type)
	}
}
