package docsync

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func treeDelta(t *testing.T, path string, value any) []byte {
	var delta []byte
	tree := NewContentTree()
	tree.OnDelta(func(updateId Id, d []byte) {
		delta = d
	})
	assert.Equal(t, tree.Set(path, value), nil)
	return delta
}

func TestDocBindingMergesRemoteAndSkipsOwnEcho(t *testing.T) {
	server := newWsTestServer(t)
	client := newTestTransport(t, server, "tok1")
	workspace := newTestWorkspace(t, "w1")

	doc, err := workspace.CreateDoc(Id{})
	assert.Equal(t, err, nil)
	key := RequireDocKey("room", 42, "notes")

	binding := BindDoc(client, workspace, key, doc, "c1")
	defer binding.Close()
	waitForCondition(t, time.Second, client.IsOpen)

	// a remote editor's update merges into the container and the store
	server.send(t, serverFrame(t, MessageTypeDocUpdate, &DocUpdateMessage{
		RoomAddress: roomAddress(key),
		UpdateB64:   base64.StdEncoding.EncodeToString(treeDelta(t, "k1", "remote1")),
		EditorId:    "other",
	}))
	waitForCondition(t, time.Second, func() bool {
		value, ok := doc.Store().Get("k1")
		return ok && value == "remote1"
	})

	// our own update echoed back is skipped entirely
	server.send(t, serverFrame(t, MessageTypeDocUpdate, &DocUpdateMessage{
		RoomAddress: roomAddress(key),
		UpdateB64:   base64.StdEncoding.EncodeToString(treeDelta(t, "k2", "echo")),
		EditorId:    "c1",
	}))
	// a later frame on the same socket proves the echo was dispatched
	server.send(t, serverFrame(t, MessageTypeDocUpdate, &DocUpdateMessage{
		RoomAddress: roomAddress(key),
		UpdateB64:   base64.StdEncoding.EncodeToString(treeDelta(t, "k3", "remote2")),
		EditorId:    "other",
	}))
	waitForCondition(t, time.Second, func() bool {
		_, ok := doc.Store().Get("k3")
		return ok
	})

	_, ok := doc.Store().Get("k2")
	assert.Equal(t, ok, false)

	// only the two non-echo updates were persisted
	updates, err := workspace.store.Updates(doc.Id())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(updates), 2)
}

func TestDocBindingPushesLocalDeltas(t *testing.T) {
	server := newWsTestServer(t)
	client := newTestTransport(t, server, "tok1")
	workspace := newTestWorkspace(t, "w1")

	doc, err := workspace.CreateDoc(Id{})
	assert.Equal(t, err, nil)
	key := RequireDocKey("room", 42, "notes")

	binding := BindDoc(client, workspace, key, doc, "c1")
	defer binding.Close()
	waitForCondition(t, time.Second, client.IsOpen)

	assert.Equal(t, doc.Store().Set("blocks/title", "local edit"), nil)

	var push *PushUpdateMessage
	end := time.Now().Add(time.Second)
	for push == nil && time.Now().Before(end) {
		envelope := server.nextFrame(time.Second)
		if envelope == nil {
			break
		}
		if envelope.Type == int(MessageTypePushUpdate) {
			push = &PushUpdateMessage{}
			assert.Equal(t, json.Unmarshal(envelope.Data, push), nil)
		}
	}
	assert.NotEqual(t, push, nil)
	assert.Equal(t, push.ClientId, "c1")
	assert.Equal(t, push.EntityId, 42)

	// the pushed delta reproduces the edit on a peer
	delta, err := base64.StdEncoding.DecodeString(push.UpdateB64)
	assert.Equal(t, err, nil)
	peer := NewContentTree()
	assert.Equal(t, peer.ApplyUpdate(delta), nil)
	value, ok := peer.Get("blocks/title")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "local edit")
}

func TestDocBindingCloseDetaches(t *testing.T) {
	server := newWsTestServer(t)
	client := newTestTransport(t, server, "tok1")
	workspace := newTestWorkspace(t, "w1")

	doc, err := workspace.CreateDoc(Id{})
	assert.Equal(t, err, nil)
	key := RequireDocKey("room", 42, "notes")

	binding := BindDoc(client, workspace, key, doc, "c1")
	waitForCondition(t, time.Second, client.IsOpen)

	binding.Close()
	assert.Equal(t, len(client.WantedDocs()), 0)
	assert.Equal(t, len(client.updateCallbacks.keys()), 0)

	// frames for the room after close are dropped at the transport
	server.send(t, serverFrame(t, MessageTypeDocUpdate, &DocUpdateMessage{
		RoomAddress: roomAddress(key),
		UpdateB64:   base64.StdEncoding.EncodeToString(treeDelta(t, "late", "x")),
		EditorId:    "other",
	}))
	time.Sleep(100 * time.Millisecond)
	_, ok := doc.Store().Get("late")
	assert.Equal(t, ok, false)
}
