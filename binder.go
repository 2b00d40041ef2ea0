package docsync

import (
	"github.com/golang/glog"
)

// DocBinding wires one live document to its room on the transport:
// incoming update frames merge into the container and land in the
// local store; locally produced deltas are pushed fire-and-forget.
// a push dropped during an outage is not a loss: the delta is already
// durable locally and the doc engine resyncs once reconnected.

type DocBinding struct {
	transport *TransportClient
	workspace *WorkspaceRuntime
	key       DocKey
	doc       *Document
	clientId  string

	unsubUpdate func()
	unsubDelta  func()
}

func BindDoc(
	transport *TransportClient,
	workspace *WorkspaceRuntime,
	key DocKey,
	doc *Document,
	clientId string,
) *DocBinding {
	binding := &DocBinding{
		transport: transport,
		workspace: workspace,
		key:       key,
		doc:       doc,
		clientId:  clientId,
	}

	tree := doc.Store()
	engine := workspace.Engine()

	binding.unsubUpdate = transport.OnUpdate(key, func(update *DocUpdate) {
		if update.EditorId != "" && update.EditorId == clientId {
			// our own update echoed back. the merge is a no-op anyway,
			// but skip the store append.
			return
		}
		if err := engine.ApplyRemote(doc.Id(), tree, update.Update); err != nil {
			glog.V(2).Infof("[b]%s drop unmergeable update = %s\n", key, err)
		}
	})

	binding.unsubDelta = tree.OnDelta(func(updateId Id, delta []byte) {
		transport.PushUpdate(key, delta, clientId)
	})

	transport.JoinDoc(key)
	return binding
}

func (self *DocBinding) Key() DocKey {
	return self.key
}

// PushAwareness broadcasts ephemeral presence for this doc's room.
func (self *DocBinding) PushAwareness(state []byte) {
	self.transport.PushAwareness(self.key, state)
}

// Close detaches the binding and leaves the room. in-flight frames for
// the room may still arrive at the transport and are dropped there once
// the listener bucket is gone.
func (self *DocBinding) Close() {
	self.unsubUpdate()
	self.unsubDelta()
	self.transport.LeaveDoc(self.key)
}
