package docsync

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// TransportClient is one physical socket session multiplexed across many
// document rooms. it owns reconnect, keep-alive, and typed dispatch.
// there is no offline queue: updates pushed while disconnected are dropped,
// the local document store is the durable source of truth and the doc engine
// resyncs after an outage.

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "Disconnected"
	ConnectionStateConnecting   ConnectionState = "Connecting"
	ConnectionStateOpen         ConnectionState = "Open"
	// suppressed means the client deliberately stays offline:
	// the token was invalidated or the token source is empty.
	// only an explicit Connect with a token leaves this state.
	ConnectionStateSuppressed ConnectionState = "Suppressed"
)

type TransportClientSettings struct {
	ClientVersion      string
	ReconnectTimeout   time.Duration
	HeartbeatTimeout   time.Duration
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
}

func DefaultTransportClientSettings() *TransportClientSettings {
	return &TransportClientSettings{
		ClientVersion:    Version,
		ReconnectTimeout: 800 * time.Millisecond,
		// must stay well under the server idle-close threshold
		HeartbeatTimeout:   25 * time.Second,
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

const Version = "0.1.0"

type DocUpdate struct {
	Key        DocKey
	Update     []byte
	UpdateId   string
	ServerTime time.Time
	EditorId   string
}

type DocAwareness struct {
	Key DocKey
	// opaque, ephemeral, last-write-wins per editor. never persisted.
	State    []byte
	EditorId string
}

type DocUpdateAck struct {
	Key        DocKey
	UpdateId   string
	ServerTime time.Time
}

type UpdateFunction func(update *DocUpdate)
type AwarenessFunction func(awareness *DocAwareness)
type AckFunction func(ack *DocUpdateAck)

// dropped frames and dropped sends are expected, non-exceptional
// conditions. they are counted so an operator can see them, but
// the drop-on-failure behavior is by contract.
type TransportDropCounts struct {
	MalformedFrames   uint64
	DisconnectedSends uint64
	DisconnectedJoins uint64
}

type TransportClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl   string
	tokenSource  TokenSource
	unauthorized UnauthorizedFunc

	settings *TransportClientSettings

	stateLock      sync.Mutex
	state          ConnectionState
	ws             *websocket.Conn
	wanted         map[DocKey]bool
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	dropCounts     TransportDropCounts

	// gorilla allows one concurrent writer per conn
	sendLock sync.Mutex

	updateCallbacks    *callbackBuckets[UpdateFunction]
	awarenessCallbacks *callbackBuckets[AwarenessFunction]
	ackCallbacks       *callbackBuckets[AckFunction]
}

func NewTransportClientWithDefaults(
	ctx context.Context,
	connectUrl string,
	tokenSource TokenSource,
	unauthorized UnauthorizedFunc,
) *TransportClient {
	return NewTransportClient(ctx, connectUrl, tokenSource, unauthorized, DefaultTransportClientSettings())
}

func NewTransportClient(
	ctx context.Context,
	connectUrl string,
	tokenSource TokenSource,
	unauthorized UnauthorizedFunc,
	settings *TransportClientSettings,
) *TransportClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TransportClient{
		ctx:                cancelCtx,
		cancel:             cancel,
		connectUrl:         connectUrl,
		tokenSource:        tokenSource,
		unauthorized:       unauthorized,
		settings:           settings,
		state:              ConnectionStateDisconnected,
		wanted:             map[DocKey]bool{},
		updateCallbacks:    newCallbackBuckets[UpdateFunction](),
		awarenessCallbacks: newCallbackBuckets[AwarenessFunction](),
		ackCallbacks:       newCallbackBuckets[AckFunction](),
	}
}

func (self *TransportClient) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *TransportClient) IsOpen() bool {
	return self.State() == ConnectionStateOpen
}

func (self *TransportClient) DropCounts() TransportDropCounts {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dropCounts
}

// Connect is idempotent: a no-op while connecting or open.
// the token is re-read on every call, which is what makes token
// rotation work without an explicit logout/login cycle.
func (self *TransportClient) Connect() {
	var dialUrl string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch self.state {
		case ConnectionStateConnecting, ConnectionStateOpen:
			return
		}

		token := self.tokenSource()
		if token == "" {
			// the one state where the client deliberately stays offline.
			// no socket, no reconnect timer, even on repeated calls.
			if self.ws != nil {
				self.ws.Close()
				self.ws = nil
			}
			self.stopReconnectTimerLocked()
			self.state = ConnectionStateSuppressed
			return
		}

		self.stopReconnectTimerLocked()
		self.state = ConnectionStateConnecting
		dialUrl = self.dialUrl(token)
	}()

	if dialUrl == "" {
		return
	}
	go self.dial(dialUrl)
}

func (self *TransportClient) dialUrl(token string) string {
	u, err := url.Parse(self.connectUrl)
	if err != nil {
		return fmt.Sprintf("%s?token=%s", self.connectUrl, url.QueryEscape(token))
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (self *TransportClient) dial(dialUrl string) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, dialUrl, nil)

	self.stateLock.Lock()
	if self.state != ConnectionStateConnecting {
		// suppressed or closed while the handshake was in flight
		self.stateLock.Unlock()
		if err == nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		self.state = ConnectionStateDisconnected
		self.scheduleReconnectLocked()
		self.stateLock.Unlock()
		glog.Infof("[t]connect error = %s\n", err)
		return
	}

	self.ws = ws
	self.state = ConnectionStateOpen
	heartbeatStop := make(chan struct{})
	self.heartbeatStop = heartbeatStop
	wantedKeys := make([]DocKey, 0, len(self.wanted))
	for key := range self.wanted {
		wantedKeys = append(wantedKeys, key)
	}
	self.stateLock.Unlock()

	// room-membership recovery: replay a join for every wanted key
	for _, key := range wantedKeys {
		if frame, err := EncodeJoin(key, self.settings.ClientVersion); err == nil {
			self.writeFrame(ws, frame)
		}
	}

	go self.heartbeat(ws, heartbeatStop)
	go self.readLoop(ws)
}

func (self *TransportClient) heartbeat(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(self.settings.HeartbeatTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !self.writeFrame(ws, EncodeHeartbeat()) {
				return
			}
			glog.V(2).Infof("[t]heartbeat->\n")
		}
	}
}

func (self *TransportClient) readLoop(ws *websocket.Conn) {
	defer self.closeSocket(ws)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		_, frame, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[t]<- read error = %s\n", err)
			return
		}
		self.dispatch(frame)
	}
}

func (self *TransportClient) dispatch(frame []byte) {
	message, err := DecodeServerMessage(frame)
	if err != nil {
		// malformed frames are dropped. non-fatal, no retry.
		self.countDrop(func(c *TransportDropCounts) { c.MalformedFrames += 1 })
		glog.V(2).Infof("[t]drop malformed frame = %s\n", err)
		return
	}

	// token invalidation is handled before generic dispatch
	if message.Type == MessageTypeTokenInvalidate {
		self.suppress()
		if self.unauthorized != nil {
			self.unauthorized()
		}
		return
	}

	key, err := message.DocKey()
	if err != nil {
		self.countDrop(func(c *TransportDropCounts) { c.MalformedFrames += 1 })
		glog.V(2).Infof("[t]drop unaddressable frame = %s\n", err)
		return
	}
	roomKey := key.String()

	switch message.Type {
	case MessageTypeDocUpdate:
		update, err := message.DocUpdate.Update()
		if err != nil {
			self.countDrop(func(c *TransportDropCounts) { c.MalformedFrames += 1 })
			return
		}
		docUpdate := &DocUpdate{
			Key:        key,
			Update:     update,
			UpdateId:   message.DocUpdate.UpdateId,
			ServerTime: message.DocUpdate.Time(),
			EditorId:   message.DocUpdate.EditorId,
		}
		for _, callback := range self.updateCallbacks.get(roomKey) {
			callback(docUpdate)
		}
	case MessageTypeDocAwareness:
		docAwareness := &DocAwareness{
			Key:      key,
			State:    []byte(message.DocAwareness.AwarenessUpdate),
			EditorId: message.DocAwareness.EditorId,
		}
		for _, callback := range self.awarenessCallbacks.get(roomKey) {
			callback(docAwareness)
		}
	case MessageTypeDocUpdateAck:
		ack := &DocUpdateAck{
			Key:        key,
			UpdateId:   message.DocUpdateAck.UpdateId,
			ServerTime: time.UnixMilli(message.DocUpdateAck.ServerTime),
		}
		for _, callback := range self.ackCallbacks.get(roomKey) {
			callback(ack)
		}
	}
}

// server-pushed invalidation is fatal to the session. reconnects stay
// suppressed until a new token appears and Connect is called again.
func (self *TransportClient) suppress() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.state = ConnectionStateSuppressed
	self.stopReconnectTimerLocked()
	self.stopHeartbeatLocked()
	if self.ws != nil {
		self.ws.Close()
		self.ws = nil
	}
}

// called by the read loop when its socket dies. ignores sockets that
// were already replaced or torn down.
func (self *TransportClient) closeSocket(ws *websocket.Conn) {
	ws.Close()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ws != ws {
		return
	}
	self.ws = nil
	self.stopHeartbeatLocked()
	if self.state == ConnectionStateSuppressed {
		// self-initiated close. no reconnect.
		return
	}
	self.state = ConnectionStateDisconnected
	if self.tokenSource() == "" {
		self.state = ConnectionStateSuppressed
		return
	}
	self.scheduleReconnectLocked()
}

func (self *TransportClient) scheduleReconnectLocked() {
	if self.reconnectTimer != nil {
		return
	}
	self.reconnectTimer = time.AfterFunc(self.settings.ReconnectTimeout, func() {
		self.stateLock.Lock()
		self.reconnectTimer = nil
		self.stateLock.Unlock()

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.Connect()
	})
}

func (self *TransportClient) stopReconnectTimerLocked() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

func (self *TransportClient) stopHeartbeatLocked() {
	if self.heartbeatStop != nil {
		close(self.heartbeatStop)
		self.heartbeatStop = nil
	}
}

func (self *TransportClient) countDrop(count func(*TransportDropCounts)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	count(&self.dropCounts)
}

// returns (ws, true) only while open
func (self *TransportClient) openSocket() (*websocket.Conn, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != ConnectionStateOpen || self.ws == nil {
		return nil, false
	}
	return self.ws, true
}

func (self *TransportClient) writeFrame(ws *websocket.Conn, frame []byte) bool {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		// a deadline timeout cannot be recovered on a websocket.
		// the read loop observes the close and reconnects.
		glog.Infof("[t]-> write error = %s\n", err)
		return false
	}
	return true
}

// JoinDoc adds the key to the wanted set, which is replayed on every
// reconnect, and sends a join for it now if the socket is open. idempotent.
func (self *TransportClient) JoinDoc(key DocKey) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.wanted[key] = true
	}()

	self.Connect()

	if ws, ok := self.openSocket(); ok {
		if frame, err := EncodeJoin(key, self.settings.ClientVersion); err == nil {
			self.writeFrame(ws, frame)
		}
	} else {
		self.countDrop(func(c *TransportDropCounts) { c.DisconnectedJoins += 1 })
	}
}

// safe without a prior join
func (self *TransportClient) LeaveDoc(key DocKey) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.wanted, key)
	}()

	if ws, ok := self.openSocket(); ok {
		if frame, err := EncodeLeave(key); err == nil {
			self.writeFrame(ws, frame)
		}
	}
}

// WantedDocs is the set of rooms that will be rejoined on reconnect.
func (self *TransportClient) WantedDocs() []DocKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := make([]DocKey, 0, len(self.wanted))
	for key := range self.wanted {
		keys = append(keys, key)
	}
	return keys
}

// fire and forget. silently dropped while disconnected: the local
// document is the durable source of truth, not the transport.
func (self *TransportClient) PushUpdate(key DocKey, update []byte, clientId string) {
	self.TryPushUpdateIfOpen(key, update, clientId)
}

// identical payload to PushUpdate, but reports whether the frame was
// actually written while the socket was open. never claims success
// while known-disconnected.
func (self *TransportClient) TryPushUpdateIfOpen(key DocKey, update []byte, clientId string) bool {
	ws, ok := self.openSocket()
	if !ok {
		self.countDrop(func(c *TransportDropCounts) { c.DisconnectedSends += 1 })
		return false
	}
	frame, err := EncodePushUpdate(key, update, clientId)
	if err != nil {
		return false
	}
	return self.writeFrame(ws, frame)
}

// fire and forget, same drop semantics as PushUpdate. awareness is
// ephemeral and never replayed, so a dropped state is simply gone.
func (self *TransportClient) PushAwareness(key DocKey, state []byte) {
	ws, ok := self.openSocket()
	if !ok {
		self.countDrop(func(c *TransportDropCounts) { c.DisconnectedSends += 1 })
		return
	}
	if frame, err := EncodePushAwareness(key, state); err == nil {
		self.writeFrame(ws, frame)
	}
}

func (self *TransportClient) OnUpdate(key DocKey, callback UpdateFunction) func() {
	return self.updateCallbacks.add(key.String(), callback)
}

func (self *TransportClient) OnAwareness(key DocKey, callback AwarenessFunction) func() {
	return self.awarenessCallbacks.add(key.String(), callback)
}

func (self *TransportClient) OnAck(key DocKey, callback AckFunction) func() {
	return self.ackCallbacks.add(key.String(), callback)
}

func (self *TransportClient) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.stopReconnectTimerLocked()
	self.stopHeartbeatLocked()
	if self.ws != nil {
		self.ws.Close()
		self.ws = nil
	}
	self.state = ConnectionStateSuppressed
}
