package signal

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"github.com/oklog/ulid/v2"

	"github.com/hashweave/weave/data"
	"github.com/hashweave/weave/mesh"
	"github.com/hashweave/weave/util"
)

type WebsocketNetworkAgentSettings struct {
	ServerUrl string
	Tokens    TokenSource

	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingInterval       time.Duration
	SendBufferSize     int
}

func DefaultWebsocketNetworkAgentSettings(serverUrl string, tokens TokenSource) *WebsocketNetworkAgentSettings {
	return &WebsocketNetworkAgentSettings{
		ServerUrl:          serverUrl,
		Tokens:             tokens,
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PingInterval:       10 * time.Second,
		SendBufferSize:     64,
	}
}

// WebsocketNetworkAgent implements the NetworkAgent contract against a
// SignalServer: one websocket per listening endpoint, with a reconnect loop.
type WebsocketNetworkAgent struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings   *WebsocketNetworkAgentSettings
	instanceId string

	stateLock   sync.Mutex
	sessions    map[mesh.Endpoint]*clientSession
	connections map[mesh.ConnectionId]*clientConnection

	remoteListeningCallbacks *util.CallbackList[func(event mesh.RemoteAddressListeningEvent)]
	statusChangeCallbacks    *util.CallbackList[func(event mesh.ConnectionStatusChangeEvent)]
	messageCallbacks         *util.CallbackList[func(event mesh.MessageReceivedEvent)]
}

type clientSession struct {
	endpoint mesh.Endpoint
	send     chan []byte
	cancel   context.CancelFunc
}

type clientConnection struct {
	connId           mesh.ConnectionId
	localEndpoint    mesh.Endpoint
	remoteEndpoint   mesh.Endpoint
	remoteInstanceId string
	status           mesh.ConnectionStatus
}

func NewWebsocketNetworkAgentWithDefaults(ctx context.Context, serverUrl string, tokens TokenSource) *WebsocketNetworkAgent {
	return NewWebsocketNetworkAgent(ctx, DefaultWebsocketNetworkAgentSettings(serverUrl, tokens))
}

func NewWebsocketNetworkAgent(ctx context.Context, settings *WebsocketNetworkAgentSettings) *WebsocketNetworkAgent {
	cancelCtx, cancel := context.WithCancel(ctx)
	id := ulid.Make()
	return &WebsocketNetworkAgent{
		ctx:                      cancelCtx,
		cancel:                   cancel,
		settings:                 settings,
		instanceId:               hex.EncodeToString(id[:]),
		sessions:                 map[mesh.Endpoint]*clientSession{},
		connections:              map[mesh.ConnectionId]*clientConnection{},
		remoteListeningCallbacks: util.NewCallbackList[func(event mesh.RemoteAddressListeningEvent)](),
		statusChangeCallbacks:    util.NewCallbackList[func(event mesh.ConnectionStatusChangeEvent)](),
		messageCallbacks:         util.NewCallbackList[func(event mesh.MessageReceivedEvent)](),
	}
}

func (self *WebsocketNetworkAgent) Close() {
	self.cancel()
}

func (self *WebsocketNetworkAgent) InstanceId() string {
	return self.instanceId
}

// NetworkAgent

func (self *WebsocketNetworkAgent) Listen(endpoint mesh.Endpoint, identity *data.Identity) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.sessions[endpoint]; ok {
		return nil
	}
	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	session := &clientSession{
		endpoint: endpoint,
		send:     make(chan []byte, self.settings.SendBufferSize),
		cancel:   sessionCancel,
	}
	self.sessions[endpoint] = session
	go self.runSession(sessionCtx, session)
	return nil
}

// runSession keeps one websocket to the signal server alive for an endpoint.
func (self *WebsocketNetworkAgent) runSession(ctx context.Context, session *clientSession) {
	for {
		if err := self.connectAndServe(ctx, session); err != nil {
			glog.V(1).Infof("signal session %s: %v", session.endpoint, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WebsocketNetworkAgent) connectAndServe(ctx context.Context, session *clientSession) error {
	token, err := self.settings.Tokens.TokenForEndpoint(session.endpoint)
	if err != nil {
		return err
	}
	wsUrl, err := url.Parse(self.settings.ServerUrl)
	if err != nil {
		return err
	}
	query := wsUrl.Query()
	query.Set("endpoint", session.endpoint)
	query.Set("instance", self.instanceId)
	if token != "" {
		query.Set("token", token)
	}
	wsUrl.RawQuery = query.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, wsUrl.String(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		pingTicker := time.NewTicker(self.settings.PingInterval)
		defer pingTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case message := <-session.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-pingTicker.C:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			<-writeDone
			return err
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		envelope := &Envelope{}
		if err := json.Unmarshal(message, envelope); err != nil {
			continue
		}
		self.handleEnvelope(session, envelope)
	}
}

func (self *WebsocketNetworkAgent) handleEnvelope(session *clientSession, envelope *Envelope) {
	switch envelope.Kind {
	case KindStatus:
		self.handleStatus(session, envelope)
	case KindMessage:
		for _, callback := range self.messageCallbacks.Get() {
			util.HandleError(func() {
				callback(mesh.MessageReceivedEvent{
					ConnId:  envelope.ConnId,
					AgentId: envelope.AgentId,
					Content: envelope.Content,
				})
			})
		}
	case KindListening:
		for _, callback := range self.remoteListeningCallbacks.Get() {
			util.HandleError(func() {
				callback(mesh.RemoteAddressListeningEvent{
					RemoteEndpoint: envelope.From,
				})
			})
		}
	}
}

func (self *WebsocketNetworkAgent) handleStatus(session *clientSession, envelope *Envelope) {
	var event *mesh.ConnectionStatusChangeEvent
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch envelope.Status {
		case StatusRequested:
			connection := &clientConnection{
				connId:           envelope.ConnId,
				localEndpoint:    session.endpoint,
				remoteEndpoint:   envelope.From,
				remoteInstanceId: envelope.InstanceId,
				status:           mesh.ConnectionStatusRequested,
			}
			self.connections[envelope.ConnId] = connection
			event = &mesh.ConnectionStatusChangeEvent{
				ConnId:         envelope.ConnId,
				LocalEndpoint:  session.endpoint,
				RemoteEndpoint: envelope.From,
				Status:         mesh.ConnectionStatusRequested,
			}
		case StatusReady:
			connection, ok := self.connections[envelope.ConnId]
			if !ok {
				return
			}
			connection.status = mesh.ConnectionStatusReady
			if envelope.InstanceId != "" {
				connection.remoteInstanceId = envelope.InstanceId
			}
			event = &mesh.ConnectionStatusChangeEvent{
				ConnId:         envelope.ConnId,
				LocalEndpoint:  connection.localEndpoint,
				RemoteEndpoint: connection.remoteEndpoint,
				Status:         mesh.ConnectionStatusReady,
			}
		case StatusClosed:
			connection, ok := self.connections[envelope.ConnId]
			if !ok {
				return
			}
			delete(self.connections, envelope.ConnId)
			event = &mesh.ConnectionStatusChangeEvent{
				ConnId:         envelope.ConnId,
				LocalEndpoint:  connection.localEndpoint,
				RemoteEndpoint: connection.remoteEndpoint,
				Status:         mesh.ConnectionStatusClosed,
			}
		}
	}()
	if event == nil {
		return
	}
	for _, callback := range self.statusChangeCallbacks.Get() {
		util.HandleError(func() {
			callback(*event)
		})
	}
}

func (self *WebsocketNetworkAgent) Connect(localEndpoint mesh.Endpoint, remoteEndpoint mesh.Endpoint, requesterId string) (mesh.ConnectionId, error) {
	id := ulid.Make()
	connId := "conn-" + hex.EncodeToString(id[:])

	self.stateLock.Lock()
	session, ok := self.sessions[localEndpoint]
	if !ok {
		self.stateLock.Unlock()
		return "", fmt.Errorf("not listening on %s", localEndpoint)
	}
	self.connections[connId] = &clientConnection{
		connId:         connId,
		localEndpoint:  localEndpoint,
		remoteEndpoint: remoteEndpoint,
	}
	self.stateLock.Unlock()

	self.sendEnvelope(session, &Envelope{
		Kind:       KindConnect,
		ConnId:     connId,
		To:         remoteEndpoint,
		InstanceId: self.instanceId,
	})
	return connId, nil
}

func (self *WebsocketNetworkAgent) AcceptConnection(connId mesh.ConnectionId, requesterId string) error {
	session, _, err := self.sessionForConnection(connId)
	if err != nil {
		return err
	}
	self.sendEnvelope(session, &Envelope{
		Kind:   KindAccept,
		ConnId: connId,
	})
	return nil
}

func (self *WebsocketNetworkAgent) ReleaseConnection(connId mesh.ConnectionId, requesterId string) {
	session, _, err := self.sessionForConnection(connId)
	if err != nil {
		return
	}
	self.stateLock.Lock()
	delete(self.connections, connId)
	self.stateLock.Unlock()
	self.sendEnvelope(session, &Envelope{
		Kind:   KindClose,
		ConnId: connId,
	})
}

func (self *WebsocketNetworkAgent) CheckConnection(connId mesh.ConnectionId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connection, ok := self.connections[connId]
	return ok && connection.status == mesh.ConnectionStatusReady
}

func (self *WebsocketNetworkAgent) ConnectionSendBufferIsEmpty(connId mesh.ConnectionId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connection, ok := self.connections[connId]
	if !ok {
		return false
	}
	session, ok := self.sessions[connection.localEndpoint]
	return ok && len(session.send) == 0
}

func (self *WebsocketNetworkAgent) SendMessage(connId mesh.ConnectionId, requesterId string, content []byte) bool {
	session, connection, err := self.sessionForConnection(connId)
	if err != nil || connection.status != mesh.ConnectionStatusReady {
		return false
	}
	return self.sendEnvelope(session, &Envelope{
		Kind:    KindMessage,
		ConnId:  connId,
		AgentId: requesterId,
		Content: content,
	})
}

func (self *WebsocketNetworkAgent) GetConnectionInfo(connId mesh.ConnectionId) *mesh.ConnectionInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connection, ok := self.connections[connId]
	if !ok {
		return nil
	}
	return &mesh.ConnectionInfo{
		ConnId:           connId,
		LocalEndpoint:    connection.localEndpoint,
		RemoteEndpoint:   connection.remoteEndpoint,
		RemoteInstanceId: connection.remoteInstanceId,
		Status:           connection.status,
	}
}

func (self *WebsocketNetworkAgent) QueryForListeningAddresses(requesterId string, candidates []mesh.Endpoint) error {
	self.stateLock.Lock()
	var session *clientSession
	for _, candidate := range self.sessions {
		session = candidate
		break
	}
	self.stateLock.Unlock()
	if session == nil {
		return fmt.Errorf("no listening endpoint")
	}
	self.sendEnvelope(session, &Envelope{
		Kind:       KindQuery,
		Candidates: candidates,
	})
	return nil
}

func (self *WebsocketNetworkAgent) sessionForConnection(connId mesh.ConnectionId) (*clientSession, *clientConnection, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connection, ok := self.connections[connId]
	if !ok {
		return nil, nil, fmt.Errorf("no such connection: %s", connId)
	}
	session, ok := self.sessions[connection.localEndpoint]
	if !ok {
		return nil, nil, fmt.Errorf("not listening on %s", connection.localEndpoint)
	}
	return session, connection, nil
}

func (self *WebsocketNetworkAgent) sendEnvelope(session *clientSession, envelope *Envelope) bool {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return false
	}
	select {
	case session.send <- encoded:
		return true
	default:
		glog.V(1).Infof("signal session %s: send buffer full", session.endpoint)
		return false
	}
}

// event callbacks

func (self *WebsocketNetworkAgent) AddRemoteAddressListeningCallback(callback func(event mesh.RemoteAddressListeningEvent)) int {
	return self.remoteListeningCallbacks.Add(callback)
}

func (self *WebsocketNetworkAgent) RemoveRemoteAddressListeningCallback(callbackId int) {
	self.remoteListeningCallbacks.Remove(callbackId)
}

func (self *WebsocketNetworkAgent) AddConnectionStatusChangeCallback(callback func(event mesh.ConnectionStatusChangeEvent)) int {
	return self.statusChangeCallbacks.Add(callback)
}

func (self *WebsocketNetworkAgent) RemoveConnectionStatusChangeCallback(callbackId int) {
	self.statusChangeCallbacks.Remove(callbackId)
}

func (self *WebsocketNetworkAgent) AddMessageReceivedCallback(callback func(event mesh.MessageReceivedEvent)) int {
	return self.messageCallbacks.Add(callback)
}

func (self *WebsocketNetworkAgent) RemoveMessageReceivedCallback(callbackId int) {
	self.messageCallbacks.Remove(callbackId)
}
