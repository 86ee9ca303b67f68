package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type SignalServerSettings struct {
	// "" disables endpoint auth
	TokenSecret string

	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingInterval       time.Duration
	SendBufferSize     int
}

func DefaultSignalServerSettings() *SignalServerSettings {
	return &SignalServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PingInterval:       10 * time.Second,
		SendBufferSize:     64,
	}
}

// SignalServer is a websocket rendezvous: nodes hold one socket per listening
// endpoint, and the server relays connect/accept/message/close envelopes
// between endpoints and answers listening queries.
type SignalServer struct {
	ctx      context.Context
	cancel   context.CancelFunc
	settings *SignalServerSettings

	upgrader websocket.Upgrader

	stateLock   sync.Mutex
	sessions    map[string]*serverSession
	connections map[string]*serverConnection
}

type serverSession struct {
	endpoint   string
	instanceId string
	ws         *websocket.Conn
	send       chan []byte
	closeOnce  sync.Once
}

type serverConnection struct {
	connId           string
	fromEndpoint     string
	toEndpoint       string
	fromInstanceId   string
	toInstanceId     string
	ready            bool
}

func NewSignalServerWithDefaults(ctx context.Context) *SignalServer {
	return NewSignalServer(ctx, DefaultSignalServerSettings())
}

func NewSignalServer(ctx context.Context, settings *SignalServerSettings) *SignalServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SignalServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions:    map[string]*serverSession{},
		connections: map[string]*serverConnection{},
	}
}

func (self *SignalServer) ListenAndServe(bind string) error {
	server := &http.Server{
		Addr:    bind,
		Handler: self,
	}
	go func() {
		<-self.ctx.Done()
		server.Close()
	}()
	glog.Infof("signal server listening on %s", bind)
	return server.ListenAndServe()
}

func (self *SignalServer) Close() {
	self.cancel()
}

func (self *SignalServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	instanceId := r.URL.Query().Get("instance")
	if endpoint == "" {
		http.Error(w, "missing endpoint", http.StatusBadRequest)
		return
	}
	if self.settings.TokenSecret != "" {
		tokenEndpoint, err := VerifyEndpointToken(self.settings.TokenSecret, r.URL.Query().Get("token"))
		if err != nil || tokenEndpoint != endpoint {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	session := &serverSession{
		endpoint:   endpoint,
		instanceId: instanceId,
		ws:         ws,
		send:       make(chan []byte, self.settings.SendBufferSize),
	}

	self.stateLock.Lock()
	if previous, ok := self.sessions[endpoint]; ok {
		// a new socket for the endpoint displaces the old one
		previous.close()
	}
	self.sessions[endpoint] = session
	self.stateLock.Unlock()

	glog.V(1).Infof("signal: %s listening (instance %s)", endpoint, instanceId)
	go self.writeLoop(session)
	self.readLoop(session)
	self.dropSession(session)
}

func (self *serverSession) close() {
	self.closeOnce.Do(func() {
		close(self.send)
	})
}

func (self *SignalServer) writeLoop(session *serverSession) {
	pingTicker := time.NewTicker(self.settings.PingInterval)
	defer pingTicker.Stop()
	defer session.ws.Close()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-session.send:
			if !ok {
				return
			}
			session.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := session.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-pingTicker.C:
			session.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := session.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *SignalServer) readLoop(session *serverSession) {
	session.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	session.ws.SetPongHandler(func(string) error {
		session.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	for {
		_, message, err := session.ws.ReadMessage()
		if err != nil {
			return
		}
		session.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		envelope := &Envelope{}
		if err := json.Unmarshal(message, envelope); err != nil {
			continue
		}
		self.route(session, envelope)
	}
}

func (self *SignalServer) route(session *serverSession, envelope *Envelope) {
	switch envelope.Kind {
	case KindConnect:
		self.routeConnect(session, envelope)
	case KindAccept:
		self.routeAccept(session, envelope)
	case KindClose:
		self.routeClose(session, envelope)
	case KindMessage:
		self.routeMessage(session, envelope)
	case KindQuery:
		self.routeQuery(session, envelope)
	}
}

func (self *SignalServer) routeConnect(session *serverSession, envelope *Envelope) {
	self.stateLock.Lock()
	target, ok := self.sessions[envelope.To]
	if !ok {
		self.stateLock.Unlock()
		self.sendTo(session, &Envelope{
			Kind:   KindStatus,
			Status: StatusClosed,
			ConnId: envelope.ConnId,
		})
		return
	}
	self.connections[envelope.ConnId] = &serverConnection{
		connId:         envelope.ConnId,
		fromEndpoint:   session.endpoint,
		toEndpoint:     envelope.To,
		fromInstanceId: session.instanceId,
		toInstanceId:   target.instanceId,
	}
	self.stateLock.Unlock()

	self.sendTo(target, &Envelope{
		Kind:       KindStatus,
		Status:     StatusRequested,
		ConnId:     envelope.ConnId,
		From:       session.endpoint,
		To:         envelope.To,
		InstanceId: session.instanceId,
	})
}

func (self *SignalServer) routeAccept(session *serverSession, envelope *Envelope) {
	self.stateLock.Lock()
	connection, ok := self.connections[envelope.ConnId]
	if !ok || connection.toEndpoint != session.endpoint {
		self.stateLock.Unlock()
		return
	}
	connection.ready = true
	from := self.sessions[connection.fromEndpoint]
	to := self.sessions[connection.toEndpoint]
	self.stateLock.Unlock()

	if from != nil {
		self.sendTo(from, &Envelope{
			Kind:       KindStatus,
			Status:     StatusReady,
			ConnId:     envelope.ConnId,
			From:       connection.toEndpoint,
			To:         connection.fromEndpoint,
			InstanceId: connection.toInstanceId,
		})
	}
	if to != nil {
		self.sendTo(to, &Envelope{
			Kind:       KindStatus,
			Status:     StatusReady,
			ConnId:     envelope.ConnId,
			From:       connection.fromEndpoint,
			To:         connection.toEndpoint,
			InstanceId: connection.fromInstanceId,
		})
	}
}

func (self *SignalServer) routeClose(session *serverSession, envelope *Envelope) {
	self.stateLock.Lock()
	connection, ok := self.connections[envelope.ConnId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.connections, envelope.ConnId)
	other := self.otherSessionLocked(connection, session.endpoint)
	self.stateLock.Unlock()

	if other != nil {
		self.sendTo(other, &Envelope{
			Kind:   KindStatus,
			Status: StatusClosed,
			ConnId: envelope.ConnId,
		})
	}
}

func (self *SignalServer) routeMessage(session *serverSession, envelope *Envelope) {
	self.stateLock.Lock()
	connection, ok := self.connections[envelope.ConnId]
	if !ok || !connection.ready {
		self.stateLock.Unlock()
		return
	}
	other := self.otherSessionLocked(connection, session.endpoint)
	self.stateLock.Unlock()

	if other != nil {
		self.sendTo(other, &Envelope{
			Kind:    KindMessage,
			ConnId:  envelope.ConnId,
			AgentId: envelope.AgentId,
			Content: envelope.Content,
		})
	}
}

func (self *SignalServer) routeQuery(session *serverSession, envelope *Envelope) {
	self.stateLock.Lock()
	listening := []string{}
	for _, candidate := range envelope.Candidates {
		if _, ok := self.sessions[candidate]; ok {
			listening = append(listening, candidate)
		}
	}
	self.stateLock.Unlock()

	for _, endpoint := range listening {
		self.sendTo(session, &Envelope{
			Kind: KindListening,
			From: endpoint,
		})
	}
}

// must be called with `stateLock`
func (self *SignalServer) otherSessionLocked(connection *serverConnection, endpoint string) *serverSession {
	if connection.fromEndpoint == endpoint {
		return self.sessions[connection.toEndpoint]
	}
	return self.sessions[connection.fromEndpoint]
}

func (self *SignalServer) sendTo(session *serverSession, envelope *Envelope) {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	defer func() {
		// the send channel races with session teardown
		recover()
	}()
	select {
	case session.send <- encoded:
	default:
		glog.V(1).Infof("signal: dropping envelope for %s, send buffer full", session.endpoint)
	}
}

func (self *SignalServer) dropSession(session *serverSession) {
	stale := []*serverConnection{}
	self.stateLock.Lock()
	if self.sessions[session.endpoint] == session {
		delete(self.sessions, session.endpoint)
	}
	for connId, connection := range self.connections {
		if connection.fromEndpoint == session.endpoint || connection.toEndpoint == session.endpoint {
			delete(self.connections, connId)
			stale = append(stale, connection)
		}
	}
	self.stateLock.Unlock()

	session.close()
	for _, connection := range stale {
		self.stateLock.Lock()
		other := self.otherSessionLocked(connection, session.endpoint)
		self.stateLock.Unlock()
		if other != nil {
			self.sendTo(other, &Envelope{
				Kind:   KindStatus,
				Status: StatusClosed,
				ConnId: connection.connId,
			})
		}
	}
	glog.V(1).Infof("signal: %s disconnected", session.endpoint)
}
