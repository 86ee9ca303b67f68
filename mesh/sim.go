package mesh

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hashweave/weave/data"
	"github.com/hashweave/weave/util"
)

// SimFabric is an in-process rendezvous and transport for tests and local
// multi-node runs. All callbacks dispatch on one fabric goroutine, matching
// the cooperative scheduling model the agents assume.
type SimFabric struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex

	events       chan func()
	listeners    map[Endpoint]*SimNetworkAgent
	identities   map[Endpoint]*data.Identity
	connections  map[ConnectionId]*simConnection
	secureAgents map[*SimNetworkAgent]*SimSecureNetworkAgent
}

type simSecureSide struct {
	receivingIdentity     *data.Identity
	sendingExpectHash     data.Hash
	sendingExpectIdentity *data.Identity
}

type simConnection struct {
	connId            ConnectionId
	initiatorEndpoint Endpoint
	acceptorEndpoint  Endpoint
	ready             bool
	closed            bool
	authed            bool

	secureSides map[Endpoint]*simSecureSide
}

func (self *simConnection) otherEndpoint(endpoint Endpoint) Endpoint {
	if self.initiatorEndpoint == endpoint {
		return self.acceptorEndpoint
	}
	return self.initiatorEndpoint
}

func NewSimFabric(ctx context.Context) *SimFabric {
	cancelCtx, cancel := context.WithCancel(ctx)
	fabric := &SimFabric{
		ctx:          cancelCtx,
		cancel:       cancel,
		events:       make(chan func(), 4096),
		listeners:    map[Endpoint]*SimNetworkAgent{},
		identities:   map[Endpoint]*data.Identity{},
		connections:  map[ConnectionId]*simConnection{},
		secureAgents: map[*SimNetworkAgent]*SimSecureNetworkAgent{},
	}
	go fabric.run()
	return fabric
}

func (self *SimFabric) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.events:
			event()
		}
	}
}

func (self *SimFabric) Close() {
	self.cancel()
}

func (self *SimFabric) dispatch(event func()) {
	select {
	case <-self.ctx.Done():
	case self.events <- event:
	}
}

func newSimConnId() ConnectionId {
	id := ulid.Make()
	return "conn-" + hex.EncodeToString(id[:])
}

// SimNetworkAgent is one node's view of the fabric.
type SimNetworkAgent struct {
	fabric     *SimFabric
	instanceId string

	remoteListeningCallbacks *util.CallbackList[func(event RemoteAddressListeningEvent)]
	statusChangeCallbacks    *util.CallbackList[func(event ConnectionStatusChangeEvent)]
	messageCallbacks         *util.CallbackList[func(event MessageReceivedEvent)]
}

func NewSimNetworkAgent(fabric *SimFabric) *SimNetworkAgent {
	id := ulid.Make()
	return &SimNetworkAgent{
		fabric:                   fabric,
		instanceId:               hex.EncodeToString(id[:]),
		remoteListeningCallbacks: util.NewCallbackList[func(event RemoteAddressListeningEvent)](),
		statusChangeCallbacks:    util.NewCallbackList[func(event ConnectionStatusChangeEvent)](),
		messageCallbacks:         util.NewCallbackList[func(event MessageReceivedEvent)](),
	}
}

func (self *SimNetworkAgent) Listen(endpoint Endpoint, identity *data.Identity) error {
	self.fabric.stateLock.Lock()
	defer self.fabric.stateLock.Unlock()

	if other, ok := self.fabric.listeners[endpoint]; ok && other != self {
		return fmt.Errorf("endpoint already taken: %s", endpoint)
	}
	self.fabric.listeners[endpoint] = self
	self.fabric.identities[endpoint] = identity
	return nil
}

func (self *SimNetworkAgent) Connect(localEndpoint Endpoint, remoteEndpoint Endpoint, requesterId string) (ConnectionId, error) {
	self.fabric.stateLock.Lock()
	remote, listening := self.fabric.listeners[remoteEndpoint]
	connection := &simConnection{
		connId:            newSimConnId(),
		initiatorEndpoint: localEndpoint,
		acceptorEndpoint:  remoteEndpoint,
		secureSides:       map[Endpoint]*simSecureSide{},
	}
	self.fabric.connections[connection.connId] = connection
	self.fabric.stateLock.Unlock()

	if listening {
		event := ConnectionStatusChangeEvent{
			ConnId:         connection.connId,
			LocalEndpoint:  remoteEndpoint,
			RemoteEndpoint: localEndpoint,
			Status:         ConnectionStatusRequested,
		}
		self.fabric.dispatch(func() {
			remote.emitStatusChange(event)
		})
	}
	// otherwise the dial dangles until the initiator times it out
	return connection.connId, nil
}

func (self *SimNetworkAgent) AcceptConnection(connId ConnectionId, requesterId string) error {
	self.fabric.stateLock.Lock()
	connection, ok := self.fabric.connections[connId]
	if !ok || connection.closed {
		self.fabric.stateLock.Unlock()
		return fmt.Errorf("no such connection: %s", connId)
	}
	connection.ready = true
	initiator := self.fabric.listeners[connection.initiatorEndpoint]
	acceptor := self.fabric.listeners[connection.acceptorEndpoint]
	self.fabric.stateLock.Unlock()

	for _, side := range []struct {
		agent  *SimNetworkAgent
		local  Endpoint
		remote Endpoint
	}{
		{initiator, connection.initiatorEndpoint, connection.acceptorEndpoint},
		{acceptor, connection.acceptorEndpoint, connection.initiatorEndpoint},
	} {
		if side.agent == nil {
			continue
		}
		agent := side.agent
		event := ConnectionStatusChangeEvent{
			ConnId:         connId,
			LocalEndpoint:  side.local,
			RemoteEndpoint: side.remote,
			Status:         ConnectionStatusReady,
		}
		self.fabric.dispatch(func() {
			agent.emitStatusChange(event)
		})
	}
	return nil
}

func (self *SimNetworkAgent) ReleaseConnection(connId ConnectionId, requesterId string) {
	self.fabric.stateLock.Lock()
	connection, ok := self.fabric.connections[connId]
	if !ok || connection.closed {
		self.fabric.stateLock.Unlock()
		return
	}
	connection.closed = true
	delete(self.fabric.connections, connId)
	initiator := self.fabric.listeners[connection.initiatorEndpoint]
	acceptor := self.fabric.listeners[connection.acceptorEndpoint]
	self.fabric.stateLock.Unlock()

	for _, side := range []struct {
		agent  *SimNetworkAgent
		local  Endpoint
		remote Endpoint
	}{
		{initiator, connection.initiatorEndpoint, connection.acceptorEndpoint},
		{acceptor, connection.acceptorEndpoint, connection.initiatorEndpoint},
	} {
		if side.agent == nil {
			continue
		}
		agent := side.agent
		event := ConnectionStatusChangeEvent{
			ConnId:         connId,
			LocalEndpoint:  side.local,
			RemoteEndpoint: side.remote,
			Status:         ConnectionStatusClosed,
		}
		self.fabric.dispatch(func() {
			agent.emitStatusChange(event)
		})
	}
}

func (self *SimNetworkAgent) CheckConnection(connId ConnectionId) bool {
	self.fabric.stateLock.Lock()
	defer self.fabric.stateLock.Unlock()

	connection, ok := self.fabric.connections[connId]
	return ok && connection.ready && !connection.closed
}

func (self *SimNetworkAgent) ConnectionSendBufferIsEmpty(connId ConnectionId) bool {
	return true
}

func (self *SimNetworkAgent) SendMessage(connId ConnectionId, requesterId string, content []byte) bool {
	self.fabric.stateLock.Lock()
	connection, ok := self.fabric.connections[connId]
	if !ok || !connection.ready || connection.closed {
		self.fabric.stateLock.Unlock()
		return false
	}
	localEndpoint := self.localEndpointLocked(connection)
	remote := self.fabric.listeners[connection.otherEndpoint(localEndpoint)]
	self.fabric.stateLock.Unlock()

	if remote == nil {
		return false
	}
	event := MessageReceivedEvent{
		ConnId:  connId,
		AgentId: requesterId,
		Content: content,
	}
	self.fabric.dispatch(func() {
		remote.emitMessageReceived(event)
	})
	return true
}

func (self *SimNetworkAgent) GetConnectionInfo(connId ConnectionId) *ConnectionInfo {
	self.fabric.stateLock.Lock()
	defer self.fabric.stateLock.Unlock()

	connection, ok := self.fabric.connections[connId]
	if !ok {
		return nil
	}
	localEndpoint := self.localEndpointLocked(connection)
	remoteEndpoint := connection.otherEndpoint(localEndpoint)
	remoteInstanceId := ""
	if remote, ok := self.fabric.listeners[remoteEndpoint]; ok {
		remoteInstanceId = remote.instanceId
	}
	status := ConnectionStatusRequested
	if connection.ready {
		status = ConnectionStatusReady
	}
	if connection.closed {
		status = ConnectionStatusClosed
	}
	return &ConnectionInfo{
		ConnId:           connId,
		LocalEndpoint:    localEndpoint,
		RemoteEndpoint:   remoteEndpoint,
		RemoteInstanceId: remoteInstanceId,
		Status:           status,
	}
}

// localEndpointLocked picks the side of a connection owned by this agent.
func (self *SimNetworkAgent) localEndpointLocked(connection *simConnection) Endpoint {
	if self.fabric.listeners[connection.initiatorEndpoint] == self {
		return connection.initiatorEndpoint
	}
	return connection.acceptorEndpoint
}

func (self *SimNetworkAgent) QueryForListeningAddresses(requesterId string, candidates []Endpoint) error {
	self.fabric.stateLock.Lock()
	listening := []Endpoint{}
	for _, candidate := range candidates {
		if _, ok := self.fabric.listeners[candidate]; ok {
			listening = append(listening, candidate)
		}
	}
	self.fabric.stateLock.Unlock()

	for _, endpoint := range listening {
		event := RemoteAddressListeningEvent{
			RemoteEndpoint: endpoint,
		}
		self.fabric.dispatch(func() {
			self.emitRemoteAddressListening(event)
		})
	}
	return nil
}

func (self *SimNetworkAgent) emitStatusChange(event ConnectionStatusChangeEvent) {
	for _, callback := range self.statusChangeCallbacks.Get() {
		util.HandleError(func() {
			callback(event)
		})
	}
}

func (self *SimNetworkAgent) emitMessageReceived(event MessageReceivedEvent) {
	for _, callback := range self.messageCallbacks.Get() {
		util.HandleError(func() {
			callback(event)
		})
	}
}

func (self *SimNetworkAgent) emitRemoteAddressListening(event RemoteAddressListeningEvent) {
	for _, callback := range self.remoteListeningCallbacks.Get() {
		util.HandleError(func() {
			callback(event)
		})
	}
}

func (self *SimNetworkAgent) AddRemoteAddressListeningCallback(callback func(event RemoteAddressListeningEvent)) int {
	return self.remoteListeningCallbacks.Add(callback)
}

func (self *SimNetworkAgent) RemoveRemoteAddressListeningCallback(callbackId int) {
	self.remoteListeningCallbacks.Remove(callbackId)
}

func (self *SimNetworkAgent) AddConnectionStatusChangeCallback(callback func(event ConnectionStatusChangeEvent)) int {
	return self.statusChangeCallbacks.Add(callback)
}

func (self *SimNetworkAgent) RemoveConnectionStatusChangeCallback(callbackId int) {
	self.statusChangeCallbacks.Remove(callbackId)
}

func (self *SimNetworkAgent) AddMessageReceivedCallback(callback func(event MessageReceivedEvent)) int {
	return self.messageCallbacks.Add(callback)
}

func (self *SimNetworkAgent) RemoveMessageReceivedCallback(callbackId int) {
	self.messageCallbacks.Remove(callbackId)
}

// SimSecureNetworkAgent authenticates connection ends by verifying signed
// challenges against the expected identities. Encryption is out of scope for
// the fabric; payloads travel in memory.
type SimSecureNetworkAgent struct {
	network *SimNetworkAgent

	identityAuthCallbacks  *util.CallbackList[func(event ConnectionIdentityAuthEvent)]
	secureMessageCallbacks *util.CallbackList[func(event SecureMessageReceivedEvent)]
}

const simAuthChallengeSeed = "sim-conn-auth"

func NewSimSecureNetworkAgent(network *SimNetworkAgent) *SimSecureNetworkAgent {
	agent := &SimSecureNetworkAgent{
		network:                network,
		identityAuthCallbacks:  util.NewCallbackList[func(event ConnectionIdentityAuthEvent)](),
		secureMessageCallbacks: util.NewCallbackList[func(event SecureMessageReceivedEvent)](),
	}
	fabric := network.fabric
	fabric.stateLock.Lock()
	fabric.secureAgents[network] = agent
	fabric.stateLock.Unlock()
	return agent
}

func (self *SimSecureNetworkAgent) SecureForReceiving(connId ConnectionId, identity *data.Identity) error {
	return self.updateSecureSide(connId, func(side *simSecureSide) {
		side.receivingIdentity = identity
	})
}

func (self *SimSecureNetworkAgent) SecureForSending(connId ConnectionId, remoteIdentityHash data.Hash, remoteIdentity *data.Identity) error {
	return self.updateSecureSide(connId, func(side *simSecureSide) {
		side.sendingExpectHash = remoteIdentityHash
		side.sendingExpectIdentity = remoteIdentity
	})
}

func (self *SimSecureNetworkAgent) updateSecureSide(connId ConnectionId, update func(side *simSecureSide)) error {
	fabric := self.network.fabric
	fabric.stateLock.Lock()
	connection, ok := fabric.connections[connId]
	if !ok || connection.closed {
		fabric.stateLock.Unlock()
		return fmt.Errorf("no such connection: %s", connId)
	}
	localEndpoint := self.network.localEndpointLocked(connection)
	side, ok := connection.secureSides[localEndpoint]
	if !ok {
		side = &simSecureSide{}
		connection.secureSides[localEndpoint] = side
	}
	update(side)
	fabric.stateLock.Unlock()

	self.tryAuth(connId)
	return nil
}

// tryAuth runs the challenge exchange once both sides configured the channel.
func (self *SimSecureNetworkAgent) tryAuth(connId ConnectionId) {
	fabric := self.network.fabric

	fabric.stateLock.Lock()
	connection, ok := fabric.connections[connId]
	if !ok || connection.closed || connection.authed {
		fabric.stateLock.Unlock()
		return
	}
	endpoints := []Endpoint{connection.initiatorEndpoint, connection.acceptorEndpoint}
	sides := []*simSecureSide{connection.secureSides[endpoints[0]], connection.secureSides[endpoints[1]]}
	for _, side := range sides {
		if side == nil || side.receivingIdentity == nil || side.sendingExpectHash == "" {
			fabric.stateLock.Unlock()
			return
		}
	}
	connection.authed = true
	agents := []*SimSecureNetworkAgent{}
	for _, endpoint := range endpoints {
		agents = append(agents, fabric.secureAgents[fabric.listeners[endpoint]])
	}
	fabric.stateLock.Unlock()

	challenge := newSimConnId()
	for i := range endpoints {
		other := 1 - i
		localSide := sides[i]
		remoteSide := sides[other]

		remoteHash := data.RequireHashObject(remoteSide.receivingIdentity)
		accepted := remoteHash == localSide.sendingExpectHash
		if accepted {
			// signed challenge proves the remote holds the private key
			signature, err := remoteSide.receivingIdentity.SignChallenge(challenge, simAuthChallengeSeed)
			verifier := localSide.sendingExpectIdentity
			if verifier == nil {
				verifier = remoteSide.receivingIdentity
			}
			accepted = err == nil && verifier.VerifyChallenge(challenge, simAuthChallengeSeed, signature)
		}

		agent := agents[i]
		if agent == nil {
			continue
		}
		remoteEvent := ConnectionIdentityAuthEvent{
			ConnId:       connId,
			IdentityHash: remoteHash,
			Identity:     remoteSide.receivingIdentity,
			Remote:       true,
			Accepted:     accepted,
		}
		localEvent := ConnectionIdentityAuthEvent{
			ConnId:       connId,
			IdentityHash: data.RequireHashObject(localSide.receivingIdentity),
			Identity:     localSide.receivingIdentity,
			Remote:       false,
			Accepted:     accepted,
		}
		fabric.dispatch(func() {
			agent.emitIdentityAuth(localEvent)
			agent.emitIdentityAuth(remoteEvent)
		})
	}
}

func (self *SimSecureNetworkAgent) SendSecurely(connId ConnectionId, localIdentityHash data.Hash, remoteIdentityHash data.Hash, senderId string, payload []byte) bool {
	fabric := self.network.fabric
	fabric.stateLock.Lock()
	connection, ok := fabric.connections[connId]
	if !ok || connection.closed || !connection.authed {
		fabric.stateLock.Unlock()
		return false
	}
	localEndpoint := self.network.localEndpointLocked(connection)
	remoteAgent := fabric.secureAgents[fabric.listeners[connection.otherEndpoint(localEndpoint)]]
	fabric.stateLock.Unlock()

	if remoteAgent == nil {
		return false
	}
	event := SecureMessageReceivedEvent{
		ConnId:    connId,
		Sender:    localIdentityHash,
		Recipient: remoteIdentityHash,
		AgentId:   senderId,
		Payload:   payload,
	}
	fabric.dispatch(func() {
		remoteAgent.emitSecureMessage(event)
	})
	return true
}

func (self *SimSecureNetworkAgent) emitIdentityAuth(event ConnectionIdentityAuthEvent) {
	for _, callback := range self.identityAuthCallbacks.Get() {
		util.HandleError(func() {
			callback(event)
		})
	}
}

func (self *SimSecureNetworkAgent) emitSecureMessage(event SecureMessageReceivedEvent) {
	for _, callback := range self.secureMessageCallbacks.Get() {
		util.HandleError(func() {
			callback(event)
		})
	}
}

func (self *SimSecureNetworkAgent) AddIdentityAuthCallback(callback func(event ConnectionIdentityAuthEvent)) int {
	return self.identityAuthCallbacks.Add(callback)
}

func (self *SimSecureNetworkAgent) RemoveIdentityAuthCallback(callbackId int) {
	self.identityAuthCallbacks.Remove(callbackId)
}

func (self *SimSecureNetworkAgent) AddSecureMessageCallback(callback func(event SecureMessageReceivedEvent)) int {
	return self.secureMessageCallbacks.Add(callback)
}

func (self *SimSecureNetworkAgent) RemoveSecureMessageCallback(callbackId int) {
	self.secureMessageCallbacks.Remove(callbackId)
}

// SimPeerSource serves a fixed membership list.
type SimPeerSource struct {
	stateLock sync.Mutex
	self      Endpoint
	peers     map[Endpoint]*PeerInfo
}

func NewSimPeerSource(selfEndpoint Endpoint, peers []*PeerInfo) *SimPeerSource {
	source := &SimPeerSource{
		self:  selfEndpoint,
		peers: map[Endpoint]*PeerInfo{},
	}
	for _, peer := range peers {
		source.peers[peer.Endpoint] = peer
	}
	return source
}

func (self *SimPeerSource) GetPeers(count int) ([]*PeerInfo, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peers := []*PeerInfo{}
	for _, peer := range self.peers {
		if peer.Endpoint == self.self {
			continue
		}
		peers = append(peers, peer)
		if count <= len(peers) {
			break
		}
	}
	return peers, nil
}

func (self *SimPeerSource) GetPeerForEndpoint(endpoint Endpoint) (*PeerInfo, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.peers[endpoint], nil
}

func (self *SimPeerSource) RemovePeer(endpoint Endpoint) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.peers, endpoint)
}

// NewSimPeer builds a PeerInfo with a fresh identity and key pair.
func NewSimPeer(endpoint Endpoint) *PeerInfo {
	identity := data.RequireKeyPair().Identity()
	return &PeerInfo{
		Endpoint:     endpoint,
		IdentityHash: data.RequireHashObject(identity),
		Identity:     identity,
	}
}
