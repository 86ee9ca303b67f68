package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/hashweave/weave/util"
)

// AgentIdForPeerGroup is the requester/agent id the peer control logic uses
// on the network for a group.
func AgentIdForPeerGroup(peerGroupId string) string {
	return "peer-control-for-" + peerGroupId
}

type PeerGroupAgentSettings struct {
	MinPeers int
	MaxPeers int

	PeerConnectionTimeout         time.Duration
	PeerConnectionAttemptInterval time.Duration
	PeerDiscoveryAttemptInterval  time.Duration
	TickInterval                  time.Duration

	// while the mesh is below MinPeers during the first BootstrapWindow,
	// discovery and attempt intervals shrink by BootstrapBoostFactor
	BootstrapWindow      time.Duration
	BootstrapBoostFactor float64

	// bound on the remembered online-query timestamps
	OnlineQueryCacheSize int
}

func DefaultPeerGroupAgentSettings() *PeerGroupAgentSettings {
	return &PeerGroupAgentSettings{
		MinPeers:                      3,
		MaxPeers:                      12,
		PeerConnectionTimeout:         20 * time.Second,
		PeerConnectionAttemptInterval: 10 * time.Second,
		PeerDiscoveryAttemptInterval:  15 * time.Second,
		TickInterval:                  30 * time.Second,
		BootstrapWindow:               20 * time.Second,
		BootstrapBoostFactor:          0.05,
		OnlineQueryCacheSize:          128,
	}
}

// per-connection state machine
type PeerConnectionStatus string

const (
	// we initiated, transport dialing
	PeerConnectionConnecting PeerConnectionStatus = "connecting"
	// remote initiated, accepted, no offer yet
	PeerConnectionReceivingConnection PeerConnectionStatus = "receiving-connection"
	// transport is up, we act as acceptor
	PeerConnectionWaitingForOffer PeerConnectionStatus = "waiting-for-offer"
	PeerConnectionOfferSent       PeerConnectionStatus = "offer-sent"
	// peering agreed, awaiting identity auth of the secure channel
	PeerConnectionOfferAccepted PeerConnectionStatus = "offer-accepted"
	PeerConnectionReady         PeerConnectionStatus = "ready"
)

type peerConnection struct {
	connId    ConnectionId
	peer      *PeerInfo
	status    PeerConnectionStatus
	timestamp time.Time

	localIdentityOk  bool
	remoteIdentityOk bool
}

type PeerGroupAgentStats struct {
	ConnectionInits    int
	ConnectionAccepts  int
	ConnectionTimeouts int
	DeduplicationsWon  int
}

type NewPeerEvent struct {
	PeerGroupId string
	Peer        *PeerInfo
}

type LostPeerEvent struct {
	PeerGroupId string
	Peer        *PeerInfo
}

type PeerMessageEvent struct {
	PeerGroupId string
	AgentId     string
	Peer        *PeerInfo
	Content     []byte
}

// PeerGroupAgent maintains, for a named group, an evolving set of
// authenticated connections to other peers of the group, within the
// configured min/max bounds.
type PeerGroupAgent struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerGroupId string
	localPeer   *PeerInfo
	peerSource  PeerSource
	network     NetworkAgent
	secure      SecureNetworkAgent
	settings    *PeerGroupAgentSettings

	log util.LogFunction

	stateLock sync.Mutex

	connections                 map[ConnectionId]*peerConnection
	connectionsPerEndpoint      map[Endpoint][]ConnectionId
	instanceIdPerEndpoint       map[Endpoint]string
	connectionAttemptTimestamps map[Endpoint]time.Time
	onlineQueryTimestamps       *util.Lru[Endpoint, time.Time]
	chosenForDeduplication      map[Endpoint]ConnectionId
	stats                       PeerGroupAgentStats

	startTime     time.Time
	lastDiscovery time.Time

	// single-flights the periodic tick; a tick finding it held skips
	tickLock sync.Mutex

	shutdownOnce sync.Once

	newPeerCallbacks     *util.CallbackList[func(event NewPeerEvent)]
	lostPeerCallbacks    *util.CallbackList[func(event LostPeerEvent)]
	peerMessageCallbacks *util.CallbackList[func(event PeerMessageEvent)]

	remoteListeningCallbackId int
	statusChangeCallbackId    int
	messageCallbackId         int
	identityAuthCallbackId    int
	secureMessageCallbackId   int
}

func NewPeerGroupAgentWithDefaults(
	ctx context.Context,
	peerGroupId string,
	localPeer *PeerInfo,
	peerSource PeerSource,
	network NetworkAgent,
	secure SecureNetworkAgent,
) (*PeerGroupAgent, error) {
	return NewPeerGroupAgent(ctx, peerGroupId, localPeer, peerSource, network, secure, DefaultPeerGroupAgentSettings())
}

func NewPeerGroupAgent(
	ctx context.Context,
	peerGroupId string,
	localPeer *PeerInfo,
	peerSource PeerSource,
	network NetworkAgent,
	secure SecureNetworkAgent,
	settings *PeerGroupAgentSettings,
) (*PeerGroupAgent, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	agent := &PeerGroupAgent{
		ctx:                         cancelCtx,
		cancel:                      cancel,
		peerGroupId:                 peerGroupId,
		localPeer:                   localPeer,
		peerSource:                  peerSource,
		network:                     network,
		secure:                      secure,
		settings:                    settings,
		log:                         util.LogFn(1, "peer-group "+peerGroupId+" "+localPeer.Endpoint),
		connections:                 map[ConnectionId]*peerConnection{},
		connectionsPerEndpoint:      map[Endpoint][]ConnectionId{},
		instanceIdPerEndpoint:       map[Endpoint]string{},
		connectionAttemptTimestamps: map[Endpoint]time.Time{},
		onlineQueryTimestamps:       util.NewLru[Endpoint, time.Time](settings.OnlineQueryCacheSize),
		chosenForDeduplication:      map[Endpoint]ConnectionId{},
		startTime:                   time.Now(),
		newPeerCallbacks:            util.NewCallbackList[func(event NewPeerEvent)](),
		lostPeerCallbacks:           util.NewCallbackList[func(event LostPeerEvent)](),
		peerMessageCallbacks:        util.NewCallbackList[func(event PeerMessageEvent)](),
	}

	if err := network.Listen(localPeer.Endpoint, localPeer.Identity); err != nil {
		cancel()
		return nil, err
	}

	agent.remoteListeningCallbackId = network.AddRemoteAddressListeningCallback(agent.onRemoteAddressListening)
	agent.statusChangeCallbackId = network.AddConnectionStatusChangeCallback(agent.onConnectionStatusChange)
	agent.messageCallbackId = network.AddMessageReceivedCallback(agent.onMessageReceived)
	agent.identityAuthCallbackId = secure.AddIdentityAuthCallback(agent.onIdentityAuth)
	agent.secureMessageCallbackId = secure.AddSecureMessageCallback(agent.onSecureMessageReceived)

	go agent.run()
	return agent, nil
}

func (self *PeerGroupAgent) agentId() string {
	return AgentIdForPeerGroup(self.peerGroupId)
}

func (self *PeerGroupAgent) run() {
	// first tick right away so bootstrap does not wait a full interval
	self.Tick()
	for {
		interval := self.settings.TickInterval
		if self.inBootstrapBoost() {
			interval = time.Duration(float64(interval) * self.settings.BootstrapBoostFactor)
		}
		timer := time.NewTimer(interval)
		select {
		case <-self.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			self.Tick()
		}
	}
}

func (self *PeerGroupAgent) inBootstrapBoost() bool {
	if self.settings.BootstrapWindow < time.Since(self.startTime) {
		return false
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.connectionsPerEndpoint) < self.settings.MinPeers
}

// Tick runs one maintenance cycle: clean-up, discovery, deduplication and
// peer validation. Single-flighted; a tick that finds the lock held skips.
func (self *PeerGroupAgent) Tick() {
	if !self.tickLock.TryLock() {
		return
	}
	defer self.tickLock.Unlock()

	if self.ctx.Err() != nil {
		return
	}

	self.cleanUp()
	self.discover()
	self.deduplicate()
	self.validatePeers()
}

// tick step 1: drop dead and expired connections and stale attempt stamps
func (self *PeerGroupAgent) cleanUp() {
	now := time.Now()

	type lost struct {
		connId ConnectionId
		reason string
	}
	toRemove := []lost{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for connId, connection := range self.connections {
			if connection.status == PeerConnectionReady {
				if !self.network.CheckConnection(connId) {
					toRemove = append(toRemove, lost{connId, "transport died"})
				}
			} else if self.settings.PeerConnectionTimeout < now.Sub(connection.timestamp) {
				toRemove = append(toRemove, lost{connId, "timeout"})
				self.stats.ConnectionTimeouts += 1
			}
		}
		for endpoint, timestamp := range self.connectionAttemptTimestamps {
			if self.settings.PeerConnectionAttemptInterval < now.Sub(timestamp) {
				delete(self.connectionAttemptTimestamps, endpoint)
			}
		}
	}()
	for _, entry := range toRemove {
		self.log("clean-up: removing %s (%s)", entry.connId, entry.reason)
		self.removeConnection(entry.connId, true)
	}
}

// tick step 2: ask the peer source for candidates and probe their presence
func (self *PeerGroupAgent) discover() {
	boost := 1.0
	if self.inBootstrapBoost() {
		boost = self.settings.BootstrapBoostFactor
	}

	now := time.Now()
	candidates := []Endpoint{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.settings.MinPeers <= len(self.connectionsPerEndpoint) {
			return
		}
		discoveryInterval := time.Duration(float64(self.settings.PeerDiscoveryAttemptInterval) * boost)
		if now.Sub(self.lastDiscovery) < discoveryInterval {
			return
		}
		self.lastDiscovery = now

		peers, err := self.peerSource.GetPeers(self.settings.MinPeers * 5)
		if err != nil {
			self.log("discovery: peer source error: %v", err)
			return
		}

		attemptInterval := time.Duration(float64(self.settings.PeerConnectionAttemptInterval) * boost)
		fallback := []Endpoint{}
		for _, peer := range peers {
			if peer.Endpoint == self.localPeer.Endpoint {
				continue
			}
			if _, connected := self.connectionsPerEndpoint[peer.Endpoint]; connected {
				continue
			}
			recentlyQueried := false
			if queried, ok := self.onlineQueryTimestamps.Get(peer.Endpoint); ok {
				recentlyQueried = now.Sub(queried) < discoveryInterval
			}
			recentlyAttempted := false
			if attempted, ok := self.connectionAttemptTimestamps[peer.Endpoint]; ok {
				recentlyAttempted = now.Sub(attempted) < attemptInterval
			}
			if recentlyQueried || recentlyAttempted {
				fallback = append(fallback, peer.Endpoint)
				continue
			}
			candidates = append(candidates, peer.Endpoint)
		}

		want := self.settings.MinPeers - len(self.connectionsPerEndpoint)
		if len(candidates) < want {
			// better to retry a recent endpoint than to idle below min
			candidates = append(candidates, fallback...)
		}
		if want < len(candidates) {
			candidates = candidates[:want]
		}
		for _, endpoint := range candidates {
			self.onlineQueryTimestamps.Put(endpoint, now)
		}
	}()

	if 0 < len(candidates) {
		self.log("discovery: querying %d candidates", len(candidates))
		if err := self.network.QueryForListeningAddresses(self.agentId(), candidates); err != nil {
			self.log("discovery: query error: %v", err)
		}
	}
}

// tick step 3: converge duplicate connections per endpoint onto the
// lexicographically smallest ready connection id
func (self *PeerGroupAgent) deduplicate() {
	type choice struct {
		connId ConnectionId
	}
	choices := []choice{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for endpoint, connIds := range self.connectionsPerEndpoint {
			if len(connIds) < 2 {
				continue
			}
			if chosenId, ok := self.chosenForDeduplication[endpoint]; ok {
				if connection, live := self.connections[chosenId]; live && connection.status == PeerConnectionReady {
					continue
				}
				delete(self.chosenForDeduplication, endpoint)
			}
			readyIds := []ConnectionId{}
			for _, connId := range connIds {
				if connection, ok := self.connections[connId]; ok && connection.status == PeerConnectionReady {
					readyIds = append(readyIds, connId)
				}
			}
			if len(readyIds) < 2 {
				continue
			}
			slices.Sort(readyIds)
			chosen := readyIds[0]
			self.chosenForDeduplication[endpoint] = chosen
			choices = append(choices, choice{chosen})
		}
	}()
	for _, entry := range choices {
		self.log("deduplication: choosing %s", entry.connId)
		self.sendControl(entry.connId, &ChooseConnectionMessage{
			Type:        MessageTypeChooseConnection,
			PeerGroupId: self.peerGroupId,
		})
	}
}

// tick step 4: release endpoints the peer source no longer recognizes
func (self *PeerGroupAgent) validatePeers() {
	stale := []ConnectionId{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for endpoint, connIds := range self.connectionsPerEndpoint {
			peer, err := self.peerSource.GetPeerForEndpoint(endpoint)
			if err != nil || peer != nil {
				continue
			}
			stale = append(stale, connIds...)
		}
	}()
	for _, connId := range stale {
		self.log("peer validation: releasing %s", connId)
		self.removeConnection(connId, true)
	}
}

// decision predicates; both read state afresh under the lock

func (self *PeerGroupAgent) shouldConnectToPeer(peer *PeerInfo) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if peer.Endpoint == self.localPeer.Endpoint {
		return false
	}
	if self.settings.MinPeers <= len(self.connectionsPerEndpoint) {
		return false
	}
	if _, connected := self.connectionsPerEndpoint[peer.Endpoint]; connected {
		return false
	}
	if attempted, ok := self.connectionAttemptTimestamps[peer.Endpoint]; ok {
		if time.Since(attempted) < self.settings.PeerConnectionAttemptInterval {
			return false
		}
	}
	return true
}

func (self *PeerGroupAgent) shouldAcceptPeerConnection(peer *PeerInfo, remoteInstanceId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.shouldAcceptPeerConnectionLocked(peer, remoteInstanceId)
}

func (self *PeerGroupAgent) shouldAcceptPeerConnectionLocked(peer *PeerInfo, remoteInstanceId string) bool {
	if peer == nil || peer.Endpoint == self.localPeer.Endpoint {
		return false
	}
	newSlot := 0
	if _, connected := self.connectionsPerEndpoint[peer.Endpoint]; !connected {
		newSlot = 1
	}
	if self.settings.MaxPeers < len(self.connectionsPerEndpoint)+newSlot {
		return false
	}
	// no second connection once one is working
	for _, connId := range self.connectionsPerEndpoint[peer.Endpoint] {
		if connection, ok := self.connections[connId]; ok && connection.status == PeerConnectionReady {
			return false
		}
	}
	return self.instancePinMatchesLocked(peer.Endpoint, remoteInstanceId)
}

// instance pinning: at most one remote process instance per endpoint; an
// unreported instance id matches anything
func (self *PeerGroupAgent) instancePinMatchesLocked(endpoint Endpoint, remoteInstanceId string) bool {
	if remoteInstanceId == "" {
		return true
	}
	pinned, ok := self.instanceIdPerEndpoint[endpoint]
	return !ok || pinned == remoteInstanceId
}

// network event surface

func (self *PeerGroupAgent) onRemoteAddressListening(event RemoteAddressListeningEvent) {
	peer, err := self.peerSource.GetPeerForEndpoint(event.RemoteEndpoint)
	if err != nil || peer == nil {
		return
	}
	if !self.shouldConnectToPeer(peer) {
		return
	}
	connId, err := self.network.Connect(self.localPeer.Endpoint, peer.Endpoint, self.agentId())
	if err != nil {
		self.log("connect to %s failed: %v", peer.Endpoint, err)
		return
	}
	self.log("connecting to %s over %s", peer.Endpoint, connId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.stats.ConnectionInits += 1
	self.connectionAttemptTimestamps[peer.Endpoint] = time.Now()
	self.addConnectionLocked(&peerConnection{
		connId:    connId,
		peer:      peer,
		status:    PeerConnectionConnecting,
		timestamp: time.Now(),
	})
}

func (self *PeerGroupAgent) onConnectionStatusChange(event ConnectionStatusChangeEvent) {
	if event.LocalEndpoint != self.localPeer.Endpoint {
		return
	}
	switch event.Status {
	case ConnectionStatusRequested:
		self.onConnectionRequested(event)
	case ConnectionStatusReady:
		self.onTransportReady(event)
	case ConnectionStatusClosed:
		self.stateLock.Lock()
		_, known := self.connections[event.ConnId]
		self.stateLock.Unlock()
		if known {
			self.removeConnection(event.ConnId, true)
		}
	}
}

func (self *PeerGroupAgent) onConnectionRequested(event ConnectionStatusChangeEvent) {
	peer, err := self.peerSource.GetPeerForEndpoint(event.RemoteEndpoint)
	if err != nil || peer == nil {
		return
	}
	remoteInstanceId := ""
	if info := self.network.GetConnectionInfo(event.ConnId); info != nil {
		remoteInstanceId = info.RemoteInstanceId
	}
	if !self.shouldAcceptPeerConnection(peer, remoteInstanceId) {
		self.network.ReleaseConnection(event.ConnId, self.agentId())
		return
	}
	if err := self.network.AcceptConnection(event.ConnId, self.agentId()); err != nil {
		return
	}
	self.log("accepted connection %s from %s", event.ConnId, event.RemoteEndpoint)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.stats.ConnectionAccepts += 1
	if remoteInstanceId != "" {
		self.instanceIdPerEndpoint[peer.Endpoint] = remoteInstanceId
	}
	self.addConnectionLocked(&peerConnection{
		connId:    event.ConnId,
		peer:      peer,
		status:    PeerConnectionReceivingConnection,
		timestamp: time.Now(),
	})
}

func (self *PeerGroupAgent) onTransportReady(event ConnectionStatusChangeEvent) {
	sendOffer := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		connection, ok := self.connections[event.ConnId]
		if !ok {
			return
		}
		connection.timestamp = time.Now()
		switch connection.status {
		case PeerConnectionConnecting:
			connection.status = PeerConnectionOfferSent
			sendOffer = true
		case PeerConnectionReceivingConnection:
			connection.status = PeerConnectionWaitingForOffer
		}
	}()
	if sendOffer {
		self.network.SendMessage(event.ConnId, self.agentId(), RequireEncodeMessage(&PeeringOfferMessage{
			Type: MessageTypePeeringOffer,
			Content: PeeringOfferContent{
				PeerGroupId:       self.peerGroupId,
				LocalIdentityHash: string(self.localPeer.IdentityHash),
			},
		}))
	}
}

func (self *PeerGroupAgent) onMessageReceived(event MessageReceivedEvent) {
	if event.AgentId != self.agentId() {
		return
	}
	message, err := DecodeMessage(event.Content)
	if err != nil {
		self.log("bad message on %s: %v", event.ConnId, err)
		return
	}
	switch typed := message.(type) {
	case *PeeringOfferMessage:
		self.onPeeringOffer(event.ConnId, typed)
	case *PeeringOfferReplyMessage:
		self.onPeeringOfferReply(event.ConnId, typed)
	}
}

// offer validation: group id, state, endpoints, declared identity and
// instance pin must all line up
func (self *PeerGroupAgent) onPeeringOffer(connId ConnectionId, offer *PeeringOfferMessage) {
	info := self.network.GetConnectionInfo(connId)
	accepted := false
	var peer *PeerInfo

	if offer.Content.PeerGroupId == self.peerGroupId && info != nil {
		sourcePeer, err := self.peerSource.GetPeerForEndpoint(info.RemoteEndpoint)
		if err == nil && sourcePeer != nil &&
			string(sourcePeer.IdentityHash) == offer.Content.LocalIdentityHash {
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				if !self.instancePinMatchesLocked(info.RemoteEndpoint, info.RemoteInstanceId) {
					return
				}
				connection, ok := self.connections[connId]
				if ok {
					if connection.status != PeerConnectionWaitingForOffer && connection.status != PeerConnectionOfferSent {
						return
					}
					if connection.peer.Endpoint != info.RemoteEndpoint {
						return
					}
				} else {
					if !self.shouldAcceptPeerConnectionLocked(sourcePeer, info.RemoteInstanceId) {
						return
					}
					connection = &peerConnection{
						connId: connId,
						peer:   sourcePeer,
					}
					self.addConnectionLocked(connection)
				}
				if info.RemoteInstanceId != "" {
					self.instanceIdPerEndpoint[info.RemoteEndpoint] = info.RemoteInstanceId
				}
				connection.status = PeerConnectionOfferAccepted
				connection.timestamp = time.Now()
				peer = connection.peer
				accepted = true
			}()
		}
	}

	if !accepted {
		// reply iff the remote at least claims to belong to the group
		if offer.Content.PeerGroupId == self.peerGroupId {
			self.network.SendMessage(connId, self.agentId(), RequireEncodeMessage(&PeeringOfferReplyMessage{
				Type: MessageTypePeeringOfferReply,
				Content: PeeringOfferReplyContent{
					PeerGroupId:       self.peerGroupId,
					LocalIdentityHash: string(self.localPeer.IdentityHash),
					Accepted:          false,
				},
			}))
		}
		self.log("rejecting offer on %s", connId)
		self.removeConnection(connId, false)
		return
	}

	self.log("accepted offer on %s from %s", connId, peer.Endpoint)
	self.network.SendMessage(connId, self.agentId(), RequireEncodeMessage(&PeeringOfferReplyMessage{
		Type: MessageTypePeeringOfferReply,
		Content: PeeringOfferReplyContent{
			PeerGroupId:       self.peerGroupId,
			LocalIdentityHash: string(self.localPeer.IdentityHash),
			Accepted:          true,
		},
	}))
	self.requestSecureChannel(connId, peer)
}

func (self *PeerGroupAgent) onPeeringOfferReply(connId ConnectionId, reply *PeeringOfferReplyMessage) {
	if reply.Content.PeerGroupId != self.peerGroupId {
		return
	}
	accepted := false
	var peer *PeerInfo
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		connection, ok := self.connections[connId]
		if !ok || connection.status != PeerConnectionOfferSent {
			return
		}
		if !reply.Content.Accepted {
			return
		}
		if string(connection.peer.IdentityHash) != reply.Content.LocalIdentityHash {
			return
		}
		connection.status = PeerConnectionOfferAccepted
		connection.timestamp = time.Now()
		peer = connection.peer
		accepted = true
	}()
	if !accepted {
		self.removeConnection(connId, false)
		return
	}
	self.requestSecureChannel(connId, peer)
}

func (self *PeerGroupAgent) requestSecureChannel(connId ConnectionId, peer *PeerInfo) {
	if err := self.secure.SecureForReceiving(connId, self.localPeer.Identity); err != nil {
		self.log("secure receive setup failed on %s: %v", connId, err)
		self.removeConnection(connId, false)
		return
	}
	if err := self.secure.SecureForSending(connId, peer.IdentityHash, peer.Identity); err != nil {
		self.log("secure send setup failed on %s: %v", connId, err)
		self.removeConnection(connId, false)
	}
}

func (self *PeerGroupAgent) onIdentityAuth(event ConnectionIdentityAuthEvent) {
	if !event.Accepted {
		self.stateLock.Lock()
		_, known := self.connections[event.ConnId]
		self.stateLock.Unlock()
		if known {
			self.removeConnection(event.ConnId, false)
		}
		return
	}

	ready := false
	var peer *PeerInfo
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		connection, ok := self.connections[event.ConnId]
		if !ok || connection.status != PeerConnectionOfferAccepted {
			return
		}
		if event.Remote {
			if event.IdentityHash != connection.peer.IdentityHash {
				return
			}
			connection.remoteIdentityOk = true
		} else {
			if event.IdentityHash != self.localPeer.IdentityHash {
				return
			}
			connection.localIdentityOk = true
		}
		if connection.localIdentityOk && connection.remoteIdentityOk {
			connection.status = PeerConnectionReady
			connection.timestamp = time.Now()
			peer = connection.peer
			ready = true
		}
	}()

	if ready {
		self.log("peer ready: %s over %s", peer.Endpoint, event.ConnId)
		for _, callback := range self.newPeerCallbacks.Get() {
			util.HandleError(func() {
				callback(NewPeerEvent{
					PeerGroupId: self.peerGroupId,
					Peer:        peer,
				})
			})
		}
	}
}

func (self *PeerGroupAgent) onSecureMessageReceived(event SecureMessageReceivedEvent) {
	message, err := DecodeMessage(event.Payload)
	if err != nil {
		return
	}
	switch typed := message.(type) {
	case *ChooseConnectionMessage:
		if typed.PeerGroupId != self.peerGroupId {
			return
		}
		if typed.Type == MessageTypeChooseConnection {
			self.onChooseConnection(event.ConnId)
		} else {
			self.onConfirmChosenConnection(event.ConnId)
		}
	case *PeerMessage:
		if typed.PeerGroupId != self.peerGroupId {
			return
		}
		self.onPeerMessage(event.ConnId, typed)
	}
}

// deduplication receive side: keep our own chosen connection if any, else the
// smaller of the candidates, so both endpoints land on the same one
func (self *PeerGroupAgent) onChooseConnection(connId ConnectionId) {
	var winner ConnectionId
	losers := []ConnectionId{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		connection, ok := self.connections[connId]
		if !ok {
			return
		}
		endpoint := connection.peer.Endpoint
		if chosenId, ok := self.chosenForDeduplication[endpoint]; ok {
			if chosenConnection, live := self.connections[chosenId]; live && chosenConnection.status == PeerConnectionReady {
				winner = chosenId
			}
		}
		if winner == "" {
			winner = connId
			for _, otherId := range self.connectionsPerEndpoint[endpoint] {
				if other, ok := self.connections[otherId]; ok && other.status == PeerConnectionReady && otherId < winner {
					winner = otherId
				}
			}
		}
		self.chosenForDeduplication[endpoint] = winner
		self.stats.DeduplicationsWon += 1
		for _, otherId := range self.connectionsPerEndpoint[endpoint] {
			if otherId != winner {
				losers = append(losers, otherId)
			}
		}
	}()
	if winner == "" {
		return
	}
	for _, loser := range losers {
		self.removeConnection(loser, false)
	}
	self.sendControl(winner, &ChooseConnectionMessage{
		Type:        MessageTypeConfirmChosenConnection,
		PeerGroupId: self.peerGroupId,
	})
}

func (self *PeerGroupAgent) onConfirmChosenConnection(connId ConnectionId) {
	losers := []ConnectionId{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		connection, ok := self.connections[connId]
		if !ok {
			return
		}
		endpoint := connection.peer.Endpoint
		self.chosenForDeduplication[endpoint] = connId
		for _, otherId := range self.connectionsPerEndpoint[endpoint] {
			if otherId != connId {
				losers = append(losers, otherId)
			}
		}
	}()
	for _, loser := range losers {
		self.removeConnection(loser, false)
	}
}

func (self *PeerGroupAgent) onPeerMessage(connId ConnectionId, message *PeerMessage) {
	var peer *PeerInfo
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if connection, ok := self.connections[connId]; ok && connection.status == PeerConnectionReady {
			peer = connection.peer
		}
	}()
	if peer == nil {
		return
	}
	for _, callback := range self.peerMessageCallbacks.Get() {
		util.HandleError(func() {
			callback(PeerMessageEvent{
				PeerGroupId: self.peerGroupId,
				AgentId:     message.AgentId,
				Peer:        peer,
				Content:     []byte(message.Content),
			})
		})
	}
}

// connection bookkeeping

func (self *PeerGroupAgent) addConnectionLocked(connection *peerConnection) {
	self.connections[connection.connId] = connection
	endpoint := connection.peer.Endpoint
	if !slices.Contains(self.connectionsPerEndpoint[endpoint], connection.connId) {
		self.connectionsPerEndpoint[endpoint] = append(self.connectionsPerEndpoint[endpoint], connection.connId)
	}
}

// removeConnection releases a connection; when notifyLost is set and it was
// the endpoint's last ready connection, a LostPeer event goes out
func (self *PeerGroupAgent) removeConnection(connId ConnectionId, notifyLost bool) {
	var lostPeer *PeerInfo
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		connection, ok := self.connections[connId]
		if !ok {
			return
		}
		delete(self.connections, connId)
		endpoint := connection.peer.Endpoint
		remaining := []ConnectionId{}
		for _, otherId := range self.connectionsPerEndpoint[endpoint] {
			if otherId != connId {
				remaining = append(remaining, otherId)
			}
		}
		if len(remaining) == 0 {
			delete(self.connectionsPerEndpoint, endpoint)
			delete(self.instanceIdPerEndpoint, endpoint)
		} else {
			self.connectionsPerEndpoint[endpoint] = remaining
		}
		if self.chosenForDeduplication[endpoint] == connId {
			delete(self.chosenForDeduplication, endpoint)
		}

		if notifyLost && connection.status == PeerConnectionReady {
			stillReady := false
			for _, otherId := range remaining {
				if other, ok := self.connections[otherId]; ok && other.status == PeerConnectionReady {
					stillReady = true
					break
				}
			}
			if !stillReady {
				lostPeer = connection.peer
			}
		}
	}()

	self.network.ReleaseConnection(connId, self.agentId())

	if lostPeer != nil {
		self.log("lost peer %s", lostPeer.Endpoint)
		for _, callback := range self.lostPeerCallbacks.Get() {
			util.HandleError(func() {
				callback(LostPeerEvent{
					PeerGroupId: self.peerGroupId,
					Peer:        lostPeer,
				})
			})
		}
	}
}

func (self *PeerGroupAgent) sendControl(connId ConnectionId, message *ChooseConnectionMessage) {
	self.stateLock.Lock()
	connection, ok := self.connections[connId]
	self.stateLock.Unlock()
	if !ok {
		return
	}
	self.secure.SendSecurely(
		connId,
		self.localPeer.IdentityHash,
		connection.peer.IdentityHash,
		self.agentId(),
		RequireEncodeMessage(message),
	)
}

// public operations

func (self *PeerGroupAgent) SendToPeer(endpoint Endpoint, agentId string, content []byte) bool {
	connId, peer := self.readyConnection(endpoint)
	if connId == "" {
		return false
	}
	return self.secure.SendSecurely(
		connId,
		self.localPeer.IdentityHash,
		peer.IdentityHash,
		self.agentId(),
		RequireEncodeMessage(&PeerMessage{
			Type:        MessageTypePeerMessage,
			PeerGroupId: self.peerGroupId,
			AgentId:     agentId,
			Content:     json.RawMessage(content),
		}),
	)
}

func (self *PeerGroupAgent) SendToAllPeers(agentId string, content []byte) int {
	sent := 0
	for _, peer := range self.GetPeers() {
		if self.SendToPeer(peer.Endpoint, agentId, content) {
			sent += 1
		}
	}
	return sent
}

func (self *PeerGroupAgent) PeerSendBufferIsEmpty(endpoint Endpoint) bool {
	connId, _ := self.readyConnection(endpoint)
	if connId == "" {
		return false
	}
	return self.network.ConnectionSendBufferIsEmpty(connId)
}

func (self *PeerGroupAgent) readyConnection(endpoint Endpoint) (ConnectionId, *PeerInfo) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connIds := slices.Clone(self.connectionsPerEndpoint[endpoint])
	slices.Sort(connIds)
	if chosenId, ok := self.chosenForDeduplication[endpoint]; ok {
		connIds = append([]ConnectionId{chosenId}, connIds...)
	}
	for _, connId := range connIds {
		if connection, ok := self.connections[connId]; ok && connection.status == PeerConnectionReady {
			return connId, connection.peer
		}
	}
	return "", nil
}

// GetPeers lists the live peers, one entry per endpoint.
func (self *PeerGroupAgent) GetPeers() []*PeerInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peers := []*PeerInfo{}
	seen := map[Endpoint]bool{}
	for _, connection := range self.connections {
		if connection.status != PeerConnectionReady || seen[connection.peer.Endpoint] {
			continue
		}
		seen[connection.peer.Endpoint] = true
		peers = append(peers, connection.peer)
	}
	slices.SortFunc(peers, func(a *PeerInfo, b *PeerInfo) int {
		if a.Endpoint < b.Endpoint {
			return -1
		} else if b.Endpoint < a.Endpoint {
			return 1
		}
		return 0
	})
	return peers
}

func (self *PeerGroupAgent) GetStats() PeerGroupAgentStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stats
}

// GetState summarizes the per-endpoint connection state machine.
func (self *PeerGroupAgent) GetState() map[Endpoint][]PeerConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state := map[Endpoint][]PeerConnectionStatus{}
	for endpoint, connIds := range self.connectionsPerEndpoint {
		statuses := []PeerConnectionStatus{}
		for _, connId := range connIds {
			if connection, ok := self.connections[connId]; ok {
				statuses = append(statuses, connection.status)
			}
		}
		state[endpoint] = statuses
	}
	return state
}

func (self *PeerGroupAgent) AddNewPeerCallback(callback func(event NewPeerEvent)) func() {
	callbackId := self.newPeerCallbacks.Add(callback)
	return func() {
		self.newPeerCallbacks.Remove(callbackId)
	}
}

func (self *PeerGroupAgent) AddLostPeerCallback(callback func(event LostPeerEvent)) func() {
	callbackId := self.lostPeerCallbacks.Add(callback)
	return func() {
		self.lostPeerCallbacks.Remove(callbackId)
	}
}

func (self *PeerGroupAgent) AddPeerMessageCallback(callback func(event PeerMessageEvent)) func() {
	callbackId := self.peerMessageCallbacks.Add(callback)
	return func() {
		self.peerMessageCallbacks.Remove(callbackId)
	}
}

// Shutdown cancels the tick loop and releases every connection. Idempotent.
func (self *PeerGroupAgent) Shutdown() {
	self.shutdownOnce.Do(func() {
		self.cancel()
		self.network.RemoveRemoteAddressListeningCallback(self.remoteListeningCallbackId)
		self.network.RemoveConnectionStatusChangeCallback(self.statusChangeCallbackId)
		self.network.RemoveMessageReceivedCallback(self.messageCallbackId)
		self.secure.RemoveIdentityAuthCallback(self.identityAuthCallbackId)
		self.secure.RemoveSecureMessageCallback(self.secureMessageCallbackId)

		self.stateLock.Lock()
		connIds := maps.Keys(self.connections)
		self.stateLock.Unlock()
		for _, connId := range connIds {
			self.removeConnection(connId, false)
		}
		glog.V(1).Infof("peer group %s %s: shut down", self.peerGroupId, self.localPeer.Endpoint)
	})
}
