package mesh

import (
	"github.com/hashweave/weave/data"
)

// Endpoint is a signaling-layer address at which a node listens.
type Endpoint = string

type ConnectionId = string

// PeerInfo identifies a replica inside a peer group.
type PeerInfo struct {
	Endpoint     Endpoint
	IdentityHash data.Hash
	Identity     *data.Identity
}

type ConnectionStatus string

const (
	// an inbound connection is waiting to be accepted
	ConnectionStatusRequested ConnectionStatus = "requested"
	// the transport is up
	ConnectionStatusReady ConnectionStatus = "ready"
	ConnectionStatusClosed ConnectionStatus = "closed"
)

type ConnectionInfo struct {
	ConnId         ConnectionId
	LocalEndpoint  Endpoint
	RemoteEndpoint Endpoint
	// "" when the transport does not report one; absence matches anything
	RemoteInstanceId string
	Status           ConnectionStatus
}

type RemoteAddressListeningEvent struct {
	RemoteEndpoint Endpoint
}

type ConnectionStatusChangeEvent struct {
	ConnId         ConnectionId
	LocalEndpoint  Endpoint
	RemoteEndpoint Endpoint
	Status         ConnectionStatus
}

type MessageReceivedEvent struct {
	ConnId  ConnectionId
	AgentId string
	Content []byte
}

// NetworkAgent is the transport collaborator: it dials and accepts byte
// duplex connections through a signaling layer and moves opaque messages.
type NetworkAgent interface {
	Listen(endpoint Endpoint, identity *data.Identity) error
	Connect(localEndpoint Endpoint, remoteEndpoint Endpoint, requesterId string) (ConnectionId, error)
	AcceptConnection(connId ConnectionId, requesterId string) error
	ReleaseConnection(connId ConnectionId, requesterId string)
	CheckConnection(connId ConnectionId) bool
	ConnectionSendBufferIsEmpty(connId ConnectionId) bool
	SendMessage(connId ConnectionId, requesterId string, content []byte) bool
	GetConnectionInfo(connId ConnectionId) *ConnectionInfo
	QueryForListeningAddresses(requesterId string, candidates []Endpoint) error

	AddRemoteAddressListeningCallback(callback func(event RemoteAddressListeningEvent)) int
	RemoveRemoteAddressListeningCallback(callbackId int)
	AddConnectionStatusChangeCallback(callback func(event ConnectionStatusChangeEvent)) int
	RemoveConnectionStatusChangeCallback(callbackId int)
	AddMessageReceivedCallback(callback func(event MessageReceivedEvent)) int
	RemoveMessageReceivedCallback(callbackId int)
}

type ConnectionIdentityAuthEvent struct {
	ConnId       ConnectionId
	IdentityHash data.Hash
	Identity     *data.Identity
	// true when the authenticated identity is the remote end's
	Remote   bool
	Accepted bool
}

type SecureMessageReceivedEvent struct {
	ConnId    ConnectionId
	Sender    data.Hash
	Recipient data.Hash
	AgentId   string
	Payload   []byte
}

// SecureNetworkAgent authenticates connection endpoints against identities
// and moves payloads over the authenticated channel. Per-connection
// encryption happens below this contract.
type SecureNetworkAgent interface {
	SecureForReceiving(connId ConnectionId, identity *data.Identity) error
	SecureForSending(connId ConnectionId, remoteIdentityHash data.Hash, remoteIdentity *data.Identity) error
	SendSecurely(connId ConnectionId, localIdentityHash data.Hash, remoteIdentityHash data.Hash, senderId string, payload []byte) bool

	AddIdentityAuthCallback(callback func(event ConnectionIdentityAuthEvent)) int
	RemoveIdentityAuthCallback(callbackId int)
	AddSecureMessageCallback(callback func(event SecureMessageReceivedEvent)) int
	RemoveSecureMessageCallback(callbackId int)
}

// PeerSource answers who belongs to a peer group.
type PeerSource interface {
	GetPeers(count int) ([]*PeerInfo, error)
	GetPeerForEndpoint(endpoint Endpoint) (*PeerInfo, error)
}
