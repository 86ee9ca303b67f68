package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func fastSettings() *PeerGroupAgentSettings {
	settings := DefaultPeerGroupAgentSettings()
	settings.PeerConnectionTimeout = 2 * time.Second
	settings.PeerConnectionAttemptInterval = 100 * time.Millisecond
	settings.PeerDiscoveryAttemptInterval = 50 * time.Millisecond
	settings.TickInterval = 20 * time.Millisecond
	settings.BootstrapWindow = 5 * time.Second
	return settings
}

func manualSettings() *PeerGroupAgentSettings {
	settings := fastSettings()
	// ticks only when the test drives them
	settings.TickInterval = time.Hour
	return settings
}

type simNode struct {
	peer    *PeerInfo
	source  *SimPeerSource
	network *SimNetworkAgent
	secure  *SimSecureNetworkAgent
	agent   *PeerGroupAgent
}

func newSimNode(t *testing.T, fabric *SimFabric, peerGroupId string, peer *PeerInfo, everyone []*PeerInfo, settings *PeerGroupAgentSettings) *simNode {
	network := NewSimNetworkAgent(fabric)
	secure := NewSimSecureNetworkAgent(network)
	source := NewSimPeerSource(peer.Endpoint, everyone)
	agent, err := NewPeerGroupAgent(context.Background(), peerGroupId, peer, source, network, secure, settings)
	assert.Equal(t, err, nil)
	return &simNode{
		peer:    peer,
		source:  source,
		network: network,
		secure:  secure,
		agent:   agent,
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}

// two agents with the same group id find each other and each other only;
// killing one surfaces as a lost peer on the other
func TestTwoPeersFormMesh(t *testing.T) {
	fabric := NewSimFabric(context.Background())
	defer fabric.Close()

	peerA := NewSimPeer("endpoint-a")
	peerB := NewSimPeer("endpoint-b")
	everyone := []*PeerInfo{peerA, peerB}

	nodeA := newSimNode(t, fabric, "group-1", peerA, everyone, fastSettings())
	defer nodeA.agent.Shutdown()
	nodeB := newSimNode(t, fabric, "group-1", peerB, everyone, fastSettings())
	defer nodeB.agent.Shutdown()

	lostPeers := make(chan LostPeerEvent, 4)
	nodeA.agent.AddLostPeerCallback(func(event LostPeerEvent) {
		lostPeers <- event
	})

	meshed := waitFor(t, 5*time.Second, func() bool {
		peersOfA := nodeA.agent.GetPeers()
		peersOfB := nodeB.agent.GetPeers()
		return len(peersOfA) == 1 && peersOfA[0].Endpoint == "endpoint-b" &&
			len(peersOfB) == 1 && peersOfB[0].Endpoint == "endpoint-a"
	})
	assert.Equal(t, meshed, true)

	nodeB.agent.Shutdown()

	select {
	case event := <-lostPeers:
		assert.Equal(t, event.Peer.Endpoint, "endpoint-b")
		assert.Equal(t, event.PeerGroupId, "group-1")
	case <-time.After(5 * time.Second):
		t.Fatal("no lost peer event")
	}
	lost := waitFor(t, 2*time.Second, func() bool {
		return len(nodeA.agent.GetPeers()) == 0
	})
	assert.Equal(t, lost, true)
}

// simultaneous dials from both sides converge on a single connection, the
// same one at each end
func TestDuplicateConnectionDeduplication(t *testing.T) {
	fabric := NewSimFabric(context.Background())
	defer fabric.Close()

	peerA := NewSimPeer("endpoint-a")
	peerB := NewSimPeer("endpoint-b")
	everyone := []*PeerInfo{peerA, peerB}

	nodeA := newSimNode(t, fabric, "group-2", peerA, everyone, manualSettings())
	defer nodeA.agent.Shutdown()
	nodeB := newSimNode(t, fabric, "group-2", peerB, everyone, manualSettings())
	defer nodeB.agent.Shutdown()

	// force both directions at once
	nodeA.agent.onRemoteAddressListening(RemoteAddressListeningEvent{RemoteEndpoint: "endpoint-b"})
	nodeB.agent.onRemoteAddressListening(RemoteAddressListeningEvent{RemoteEndpoint: "endpoint-a"})

	converged := waitFor(t, 5*time.Second, func() bool {
		nodeA.agent.Tick()
		nodeB.agent.Tick()

		connA, _ := nodeA.agent.readyConnection("endpoint-b")
		connB, _ := nodeB.agent.readyConnection("endpoint-a")
		if connA == "" || connA != connB {
			return false
		}
		stateA := nodeA.agent.GetState()["endpoint-b"]
		stateB := nodeB.agent.GetState()["endpoint-a"]
		return len(stateA) == 1 && stateA[0] == PeerConnectionReady &&
			len(stateB) == 1 && stateB[0] == PeerConnectionReady
	})
	assert.Equal(t, converged, true)

	// the surviving connection still carries traffic
	assert.Equal(t, len(nodeA.agent.GetPeers()), 1)
	assert.Equal(t, len(nodeB.agent.GetPeers()), 1)
}

func TestPeerMessageDelivery(t *testing.T) {
	fabric := NewSimFabric(context.Background())
	defer fabric.Close()

	peerA := NewSimPeer("endpoint-a")
	peerB := NewSimPeer("endpoint-b")
	everyone := []*PeerInfo{peerA, peerB}

	nodeA := newSimNode(t, fabric, "group-3", peerA, everyone, fastSettings())
	defer nodeA.agent.Shutdown()
	nodeB := newSimNode(t, fabric, "group-3", peerB, everyone, fastSettings())
	defer nodeB.agent.Shutdown()

	received := make(chan PeerMessageEvent, 4)
	nodeB.agent.AddPeerMessageCallback(func(event PeerMessageEvent) {
		received <- event
	})

	meshed := waitFor(t, 5*time.Second, func() bool {
		return len(nodeA.agent.GetPeers()) == 1 && len(nodeB.agent.GetPeers()) == 1
	})
	assert.Equal(t, meshed, true)

	sent := nodeA.agent.SendToPeer("endpoint-b", "sync-agent", []byte(`{"op":"ping"}`))
	assert.Equal(t, sent, true)

	select {
	case event := <-received:
		assert.Equal(t, event.AgentId, "sync-agent")
		assert.Equal(t, event.PeerGroupId, "group-3")
		assert.Equal(t, event.Peer.Endpoint, "endpoint-a")
		assert.Equal(t, string(event.Content), `{"op":"ping"}`)
	case <-time.After(5 * time.Second):
		t.Fatal("no peer message")
	}

	count := nodeA.agent.SendToAllPeers("sync-agent", []byte(`{"op":"ping"}`))
	assert.Equal(t, count, 1)
	assert.Equal(t, nodeA.agent.PeerSendBufferIsEmpty("endpoint-b"), true)
}

// an offer for a different group is torn down without peering
func TestGroupMismatchRejected(t *testing.T) {
	fabric := NewSimFabric(context.Background())
	defer fabric.Close()

	peerA := NewSimPeer("endpoint-a")
	peerB := NewSimPeer("endpoint-b")
	everyone := []*PeerInfo{peerA, peerB}

	nodeA := newSimNode(t, fabric, "group-x", peerA, everyone, fastSettings())
	defer nodeA.agent.Shutdown()
	nodeB := newSimNode(t, fabric, "group-y", peerB, everyone, fastSettings())
	defer nodeB.agent.Shutdown()

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, len(nodeA.agent.GetPeers()), 0)
	assert.Equal(t, len(nodeB.agent.GetPeers()), 0)
}

// a peer dropped from the source is released at the next tick
func TestPeerValidationReleases(t *testing.T) {
	fabric := NewSimFabric(context.Background())
	defer fabric.Close()

	peerA := NewSimPeer("endpoint-a")
	peerB := NewSimPeer("endpoint-b")
	everyone := []*PeerInfo{peerA, peerB}

	nodeA := newSimNode(t, fabric, "group-4", peerA, everyone, fastSettings())
	defer nodeA.agent.Shutdown()
	nodeB := newSimNode(t, fabric, "group-4", peerB, everyone, fastSettings())
	defer nodeB.agent.Shutdown()

	meshed := waitFor(t, 5*time.Second, func() bool {
		return len(nodeA.agent.GetPeers()) == 1 && len(nodeB.agent.GetPeers()) == 1
	})
	assert.Equal(t, meshed, true)

	nodeA.source.RemovePeer("endpoint-b")
	released := waitFor(t, 5*time.Second, func() bool {
		return len(nodeA.agent.GetPeers()) == 0
	})
	assert.Equal(t, released, true)

	stats := nodeA.agent.GetStats()
	assert.Equal(t, 1 <= stats.ConnectionInits+stats.ConnectionAccepts, true)
}

func TestMessageCodec(t *testing.T) {
	offer := &PeeringOfferMessage{
		Type: MessageTypePeeringOffer,
		Content: PeeringOfferContent{
			PeerGroupId:       "g",
			LocalIdentityHash: "abcd",
		},
	}
	decoded, err := DecodeMessage(RequireEncodeMessage(offer))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.(*PeeringOfferMessage).Content.PeerGroupId, "g")

	choose := &ChooseConnectionMessage{
		Type:        MessageTypeConfirmChosenConnection,
		PeerGroupId: "g",
	}
	decoded, err = DecodeMessage(RequireEncodeMessage(choose))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.(*ChooseConnectionMessage).Type, MessageTypeConfirmChosenConnection)

	_, err = DecodeMessage([]byte(`{"type":"bogus"}`))
	assert.NotEqual(t, err, nil)
}
