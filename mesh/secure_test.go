package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// the challenge-response secure agent interoperates with the peer group
// logic over the plain sim transport
func TestChallengeSecureAgentMesh(t *testing.T) {
	fabric := NewSimFabric(context.Background())
	defer fabric.Close()

	peerA := NewSimPeer("endpoint-a")
	peerB := NewSimPeer("endpoint-b")
	everyone := []*PeerInfo{peerA, peerB}

	networkA := NewSimNetworkAgent(fabric)
	secureA := NewChallengeSecureNetworkAgent(networkA)
	defer secureA.Close()
	agentA, err := NewPeerGroupAgent(context.Background(), "group-s", peerA,
		NewSimPeerSource("endpoint-a", everyone), networkA, secureA, fastSettings())
	assert.Equal(t, err, nil)
	defer agentA.Shutdown()

	networkB := NewSimNetworkAgent(fabric)
	secureB := NewChallengeSecureNetworkAgent(networkB)
	defer secureB.Close()
	agentB, err := NewPeerGroupAgent(context.Background(), "group-s", peerB,
		NewSimPeerSource("endpoint-b", everyone), networkB, secureB, fastSettings())
	assert.Equal(t, err, nil)
	defer agentB.Shutdown()

	meshed := waitFor(t, 5*time.Second, func() bool {
		return len(agentA.GetPeers()) == 1 && len(agentB.GetPeers()) == 1
	})
	assert.Equal(t, meshed, true)

	received := make(chan PeerMessageEvent, 1)
	agentB.AddPeerMessageCallback(func(event PeerMessageEvent) {
		received <- event
	})
	sent := agentA.SendToPeer("endpoint-b", "app", []byte(`{"n":1}`))
	assert.Equal(t, sent, true)
	select {
	case event := <-received:
		assert.Equal(t, string(event.Content), `{"n":1}`)
	case <-time.After(5 * time.Second):
		t.Fatal("no message over the secure channel")
	}
}

// an impostor identity fails the challenge and the connection never peers
func TestChallengeSecureAgentRejectsImpostor(t *testing.T) {
	fabric := NewSimFabric(context.Background())
	defer fabric.Close()

	peerA := NewSimPeer("endpoint-a")
	peerB := NewSimPeer("endpoint-b")
	impostor := NewSimPeer("endpoint-b")

	networkA := NewSimNetworkAgent(fabric)
	secureA := NewChallengeSecureNetworkAgent(networkA)
	defer secureA.Close()
	// A's source declares the real B identity
	agentA, err := NewPeerGroupAgent(context.Background(), "group-i", peerA,
		NewSimPeerSource("endpoint-a", []*PeerInfo{peerA, peerB}), networkA, secureA, fastSettings())
	assert.Equal(t, err, nil)
	defer agentA.Shutdown()

	// endpoint-b answers with the impostor's identity
	networkB := NewSimNetworkAgent(fabric)
	secureB := NewChallengeSecureNetworkAgent(networkB)
	defer secureB.Close()
	agentB, err := NewPeerGroupAgent(context.Background(), "group-i", impostor,
		NewSimPeerSource("endpoint-b", []*PeerInfo{impostor, peerA}), networkB, secureB, fastSettings())
	assert.Equal(t, err, nil)
	defer agentB.Shutdown()

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, len(agentA.GetPeers()), 0)
}
