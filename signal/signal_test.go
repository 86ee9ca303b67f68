package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/hashweave/weave/mesh"
)

func TestEndpointTokenRoundTrip(t *testing.T) {
	token, err := MintEndpointToken("secret", "endpoint-a", time.Minute)
	assert.Equal(t, err, nil)

	endpoint, err := VerifyEndpointToken("secret", token)
	assert.Equal(t, err, nil)
	assert.Equal(t, endpoint, "endpoint-a")

	_, err = VerifyEndpointToken("other-secret", token)
	assert.NotEqual(t, err, nil)

	expired, err := MintEndpointToken("secret", "endpoint-a", -time.Minute)
	assert.Equal(t, err, nil)
	_, err = VerifyEndpointToken("secret", expired)
	assert.NotEqual(t, err, nil)
}

func fastAgentSettings() *mesh.PeerGroupAgentSettings {
	settings := mesh.DefaultPeerGroupAgentSettings()
	settings.PeerConnectionTimeout = 5 * time.Second
	settings.PeerConnectionAttemptInterval = 200 * time.Millisecond
	settings.PeerDiscoveryAttemptInterval = 100 * time.Millisecond
	settings.TickInterval = 50 * time.Millisecond
	return settings
}

// full stack: signal server, websocket network agents, challenge secure
// channel, peer group agents
func TestMeshOverSignalServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultSignalServerSettings()
	settings.TokenSecret = "test-secret"
	server := NewSignalServer(ctx, settings)
	defer server.Close()

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	serverUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	tokens := &HmacTokenSource{Secret: "test-secret"}

	peerA := mesh.NewSimPeer("endpoint-a")
	peerB := mesh.NewSimPeer("endpoint-b")
	everyone := []*mesh.PeerInfo{peerA, peerB}

	networkA := NewWebsocketNetworkAgentWithDefaults(ctx, serverUrl, tokens)
	defer networkA.Close()
	secureA := mesh.NewChallengeSecureNetworkAgent(networkA)
	defer secureA.Close()
	agentA, err := mesh.NewPeerGroupAgent(ctx, "group-ws", peerA,
		mesh.NewSimPeerSource("endpoint-a", everyone), networkA, secureA, fastAgentSettings())
	assert.Equal(t, err, nil)
	defer agentA.Shutdown()

	networkB := NewWebsocketNetworkAgentWithDefaults(ctx, serverUrl, tokens)
	defer networkB.Close()
	secureB := mesh.NewChallengeSecureNetworkAgent(networkB)
	defer secureB.Close()
	agentB, err := mesh.NewPeerGroupAgent(ctx, "group-ws", peerB,
		mesh.NewSimPeerSource("endpoint-b", everyone), networkB, secureB, fastAgentSettings())
	assert.Equal(t, err, nil)
	defer agentB.Shutdown()

	meshed := false
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(agentA.GetPeers()) == 1 && len(agentB.GetPeers()) == 1 {
			meshed = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, meshed, true)

	received := make(chan mesh.PeerMessageEvent, 1)
	agentB.AddPeerMessageCallback(func(event mesh.PeerMessageEvent) {
		received <- event
	})
	sent := agentA.SendToPeer("endpoint-b", "app", []byte(`{"hello":"world"}`))
	assert.Equal(t, sent, true)
	select {
	case event := <-received:
		assert.Equal(t, string(event.Content), `{"hello":"world"}`)
		assert.Equal(t, event.Peer.Endpoint, "endpoint-a")
	case <-time.After(5 * time.Second):
		t.Fatal("no message over the signal fabric")
	}
}

func TestSignalServerRejectsBadToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultSignalServerSettings()
	settings.TokenSecret = "real-secret"
	server := NewSignalServer(ctx, settings)
	defer server.Close()

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()
	serverUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	agent := NewWebsocketNetworkAgentWithDefaults(ctx, serverUrl, &HmacTokenSource{Secret: "wrong-secret"})
	defer agent.Close()
	err := agent.Listen("endpoint-x", nil)
	// listening starts a session; the dial itself is refused by the server
	assert.Equal(t, err, nil)

	time.Sleep(300 * time.Millisecond)
	server.stateLock.Lock()
	_, listening := server.sessions["endpoint-x"]
	server.stateLock.Unlock()
	assert.Equal(t, listening, false)

	_, err = agent.Connect("endpoint-x", "endpoint-y", "tester")
	assert.Equal(t, err, nil)
	assert.Equal(t, agent.CheckConnection("conn-missing"), false)
}
