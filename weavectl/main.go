package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/hashweave/weave/data"
	"github.com/hashweave/weave/mesh"
	"github.com/hashweave/weave/signal"
	"github.com/hashweave/weave/store"
)

const WeaveCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Weave control.

Runs the pieces of a weave deployment: the signal (rendezvous) server, a
node that joins a peer group, and identity management.

Peers are given as <endpoint>=<identity hash>.

Usage:
    weavectl signal-server --bind=<bind> [--secret=<secret>] [--prompt-secret]
    weavectl node --group=<group> --endpoint=<endpoint>
        --signal=<url>
        --identity=<file>
        [--secret=<secret>] [--prompt-secret]
        [--store=<dir>]
        [--peer=<peer>...]
    weavectl identity new --out=<file>
    weavectl identity show --identity=<file>

Options:
    --bind=<bind>          Listen address for the signal server.
    --secret=<secret>      Shared secret for endpoint tokens.
    --prompt-secret        Prompt for the secret instead of passing it.
    --group=<group>        Peer group id.
    --endpoint=<endpoint>  This node's endpoint name.
    --signal=<url>         Signal server url, e.g. ws://localhost:8090.
    --identity=<file>      Key pair file.
    --store=<dir>          Badger store directory (in-memory if omitted).
    --peer=<peer>          Known peer, repeatable.
    -h --help              Show this screen.
    --version              Show version.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WeaveCtlVersion)
	if err != nil {
		panic(err)
	}

	if signalServer, _ := opts.Bool("signal-server"); signalServer {
		runSignalServer(opts)
	} else if node, _ := opts.Bool("node"); node {
		runNode(opts)
	} else if identity, _ := opts.Bool("identity"); identity {
		if newIdentity, _ := opts.Bool("new"); newIdentity {
			createIdentity(opts)
		} else if show, _ := opts.Bool("show"); show {
			showIdentity(opts)
		}
	}
}

func readSecret(opts docopt.Opts) string {
	if prompt, _ := opts.Bool("--prompt-secret"); prompt {
		Out.Printf("token secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		Out.Printf("\n")
		if err != nil {
			Err.Fatalf("could not read secret: %v", err)
		}
		return string(secretBytes)
	}
	secret, _ := opts.String("--secret")
	return secret
}

func runSignalServer(opts docopt.Opts) {
	bind, _ := opts.String("--bind")

	settings := signal.DefaultSignalServerSettings()
	settings.TokenSecret = readSecret(opts)
	if settings.TokenSecret == "" {
		Err.Printf("running without endpoint auth")
	}

	server := signal.NewSignalServer(context.Background(), settings)
	defer server.Close()
	if err := server.ListenAndServe(bind); err != nil {
		Err.Fatalf("signal server: %v", err)
	}
}

type identityFile struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

func loadKeyPair(path string) *data.KeyPair {
	contents, err := os.ReadFile(path)
	if err != nil {
		Err.Fatalf("could not read identity file: %v", err)
	}
	parsed := &identityFile{}
	if err := json.Unmarshal(contents, parsed); err != nil {
		Err.Fatalf("could not parse identity file: %v", err)
	}
	keyPair := &data.KeyPair{
		PublicKey:  parsed.PublicKey,
		PrivateKey: parsed.PrivateKey,
	}
	if !keyPair.Validate(nil) {
		Err.Fatalf("identity file holds a malformed key pair")
	}
	return keyPair
}

func createIdentity(opts docopt.Opts) {
	out, _ := opts.String("--out")

	keyPair, err := data.NewKeyPair()
	if err != nil {
		Err.Fatalf("could not generate key pair: %v", err)
	}
	contents, err := json.MarshalIndent(&identityFile{
		PublicKey:  keyPair.PublicKey,
		PrivateKey: keyPair.PrivateKey,
	}, "", "  ")
	if err != nil {
		Err.Fatalf("%v", err)
	}
	if err := os.WriteFile(out, contents, 0600); err != nil {
		Err.Fatalf("could not write identity file: %v", err)
	}
	identity := keyPair.Identity()
	Out.Printf("identity %s", data.RequireHashObject(identity))
	Out.Printf("stored at %s", out)
}

func showIdentity(opts docopt.Opts) {
	path, _ := opts.String("--identity")
	keyPair := loadKeyPair(path)
	identity := keyPair.Identity()
	Out.Printf("identity %s", data.RequireHashObject(identity))
	Out.Printf("public key %s", identity.PublicKey)
}

func parsePeers(opts docopt.Opts, localPeer *mesh.PeerInfo) []*mesh.PeerInfo {
	peers := []*mesh.PeerInfo{localPeer}
	rawPeers, _ := opts["--peer"].([]string)
	for _, rawPeer := range rawPeers {
		parts := strings.SplitN(rawPeer, "=", 2)
		if len(parts) != 2 {
			Err.Fatalf("malformed peer %q, want <endpoint>=<identity hash>", rawPeer)
		}
		peers = append(peers, &mesh.PeerInfo{
			Endpoint:     parts[0],
			IdentityHash: data.Hash(parts[1]),
		})
	}
	return peers
}

func runNode(opts docopt.Opts) {
	group, _ := opts.String("--group")
	endpoint, _ := opts.String("--endpoint")
	signalUrl, _ := opts.String("--signal")
	identityPath, _ := opts.String("--identity")
	storeDir, _ := opts.String("--store")

	keyPair := loadKeyPair(identityPath)
	identity := keyPair.Identity()
	localPeer := &mesh.PeerInfo{
		Endpoint:     endpoint,
		IdentityHash: data.RequireHashObject(identity),
		Identity:     identity,
	}

	var backendSettings *store.BadgerBackendSettings
	if storeDir == "" {
		backendSettings = store.InMemoryBadgerBackendSettings()
	} else {
		backendSettings = store.DefaultBadgerBackendSettings(storeDir)
	}
	backend, err := store.NewBadgerBackend(endpoint, backendSettings)
	if err != nil {
		Err.Fatalf("could not open store: %v", err)
	}
	nodeStore := store.NewStoreWithDefaults(backend)
	defer nodeStore.Close()
	if err := nodeStore.Save(keyPair); err != nil {
		Err.Fatalf("could not save key pair: %v", err)
	}
	if err := nodeStore.Save(identity); err != nil {
		Err.Fatalf("could not save identity: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tokens signal.TokenSource = &signal.NoTokenSource{}
	if secret := readSecret(opts); secret != "" {
		tokens = &signal.HmacTokenSource{Secret: secret}
	}
	network := NewNetwork(ctx, signalUrl, tokens)
	defer network.Close()
	secure := mesh.NewChallengeSecureNetworkAgent(network)
	defer secure.Close()

	peerSource := mesh.NewSimPeerSource(endpoint, parsePeers(opts, localPeer))
	agent, err := mesh.NewPeerGroupAgentWithDefaults(ctx, group, localPeer, peerSource, network, secure)
	if err != nil {
		Err.Fatalf("could not start peer group agent: %v", err)
	}
	defer agent.Shutdown()

	agent.AddNewPeerCallback(func(event mesh.NewPeerEvent) {
		Out.Printf("new peer: %s (%s)", event.Peer.Endpoint, event.Peer.IdentityHash)
	})
	agent.AddLostPeerCallback(func(event mesh.LostPeerEvent) {
		Out.Printf("lost peer: %s", event.Peer.Endpoint)
	})

	Out.Printf("node %s up in group %s, identity %s", endpoint, group, localPeer.IdentityHash)

	stop := make(chan os.Signal, 1)
	ossignal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			Out.Printf("shutting down")
			return
		case <-ticker.C:
			peers := []string{}
			for _, peer := range agent.GetPeers() {
				peers = append(peers, peer.Endpoint)
			}
			stats := agent.GetStats()
			Out.Printf("peers: [%s] inits=%d accepts=%d timeouts=%d",
				strings.Join(peers, " "), stats.ConnectionInits, stats.ConnectionAccepts, stats.ConnectionTimeouts)
		}
	}
}

// NewNetwork picks the websocket network agent for the signal url.
func NewNetwork(ctx context.Context, signalUrl string, tokens signal.TokenSource) *signal.WebsocketNetworkAgent {
	return signal.NewWebsocketNetworkAgentWithDefaults(ctx, signalUrl, tokens)
}
