package mesh

import (
	"encoding/json"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hashweave/weave/data"
	"github.com/hashweave/weave/util"
)

// ChallengeSecureNetworkAgent implements the secure channel contract over any
// NetworkAgent: each side proves control of its identity's private key by
// signing a seeded challenge hash. Encryption of the underlying connection is
// the transport's concern.
type ChallengeSecureNetworkAgent struct {
	network NetworkAgent

	stateLock sync.Mutex
	channels  map[ConnectionId]*secureChannel

	identityAuthCallbacks  *util.CallbackList[func(event ConnectionIdentityAuthEvent)]
	secureMessageCallbacks *util.CallbackList[func(event SecureMessageReceivedEvent)]

	messageCallbackId int
}

const SecureChannelAgentId = "secure-channel"
const secureChallengeSeed = "conn-auth"

type secureChannel struct {
	localIdentity  *data.Identity
	expectedHash   data.Hash
	expectedRemote *data.Identity

	pendingNonce string
	remoteAuthed bool
	remoteHash   data.Hash
}

const (
	secureMessageAuthChallenge = "auth-challenge"
	secureMessageAuthResponse  = "auth-response"
	secureMessagePayload       = "secure-payload"
)

type secureChannelMessage struct {
	Type         string `json:"type"`
	Nonce        string `json:"nonce,omitempty"`
	ExpectHash   string `json:"expectHash,omitempty"`
	IdentityHash string `json:"identityHash,omitempty"`
	PublicKey    string `json:"publicKey,omitempty"`
	Signature    string `json:"signature,omitempty"`
	Sender       string `json:"sender,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	SenderId     string `json:"senderId,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
}

func NewChallengeSecureNetworkAgent(network NetworkAgent) *ChallengeSecureNetworkAgent {
	agent := &ChallengeSecureNetworkAgent{
		network:                network,
		channels:               map[ConnectionId]*secureChannel{},
		identityAuthCallbacks:  util.NewCallbackList[func(event ConnectionIdentityAuthEvent)](),
		secureMessageCallbacks: util.NewCallbackList[func(event SecureMessageReceivedEvent)](),
	}
	agent.messageCallbackId = network.AddMessageReceivedCallback(agent.onMessageReceived)
	return agent
}

func (self *ChallengeSecureNetworkAgent) Close() {
	self.network.RemoveMessageReceivedCallback(self.messageCallbackId)
}

func (self *ChallengeSecureNetworkAgent) channel(connId ConnectionId) *secureChannel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	channel, ok := self.channels[connId]
	if !ok {
		channel = &secureChannel{}
		self.channels[connId] = channel
	}
	return channel
}

func (self *ChallengeSecureNetworkAgent) SecureForReceiving(connId ConnectionId, identity *data.Identity) error {
	channel := self.channel(connId)
	self.stateLock.Lock()
	channel.localIdentity = identity
	self.stateLock.Unlock()
	return nil
}

func (self *ChallengeSecureNetworkAgent) SecureForSending(connId ConnectionId, remoteIdentityHash data.Hash, remoteIdentity *data.Identity) error {
	nonce := newSecureNonce()
	channel := self.channel(connId)
	self.stateLock.Lock()
	channel.expectedHash = remoteIdentityHash
	channel.expectedRemote = remoteIdentity
	channel.pendingNonce = nonce
	self.stateLock.Unlock()

	self.send(connId, &secureChannelMessage{
		Type:       secureMessageAuthChallenge,
		Nonce:      nonce,
		ExpectHash: string(remoteIdentityHash),
	})
	return nil
}

func (self *ChallengeSecureNetworkAgent) SendSecurely(connId ConnectionId, localIdentityHash data.Hash, remoteIdentityHash data.Hash, senderId string, payload []byte) bool {
	self.stateLock.Lock()
	channel, ok := self.channels[connId]
	authed := ok && channel.remoteAuthed && channel.remoteHash == remoteIdentityHash
	self.stateLock.Unlock()
	if !authed {
		return false
	}
	return self.send(connId, &secureChannelMessage{
		Type:      secureMessagePayload,
		Sender:    string(localIdentityHash),
		Recipient: string(remoteIdentityHash),
		SenderId:  senderId,
		Payload:   payload,
	})
}

func (self *ChallengeSecureNetworkAgent) send(connId ConnectionId, message *secureChannelMessage) bool {
	encoded, err := json.Marshal(message)
	if err != nil {
		return false
	}
	return self.network.SendMessage(connId, SecureChannelAgentId, encoded)
}

func (self *ChallengeSecureNetworkAgent) onMessageReceived(event MessageReceivedEvent) {
	if event.AgentId != SecureChannelAgentId {
		return
	}
	message := &secureChannelMessage{}
	if err := json.Unmarshal(event.Content, message); err != nil {
		return
	}
	switch message.Type {
	case secureMessageAuthChallenge:
		self.onAuthChallenge(event.ConnId, message)
	case secureMessageAuthResponse:
		self.onAuthResponse(event.ConnId, message)
	case secureMessagePayload:
		self.onPayload(event.ConnId, message)
	}
}

// the remote asks us to prove we hold the key for the identity it expects
func (self *ChallengeSecureNetworkAgent) onAuthChallenge(connId ConnectionId, message *secureChannelMessage) {
	self.stateLock.Lock()
	channel, ok := self.channels[connId]
	var identity *data.Identity
	if ok {
		identity = channel.localIdentity
	}
	self.stateLock.Unlock()
	if identity == nil {
		return
	}

	identityHash := data.RequireHashObject(identity)
	accepted := string(identityHash) == message.ExpectHash
	response := &secureChannelMessage{
		Type:         secureMessageAuthResponse,
		Nonce:        message.Nonce,
		IdentityHash: string(identityHash),
		PublicKey:    identity.PublicKey,
	}
	if accepted {
		signature, err := identity.SignChallenge(message.Nonce, secureChallengeSeed)
		if err != nil {
			accepted = false
		} else {
			response.Signature = signature
		}
	}
	if !accepted {
		response.Signature = ""
	}
	self.send(connId, response)

	// responding proves the local side of the channel
	self.emitIdentityAuth(ConnectionIdentityAuthEvent{
		ConnId:       connId,
		IdentityHash: identityHash,
		Identity:     identity,
		Remote:       false,
		Accepted:     accepted,
	})
}

func (self *ChallengeSecureNetworkAgent) onAuthResponse(connId ConnectionId, message *secureChannelMessage) {
	self.stateLock.Lock()
	channel, ok := self.channels[connId]
	if !ok || channel.pendingNonce == "" || channel.pendingNonce != message.Nonce {
		self.stateLock.Unlock()
		return
	}
	channel.pendingNonce = ""
	expectedHash := channel.expectedHash
	verifier := channel.expectedRemote
	self.stateLock.Unlock()

	if verifier == nil {
		verifier = &data.Identity{
			PublicKey: message.PublicKey,
		}
	}
	accepted := message.Signature != "" &&
		data.Hash(message.IdentityHash) == expectedHash &&
		data.RequireHashObject(verifier) == expectedHash &&
		verifier.VerifyChallenge(message.Nonce, secureChallengeSeed, message.Signature)

	self.stateLock.Lock()
	if accepted {
		channel.remoteAuthed = true
		channel.remoteHash = expectedHash
	}
	self.stateLock.Unlock()

	self.emitIdentityAuth(ConnectionIdentityAuthEvent{
		ConnId:       connId,
		IdentityHash: expectedHash,
		Identity:     verifier,
		Remote:       true,
		Accepted:     accepted,
	})
}

func (self *ChallengeSecureNetworkAgent) onPayload(connId ConnectionId, message *secureChannelMessage) {
	self.stateLock.Lock()
	channel, ok := self.channels[connId]
	// only accept payloads once the sender's side authenticated to us
	authed := ok && channel.localIdentity != nil &&
		channel.remoteAuthed && channel.remoteHash == data.Hash(message.Sender)
	self.stateLock.Unlock()
	if !authed {
		return
	}
	event := SecureMessageReceivedEvent{
		ConnId:    connId,
		Sender:    data.Hash(message.Sender),
		Recipient: data.Hash(message.Recipient),
		AgentId:   message.SenderId,
		Payload:   message.Payload,
	}
	for _, callback := range self.secureMessageCallbacks.Get() {
		util.HandleError(func() {
			callback(event)
		})
	}
}

func (self *ChallengeSecureNetworkAgent) emitIdentityAuth(event ConnectionIdentityAuthEvent) {
	for _, callback := range self.identityAuthCallbacks.Get() {
		util.HandleError(func() {
			callback(event)
		})
	}
}

func (self *ChallengeSecureNetworkAgent) AddIdentityAuthCallback(callback func(event ConnectionIdentityAuthEvent)) int {
	return self.identityAuthCallbacks.Add(callback)
}

func (self *ChallengeSecureNetworkAgent) RemoveIdentityAuthCallback(callbackId int) {
	self.identityAuthCallbacks.Remove(callbackId)
}

func (self *ChallengeSecureNetworkAgent) AddSecureMessageCallback(callback func(event SecureMessageReceivedEvent)) int {
	return self.secureMessageCallbacks.Add(callback)
}

func (self *ChallengeSecureNetworkAgent) RemoveSecureMessageCallback(callbackId int) {
	self.secureMessageCallbacks.Remove(callbackId)
}

func newSecureNonce() string {
	id := ulid.Make()
	return id.String()
}
