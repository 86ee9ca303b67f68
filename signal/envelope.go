package signal

// Envelope is the framing between a node and its signal server. The server
// only relays; content bytes are opaque to it.
type Envelope struct {
	Kind       string   `json:"kind"`
	ConnId     string   `json:"connId,omitempty"`
	From       string   `json:"from,omitempty"`
	To         string   `json:"to,omitempty"`
	AgentId    string   `json:"agentId,omitempty"`
	InstanceId string   `json:"instanceId,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
	Content    []byte   `json:"content,omitempty"`
	Status     string   `json:"status,omitempty"`
}

const (
	KindConnect   = "connect"
	KindAccept    = "accept"
	KindClose     = "close"
	KindMessage   = "message"
	KindQuery     = "query"
	KindListening = "listening"
	KindStatus    = "status"
)

const (
	StatusRequested = "requested"
	StatusReady     = "ready"
	StatusClosed    = "closed"
)
