package mesh

import (
	"encoding/json"
	"fmt"
)

const (
	MessageTypePeeringOffer            = "peering-offer"
	MessageTypePeeringOfferReply       = "peering-offer-reply"
	MessageTypeChooseConnection        = "choose-connection"
	MessageTypeConfirmChosenConnection = "confirm-chosen-connection"
	MessageTypePeerMessage             = "peer-message"
)

type PeeringOfferContent struct {
	PeerGroupId       string `json:"peerGroupId"`
	LocalIdentityHash string `json:"localIdentityHash"`
}

type PeeringOfferMessage struct {
	Type    string              `json:"type"`
	Content PeeringOfferContent `json:"content"`
}

type PeeringOfferReplyContent struct {
	PeerGroupId       string `json:"peerGroupId"`
	LocalIdentityHash string `json:"localIdentityHash"`
	Accepted          bool   `json:"accepted"`
}

type PeeringOfferReplyMessage struct {
	Type    string                   `json:"type"`
	Content PeeringOfferReplyContent `json:"content"`
}

type ChooseConnectionMessage struct {
	Type        string `json:"type"`
	PeerGroupId string `json:"peerGroupId"`
}

type PeerMessage struct {
	Type        string          `json:"type"`
	PeerGroupId string          `json:"peerGroupId"`
	AgentId     string          `json:"agentId"`
	Content     json.RawMessage `json:"content"`
}

func EncodeMessage(message any) ([]byte, error) {
	switch message.(type) {
	case *PeeringOfferMessage, *PeeringOfferReplyMessage, *ChooseConnectionMessage, *PeerMessage:
		return json.Marshal(message)
	default:
		return nil, fmt.Errorf("unknown message type: %T", message)
	}
}

func RequireEncodeMessage(message any) []byte {
	encoded, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return encoded
}

func DecodeMessage(encoded []byte) (any, error) {
	envelope := struct {
		Type string `json:"type"`
	}{}
	if err := json.Unmarshal(encoded, &envelope); err != nil {
		return nil, err
	}
	var message any
	switch envelope.Type {
	case MessageTypePeeringOffer:
		message = &PeeringOfferMessage{}
	case MessageTypePeeringOfferReply:
		message = &PeeringOfferReplyMessage{}
	case MessageTypeChooseConnection, MessageTypeConfirmChosenConnection:
		message = &ChooseConnectionMessage{}
	case MessageTypePeerMessage:
		message = &PeerMessage{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", envelope.Type)
	}
	if err := json.Unmarshal(encoded, message); err != nil {
		return nil, err
	}
	return message, nil
}
