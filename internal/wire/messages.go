// Package wire defines the message protocol between the wallet and its
// aepp peers. Request kinds are a closed set; the broker dispatches them
// through a single handler table.
package wire

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	// Peer -> wallet requests.
	KindConnect     Kind = "connect"
	KindSign        Kind = "sign"
	KindSignMessage Kind = "signMessage"
	KindAskAccounts Kind = "askAccounts"
	KindSubscribe   Kind = "subscribe"
	KindDisconnect  Kind = "disconnect"

	// Wallet -> peer messages.
	KindAnnounce Kind = "announce"
	KindAccept   Kind = "accept"
	KindDeny     Kind = "deny"
)

var requestKinds = map[Kind]struct{}{
	KindConnect:     {},
	KindSign:        {},
	KindSignMessage: {},
	KindAskAccounts: {},
	KindSubscribe:   {},
	KindDisconnect:  {},
}

// IsRequest reports whether the kind is a valid peer request.
func IsRequest(k Kind) bool {
	_, ok := requestKinds[k]
	return ok
}

// Envelope is the unit of exchange on a peer channel. Origin is the
// peer's declared URL; the transport-authenticated origin takes
// precedence over it for every security decision.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Kind)
	}
	return json.Unmarshal(e.Payload, v)
}

type ConnectPayload struct {
	Name  string   `json:"name"`
	Icons []string `json:"icons,omitempty"`
}

type SignPayload struct {
	Tx        []byte `json:"tx"`
	NetworkID string `json:"networkId,omitempty"`
}

type SignMessagePayload struct {
	Message string `json:"message"`
}

type AnnouncePayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	NetworkID string `json:"networkId"`
	Origin    string `json:"origin"`
}

type AcceptPayload struct {
	Accounts  []string `json:"accounts,omitempty"`
	Signature []byte   `json:"signature,omitempty"`
}

type DenyPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Accept builds an accept reply correlated to a request.
func Accept(requestID string, payload AcceptPayload) Envelope {
	return Envelope{Kind: KindAccept, ID: requestID, Payload: mustMarshal(payload)}
}

// Deny builds a deny reply correlated to a request.
func Deny(requestID, reason string) Envelope {
	return Envelope{Kind: KindDeny, ID: requestID, Payload: mustMarshal(DenyPayload{Reason: reason})}
}

// Announce builds the wallet presence message pushed to peers.
func Announce(info AnnouncePayload) Envelope {
	return Envelope{Kind: KindAnnounce, Payload: mustMarshal(info)}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// All payload types above marshal without error.
		panic(err)
	}
	return raw
}
