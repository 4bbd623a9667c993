package models

import "time"

type Account struct {
	PublicKey string `json:"publicKey"`
	Index     int    `json:"index"`
}

type Network struct {
	Name          string `json:"name" yaml:"name"`
	NodeURL       string `json:"nodeUrl" yaml:"nodeUrl"`
	MiddlewareURL string `json:"middlewareUrl" yaml:"middlewareUrl"`
	BackendURL    string `json:"backendUrl" yaml:"backendUrl"`
	NetworkID     string `json:"networkId" yaml:"networkId"`
	TipContract   string `json:"tipContract" yaml:"tipContract"`
	TipContractV2 string `json:"tipContractV2" yaml:"tipContractV2"`
}

type TokenInfo struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
}

type TokenBalance struct {
	Contract         string `json:"contract"`
	Symbol           string `json:"symbol"`
	Name             string `json:"name"`
	Decimals         int    `json:"decimals"`
	Balance          string `json:"balance"`
	ConvertedBalance string `json:"convertedBalance"`
}

// AppInfo is what a connecting aepp declares about itself, shown to the
// user in the connect prompt.
type AppInfo struct {
	Name     string   `json:"name"`
	Icons    []string `json:"icons"`
	Protocol string   `json:"protocol"`
	Host     string   `json:"host"`
}

type PeerState string

const (
	PeerDiscovered          PeerState = "discovered"
	PeerConnectionRequested PeerState = "connection_requested"
	PeerAccepted            PeerState = "accepted"
	PeerDenied              PeerState = "denied"
	PeerActive              PeerState = "active"
	PeerDisconnected        PeerState = "disconnected"
)

const (
	NodeStatusConnecting = "connecting"
	NodeStatusConnected  = "connected"
	NodeStatusError      = "error"
	NodeStatusIdle       = ""
)

type PeerSnapshot struct {
	ID          string    `json:"id"`
	Origin      string    `json:"origin"`
	State       PeerState `json:"state"`
	ConnectedAt time.Time `json:"connectedAt"`
}
