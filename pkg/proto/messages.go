// Package proto defines the wire types shared by the control plane, exit nodes and sites.
package proto

import (
	"encoding/json"
	"fmt"
)

// Control channel message types.
const (
	MsgPeersAdd         = "remote/peers/add"
	MsgPeersRemove      = "remote/peers/remove"
	MsgTraefikReload    = "remote/traefik/reload"
	MsgExitNodeRegister = "remoteExitNode/register"
	MsgExitNodePing     = "remoteExitNode/ping"
	MsgNewtRegister     = "newt/register"
	MsgNewtConnect      = "newt/wg/connect"
	MsgNewtTCPAdd       = "newt/tcp/add"
	MsgNewtUDPAdd       = "newt/udp/add"
)

// Client types carried in the control channel URL.
const (
	ClientRemoteExitNode = "remoteExitNode"
	ClientNewt           = "newt"
)

// Message is the only envelope sent over the control channel.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewMessage encodes data into a Message of the given type.
func NewMessage(msgType string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Data: raw}, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Peer is a WireGuard peer as pushed to an exit node.
type Peer struct {
	PublicKey  string   `json:"publicKey"`
	AllowedIPs []string `json:"allowedIps"`
}

// PeerRemove identifies the peer to drop from an exit node.
type PeerRemove struct {
	PublicKey string `json:"publicKey"`
}

// ExitNodeRegister is sent by a remote exit node after each connect.
type ExitNodeRegister struct {
	RemoteExitNodeVersion string `json:"remoteExitNodeVersion"`
}

// Ping is the application heartbeat payload.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// PingResult is one exit node measurement reported by a site.
type PingResult struct {
	ExitNodeID             int     `json:"exitNodeId"`
	LatencyMs              float64 `json:"latencyMs"`
	Weight                 float64 `json:"weight"`
	Error                  string  `json:"error,omitempty"`
	ExitNodeName           string  `json:"exitNodeName"`
	Endpoint               string  `json:"endpoint"`
	WasPreviouslyConnected bool    `json:"wasPreviouslyConnected"`
}

// NewtRegister is the registration request of a tunnel endpoint.
type NewtRegister struct {
	PublicKey   string       `json:"publicKey"`
	PingResults []PingResult `json:"pingResults,omitempty"`
	NewtVersion string       `json:"newtVersion,omitempty"`
}

// Targets holds forwarding rules formatted as internalPort:ip:port.
type Targets struct {
	UDP []string `json:"udp"`
	TCP []string `json:"tcp"`
}

// HealthCheckTarget describes a target health check run by the site.
type HealthCheckTarget struct {
	ID                int               `json:"id"`
	Enabled           bool              `json:"hcEnabled"`
	Path              string            `json:"hcPath"`
	Scheme            string            `json:"hcScheme"`
	Mode              string            `json:"hcMode"`
	Hostname          string            `json:"hcHostname"`
	Port              int               `json:"hcPort"`
	Interval          int               `json:"hcInterval"`
	UnhealthyInterval int               `json:"hcUnhealthyInterval"`
	Timeout           int               `json:"hcTimeout"`
	Headers           map[string]string `json:"hcHeaders,omitempty"`
	Method            string            `json:"hcMethod"`
	TLSServerName     string            `json:"hcTlsServerName,omitempty"`
}

// WGConnect bootstraps a site's tunnel interface and forwarding table.
type WGConnect struct {
	Endpoint           string              `json:"endpoint"`
	PublicKey          string              `json:"publicKey"`
	ServerIP           string              `json:"serverIP"`
	TunnelIP           string              `json:"tunnelIP"`
	Targets            Targets             `json:"targets"`
	HealthCheckTargets []HealthCheckTarget `json:"healthCheckTargets"`
}

// TargetsAdd pushes new forwarding rules to a connected site.
type TargetsAdd struct {
	Targets            []string            `json:"targets"`
	HealthCheckTargets []HealthCheckTarget `json:"healthCheckTargets,omitempty"`
}

// TokenRequest exchanges a remote exit node's credentials for a bearer token.
type TokenRequest struct {
	RemoteExitNodeID string `json:"remoteExitNodeId"`
	Secret           string `json:"secret"`
}

// NewtTokenRequest exchanges a site agent's credentials for a bearer token.
type NewtTokenRequest struct {
	NewtID string `json:"newtId"`
	Secret string `json:"secret"`
}

// TokenData carries an issued token.
type TokenData struct {
	Token string `json:"token"`
}

// Response is the standard API envelope.
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Certificate is a certificate record as served by the certificate store.
// CertFile and KeyFile hold PEM contents. Times are unix seconds, zero when unknown.
type Certificate struct {
	ID        int    `json:"id"`
	Domain    string `json:"domain"`
	CertFile  string `json:"certFile"`
	KeyFile   string `json:"keyFile"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// SNIUpdate is posted to an exit node's SNI router.
type SNIUpdate struct {
	FullDomains []string `json:"fullDomains"`
}

// GerbilConfigRequest is sent by a local exit node on startup.
type GerbilConfigRequest struct {
	PublicKey   string `json:"publicKey"`
	ReachableAt string `json:"reachableAt"`
}

// GerbilConfig is the WireGuard server configuration of an exit node.
type GerbilConfig struct {
	ListenPort int    `json:"listenPort"`
	IPAddress  string `json:"ipAddress"`
	Peers      []Peer `json:"peers"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
