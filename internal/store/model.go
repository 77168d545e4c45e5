package store

// Exit node types.
const (
	ExitNodeGerbil = "gerbil"
	ExitNodeRemote = "remoteExitNode"
)

// Site types.
const (
	SiteNewt      = "newt"
	SiteWireGuard = "wireguard"
	SiteLocal     = "local"
)

// ExitNode is a public-facing WireGuard and reverse proxy endpoint.
// Address is both the node's tunnel address and the root of its site subnet pool.
type ExitNode struct {
	ID          int    `gorm:"primaryKey;autoIncrement" json:"exitNodeId"`
	Name        string `gorm:"index" json:"name"`
	PublicKey   string `gorm:"uniqueIndex;size:64" json:"publicKey"`
	Endpoint    string `json:"endpoint"`
	Address     string `json:"address"`
	ListenPort  int    `json:"listenPort"`
	ReachableAt string `json:"reachableAt"`
	Type        string `gorm:"default:gerbil" json:"type"`
	Online      bool   `json:"online"`
	LastPing    int64  `json:"lastPing"`
	Version     string `json:"version"`
}

// Site is a tunnel endpoint bound to an exit node.
type Site struct {
	ID                  int    `gorm:"primaryKey;autoIncrement" json:"siteId"`
	OrgID               string `gorm:"index" json:"orgId"`
	Name                string `json:"name"`
	Type                string `json:"type"`
	ExitNodeID          int    `gorm:"index" json:"exitNodeId"`
	PubKey              string `json:"pubKey"`
	Subnet              string `json:"subnet"`
	DockerSocketEnabled bool   `json:"dockerSocketEnabled"`
}

// Resource is a published service routed through the reverse proxy.
type Resource struct {
	ID            int    `gorm:"primaryKey;autoIncrement" json:"resourceId"`
	OrgID         string `gorm:"index" json:"orgId"`
	SiteID        int    `gorm:"index" json:"siteId"`
	Name          string `json:"name"`
	FullDomain    string `json:"fullDomain"`
	HTTP          bool   `json:"http"`
	SSL           bool   `json:"ssl"`
	Protocol      string `json:"protocol"`
	ProxyPort     int    `json:"proxyPort"`
	StickySession bool   `json:"stickySession"`
	Enabled       bool   `json:"enabled"`
}

// Target is a forwarding destination of a resource on a site.
type Target struct {
	ID           int    `gorm:"primaryKey;autoIncrement" json:"targetId"`
	ResourceID   int    `gorm:"index" json:"resourceId"`
	SiteID       int    `gorm:"index" json:"siteId"`
	IP           string `json:"ip"`
	Method       string `json:"method"`
	Port         int    `json:"port"`
	InternalPort int    `json:"internalPort"`
	Enabled      bool   `json:"enabled"`

	HCEnabled           bool   `json:"hcEnabled"`
	HCPath              string `json:"hcPath"`
	HCScheme            string `json:"hcScheme"`
	HCMode              string `json:"hcMode"`
	HCHostname          string `json:"hcHostname"`
	HCPort              int    `json:"hcPort"`
	HCInterval          int    `json:"hcInterval"`
	HCUnhealthyInterval int    `json:"hcUnhealthyInterval"`
	HCTimeout           int    `json:"hcTimeout"`
	HCHeaders           string `json:"hcHeaders"` // JSON object
	HCMethod            string `json:"hcMethod"`
	HCTLSServerName     string `json:"hcTlsServerName"`
}

// ExitNodeOrg grants an organization use of a remote exit node.
type ExitNodeOrg struct {
	ExitNodeID int    `gorm:"primaryKey;autoIncrement:false"`
	OrgID      string `gorm:"primaryKey;size:64"`
}

// RemoteExitNode holds the credentials of a hybrid exit node.
type RemoteExitNode struct {
	ID         string `gorm:"primaryKey;size:64"`
	SecretHash string
	ExitNodeID int `gorm:"index"`
}

// Newt holds the credentials of a site agent.
type Newt struct {
	ID         string `gorm:"primaryKey;size:64"`
	SecretHash string
	SiteID     int `gorm:"index"`
}

// Certificate is a stored TLS certificate. Times are unix seconds.
type Certificate struct {
	ID        int    `gorm:"primaryKey;autoIncrement"`
	Domain    string `gorm:"uniqueIndex;size:255"`
	CertPEM   string
	KeyPEM    string
	Status    string
	ExpiresAt int64
	UpdatedAt int64 `gorm:"autoUpdateTime:false"`
}
