// Package store is the persistence boundary for exit nodes, sites, targets and certificates.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateTarget is returned when a site already forwards to the same destination.
	ErrDuplicateTarget = errors.New("duplicate target for site")
	// ErrDuplicateInternalPort is returned when an internal port is already used on a site.
	ErrDuplicateInternalPort = errors.New("internal port already in use on site")
)

// CertificateValid is the status of a certificate that may be served.
const CertificateValid = "valid"

// Store is the collaborator interface consumed by the control plane.
// All operations are point reads and writes.
type Store interface {
	GetExitNode(ctx context.Context, id int) (*ExitNode, error)
	GetExitNodeByPublicKey(ctx context.Context, publicKey string) (*ExitNode, error)
	GetExitNodeByName(ctx context.Context, name string) (*ExitNode, error)
	ListExitNodes(ctx context.Context) ([]ExitNode, error)
	CreateExitNode(ctx context.Context, node *ExitNode) error
	UpdateExitNode(ctx context.Context, node *ExitNode) error

	GetSite(ctx context.Context, id int) (*Site, error)
	ListSites(ctx context.Context) ([]Site, error)
	ListSitesByExitNode(ctx context.Context, exitNodeID int) ([]Site, error)
	CreateSite(ctx context.Context, site *Site) error
	UpdateSite(ctx context.Context, site *Site) error

	GetResource(ctx context.Context, id int) (*Resource, error)
	ListResources(ctx context.Context) ([]Resource, error)
	CreateResource(ctx context.Context, res *Resource) error

	ListTargetsBySite(ctx context.Context, siteID int) ([]Target, error)
	ListTargetsByResource(ctx context.Context, resourceID int) ([]Target, error)
	CreateTarget(ctx context.Context, target *Target) error

	ExitNodeOrgAllowed(ctx context.Context, exitNodeID int, orgID string) (bool, error)
	AddExitNodeOrg(ctx context.Context, exitNodeID int, orgID string) error

	GetRemoteExitNode(ctx context.Context, id string) (*RemoteExitNode, error)
	CreateRemoteExitNode(ctx context.Context, node *RemoteExitNode) error
	GetNewt(ctx context.Context, id string) (*Newt, error)
	CreateNewt(ctx context.Context, newt *Newt) error

	ListValidCertificates(ctx context.Context, domains []string) ([]Certificate, error)
	UpsertCertificate(ctx context.Context, cert *Certificate) error
}

// checkTarget rejects a target that duplicates an existing one on the same site.
func checkTarget(existing []Target, t *Target) error {
	for _, e := range existing {
		if e.ID == t.ID && t.ID != 0 {
			continue
		}
		if e.IP == t.IP && e.Port == t.Port && e.Method == t.Method && e.ResourceID == t.ResourceID {
			return ErrDuplicateTarget
		}
		if t.InternalPort != 0 && e.Enabled && e.InternalPort == t.InternalPort {
			return ErrDuplicateInternalPort
		}
	}
	return nil
}
