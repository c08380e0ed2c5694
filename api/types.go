package api

import (
	"time"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
)

// Paths of the key server HTTP API.
const (
	ShareAddPath        = "/api/v1/admin/share_add"
	ShareRemovePath     = "/api/v1/admin/share_remove"
	SessionsPath        = "/api/v1/admin/sessions"
	ServerSetPath       = "/api/v1/server_set"
	NodeIdentityPath    = "/api/v1/node"
	BootstrapPath       = "/api/v1/bootstrap"
	BootstrapStatusPath = BootstrapPath + "/status"
	BootstrapSharePath  = BootstrapPath + "/share"
)

// ShareAddRequest starts a share add session for a server key. The
// signatures are the administrator's, over the ordered hashes of the share
// holders before and after the change.
type ShareAddRequest struct {
	KeyID           interfaces.SessionID  `json:"key_id"`
	NodesToAdd      []interfaces.NodeID   `json:"nodes_to_add"`
	OldSetSignature cryptoutils.Signature `json:"old_set_signature"`
	NewSetSignature cryptoutils.Signature `json:"new_set_signature"`
}

// ShareRemoveRequest starts a share remove session for a server key.
type ShareRemoveRequest struct {
	KeyID           interfaces.SessionID  `json:"key_id"`
	SharesToRemove  []interfaces.NodeID   `json:"shares_to_remove"`
	OldSetSignature cryptoutils.Signature `json:"old_set_signature"`
	NewSetSignature cryptoutils.Signature `json:"new_set_signature"`
}

// SessionResponse describes an administrative session.
type SessionResponse struct {
	Kind      interfaces.SessionKind `json:"kind"`
	ID        interfaces.SessionID   `json:"id"`
	Master    interfaces.NodeID      `json:"master"`
	IsMaster  bool                   `json:"is_master"`
	State     string                 `json:"state"`
	Finished  bool                   `json:"finished"`
	Error     string                 `json:"error,omitempty"`
	StartedAt time.Time              `json:"started_at"`
}

// ServerSetResponse is the key server set as seen by the node.
type ServerSetResponse struct {
	Self       interfaces.NodeID                            `json:"self"`
	CurrentSet map[interfaces.NodeID]interfaces.NodeAddress `json:"current_set"`
	NewSet     map[interfaces.NodeID]interfaces.NodeAddress `json:"new_set"`
	Migration  *interfaces.KeyServerSetMigration            `json:"migration,omitempty"`
}

// NodeIdentityResponse identifies a key server.
type NodeIdentityResponse struct {
	NodeID  interfaces.NodeID `json:"node_id"`
	Address string            `json:"address"`
	Version string            `json:"version"`
}

// BootstrapStatusResponse reports seed recovery progress.
type BootstrapStatusResponse struct {
	Recovered bool `json:"recovered"`
	Received  int  `json:"received"`
	Threshold int  `json:"threshold"`
}

// SubmitShareRequest carries an admin's seed share, hex encoded, and the
// admin's signature over kms.ShareDigest of the raw share.
type SubmitShareRequest struct {
	Share     string                `json:"share"`
	Signature cryptoutils.Signature `json:"signature"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}
