package interfaces

import (
	"fmt"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
)

// SessionKind names an administrative session type.
type SessionKind string

const (
	ShareAddSessionKind    SessionKind = "share_add"
	ShareRemoveSessionKind SessionKind = "share_remove"
)

// ClusterMessage is the envelope exchanged between key servers. Exactly one
// field is set.
type ClusterMessage struct {
	ShareAdd    *ShareAddMessage    `json:"share_add,omitempty"`
	ShareRemove *ShareRemoveMessage `json:"share_remove,omitempty"`
}

// Kind returns the session type the message belongs to.
func (m *ClusterMessage) Kind() SessionKind {
	switch {
	case m.ShareAdd != nil:
		return ShareAddSessionKind
	case m.ShareRemove != nil:
		return ShareRemoveSessionKind
	default:
		return ""
	}
}

// SessionID returns the id of the session the message belongs to.
func (m *ClusterMessage) SessionID() SessionID {
	switch {
	case m.ShareAdd != nil:
		return m.ShareAdd.Session
	case m.ShareRemove != nil:
		return m.ShareRemove.Session
	default:
		return SessionID{}
	}
}

// Validate checks that exactly one payload is set at every level.
func (m *ClusterMessage) Validate() error {
	switch {
	case m.ShareAdd != nil && m.ShareRemove == nil:
		return m.ShareAdd.validate()
	case m.ShareRemove != nil && m.ShareAdd == nil:
		return m.ShareRemove.validate()
	default:
		return fmt.Errorf("%w: expected exactly one session payload", ErrInvalidMessage)
	}
}

// String returns the message type for logging.
func (m *ClusterMessage) String() string {
	switch {
	case m.ShareAdd != nil:
		return "ShareAdd." + m.ShareAdd.Type()
	case m.ShareRemove != nil:
		return "ShareRemove." + m.ShareRemove.Type()
	default:
		return "Empty"
	}
}

// NodeIDNumber pairs a node with its id number.
type NodeIDNumber struct {
	Node     NodeID             `json:"node"`
	IDNumber cryptoutils.Secret `json:"id_number"`
}

// ShareAddMessage carries one share add protocol message.
type ShareAddMessage struct {
	Session      SessionID `json:"session"`
	SessionNonce uint64    `json:"session_nonce"`

	InitializeSession     *InitializeShareAddSession     `json:"initialize_session,omitempty"`
	ConfirmInitialization *ConfirmShareAddInitialization `json:"confirm_initialization,omitempty"`
	KeyShareCommon        *KeyShareCommon                `json:"key_share_common,omitempty"`
	NewAbsoluteTermShare  *NewAbsoluteTermShare          `json:"new_absolute_term_share,omitempty"`
	NewKeysDissemination  *NewKeysDissemination          `json:"new_keys_dissemination,omitempty"`
	Error                 *ShareAddError                 `json:"error,omitempty"`
}

// Type names the payload.
func (m *ShareAddMessage) Type() string {
	switch {
	case m.InitializeSession != nil:
		return "InitializeShareAddSession"
	case m.ConfirmInitialization != nil:
		return "ConfirmShareAddInitialization"
	case m.KeyShareCommon != nil:
		return "KeyShareCommon"
	case m.NewAbsoluteTermShare != nil:
		return "NewAbsoluteTermShare"
	case m.NewKeysDissemination != nil:
		return "NewKeysDissemination"
	case m.Error != nil:
		return "ShareAddError"
	default:
		return "Empty"
	}
}

func (m *ShareAddMessage) validate() error {
	count := 0
	for _, set := range []bool{
		m.InitializeSession != nil,
		m.ConfirmInitialization != nil,
		m.KeyShareCommon != nil,
		m.NewAbsoluteTermShare != nil,
		m.NewKeysDissemination != nil,
		m.Error != nil,
	} {
		if set {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("%w: share add message with %d payloads", ErrInvalidMessage, count)
	}
	return nil
}

// InitializeShareAddSession is sent by the master to every other participant.
// The signatures are the administrator's over the old and the new share
// holders, as ordered node set hashes.
type InitializeShareAddSession struct {
	Threshold       int                   `json:"threshold"`
	Nodes           []NodeIDNumber        `json:"nodes"`
	NewNodes        []NodeID              `json:"new_nodes"`
	OldSetSignature cryptoutils.Signature `json:"old_set_signature"`
	NewSetSignature cryptoutils.Signature `json:"new_set_signature"`
}

// ConfirmShareAddInitialization is the participant's answer to the master.
type ConfirmShareAddInitialization struct{}

// KeyShareCommon carries the key metadata new nodes cannot read locally.
type KeyShareCommon struct {
	Author         cryptoutils.Public  `json:"author"`
	CommonPoint    *cryptoutils.Public `json:"common_point,omitempty"`
	EncryptedPoint *cryptoutils.Public `json:"encrypted_point,omitempty"`
}

// NewAbsoluteTermShare is an old node's contribution to a new node's absolute term.
type NewAbsoluteTermShare struct {
	AbsoluteTermShare cryptoutils.Secret `json:"absolute_term_share"`
}

// NewKeysDissemination carries the sender's refreshed polynomial evaluated at
// the receiver's id number and the public commitments to its coefficients.
type NewKeysDissemination struct {
	RefreshedSecret1 cryptoutils.Secret   `json:"refreshed_secret1"`
	RefreshedPublics []cryptoutils.Public `json:"refreshed_publics"`
}

// ShareAddError reports a failure to the other participants.
type ShareAddError struct {
	Error string `json:"error"`
}

// ShareRemoveMessage carries one share remove protocol message.
type ShareRemoveMessage struct {
	Session      SessionID `json:"session"`
	SessionNonce uint64    `json:"session_nonce"`

	Consensus *ShareRemoveConsensusMessage `json:"consensus,omitempty"`
	Request   *ShareRemoveRequest          `json:"request,omitempty"`
	Confirm   *ShareRemoveConfirm          `json:"confirm,omitempty"`
	Error     *ShareRemoveError            `json:"error,omitempty"`
}

// Type names the payload.
func (m *ShareRemoveMessage) Type() string {
	switch {
	case m.Consensus != nil && m.Consensus.InitializeConsensusSession != nil:
		return "InitializeConsensusSession"
	case m.Consensus != nil && m.Consensus.ConfirmConsensusInitialization != nil:
		return "ConfirmConsensusInitialization"
	case m.Request != nil:
		return "ShareRemoveRequest"
	case m.Confirm != nil:
		return "ShareRemoveConfirm"
	case m.Error != nil:
		return "ShareRemoveError"
	default:
		return "Empty"
	}
}

func (m *ShareRemoveMessage) validate() error {
	count := 0
	for _, set := range []bool{m.Consensus != nil, m.Request != nil, m.Confirm != nil, m.Error != nil} {
		if set {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("%w: share remove message with %d payloads", ErrInvalidMessage, count)
	}
	if m.Consensus != nil && (m.Consensus.InitializeConsensusSession == nil) == (m.Consensus.ConfirmConsensusInitialization == nil) {
		return fmt.Errorf("%w: consensus message must carry exactly one payload", ErrInvalidMessage)
	}
	return nil
}

// ShareRemoveConsensusMessage carries the servers set change consensus exchange.
type ShareRemoveConsensusMessage struct {
	InitializeConsensusSession     *InitializeConsensusSession     `json:"initialize_consensus_session,omitempty"`
	ConfirmConsensusInitialization *ConfirmConsensusInitialization `json:"confirm_consensus_initialization,omitempty"`
}

// InitializeConsensusSession asks a node to approve an administrator-signed
// servers set change.
type InitializeConsensusSession struct {
	OldNodesSet     []NodeID              `json:"old_nodes_set"`
	NewNodesSet     []NodeID              `json:"new_nodes_set"`
	OldSetSignature cryptoutils.Signature `json:"old_set_signature"`
	NewSetSignature cryptoutils.Signature `json:"new_set_signature"`
}

// ConfirmConsensusInitialization is the node's verdict.
type ConfirmConsensusInitialization struct {
	IsConfirmed bool `json:"is_confirmed"`
}

// ShareRemoveRequest tells a node that its share is being removed.
type ShareRemoveRequest struct{}

// ShareRemoveConfirm is sent by a removed node to every survivor.
type ShareRemoveConfirm struct{}

// ShareRemoveError reports a failure to the other participants.
type ShareRemoveError struct {
	Error string `json:"error"`
}
