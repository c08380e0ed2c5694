package adminsessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/jobs"
)

// ShareRemoveState is the state of a ShareRemoveSession.
type ShareRemoveState int

const (
	// ShareRemoveConsensusEstablishing sessions wait for every share holder
	// to approve the administrator's servers set change.
	ShareRemoveConsensusEstablishing ShareRemoveState = iota
	// ShareRemoveWaitingForRemoveConfirmation sessions wait for the removed
	// nodes to confirm that their shares are gone.
	ShareRemoveWaitingForRemoveConfirmation
	// ShareRemoveFinished sessions completed or failed.
	ShareRemoveFinished
)

// String returns the state name.
func (s ShareRemoveState) String() string {
	switch s {
	case ShareRemoveConsensusEstablishing:
		return "consensus_establishing"
	case ShareRemoveWaitingForRemoveConfirmation:
		return "waiting_for_remove_confirmation"
	case ShareRemoveFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ShareRemoveSessionParams configures a ShareRemoveSession.
type ShareRemoveSessionParams struct {
	Meta       interfaces.SessionMeta
	Nonce      uint64
	Transport  interfaces.Transport
	KeyStorage interfaces.KeyStorage
	// AdminPublic is the key that must sign both servers sets. Without it
	// the session cannot establish consensus.
	AdminPublic *cryptoutils.Public
	Log         *slog.Logger
}

// ShareRemoveSession evicts nodes from a sharing. After the administrator's
// authorization is confirmed by every share holder, removed nodes delete
// their shares and survivors forget the removed id numbers. The remaining
// shares stay valid since the polynomial does not change.
type ShareRemoveSession struct {
	meta        interfaces.SessionMeta
	nonce       uint64
	keyShare    *interfaces.DocumentKeyShare
	transport   interfaces.Transport
	keyStorage  interfaces.KeyStorage
	adminPublic *cryptoutils.Public
	log         *slog.Logger
	result      *completion

	mu                           sync.Mutex
	state                        ShareRemoveState
	consensus                    *jobs.ServersSetChangeConsensusSession
	sharesToRemove               interfaces.NodeSet
	removeConfirmationsToReceive interfaces.NodeSet
}

// NewShareRemoveSession creates a session. The node must hold a share of the key.
func NewShareRemoveSession(params ShareRemoveSessionParams) (*ShareRemoveSession, error) {
	keyShare, err := params.KeyStorage.Get(params.Meta.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load key share: %w", err)
	}

	return &ShareRemoveSession{
		meta:        params.Meta,
		nonce:       params.Nonce,
		keyShare:    keyShare,
		transport:   params.Transport,
		keyStorage:  params.KeyStorage,
		adminPublic: params.AdminPublic,
		log: params.Log.With(
			slog.String("session", params.Meta.ID.String()),
			slog.String("kind", string(interfaces.ShareRemoveSessionKind)),
		),
		result: newCompletion(),
		state:  ShareRemoveConsensusEstablishing,
	}, nil
}

// ID implements Session.
func (s *ShareRemoveSession) ID() interfaces.SessionID { return s.meta.ID }

// Kind implements Session.
func (s *ShareRemoveSession) Kind() interfaces.SessionKind { return interfaces.ShareRemoveSessionKind }

// Nonce implements Session.
func (s *ShareRemoveSession) Nonce() uint64 { return s.nonce }

// State implements Session.
func (s *ShareRemoveSession) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// IsFinished implements Session.
func (s *ShareRemoveSession) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == ShareRemoveFinished
}

// Wait implements Session.
func (s *ShareRemoveSession) Wait(ctx context.Context) error {
	return s.result.wait(ctx)
}

// SetConsensusOutput skips consensus establishment when the set of shares to
// remove was agreed on by other means.
func (s *ShareRemoveSession) SetConsensusOutput(sharesToRemove interfaces.NodeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ShareRemoveConsensusEstablishing || s.consensus != nil {
		return interfaces.ErrInvalidStateForRequest
	}
	if err := s.checkSharesToRemove(sharesToRemove); err != nil {
		return err
	}

	s.sharesToRemove = sharesToRemove.Clone()
	s.removeConfirmationsToReceive = sharesToRemove.Clone()
	return nil
}

// Initialize starts the session on the master. Unless consensus output was
// set before, the administrator signatures over the old and the new servers
// set are required.
func (s *ShareRemoveSession) Initialize(sharesToRemove interfaces.NodeSet, oldSetSignature, newSetSignature *cryptoutils.Signature) error {
	if !s.meta.IsMaster() {
		return fmt.Errorf("%w: share remove is initialized on master node only", interfaces.ErrInvalidStateForRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ShareRemoveConsensusEstablishing || s.consensus != nil {
		return interfaces.ErrInvalidStateForRequest
	}

	if s.sharesToRemove != nil {
		return s.onConsensusEstablished()
	}

	if sharesToRemove == nil || oldSetSignature == nil || newSetSignature == nil {
		return fmt.Errorf("%w: shares to remove and both set signatures are required", interfaces.ErrInvalidMessage)
	}
	if err := s.checkSharesToRemove(sharesToRemove); err != nil {
		return err
	}
	if s.adminPublic == nil {
		return fmt.Errorf("%w: administrator key is not configured", interfaces.ErrInvalidMessage)
	}

	allNodes := s.keyShare.Nodes()
	newNodes := allNodes.Difference(sharesToRemove)

	job := jobs.NewServersSetChangeAccessJobOnMaster(*s.adminPublic, allNodes, newNodes, *oldSetSignature, *newSetSignature)
	s.consensus = jobs.NewServersSetChangeConsensusSession(
		jobs.ServersSetChangeConsensusMeta(s.meta, allNodes),
		job,
		&shareRemoveConsensusTransport{session: s},
	)
	s.sharesToRemove = sharesToRemove.Clone()
	s.removeConfirmationsToReceive = sharesToRemove.Clone()

	s.log.Info("starting share remove session", slog.Int("nodes", len(allNodes)), slog.Int("sharesToRemove", len(sharesToRemove)))

	if err := s.consensus.Initialize(allNodes); err != nil {
		return err
	}
	// a single share holder confirms itself
	if s.consensus.State() == jobs.ConsensusEstablished {
		return s.onConsensusEstablished()
	}
	return nil
}

// ProcessMessage implements Session.
func (s *ShareRemoveSession) ProcessMessage(sender interfaces.NodeID, message *interfaces.ClusterMessage) error {
	msg := message.ShareRemove
	if msg == nil {
		return fmt.Errorf("%w: not a share remove message", interfaces.ErrInvalidMessage)
	}
	if err := checkNonce(s.nonce, msg.SessionNonce); err != nil {
		return err
	}
	if msg.Session != s.meta.ID {
		return fmt.Errorf("%w: message for session %s", interfaces.ErrInvalidMessage, msg.Session)
	}
	if sender == s.meta.SelfNodeID {
		return fmt.Errorf("%w: message from self", interfaces.ErrInvalidMessage)
	}

	switch {
	case msg.Consensus != nil:
		return s.OnConsensusMessage(sender, msg.Consensus)
	case msg.Request != nil:
		return s.OnShareRemoveRequest(sender)
	case msg.Confirm != nil:
		return s.OnShareRemoveConfirmation(sender)
	case msg.Error != nil:
		s.OnSessionError(sender, interfaces.ErrorFromWire(msg.Error.Error))
		return nil
	default:
		return fmt.Errorf("%w: empty share remove message", interfaces.ErrInvalidMessage)
	}
}

// OnConsensusMessage handles the consensus establishment exchange.
func (s *ShareRemoveSession) OnConsensusMessage(sender interfaces.NodeID, msg *interfaces.ShareRemoveConsensusMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consensus == nil && sender == s.meta.MasterNodeID {
		if msg.InitializeConsensusSession == nil {
			return interfaces.ErrInvalidStateForRequest
		}
		if s.adminPublic == nil {
			return fmt.Errorf("%w: administrator key is not configured", interfaces.ErrInvalidMessage)
		}
		oldNodes := interfaces.NewNodeSet(msg.InitializeConsensusSession.OldNodesSet...)
		s.consensus = jobs.NewServersSetChangeConsensusSession(
			jobs.ServersSetChangeConsensusMeta(s.meta, oldNodes),
			jobs.NewServersSetChangeAccessJobOnSlave(*s.adminPublic, s.keyShare.Nodes()),
			&shareRemoveConsensusTransport{session: s},
		)
	}
	if s.consensus == nil {
		return fmt.Errorf("%w: consensus message before consensus session", interfaces.ErrInvalidMessage)
	}

	wasEstablishing := s.consensus.State() == jobs.EstablishingConsensus

	switch {
	case msg.InitializeConsensusSession != nil:
		initMsg := msg.InitializeConsensusSession
		oldNodes := interfaces.NewNodeSet(initMsg.OldNodesSet...)
		newNodes := interfaces.NewNodeSet(initMsg.NewNodesSet...)
		err := s.consensus.OnConsensusPartialRequest(sender, jobs.ServersSetChangeAccessRequest{
			OldServersSet:   oldNodes,
			NewServersSet:   newNodes,
			OldSetSignature: initMsg.OldSetSignature,
			NewSetSignature: initMsg.NewSetSignature,
		})
		if err != nil {
			return err
		}
		// the reject was already sent back to master
		if s.consensus.State() == jobs.ConsensusFailed {
			return nil
		}

		sharesToRemove := oldNodes.Difference(newNodes)
		if err := s.checkSharesToRemove(sharesToRemove); err != nil {
			return err
		}
		s.sharesToRemove = sharesToRemove
		s.removeConfirmationsToReceive = sharesToRemove.Clone()
	case msg.ConfirmConsensusInitialization != nil:
		if err := s.consensus.OnConsensusPartialResponse(sender, msg.ConfirmConsensusInitialization.IsConfirmed); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: empty consensus message", interfaces.ErrInvalidMessage)
	}

	if !s.meta.IsMaster() || !wasEstablishing || s.consensus.State() != jobs.ConsensusEstablished {
		return nil
	}
	return s.onConsensusEstablished()
}

// OnShareRemoveRequest handles the master's request on a node being removed.
func (s *ShareRemoveSession) OnShareRemoveRequest(sender interfaces.NodeID) error {
	if sender != s.meta.MasterNodeID {
		return fmt.Errorf("%w: share remove request from non-master node", interfaces.ErrInvalidMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enterRemovalPhase(); err != nil {
		return err
	}
	if !s.sharesToRemove.Contains(s.meta.SelfNodeID) {
		return fmt.Errorf("%w: share remove request on surviving node", interfaces.ErrInvalidMessage)
	}

	return s.completeSession()
}

// OnShareRemoveConfirmation handles a removed node's confirmation on a survivor.
func (s *ShareRemoveSession) OnShareRemoveConfirmation(sender interfaces.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enterRemovalPhase(); err != nil {
		return err
	}
	if !s.removeConfirmationsToReceive.Remove(sender) {
		return fmt.Errorf("%w: unexpected confirmation from %s", interfaces.ErrInvalidMessage, sender.Short())
	}
	if len(s.removeConfirmationsToReceive) != 0 {
		return nil
	}

	return s.completeSession()
}

// OnSessionError implements Session. An error reported by a peer finishes
// the session locally without undoing what this node already did.
func (s *ShareRemoveSession) OnSessionError(sender interfaces.NodeID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == ShareRemoveFinished {
		return
	}

	if sender == s.meta.SelfNodeID {
		s.log.Warn("share remove session failed", "err", err)
		for _, node := range s.keyShare.Nodes().Sorted() {
			if node == s.meta.SelfNodeID {
				continue
			}
			if sendErr := s.send(node, &interfaces.ShareRemoveMessage{Error: &interfaces.ShareRemoveError{Error: err.Error()}}); sendErr != nil {
				s.log.Debug("could not report session error", slog.String("node", node.Short()), "err", sendErr)
			}
		}
	} else {
		// TODO: survivors that already updated their share keep the update
		// even if a removed node failed to drop its own; revisit once a
		// post-removal consistency check across survivors exists.
		s.log.Warn("share remove session failed on peer", slog.String("peer", sender.Short()), "err", err)
	}

	s.state = ShareRemoveFinished
	s.result.finish(err)
}

// OnNodeError implements Session.
func (s *ShareRemoveSession) OnNodeError(node interfaces.NodeID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == ShareRemoveFinished {
		return
	}
	if !s.keyShare.Nodes().Contains(node) {
		return
	}

	s.log.Warn("share remove session failed because node is unreachable", slog.String("node", node.Short()), "err", err)
	s.state = ShareRemoveFinished
	s.result.finish(fmt.Errorf("%w: %s", interfaces.ErrNodeDisconnected, node.Short()))
}

// OnSessionTimeout implements Session.
func (s *ShareRemoveSession) OnSessionTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == ShareRemoveFinished {
		return
	}

	s.log.Warn("share remove session failed with timeout", slog.String("state", s.state.String()))
	s.state = ShareRemoveFinished
	s.result.finish(fmt.Errorf("%w: session timed out", interfaces.ErrNodeDisconnected))
}

// enterRemovalPhase moves a node that learned the shares to remove during
// consensus into the removal phase on the first removal message.
func (s *ShareRemoveSession) enterRemovalPhase() error {
	switch {
	case s.state == ShareRemoveConsensusEstablishing && s.sharesToRemove != nil:
		s.state = ShareRemoveWaitingForRemoveConfirmation
		return nil
	case s.state == ShareRemoveWaitingForRemoveConfirmation:
		return nil
	default:
		return interfaces.ErrInvalidStateForRequest
	}
}

func (s *ShareRemoveSession) onConsensusEstablished() error {
	s.state = ShareRemoveWaitingForRemoveConfirmation

	for _, node := range s.sharesToRemove.Sorted() {
		if node == s.meta.SelfNodeID {
			continue
		}
		if err := s.send(node, &interfaces.ShareRemoveMessage{Request: &interfaces.ShareRemoveRequest{}}); err != nil {
			return err
		}
	}

	if !s.sharesToRemove.Contains(s.meta.SelfNodeID) {
		s.removeConfirmationsToReceive = s.sharesToRemove.Clone()
		return nil
	}

	// the master itself is removed
	return s.completeSession()
}

func (s *ShareRemoveSession) completeSession() error {
	s.state = ShareRemoveFinished

	if s.sharesToRemove.Contains(s.meta.SelfNodeID) {
		survivors := s.keyShare.Nodes().Difference(s.sharesToRemove)
		for _, node := range survivors.Sorted() {
			if err := s.send(node, &interfaces.ShareRemoveMessage{Confirm: &interfaces.ShareRemoveConfirm{}}); err != nil {
				s.result.finish(err)
				return err
			}
		}

		err := s.keyStorage.Remove(s.meta.ID)
		s.result.finish(err)
		if err == nil {
			s.log.Info("share removed")
		}
		return err
	}

	keyShare := s.keyShare.Clone()
	for node := range s.sharesToRemove {
		delete(keyShare.IDNumbers, node)
	}

	err := s.keyStorage.Update(s.meta.ID, keyShare)
	s.result.finish(err)
	if err == nil {
		s.log.Info("share remove session completed", slog.Int("nodes", len(keyShare.IDNumbers)))
	}
	return err
}

// checkSharesToRemove validates a removal before anything is sent.
func (s *ShareRemoveSession) checkSharesToRemove(sharesToRemove interfaces.NodeSet) error {
	if len(sharesToRemove) == 0 {
		return fmt.Errorf("%w: no shares to remove", interfaces.ErrInvalidMessage)
	}
	for node := range sharesToRemove {
		if _, ok := s.keyShare.IDNumbers[node]; !ok {
			return fmt.Errorf("%w: node %s does not hold a share", interfaces.ErrInvalidNodesConfiguration, node.Short())
		}
	}
	if left := len(s.keyShare.IDNumbers) - len(sharesToRemove); left < s.keyShare.Threshold+1 {
		return fmt.Errorf("%w: %d nodes would be left, threshold %d", interfaces.ErrInvalidNodesConfiguration, left, s.keyShare.Threshold)
	}
	return nil
}

func (s *ShareRemoveSession) send(to interfaces.NodeID, msg *interfaces.ShareRemoveMessage) error {
	msg.Session = s.meta.ID
	msg.SessionNonce = s.nonce
	if err := s.transport.Send(to, &interfaces.ClusterMessage{ShareRemove: msg}); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.Type(), to.Short(), err)
	}
	return nil
}

// shareRemoveConsensusTransport carries the consensus job over share remove
// messages. It is only used under the session lock.
type shareRemoveConsensusTransport struct {
	session *ShareRemoveSession
}

func (t *shareRemoveConsensusTransport) SendPartialRequest(node interfaces.NodeID, request jobs.ServersSetChangeAccessRequest) error {
	return t.session.send(node, &interfaces.ShareRemoveMessage{Consensus: &interfaces.ShareRemoveConsensusMessage{
		InitializeConsensusSession: &interfaces.InitializeConsensusSession{
			OldNodesSet:     request.OldServersSet.Sorted(),
			NewNodesSet:     request.NewServersSet.Sorted(),
			OldSetSignature: request.OldSetSignature,
			NewSetSignature: request.NewSetSignature,
		},
	}})
}

func (t *shareRemoveConsensusTransport) SendPartialResponse(node interfaces.NodeID, confirmed bool) error {
	return t.session.send(node, &interfaces.ShareRemoveMessage{Consensus: &interfaces.ShareRemoveConsensusMessage{
		ConfirmConsensusInitialization: &interfaces.ConfirmConsensusInitialization{IsConfirmed: confirmed},
	}})
}
