package adminsessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/jobs"
)

// ShareAddState is the state of a ShareAddSession.
type ShareAddState int

const (
	// ShareAddWaitingForInitialization sessions were not started by the
	// master, or wait for the master's request on slaves.
	ShareAddWaitingForInitialization ShareAddState = iota
	// ShareAddWaitingForInitializationConfirm sessions wait for every
	// participant to accept the new share holders.
	ShareAddWaitingForInitializationConfirm
	// ShareAddWaitingForAbsoluteTermShare sessions run on new nodes that
	// wait for the old nodes' shares of their absolute term.
	ShareAddWaitingForAbsoluteTermShare
	// ShareAddWaitingForKeysDissemination sessions wait for the refreshed
	// keys of the other participants.
	ShareAddWaitingForKeysDissemination
	// ShareAddFinished sessions completed or failed.
	ShareAddFinished
)

// String returns the state name.
func (s ShareAddState) String() string {
	switch s {
	case ShareAddWaitingForInitialization:
		return "waiting_for_initialization"
	case ShareAddWaitingForInitializationConfirm:
		return "waiting_for_initialization_confirm"
	case ShareAddWaitingForAbsoluteTermShare:
		return "waiting_for_absolute_term_share"
	case ShareAddWaitingForKeysDissemination:
		return "waiting_for_keys_dissemination"
	case ShareAddFinished:
		return "finished"
	default:
		return "unknown"
	}
}

type shareAddNodeData struct {
	idNumber                  cryptoutils.Secret
	isInitializationConfirmed bool
	isNewNode                 bool

	// filled while keys are refreshed
	absoluteTermShare *cryptoutils.Secret
	refreshedSecret1  *cryptoutils.Secret
	refreshedPublics  []cryptoutils.Public
}

// ShareAddSessionParams configures a ShareAddSession.
type ShareAddSessionParams struct {
	Meta       interfaces.SessionMeta
	Nonce      uint64
	Transport  interfaces.Transport
	KeyStorage interfaces.KeyStorage
	// AdminPublic is the key that must sign both the old and the new set of
	// share holders. Without it the session cannot be initialized.
	AdminPublic *cryptoutils.Public
	Log         *slog.Logger
}

// ShareAddSession admits new nodes to an existing threshold sharing. Every
// participant refreshes its polynomial so that the joint secret is preserved,
// and every node, old or new, ends up with a fresh share of it.
type ShareAddSession struct {
	meta        interfaces.SessionMeta
	nonce       uint64
	keyShare    *interfaces.DocumentKeyShare // nil on new nodes
	transport   interfaces.Transport
	keyStorage  interfaces.KeyStorage
	adminPublic *cryptoutils.Public
	log         *slog.Logger
	result      *completion

	mu                   sync.Mutex
	state                ShareAddState
	nodes                map[interfaces.NodeID]*shareAddNodeData
	refreshedPolynom1Sum []cryptoutils.Secret

	// key share data received by new nodes from the master
	author         *cryptoutils.Public
	commonPoint    *cryptoutils.Public
	encryptedPoint *cryptoutils.Public
}

// NewShareAddSession creates a session. Nodes without a stored share for
// the key take part as new nodes.
func NewShareAddSession(params ShareAddSessionParams) (*ShareAddSession, error) {
	keyShare, err := params.KeyStorage.Get(params.Meta.ID)
	switch {
	case err == nil:
		if keyShare.Threshold != params.Meta.Threshold {
			return nil, fmt.Errorf("%w: key share threshold %d, session threshold %d", interfaces.ErrInvalidNodesConfiguration, keyShare.Threshold, params.Meta.Threshold)
		}
	case errors.Is(err, interfaces.ErrKeyNotFound):
		keyShare = nil
	default:
		return nil, fmt.Errorf("failed to load key share: %w", err)
	}

	return &ShareAddSession{
		meta:        params.Meta,
		nonce:       params.Nonce,
		keyShare:    keyShare,
		transport:   params.Transport,
		keyStorage:  params.KeyStorage,
		adminPublic: params.AdminPublic,
		log: params.Log.With(
			slog.String("session", params.Meta.ID.String()),
			slog.String("kind", string(interfaces.ShareAddSessionKind)),
		),
		result: newCompletion(),
		state:  ShareAddWaitingForInitialization,
	}, nil
}

// ID implements Session.
func (s *ShareAddSession) ID() interfaces.SessionID { return s.meta.ID }

// Kind implements Session.
func (s *ShareAddSession) Kind() interfaces.SessionKind { return interfaces.ShareAddSessionKind }

// Nonce implements Session.
func (s *ShareAddSession) Nonce() uint64 { return s.nonce }

// State implements Session.
func (s *ShareAddSession) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// IsFinished implements Session.
func (s *ShareAddSession) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == ShareAddFinished
}

// Wait implements Session.
func (s *ShareAddSession) Wait(ctx context.Context) error {
	return s.result.wait(ctx)
}

// Initialize starts the session on the master. nodesToAdd must not hold
// shares of the key yet. The signatures are the administrator's over the
// current share holders and over the share holders after the change; every
// participant checks them before taking part.
func (s *ShareAddSession) Initialize(nodesToAdd interfaces.NodeSet, oldSetSignature, newSetSignature cryptoutils.Signature) error {
	if !s.meta.IsMaster() {
		return fmt.Errorf("%w: share add is initialized on master node only", interfaces.ErrInvalidStateForRequest)
	}
	if s.keyShare == nil {
		return fmt.Errorf("%w: key share is not found on master node", interfaces.ErrKeyStorage)
	}
	if len(nodesToAdd) == 0 {
		return fmt.Errorf("%w: no nodes to add", interfaces.ErrInvalidNodesConfiguration)
	}
	for node := range nodesToAdd {
		if _, isOld := s.keyShare.IDNumbers[node]; isOld {
			return fmt.Errorf("%w: node %s already holds a share", interfaces.ErrInvalidNodesConfiguration, node.Short())
		}
	}
	if _, isHolder := s.keyShare.IDNumbers[s.meta.SelfNodeID]; !isHolder {
		return fmt.Errorf("%w: master is not on the key share's nodes set", interfaces.ErrInvalidNodesConfiguration)
	}

	oldSet := s.keyShare.Nodes()
	newSet := oldSet.Clone()
	for node := range nodesToAdd {
		newSet.Add(node)
	}
	if err := s.authorize(oldSet, newSet, oldSet, oldSetSignature, newSetSignature); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ShareAddWaitingForInitialization {
		return interfaces.ErrInvalidStateForRequest
	}

	usedIDNumbers := make(map[cryptoutils.Secret]struct{}, len(s.keyShare.IDNumbers)+len(nodesToAdd))
	nodes := make(map[interfaces.NodeID]*shareAddNodeData, len(s.keyShare.IDNumbers)+len(nodesToAdd))
	for node, idNumber := range s.keyShare.IDNumbers {
		usedIDNumbers[idNumber] = struct{}{}
		nodes[node] = &shareAddNodeData{idNumber: idNumber}
	}
	for _, node := range nodesToAdd.Sorted() {
		idNumber, err := uniqueIDNumber(usedIDNumbers)
		if err != nil {
			return err
		}
		nodes[node] = &shareAddNodeData{idNumber: idNumber, isNewNode: true}
	}
	nodes[s.meta.SelfNodeID].isInitializationConfirmed = true

	s.nodes = nodes
	s.state = ShareAddWaitingForInitializationConfirm

	initialize := &interfaces.InitializeShareAddSession{
		Threshold:       s.meta.Threshold,
		Nodes:           make([]interfaces.NodeIDNumber, 0, len(nodes)),
		NewNodes:        nodesToAdd.Sorted(),
		OldSetSignature: oldSetSignature,
		NewSetSignature: newSetSignature,
	}
	for _, node := range s.sortedNodes() {
		initialize.Nodes = append(initialize.Nodes, interfaces.NodeIDNumber{Node: node, IDNumber: nodes[node].idNumber})
	}

	s.log.Info("starting share add session", slog.Int("nodes", len(nodes)), slog.Int("newNodes", len(nodesToAdd)))

	for _, node := range s.sortedNodes() {
		if node == s.meta.SelfNodeID {
			continue
		}
		if err := s.send(node, &interfaces.ShareAddMessage{InitializeSession: initialize}); err != nil {
			return err
		}
	}
	return nil
}

// ProcessMessage implements Session.
func (s *ShareAddSession) ProcessMessage(sender interfaces.NodeID, message *interfaces.ClusterMessage) error {
	msg := message.ShareAdd
	if msg == nil {
		return fmt.Errorf("%w: not a share add message", interfaces.ErrInvalidMessage)
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
	case msg.InitializeSession != nil:
		return s.OnInitializeSession(sender, msg.InitializeSession)
	case msg.ConfirmInitialization != nil:
		return s.OnConfirmInitialization(sender)
	case msg.KeyShareCommon != nil:
		return s.OnCommonKeyShareData(sender, msg.KeyShareCommon)
	case msg.NewAbsoluteTermShare != nil:
		return s.OnNewAbsoluteTerm(sender, msg.NewAbsoluteTermShare)
	case msg.NewKeysDissemination != nil:
		return s.OnNewKeysDissemination(sender, msg.NewKeysDissemination)
	case msg.Error != nil:
		s.OnSessionError(sender, interfaces.ErrorFromWire(msg.Error.Error))
		return nil
	default:
		return fmt.Errorf("%w: empty share add message", interfaces.ErrInvalidMessage)
	}
}

// OnInitializeSession handles the master's initialization request.
func (s *ShareAddSession) OnInitializeSession(sender interfaces.NodeID, msg *interfaces.InitializeShareAddSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sender != s.meta.MasterNodeID {
		return fmt.Errorf("%w: initialization from non-master node", interfaces.ErrInvalidMessage)
	}
	if msg.Threshold != s.meta.Threshold {
		return fmt.Errorf("%w: threshold %d, expected %d", interfaces.ErrInvalidMessage, msg.Threshold, s.meta.Threshold)
	}

	nodes := make(map[interfaces.NodeID]*shareAddNodeData, len(msg.Nodes))
	usedIDNumbers := make(map[cryptoutils.Secret]struct{}, len(msg.Nodes))
	for _, n := range msg.Nodes {
		if _, duplicate := nodes[n.Node]; duplicate {
			return fmt.Errorf("%w: node %s listed twice", interfaces.ErrInvalidMessage, n.Node.Short())
		}
		if _, duplicate := usedIDNumbers[n.IDNumber]; duplicate || n.IDNumber.IsZero() {
			return fmt.Errorf("%w: %w", interfaces.ErrInvalidMessage, cryptoutils.ErrDuplicateIDNumber)
		}
		usedIDNumbers[n.IDNumber] = struct{}{}
		nodes[n.Node] = &shareAddNodeData{idNumber: n.IDNumber}
	}

	// this node and every new node must be on the final nodes set
	if _, ok := nodes[s.meta.SelfNodeID]; !ok {
		return fmt.Errorf("%w: self is not on the nodes set", interfaces.ErrInvalidMessage)
	}
	newNodes := interfaces.NewNodeSet(msg.NewNodes...)
	for node := range newNodes {
		nd, ok := nodes[node]
		if !ok {
			return fmt.Errorf("%w: new node %s is not on the nodes set", interfaces.ErrInvalidMessage, node.Short())
		}
		nd.isNewNode = true
	}
	if nd := nodes[sender]; nd == nil || nd.isNewNode {
		return fmt.Errorf("%w: master must be an old node", interfaces.ErrInvalidMessage)
	}

	// this node is old on both this node and the master, or new on both
	if (s.keyShare != nil) == newNodes.Contains(s.meta.SelfNodeID) {
		return fmt.Errorf("%w: key share presence does not match the new nodes set", interfaces.ErrInvalidMessage)
	}
	if s.keyShare != nil {
		for node, nd := range nodes {
			idNumber, isOld := s.keyShare.IDNumbers[node]
			if isOld == nd.isNewNode || (isOld && idNumber != nd.idNumber) {
				return fmt.Errorf("%w: node %s does not match the local key share", interfaces.ErrInvalidMessage, node.Short())
			}
		}
		if len(s.keyShare.IDNumbers) != len(nodes)-len(newNodes) {
			return fmt.Errorf("%w: old nodes set does not match the local key share", interfaces.ErrInvalidMessage)
		}
	}

	newSet := make(interfaces.NodeSet, len(nodes))
	for node := range nodes {
		newSet.Add(node)
	}
	oldSet := newSet.Difference(newNodes)
	var currentSet interfaces.NodeSet
	if s.keyShare != nil {
		currentSet = s.keyShare.Nodes()
	}
	if err := s.authorize(oldSet, newSet, currentSet, msg.OldSetSignature, msg.NewSetSignature); err != nil {
		return err
	}

	if s.state != ShareAddWaitingForInitialization {
		return interfaces.ErrInvalidStateForRequest
	}

	s.state = ShareAddWaitingForInitializationConfirm
	s.nodes = nodes

	return s.send(sender, &interfaces.ShareAddMessage{ConfirmInitialization: &interfaces.ConfirmShareAddInitialization{}})
}

// authorize checks that the administrator signed both the old and the new
// set of share holders. currentSet is the locally stored set of holders, nil
// on new nodes, which cannot check the old set against their own state.
func (s *ShareAddSession) authorize(oldSet, newSet, currentSet interfaces.NodeSet, oldSetSignature, newSetSignature cryptoutils.Signature) error {
	if s.adminPublic == nil {
		return fmt.Errorf("%w: administrator key is not configured", interfaces.ErrAccessDenied)
	}

	job := jobs.NewServersSetChangeAccessJobOnSlave(*s.adminPublic, currentSet)
	action, err := job.ProcessPartialRequest(jobs.ServersSetChangeAccessRequest{
		OldServersSet:   oldSet,
		NewServersSet:   newSet,
		OldSetSignature: oldSetSignature,
		NewSetSignature: newSetSignature,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrAccessDenied, err)
	}
	if action.IsReject {
		return fmt.Errorf("%w: servers set change is not signed by the administrator", interfaces.ErrAccessDenied)
	}
	return nil
}

// OnConfirmInitialization handles a participant's confirmation on the master.
func (s *ShareAddSession) OnConfirmInitialization(sender interfaces.NodeID) error {
	if !s.meta.IsMaster() {
		return fmt.Errorf("%w: confirmation received on non-master node", interfaces.ErrInvalidMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nd, ok := s.nodes[sender]
	if !ok {
		return fmt.Errorf("%w: confirmation from unknown node %s", interfaces.ErrInvalidMessage, sender.Short())
	}
	if nd.isInitializationConfirmed {
		return interfaces.ErrInvalidStateForRequest
	}
	nd.isInitializationConfirmed = true

	for _, nd := range s.nodes {
		if !nd.isInitializationConfirmed {
			return nil
		}
	}

	// everyone confirmed: new nodes get the common data and their absolute
	// term shares, then keys are disseminated to all
	s.state = ShareAddWaitingForKeysDissemination
	if err := s.disseminateCommonShareData(); err != nil {
		return err
	}
	if err := s.disseminateAbsoluteTermShares(); err != nil {
		return err
	}
	return s.disseminateKeys()
}

// OnCommonKeyShareData handles the key metadata sent by the master to new nodes.
func (s *ShareAddSession) OnCommonKeyShareData(sender interfaces.NodeID, msg *interfaces.KeyShareCommon) error {
	if sender != s.meta.MasterNodeID {
		return fmt.Errorf("%w: key share data from non-master node", interfaces.ErrInvalidMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case ShareAddWaitingForInitializationConfirm:
		s.state = ShareAddWaitingForAbsoluteTermShare
	case ShareAddWaitingForAbsoluteTermShare:
	default:
		return interfaces.ErrInvalidStateForRequest
	}

	if !s.nodes[s.meta.SelfNodeID].isNewNode {
		return fmt.Errorf("%w: key share data received on old node", interfaces.ErrInvalidMessage)
	}
	if s.author != nil {
		return interfaces.ErrInvalidStateForRequest
	}

	author := msg.Author
	s.author = &author
	s.commonPoint = msg.CommonPoint
	s.encryptedPoint = msg.EncryptedPoint

	return s.tryStartNewNodeDissemination()
}

// OnNewAbsoluteTerm handles an old node's absolute term share on a new node.
func (s *ShareAddSession) OnNewAbsoluteTerm(sender interfaces.NodeID, msg *interfaces.NewAbsoluteTermShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case ShareAddWaitingForInitializationConfirm:
		s.state = ShareAddWaitingForAbsoluteTermShare
	case ShareAddWaitingForAbsoluteTermShare:
	default:
		return interfaces.ErrInvalidStateForRequest
	}

	if !s.nodes[s.meta.SelfNodeID].isNewNode {
		return fmt.Errorf("%w: absolute term share received on old node", interfaces.ErrInvalidMessage)
	}

	nd, ok := s.nodes[sender]
	if !ok || nd.isNewNode {
		return fmt.Errorf("%w: absolute term share from %s", interfaces.ErrInvalidMessage, sender.Short())
	}
	if nd.absoluteTermShare != nil {
		return interfaces.ErrInvalidStateForRequest
	}
	share := msg.AbsoluteTermShare
	nd.absoluteTermShare = &share

	return s.tryStartNewNodeDissemination()
}

// tryStartNewNodeDissemination derives a new node's polynomial once the
// common key data and the absolute term shares of every old node arrived.
func (s *ShareAddSession) tryStartNewNodeDissemination() error {
	if s.author == nil {
		return nil
	}
	shares := make([]cryptoutils.Secret, 0, len(s.nodes))
	for _, nd := range s.nodes {
		if nd.isNewNode {
			continue
		}
		if nd.absoluteTermShare == nil {
			return nil
		}
		shares = append(shares, *nd.absoluteTermShare)
	}

	polynom1, err := cryptoutils.GenerateRandomPolynom(s.meta.Threshold)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrInternal, err)
	}
	polynom1[0] = cryptoutils.ComputeAdditionalPolynom1AbsoluteTerm(shares)
	s.refreshedPolynom1Sum = polynom1

	s.state = ShareAddWaitingForKeysDissemination
	return s.disseminateKeys()
}

// OnNewKeysDissemination handles refreshed keys from another participant.
func (s *ShareAddSession) OnNewKeysDissemination(sender interfaces.NodeID, msg *interfaces.NewKeysDissemination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case ShareAddWaitingForInitializationConfirm:
		// a new node cannot accept keys before it has its own polynomial
		if s.nodes[s.meta.SelfNodeID].isNewNode {
			return interfaces.ErrTooEarlyForRequest
		}
		s.state = ShareAddWaitingForKeysDissemination
	case ShareAddWaitingForAbsoluteTermShare:
		return interfaces.ErrTooEarlyForRequest
	case ShareAddWaitingForKeysDissemination:
	default:
		return interfaces.ErrInvalidStateForRequest
	}

	if len(msg.RefreshedPublics) != s.meta.Threshold+1 {
		return fmt.Errorf("%w: expected %d refreshed publics, got %d", interfaces.ErrInvalidMessage, s.meta.Threshold+1, len(msg.RefreshedPublics))
	}

	nd, ok := s.nodes[sender]
	if !ok {
		return fmt.Errorf("%w: keys from unknown node %s", interfaces.ErrInvalidMessage, sender.Short())
	}
	if nd.refreshedSecret1 != nil || nd.refreshedPublics != nil {
		return interfaces.ErrInvalidStateForRequest
	}
	secret1 := msg.RefreshedSecret1
	nd.refreshedSecret1 = &secret1
	nd.refreshedPublics = append([]cryptoutils.Public(nil), msg.RefreshedPublics...)

	// keys from the master tell an old node that initialization completed
	if !s.nodes[s.meta.SelfNodeID].isNewNode && sender == s.meta.MasterNodeID {
		if err := s.disseminateAbsoluteTermShares(); err != nil {
			return err
		}
		if err := s.disseminateKeys(); err != nil {
			return err
		}
	}

	for node, nd := range s.nodes {
		if node != s.meta.SelfNodeID && (nd.refreshedSecret1 == nil || nd.refreshedPublics == nil) {
			return nil
		}
	}

	if err := s.verifyKeys(); err != nil {
		return err
	}
	return s.completeSession()
}

// OnSessionError implements Session.
func (s *ShareAddSession) OnSessionError(sender interfaces.NodeID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == ShareAddFinished {
		return
	}

	if sender == s.meta.SelfNodeID {
		s.log.Warn("share add session failed", "err", err)
		for _, node := range s.participants() {
			if sendErr := s.send(node, &interfaces.ShareAddMessage{Error: &interfaces.ShareAddError{Error: err.Error()}}); sendErr != nil {
				s.log.Debug("could not report session error", slog.String("node", node.Short()), "err", sendErr)
			}
		}
	} else {
		s.log.Warn("share add session failed on peer", slog.String("peer", sender.Short()), "err", err)
	}

	s.state = ShareAddFinished
	s.result.finish(err)
}

// OnNodeError implements Session. Losing any participant aborts the session.
func (s *ShareAddSession) OnNodeError(node interfaces.NodeID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == ShareAddFinished {
		return
	}
	if _, isParticipant := s.nodes[node]; !isParticipant && node != s.meta.MasterNodeID {
		return
	}

	s.log.Warn("share add session failed because node is unreachable", slog.String("node", node.Short()), "err", err)
	s.state = ShareAddFinished
	s.result.finish(fmt.Errorf("%w: %s", interfaces.ErrNodeDisconnected, node.Short()))
}

// OnSessionTimeout implements Session.
func (s *ShareAddSession) OnSessionTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == ShareAddFinished {
		return
	}

	s.log.Warn("share add session failed with timeout", slog.String("state", s.state.String()))
	s.state = ShareAddFinished
	s.result.finish(fmt.Errorf("%w: session timed out", interfaces.ErrNodeDisconnected))
}

func (s *ShareAddSession) disseminateCommonShareData() error {
	common := &interfaces.KeyShareCommon{
		Author:         s.keyShare.Author,
		CommonPoint:    s.keyShare.CommonPoint,
		EncryptedPoint: s.keyShare.EncryptedPoint,
	}
	for _, node := range s.sortedNodes() {
		if !s.nodes[node].isNewNode {
			continue
		}
		if err := s.send(node, &interfaces.ShareAddMessage{KeyShareCommon: common}); err != nil {
			return err
		}
	}
	return nil
}

// disseminateAbsoluteTermShares refreshes an old node's polynomial with one
// random polynomial per new node and sends each absolute term to its new node.
func (s *ShareAddSession) disseminateAbsoluteTermShares() error {
	newNodes := make([]interfaces.NodeID, 0, len(s.nodes))
	for _, node := range s.sortedNodes() {
		if s.nodes[node].isNewNode {
			newNodes = append(newNodes, node)
		}
	}

	sum := append([]cryptoutils.Secret(nil), s.keyShare.Polynom1...)
	absoluteTerms := make([]cryptoutils.Secret, len(newNodes))
	for i := range newNodes {
		polynom, err := cryptoutils.GenerateRandomPolynom(s.meta.Threshold)
		if err != nil {
			return fmt.Errorf("%w: %w", interfaces.ErrInternal, err)
		}
		sum, err = cryptoutils.AddPolynoms(sum, polynom)
		if err != nil {
			return fmt.Errorf("%w: stored polynom1: %w", interfaces.ErrKeyStorage, err)
		}
		absoluteTerms[i] = polynom[0]
	}
	s.refreshedPolynom1Sum = sum

	for i, node := range newNodes {
		msg := &interfaces.ShareAddMessage{NewAbsoluteTermShare: &interfaces.NewAbsoluteTermShare{AbsoluteTermShare: absoluteTerms[i]}}
		if err := s.send(node, msg); err != nil {
			return err
		}
	}
	return nil
}

// disseminateKeys sends the refreshed polynomial evaluated at every other
// node's id number, with commitments to its coefficients. The evaluation at
// this node's own id number is kept locally.
func (s *ShareAddSession) disseminateKeys() error {
	publics := make([]cryptoutils.Public, len(s.refreshedPolynom1Sum))
	for i, coeff := range s.refreshedPolynom1Sum {
		publics[i] = cryptoutils.ComputePublicShare(coeff)
	}

	for _, node := range s.sortedNodes() {
		nd := s.nodes[node]
		secret1 := cryptoutils.ComputePolynom(s.refreshedPolynom1Sum, nd.idNumber)
		if node == s.meta.SelfNodeID {
			nd.refreshedSecret1 = &secret1
			nd.refreshedPublics = publics
			continue
		}
		msg := &interfaces.ShareAddMessage{NewKeysDissemination: &interfaces.NewKeysDissemination{
			RefreshedSecret1: secret1,
			RefreshedPublics: publics,
		}}
		if err := s.send(node, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *ShareAddSession) verifyKeys() error {
	idNumber := s.nodes[s.meta.SelfNodeID].idNumber
	for node, nd := range s.nodes {
		if node == s.meta.SelfNodeID {
			continue
		}
		ok, err := cryptoutils.RefreshedKeysVerification(s.meta.Threshold, idNumber, *nd.refreshedSecret1, nd.refreshedPublics)
		if err != nil {
			return fmt.Errorf("%w: keys from %s: %w", interfaces.ErrInvalidMessage, node.Short(), err)
		}
		if !ok {
			// no complaint round: an invalid contribution fails the session
			return fmt.Errorf("%w: keys from %s failed verification", interfaces.ErrInvalidMessage, node.Short())
		}
	}
	return nil
}

func (s *ShareAddSession) completeSession() error {
	share := &interfaces.DocumentKeyShare{
		Threshold: s.meta.Threshold,
		IDNumbers: make(map[interfaces.NodeID]cryptoutils.Secret, len(s.nodes)),
		Polynom1:  s.refreshedPolynom1Sum,
	}
	if s.keyShare != nil {
		share.Author = s.keyShare.Author
		share.CommonPoint = s.keyShare.CommonPoint
		share.EncryptedPoint = s.keyShare.EncryptedPoint
	} else {
		share.Author = *s.author
		share.CommonPoint = s.commonPoint
		share.EncryptedPoint = s.encryptedPoint
	}

	secrets := make([]cryptoutils.Secret, 0, len(s.nodes))
	for node, nd := range s.nodes {
		share.IDNumbers[node] = nd.idNumber
		secrets = append(secrets, *nd.refreshedSecret1)
	}
	share.SecretShare = cryptoutils.ComputeSecretShare(secrets)

	s.state = ShareAddFinished
	err := s.keyStorage.Insert(s.meta.ID, share)
	s.result.finish(err)
	if err != nil {
		return err
	}

	s.log.Info("share add session completed", slog.Int("nodes", len(share.IDNumbers)))
	return nil
}

func (s *ShareAddSession) send(to interfaces.NodeID, msg *interfaces.ShareAddMessage) error {
	msg.Session = s.meta.ID
	msg.SessionNonce = s.nonce
	if err := s.transport.Send(to, &interfaces.ClusterMessage{ShareAdd: msg}); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.Type(), to.Short(), err)
	}
	return nil
}

func (s *ShareAddSession) sortedNodes() []interfaces.NodeID {
	nodes := make([]interfaces.NodeID, 0, len(s.nodes))
	for node := range s.nodes {
		nodes = append(nodes, node)
	}
	interfaces.SortNodeIDs(nodes)
	return nodes
}

// participants returns every other node known to the session. Before
// initialization only the master is known.
func (s *ShareAddSession) participants() []interfaces.NodeID {
	if len(s.nodes) == 0 {
		if s.meta.IsMaster() {
			return nil
		}
		return []interfaces.NodeID{s.meta.MasterNodeID}
	}
	others := make([]interfaces.NodeID, 0, len(s.nodes))
	for _, node := range s.sortedNodes() {
		if node != s.meta.SelfNodeID {
			others = append(others, node)
		}
	}
	return others
}

// uniqueIDNumber draws a random id number that is not in used, and marks it used.
func uniqueIDNumber(used map[cryptoutils.Secret]struct{}) (cryptoutils.Secret, error) {
	for {
		idNumber, err := cryptoutils.GenerateRandomScalar()
		if err != nil {
			return cryptoutils.Secret{}, fmt.Errorf("%w: %w", interfaces.ErrInternal, err)
		}
		if _, taken := used[idNumber]; !taken {
			used[idNumber] = struct{}{}
			return idNumber, nil
		}
	}
}
