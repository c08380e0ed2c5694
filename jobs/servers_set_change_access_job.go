package jobs

import (
	"fmt"

	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
)

// ServersSetChangeAccessRequest asks a node to approve a change of the
// servers set holding a key.
type ServersSetChangeAccessRequest struct {
	OldServersSet   interfaces.NodeSet
	NewServersSet   interfaces.NodeSet
	OldSetSignature cryptoutils.Signature
	NewSetSignature cryptoutils.Signature
}

// ServersSetChangeAccessJob checks that both the old and the new servers set
// were signed by the administrator. The job result is the set of nodes that
// confirmed.
type ServersSetChangeAccessJob struct {
	administrator cryptoutils.Public

	// master only
	oldServersSet   interfaces.NodeSet
	newServersSet   interfaces.NodeSet
	oldSetSignature cryptoutils.Signature
	newSetSignature cryptoutils.Signature

	// slave only: the share holders known locally
	currentServersSet interfaces.NodeSet
}

// NewServersSetChangeAccessJobOnMaster creates the master's executor.
func NewServersSetChangeAccessJobOnMaster(administrator cryptoutils.Public, oldServersSet, newServersSet interfaces.NodeSet, oldSetSignature, newSetSignature cryptoutils.Signature) *ServersSetChangeAccessJob {
	return &ServersSetChangeAccessJob{
		administrator:     administrator,
		oldServersSet:     oldServersSet,
		newServersSet:     newServersSet,
		oldSetSignature:   oldSetSignature,
		newSetSignature:   newSetSignature,
		currentServersSet: oldServersSet,
	}
}

// NewServersSetChangeAccessJobOnSlave creates a slave's executor. A request
// whose old set differs from currentServersSet is rejected.
func NewServersSetChangeAccessJobOnSlave(administrator cryptoutils.Public, currentServersSet interfaces.NodeSet) *ServersSetChangeAccessJob {
	return &ServersSetChangeAccessJob{
		administrator:     administrator,
		currentServersSet: currentServersSet,
	}
}

// NewServersSet returns the approved new set. On slaves it is known once the
// request was processed.
func (j *ServersSetChangeAccessJob) NewServersSet() interfaces.NodeSet {
	return j.newServersSet
}

// PreparePartialRequest implements JobExecutor.
func (j *ServersSetChangeAccessJob) PreparePartialRequest(interfaces.NodeID, interfaces.NodeSet) (ServersSetChangeAccessRequest, error) {
	if j.oldServersSet == nil || j.newServersSet == nil {
		return ServersSetChangeAccessRequest{}, fmt.Errorf("%w: servers sets are only known on master", interfaces.ErrInvalidStateForRequest)
	}
	return ServersSetChangeAccessRequest{
		OldServersSet:   j.oldServersSet,
		NewServersSet:   j.newServersSet,
		OldSetSignature: j.oldSetSignature,
		NewSetSignature: j.newSetSignature,
	}, nil
}

// ProcessPartialRequest implements JobExecutor.
func (j *ServersSetChangeAccessJob) ProcessPartialRequest(request ServersSetChangeAccessRequest) (PartialRequestAction[bool], error) {
	oldSigner, err := cryptoutils.RecoverPublic(OrderedNodesHash(request.OldServersSet), request.OldSetSignature)
	if err != nil {
		return PartialRequestAction[bool]{}, fmt.Errorf("%w: old set signature: %w", interfaces.ErrInvalidMessage, err)
	}
	newSigner, err := cryptoutils.RecoverPublic(OrderedNodesHash(request.NewServersSet), request.NewSetSignature)
	if err != nil {
		return PartialRequestAction[bool]{}, fmt.Errorf("%w: new set signature: %w", interfaces.ErrInvalidMessage, err)
	}

	j.newServersSet = request.NewServersSet

	isAdministrator := oldSigner == j.administrator && newSigner == j.administrator
	isKnownOldSet := j.currentServersSet == nil || j.currentServersSet.Equal(request.OldServersSet)
	if !isAdministrator || !isKnownOldSet {
		return RejectWith(false), nil
	}
	return Respond(true), nil
}

// CheckPartialResponse implements JobExecutor.
func (j *ServersSetChangeAccessJob) CheckPartialResponse(_ interfaces.NodeID, confirmed bool) (PartialResponseAction, error) {
	if confirmed {
		return Accept, nil
	}
	return Reject, nil
}

// ComputeResponse implements JobExecutor.
func (j *ServersSetChangeAccessJob) ComputeResponse(responses map[interfaces.NodeID]bool) (interfaces.NodeSet, error) {
	nodes := make(interfaces.NodeSet, len(responses))
	for node := range responses {
		nodes.Add(node)
	}
	return nodes, nil
}

// OrderedNodesHash is the keccak256 hash of the node ids concatenated in
// ascending order. The administrator signs it to authorize a servers set.
func OrderedNodesHash(nodes interfaces.NodeSet) [32]byte {
	sorted := nodes.Sorted()
	data := make([][]byte, len(sorted))
	for i := range sorted {
		data[i] = sorted[i][:]
	}
	return cryptoutils.Keccak256(data...)
}

// ServersSetChangeConsensusMeta derives the consensus parameters for a servers
// set change: every node of allNodes has to confirm.
func ServersSetChangeConsensusMeta(meta interfaces.SessionMeta, allNodes interfaces.NodeSet) interfaces.SessionMeta {
	meta.Threshold = len(allNodes) - 1
	meta.ConfiguredNodesCount = len(allNodes)
	meta.ConnectedNodesCount = len(allNodes)
	return meta
}

// Unused fills the computation type parameters of a consensus session that
// never disseminates jobs.
type Unused struct{}

// ServersSetChangeConsensusSession is the consensus session used by the
// administrative sessions.
type ServersSetChangeConsensusSession = ConsensusSession[ServersSetChangeAccessRequest, Unused, Unused, Unused]

// NewServersSetChangeConsensusSession creates a consensus session over the
// servers set change access job.
func NewServersSetChangeConsensusSession(meta interfaces.SessionMeta, job *ServersSetChangeAccessJob, transport JobTransport[ServersSetChangeAccessRequest, bool]) *ServersSetChangeConsensusSession {
	return NewConsensusSession[ServersSetChangeAccessRequest, Unused, Unused, Unused](meta, job, transport)
}
