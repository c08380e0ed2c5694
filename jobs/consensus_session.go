package jobs

import (
	"fmt"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// ConsensusSessionState is the state of a ConsensusSession.
type ConsensusSessionState int

const (
	// WaitingForInitialization is the initial state of every node.
	WaitingForInitialization ConsensusSessionState = iota
	// EstablishingConsensus means the master is collecting confirmations.
	EstablishingConsensus
	// ConsensusEstablished means enough nodes confirmed. The master may
	// disseminate jobs, slaves wait for job requests.
	ConsensusEstablished
	// WaitingForPartialResults means the master waits for job responses.
	WaitingForPartialResults
	// ConsensusFinished means the computation completed.
	ConsensusFinished
	// ConsensusFailed means the session cannot complete.
	ConsensusFailed
)

// String returns the state name.
func (s ConsensusSessionState) String() string {
	switch s {
	case WaitingForInitialization:
		return "waiting_for_initialization"
	case EstablishingConsensus:
		return "establishing_consensus"
	case ConsensusEstablished:
		return "consensus_established"
	case WaitingForPartialResults:
		return "waiting_for_partial_results"
	case ConsensusFinished:
		return "finished"
	case ConsensusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConsensusSession first establishes a group of nodes that agree to take
// part (the consensus job) and then runs a computation job on threshold+1 of
// them. A node that fails during computation sends the master back to
// consensus establishment, from where the computation can be restarted on
// another group.
type ConsensusSession[ConsReq, CompReq, CompResp, CompRes any] struct {
	state          ConsensusSessionState
	meta           interfaces.SessionMeta
	consensusJob   *JobSession[ConsReq, bool, interfaces.NodeSet]
	consensusGroup []interfaces.NodeID
	computationJob *JobSession[CompReq, CompResp, CompRes]
}

// NewConsensusSession creates a session waiting for initialization.
func NewConsensusSession[ConsReq, CompReq, CompResp, CompRes any](
	meta interfaces.SessionMeta,
	consensusExecutor JobExecutor[ConsReq, bool, interfaces.NodeSet],
	consensusTransport JobTransport[ConsReq, bool],
) *ConsensusSession[ConsReq, CompReq, CompResp, CompRes] {
	return &ConsensusSession[ConsReq, CompReq, CompResp, CompRes]{
		state:        WaitingForInitialization,
		meta:         meta,
		consensusJob: NewJobSession(meta, consensusExecutor, consensusTransport),
	}
}

// State returns the current state.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) State() ConsensusSessionState {
	return s.state
}

// ConsensusJob returns the consensus establishing job.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) ConsensusJob() *JobSession[ConsReq, bool, interfaces.NodeSet] {
	return s.consensusJob
}

// ComputationJob returns the computation job, nil until jobs are disseminated.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) ComputationJob() *JobSession[CompReq, CompResp, CompRes] {
	return s.computationJob
}

// ConsensusNonRejectedNodes returns the other nodes that confirmed or have not
// answered yet.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) ConsensusNonRejectedNodes() interfaces.NodeSet {
	nodes := make(interfaces.NodeSet)
	for node, confirmed := range s.consensusJob.Responses() {
		if confirmed {
			nodes.Add(node)
		}
	}
	for node := range s.consensusJob.Requests() {
		nodes.Add(node)
	}
	nodes.Remove(s.meta.SelfNodeID)
	return nodes
}

// Result returns the computation result on the master.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) Result() (CompRes, error) {
	if s.state != ConsensusFinished || s.computationJob == nil {
		var zero CompRes
		return zero, fmt.Errorf("%w: consensus session is %s", interfaces.ErrInvalidStateForRequest, s.state)
	}
	return s.computationJob.Result()
}

// Initialize starts consensus establishment on the master.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) Initialize(nodes interfaces.NodeSet) error {
	_, err := s.consensusJob.Initialize(nodes, nil, false)
	s.state = EstablishingConsensus
	return s.processResult(err)
}

// OnConsensusPartialRequest processes the master's consensus request on a slave.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) OnConsensusPartialRequest(sender interfaces.NodeID, request ConsReq) error {
	_, err := s.consensusJob.OnPartialRequest(sender, request)
	return s.processResult(err)
}

// OnConsensusPartialResponse processes a slave's confirmation on the master.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) OnConsensusPartialResponse(sender interfaces.NodeID, confirmed bool) error {
	err := s.consensusJob.OnPartialResponse(sender, confirmed)
	return s.processResult(err)
}

// SelectConsensusGroup picks threshold+1 of the confirmed nodes, in node id
// order. The master is always part of the group when it confirmed itself.
// Repeated calls return the same group until jobs are disseminated.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) SelectConsensusGroup() (interfaces.NodeSet, error) {
	if s.state != ConsensusEstablished {
		return nil, interfaces.ErrInvalidStateForRequest
	}

	if len(s.consensusGroup) == 0 {
		confirmed, err := s.consensusJob.Result()
		if err != nil {
			return nil, err
		}

		group := make([]interfaces.NodeID, 0, s.meta.Threshold+1)
		if confirmed.Contains(s.meta.MasterNodeID) {
			group = append(group, s.meta.MasterNodeID)
		}
		for _, node := range confirmed.Sorted() {
			if len(group) == s.meta.Threshold+1 {
				break
			}
			if node != s.meta.MasterNodeID {
				group = append(group, node)
			}
		}
		s.consensusGroup = group
	}

	return interfaces.NewNodeSet(s.consensusGroup...), nil
}

// DisseminateJobs starts the computation job on the selected group.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) DisseminateJobs(executor JobExecutor[CompReq, CompResp, CompRes], transport JobTransport[CompReq, CompResp], broadcastSelfResponse bool) error {
	group, err := s.SelectConsensusGroup()
	if err != nil {
		return err
	}
	s.consensusGroup = nil

	s.computationJob = NewJobSession(s.meta, executor, transport)
	_, err = s.computationJob.Initialize(group, nil, broadcastSelfResponse)
	s.state = WaitingForPartialResults
	return s.processResult(err)
}

// OnJobRequest answers a computation request on a slave.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) OnJobRequest(sender interfaces.NodeID, request CompReq, executor JobExecutor[CompReq, CompResp, CompRes], transport JobTransport[CompReq, CompResp]) (PartialRequestAction[CompResp], error) {
	if sender != s.meta.MasterNodeID {
		return PartialRequestAction[CompResp]{}, fmt.Errorf("%w: job request from non-master node", interfaces.ErrInvalidMessage)
	}
	if s.state != ConsensusEstablished {
		return PartialRequestAction[CompResp]{}, interfaces.ErrInvalidStateForRequest
	}
	return NewJobSession(s.meta, executor, transport).OnPartialRequest(sender, request)
}

// OnJobResponse processes a computation response on the master.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) OnJobResponse(sender interfaces.NodeID, response CompResp) error {
	if s.state != WaitingForPartialResults {
		return interfaces.ErrInvalidStateForRequest
	}
	err := s.computationJob.OnPartialResponse(sender, response)
	return s.processResult(err)
}

// OnSessionCompleted marks a slave finished once the master reports completion.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) OnSessionCompleted(sender interfaces.NodeID) error {
	if sender != s.meta.MasterNodeID {
		return fmt.Errorf("%w: completion from non-master node", interfaces.ErrInvalidMessage)
	}
	if s.state != ConsensusEstablished {
		return interfaces.ErrInvalidStateForRequest
	}
	s.state = ConsensusFinished
	return nil
}

// OnNodeError handles an error from node. It returns true when the
// computation job has to be disseminated again on a new group.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) OnNodeError(node interfaces.NodeID, nodeErr error) (bool, error) {
	isSelfMaster := s.meta.IsMaster()
	isNodeMaster := node == s.meta.MasterNodeID

	restart := false
	var err error
	switch s.state {
	case WaitingForInitialization:
		if isSelfMaster || isNodeMaster {
			s.state = ConsensusFailed
			err = interfaces.ErrConsensusUnreachable
		}
	case EstablishingConsensus, ConsensusEstablished:
		err = s.consensusJob.OnNodeError(node, nodeErr)
	case WaitingForPartialResults:
		if computationErr := s.computationJob.OnNodeError(node, nodeErr); computationErr == nil {
			break
		}
		s.consensusGroup = nil
		s.state = EstablishingConsensus
		err = s.consensusJob.OnNodeError(node, nodeErr)
		restart = s.consensusJob.State() == Finished
	}

	if err := s.processResult(err); err != nil {
		return false, err
	}
	return restart, nil
}

// OnSessionTimeout handles a session timeout. While waiting for computation
// results, the nodes that did not answer are dropped and the master may
// restart on another group, signalled by a true return.
func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) OnSessionTimeout() (bool, error) {
	switch s.state {
	case WaitingForPartialResults:
	case ConsensusFinished, ConsensusFailed:
		return false, nil
	default:
		_ = s.consensusJob.OnSessionTimeout()
		s.consensusGroup = nil
		s.state = ConsensusFailed
		return false, interfaces.ErrConsensusUnreachable
	}

	timedOut := s.computationJob.Requests().Sorted()
	s.consensusGroup = nil
	for _, node := range timedOut {
		err := s.consensusJob.OnNodeError(node, interfaces.ErrNodeDisconnected)
		s.state = EstablishingConsensus
		if err := s.processResult(err); err != nil {
			return false, err
		}
	}

	return s.state == ConsensusEstablished, nil
}

func (s *ConsensusSession[ConsReq, CompReq, CompResp, CompRes]) processResult(err error) error {
	switch s.state {
	case WaitingForInitialization, EstablishingConsensus, ConsensusEstablished:
		switch s.consensusJob.State() {
		case Finished:
			s.state = ConsensusEstablished
		case Failed:
			s.state = ConsensusFailed
		}
	case WaitingForPartialResults:
		switch s.computationJob.State() {
		case Finished:
			s.state = ConsensusFinished
		case Failed:
			s.state = ConsensusFailed
		}
	}
	return err
}
