package jobs

import (
	"fmt"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// PartialResponseAction is the master's verdict on a partial response.
type PartialResponseAction int

const (
	// Ignore drops the response without counting it.
	Ignore PartialResponseAction = iota
	// Reject counts the sender as a fatal reject.
	Reject
	// Accept counts the response towards the quorum.
	Accept
)

// String returns the action name.
func (a PartialResponseAction) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case Reject:
		return "reject"
	case Accept:
		return "accept"
	default:
		return "unknown"
	}
}

// PartialRequestAction is the slave's verdict on a partial request. The
// response is sent back to the master either way.
type PartialRequestAction[Resp any] struct {
	IsReject bool
	Response Resp
}

// Respond builds an accepting PartialRequestAction.
func Respond[Resp any](response Resp) PartialRequestAction[Resp] {
	return PartialRequestAction[Resp]{Response: response}
}

// RejectWith builds a rejecting PartialRequestAction.
func RejectWith[Resp any](response Resp) PartialRequestAction[Resp] {
	return PartialRequestAction[Resp]{IsReject: true, Response: response}
}

// JobExecutor implements the job specific parts of a JobSession.
type JobExecutor[Req, Resp, Res any] interface {
	// PreparePartialRequest builds the request sent to node.
	PreparePartialRequest(node interfaces.NodeID, nodes interfaces.NodeSet) (Req, error)

	// ProcessPartialRequest computes the slave's answer.
	ProcessPartialRequest(request Req) (PartialRequestAction[Resp], error)

	// CheckPartialResponse classifies a response received by the master.
	CheckPartialResponse(sender interfaces.NodeID, response Resp) (PartialResponseAction, error)

	// ComputeResponse aggregates accepted responses. It must not depend on
	// the order in which responses arrived.
	ComputeResponse(responses map[interfaces.NodeID]Resp) (Res, error)
}

// JobTransport delivers partial requests and responses.
type JobTransport[Req, Resp any] interface {
	SendPartialRequest(node interfaces.NodeID, request Req) error
	SendPartialResponse(node interfaces.NodeID, response Resp) error
}

// JobSessionState is the state of a JobSession.
type JobSessionState int

const (
	// Inactive sessions were not yet initialized or asked.
	Inactive JobSessionState = iota
	// Active sessions wait for responses.
	Active
	// Finished sessions have enough responses, or answered a request.
	Finished
	// Failed sessions cannot produce a result.
	Failed
)

// String returns the state name.
func (s JobSessionState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobSession runs one round of partial requests on a set of nodes and
// collects threshold+1 accepted responses. It is not safe for concurrent use;
// the owning session serializes access.
type JobSession[Req, Resp, Res any] struct {
	meta      interfaces.SessionMeta
	executor  JobExecutor[Req, Resp, Res]
	transport JobTransport[Req, Resp]

	state JobSessionState
	// master only, set on Initialize
	requests  interfaces.NodeSet
	rejects   map[interfaces.NodeID]bool
	responses map[interfaces.NodeID]Resp
}

// NewJobSession creates an Inactive job session.
func NewJobSession[Req, Resp, Res any](meta interfaces.SessionMeta, executor JobExecutor[Req, Resp, Res], transport JobTransport[Req, Resp]) *JobSession[Req, Resp, Res] {
	return &JobSession[Req, Resp, Res]{
		meta:      meta,
		executor:  executor,
		transport: transport,
		state:     Inactive,
	}
}

// Meta returns the session metadata.
func (j *JobSession[Req, Resp, Res]) Meta() interfaces.SessionMeta {
	return j.meta
}

// Executor returns the job executor.
func (j *JobSession[Req, Resp, Res]) Executor() JobExecutor[Req, Resp, Res] {
	return j.executor
}

// Transport returns the job transport.
func (j *JobSession[Req, Resp, Res]) Transport() JobTransport[Req, Resp] {
	return j.transport
}

// State returns the current state.
func (j *JobSession[Req, Resp, Res]) State() JobSessionState {
	return j.state
}

// Requests returns the nodes that have not answered yet.
func (j *JobSession[Req, Resp, Res]) Requests() interfaces.NodeSet {
	return j.requests
}

// Rejects returns the nodes that rejected, mapped to whether the reject is fatal.
func (j *JobSession[Req, Resp, Res]) Rejects() map[interfaces.NodeID]bool {
	return j.rejects
}

// Responses returns the accepted responses.
func (j *JobSession[Req, Resp, Res]) Responses() map[interfaces.NodeID]Resp {
	return j.responses
}

// IsResultReady reports whether threshold+1 responses were accepted.
func (j *JobSession[Req, Resp, Res]) IsResultReady() bool {
	return len(j.responses) >= j.meta.Threshold+1
}

// Result computes the job result from the accepted responses.
func (j *JobSession[Req, Resp, Res]) Result() (Res, error) {
	if j.state != Finished {
		var zero Res
		return zero, fmt.Errorf("%w: job is %s", interfaces.ErrInvalidStateForRequest, j.state)
	}
	return j.executor.ComputeResponse(j.responses)
}

// Initialize starts the job on the master. When selfResponse is nil and the
// master is one of nodes, the master answers its own request first. The
// returned response is the master's own answer, if any.
func (j *JobSession[Req, Resp, Res]) Initialize(nodes interfaces.NodeSet, selfResponse *Resp, broadcastSelfResponse bool) (*Resp, error) {
	if !j.meta.IsMaster() {
		return nil, fmt.Errorf("%w: only master initializes jobs", interfaces.ErrInvalidStateForRequest)
	}
	if len(nodes) < j.meta.Threshold+1 {
		if j.meta.ConfiguredNodesCount < j.meta.Threshold+1 {
			return nil, interfaces.ErrConsensusUnreachable
		}
		return nil, interfaces.ErrConsensusTemporaryUnreachable
	}
	if j.state != Inactive {
		return nil, interfaces.ErrInvalidStateForRequest
	}

	j.requests = nodes.Clone()
	j.rejects = make(map[interfaces.NodeID]bool)
	j.responses = make(map[interfaces.NodeID]Resp)

	if selfResponse == nil && j.requests.Contains(j.meta.SelfNodeID) {
		request, err := j.executor.PreparePartialRequest(j.meta.SelfNodeID, j.requests)
		if err != nil {
			return nil, err
		}
		action, err := j.executor.ProcessPartialRequest(request)
		if err != nil {
			return nil, err
		}
		selfResponse = &action.Response
	}

	j.state = Active
	if selfResponse != nil {
		if err := j.OnPartialResponse(j.meta.SelfNodeID, *selfResponse); err != nil {
			return nil, err
		}
	}

	for _, node := range nodes.Sorted() {
		if node == j.meta.SelfNodeID {
			continue
		}
		if j.state == Active {
			request, err := j.executor.PreparePartialRequest(node, nodes)
			if err != nil {
				return nil, err
			}
			if err := j.transport.SendPartialRequest(node, request); err != nil {
				return nil, err
			}
		}
		if broadcastSelfResponse && selfResponse != nil {
			if err := j.transport.SendPartialResponse(node, *selfResponse); err != nil {
				return nil, err
			}
		}
	}

	return selfResponse, nil
}

// OnPartialRequest processes the master's request on a slave. A finished
// slave still answers repeated requests.
func (j *JobSession[Req, Resp, Res]) OnPartialRequest(sender interfaces.NodeID, request Req) (PartialRequestAction[Resp], error) {
	var zero PartialRequestAction[Resp]
	if sender != j.meta.MasterNodeID {
		return zero, fmt.Errorf("%w: partial request from non-master node", interfaces.ErrInvalidMessage)
	}
	if j.meta.IsMaster() {
		return zero, fmt.Errorf("%w: partial request received by master", interfaces.ErrInvalidMessage)
	}
	if j.state != Inactive && j.state != Finished {
		return zero, interfaces.ErrInvalidStateForRequest
	}

	action, err := j.executor.ProcessPartialRequest(request)
	if err != nil {
		return zero, err
	}
	if action.IsReject {
		j.state = Failed
	} else {
		j.state = Finished
	}

	if err := j.transport.SendPartialResponse(sender, action.Response); err != nil {
		return zero, err
	}
	return action, nil
}

// OnPartialResponse processes a slave's response on the master.
func (j *JobSession[Req, Resp, Res]) OnPartialResponse(sender interfaces.NodeID, response Resp) error {
	if !j.meta.IsMaster() {
		return fmt.Errorf("%w: partial response received by slave", interfaces.ErrInvalidMessage)
	}
	if j.state != Active && j.state != Finished {
		return interfaces.ErrInvalidStateForRequest
	}
	if !j.requests.Remove(sender) {
		return interfaces.ErrInvalidNodeForRequest
	}

	action, err := j.executor.CheckPartialResponse(sender, response)
	if err != nil {
		return err
	}
	switch action {
	case Reject:
		j.rejects[sender] = true
		if len(j.requests)+len(j.responses) >= j.meta.Threshold+1 {
			return nil
		}
		j.state = Failed
		return consensusUnreachable(j.rejects)
	case Accept:
		j.responses[sender] = response
		if len(j.responses) < j.meta.Threshold+1 {
			return nil
		}
		j.state = Finished
		return nil
	default:
		return nil
	}
}

// OnNodeError handles a disconnect or error report from node.
func (j *JobSession[Req, Resp, Res]) OnNodeError(node interfaces.NodeID, nodeErr error) error {
	if !j.meta.IsMaster() {
		if node != j.meta.MasterNodeID {
			return nil
		}
		j.state = Failed
		if interfaces.IsNonFatal(nodeErr) {
			return interfaces.ErrConsensusTemporaryUnreachable
		}
		return interfaces.ErrConsensusUnreachable
	}

	if j.requests == nil {
		return nil
	}
	if _, rejected := j.rejects[node]; rejected {
		return nil
	}

	_, responded := j.responses[node]
	if !j.requests.Remove(node) && !responded {
		return nil
	}
	delete(j.responses, node)
	j.rejects[node] = !interfaces.IsNonFatal(nodeErr)

	if j.state == Finished && len(j.responses) < j.meta.Threshold+1 {
		j.state = Active
	}
	if len(j.requests)+len(j.responses) >= j.meta.Threshold+1 {
		return nil
	}

	j.state = Failed
	return consensusUnreachable(j.rejects)
}

// OnSessionTimeout fails any session that is not already terminal.
func (j *JobSession[Req, Resp, Res]) OnSessionTimeout() error {
	if j.state == Finished || j.state == Failed {
		return nil
	}
	j.state = Failed
	return interfaces.ErrConsensusTemporaryUnreachable
}

// consensusUnreachable escalates to ErrConsensusUnreachable when at least half
// of the rejects are fatal.
func consensusUnreachable(rejects map[interfaces.NodeID]bool) error {
	fatal := 0
	for _, isFatal := range rejects {
		if isFatal {
			fatal++
		}
	}
	if fatal >= len(rejects)/2 {
		return interfaces.ErrConsensusUnreachable
	}
	return interfaces.ErrConsensusTemporaryUnreachable
}
