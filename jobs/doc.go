// Package jobs implements the quorum primitives the administrative sessions
// are built on.
//
// JobSession runs a single round: the master sends a partial request to every
// chosen node, classifies each partial response (accept, reject or ignore)
// and finishes once threshold+1 responses were accepted. Rejects and node
// errors are tracked per node so that the master can tell a permanently
// unreachable quorum (ErrConsensusUnreachable) from a transient gap
// (ErrConsensusTemporaryUnreachable).
//
// ConsensusSession layers two jobs: the consensus job establishes the nodes
// willing to take part, and the computation job runs on threshold+1 of them.
//
// ServersSetChangeAccessJob is the consensus executor for servers set changes:
// a node confirms only when the administrator signed both the old and the new
// set.
package jobs
