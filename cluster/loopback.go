package cluster

import (
	"fmt"
	"sync"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// MessageHandler accepts messages addressed to one node.
type MessageHandler interface {
	OnMessage(sender interfaces.NodeID, message *interfaces.ClusterMessage) error
}

// LoopbackNetwork connects in-process nodes. Every message goes through the
// wire codec. It is used by tests and single-process deployments.
type LoopbackNetwork struct {
	mu    sync.RWMutex
	nodes map[interfaces.NodeID]MessageHandler
	down  interfaces.NodeSet
}

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		nodes: make(map[interfaces.NodeID]MessageHandler),
		down:  interfaces.NewNodeSet(),
	}
}

// Register attaches the handler of node.
func (n *LoopbackNetwork) Register(node interfaces.NodeID, handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[node] = handler
}

// SetDown makes node unreachable, or reachable again.
func (n *LoopbackNetwork) SetDown(node interfaces.NodeID, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if down {
		n.down.Add(node)
	} else {
		n.down.Remove(node)
	}
}

// Transport returns the transport used by node from.
func (n *LoopbackNetwork) Transport(from interfaces.NodeID) interfaces.Transport {
	return interfaces.TransportFunc(func(to interfaces.NodeID, message *interfaces.ClusterMessage) error {
		n.mu.RLock()
		handler, found := n.nodes[to]
		isDown := n.down.Contains(to) || n.down.Contains(from)
		n.mu.RUnlock()

		if !found || isDown {
			return fmt.Errorf("%w: %s", interfaces.ErrNodeDisconnected, to.Short())
		}

		data, err := EncodeMessage(message)
		if err != nil {
			return err
		}
		decoded, err := DecodeMessage(data)
		if err != nil {
			return err
		}
		return handler.OnMessage(from, decoded)
	})
}
