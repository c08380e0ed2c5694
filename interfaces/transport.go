package interfaces

// Transport delivers cluster messages to a single peer. Delivery failures are
// returned synchronously; retries are the transport's concern.
type Transport interface {
	Send(to NodeID, message *ClusterMessage) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(to NodeID, message *ClusterMessage) error

// Send calls f.
func (f TransportFunc) Send(to NodeID, message *ClusterMessage) error {
	return f(to, message)
}
