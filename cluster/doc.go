/*
Package cluster runs the administrative sessions of a key server and moves
their messages between nodes.

A Cluster keeps one registry entry per (session kind, key id). The master
creates the entry when an administrator starts a session; slaves create
theirs on the master's initialization message. Each entry owns a FIFO inbox
drained on a shared worker pool, so messages of one session are handled one
at a time in arrival order while unrelated sessions progress in parallel.
Messages a session is not ready for are redelivered after a short delay.

Finished sessions leave the registry and their results are kept in a
bounded cache for status queries.

Messages are encoded as canonical CBOR. HTTPTransport signs the encoded body
together with the recipient id using the node key; the receiving side
recovers the sender from the signature with DecodeSignedMessage.
LoopbackNetwork connects nodes living in one process.
*/
package cluster
