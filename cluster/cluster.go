package cluster

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"

	"github.com/ruteri/secret-store-cluster/adminsessions"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/metrics"
)

const (
	DefaultSessionTimeout  = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Second
	DefaultWorkers         = 8
	DefaultRequeueDelay    = 50 * time.Millisecond
	DefaultMaxRequeues     = 200

	completedSessionsCacheSize = 1024
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session is already running")
	ErrStopped         = errors.New("cluster is stopped")

	errSessionFinished = fmt.Errorf("%w: session already finished", interfaces.ErrInvalidStateForRequest)
)

// Config configures the session runtime of a key server.
type Config struct {
	// Self is the id of the local node.
	Self interfaces.NodeID
	// AdminPublic authorizes servers set changes. Without it administrative
	// sessions cannot be started or joined.
	AdminPublic *cryptoutils.Public

	SessionTimeout  time.Duration
	CleanupInterval time.Duration
	Workers         int
	// RequeueDelay and MaxRequeues control redelivery of messages that
	// arrived before the session could handle them.
	RequeueDelay time.Duration
	MaxRequeues  int
}

func (c *Config) setDefaults() {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.RequeueDelay == 0 {
		c.RequeueDelay = DefaultRequeueDelay
	}
	if c.MaxRequeues == 0 {
		c.MaxRequeues = DefaultMaxRequeues
	}
}

// SessionStatus describes an active or recently completed session.
type SessionStatus struct {
	Kind      interfaces.SessionKind `json:"kind"`
	ID        interfaces.SessionID   `json:"id"`
	Master    interfaces.NodeID      `json:"master"`
	IsMaster  bool                   `json:"is_master"`
	State     string                 `json:"state"`
	Finished  bool                   `json:"finished"`
	Error     string                 `json:"error,omitempty"`
	StartedAt time.Time              `json:"started_at"`

	err error
}

// Err returns the result of a finished session.
func (s SessionStatus) Err() error {
	return s.err
}

type sessionKey struct {
	kind interfaces.SessionKind
	id   interfaces.SessionID
}

type inboundMessage struct {
	sender   interfaces.NodeID
	message  *interfaces.ClusterMessage
	attempts int
}

type sessionEntry struct {
	session   adminsessions.Session
	master    interfaces.NodeID
	startedAt time.Time

	// guarded by Cluster.mu
	inbox    []inboundMessage
	draining bool
	removed  bool
}

// Cluster runs the administrative sessions of a key server. Messages of one
// session are processed in arrival order, different sessions in parallel.
type Cluster struct {
	cfg        Config
	keyStorage interfaces.KeyStorage
	serverSet  interfaces.KeyServerSet
	transport  interfaces.Transport
	metrics    *metrics.ClusterMetrics
	log        *slog.Logger

	pool    *workerpool.WorkerPool
	nonces  atomic.Uint64
	stopped atomic.Bool

	mu         sync.Mutex
	sessions   map[sessionKey]*sessionEntry
	completed  *lru.Cache[sessionKey, SessionStatus]
	knownNodes interfaces.NodeSet
}

// New creates a cluster runtime. A nil metrics collects into an unregistered
// set of collectors.
func New(cfg Config, keyStorage interfaces.KeyStorage, serverSet interfaces.KeyServerSet, transport interfaces.Transport, clusterMetrics *metrics.ClusterMetrics, log *slog.Logger) (*Cluster, error) {
	cfg.setDefaults()

	completed, err := lru.New[sessionKey, SessionStatus](completedSessionsCacheSize)
	if err != nil {
		return nil, err
	}
	if clusterMetrics == nil {
		clusterMetrics = metrics.NewClusterMetrics("", nil)
	}

	c := &Cluster{
		cfg:        cfg,
		keyStorage: keyStorage,
		serverSet:  serverSet,
		metrics:    clusterMetrics,
		log:        log.With(slog.String("node", cfg.Self.Short())),
		pool:       workerpool.New(cfg.Workers),
		sessions:   make(map[sessionKey]*sessionEntry),
		completed:  completed,
		knownNodes: knownNodes(serverSet.Snapshot()),
	}
	c.transport = &meteredTransport{inner: transport, metrics: clusterMetrics}

	// nonces must not repeat across restarts
	seed := uuid.New()
	c.nonces.Store(binary.BigEndian.Uint64(seed[:8]))
	return c, nil
}

// Self returns the id of the local node.
func (c *Cluster) Self() interfaces.NodeID {
	return c.cfg.Self
}

// IsKnownNode reports whether node is part of any key server set.
func (c *Cluster) IsKnownNode(node interfaces.NodeID) bool {
	return knownNodes(c.serverSet.Snapshot()).Contains(node)
}

// ServerSet returns the current key server set view.
func (c *Cluster) ServerSet() interfaces.KeyServerSetSnapshot {
	return c.serverSet.Snapshot()
}

// OnMessage queues a message for its session. Slave sessions are created on
// the master's initialization message; other messages for unknown sessions
// are rejected, except error reports which are dropped.
func (c *Cluster) OnMessage(sender interfaces.NodeID, message *interfaces.ClusterMessage) error {
	if err := message.Validate(); err != nil {
		c.metrics.MessageReceived("Invalid", err)
		return err
	}
	key := sessionKey{kind: message.Kind(), id: message.SessionID()}

	for attempt := 0; ; attempt++ {
		entry, err := c.sessionFor(key, sender, message)
		if err != nil || entry == nil {
			return err
		}
		err = c.enqueue(key, entry, inboundMessage{sender: sender, message: message})
		// the session finished in between, a new one may take the message
		if errors.Is(err, errSessionFinished) && attempt == 0 {
			continue
		}
		return err
	}
}

// sessionFor returns the registered session of key, creating a slave session
// for initialization messages. A nil entry means the message is dropped.
func (c *Cluster) sessionFor(key sessionKey, sender interfaces.NodeID, message *interfaces.ClusterMessage) (*sessionEntry, error) {
	c.mu.Lock()
	entry, found := c.sessions[key]
	c.mu.Unlock()
	if found {
		return entry, nil
	}

	switch {
	case isErrorMessage(message):
		c.log.Debug("dropping error for unknown session", slog.String("session", key.id.String()), slog.String("sender", sender.Short()))
		return nil, nil
	case !isInitializationMessage(message):
		err := fmt.Errorf("%w: no active %s session %s", interfaces.ErrInvalidMessage, key.kind, key.id)
		c.metrics.MessageReceived(message.String(), err)
		return nil, err
	}

	session, err := c.createSlaveSession(sender, message)
	if err != nil {
		c.log.Warn("failed to create session", slog.String("session", key.id.String()), slog.String("kind", string(key.kind)), "err", err)
		c.metrics.MessageReceived(message.String(), err)
		return nil, err
	}
	entry = &sessionEntry{session: session, master: sender, startedAt: time.Now()}
	entry, _ = c.register(key, entry)
	return entry, nil
}

// register adds a session unless one with the same key raced it in.
func (c *Cluster) register(key sessionKey, entry *sessionEntry) (*sessionEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, found := c.sessions[key]; found {
		return existing, false
	}
	c.sessions[key] = entry
	c.metrics.SessionStarted(key.kind, entry.master == c.cfg.Self)
	return entry, true
}

func (c *Cluster) enqueue(key sessionKey, entry *sessionEntry, in inboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped.Load() {
		return ErrStopped
	}
	if entry.removed {
		return fmt.Errorf("%w: %s %s", errSessionFinished, key.kind, key.id)
	}

	entry.inbox = append(entry.inbox, in)
	if !entry.draining {
		entry.draining = true
		c.pool.Submit(func() { c.drain(key, entry) })
	}
	return nil
}

func (c *Cluster) drain(key sessionKey, entry *sessionEntry) {
	for {
		c.mu.Lock()
		if len(entry.inbox) == 0 {
			entry.draining = false
			c.mu.Unlock()
			return
		}
		in := entry.inbox[0]
		entry.inbox = entry.inbox[1:]
		c.mu.Unlock()

		c.process(key, entry, in)
	}
}

func (c *Cluster) process(key sessionKey, entry *sessionEntry, in inboundMessage) {
	err := entry.session.ProcessMessage(in.sender, in.message)
	c.metrics.MessageReceived(in.message.String(), err)

	switch {
	case err == nil:
	case errors.Is(err, interfaces.ErrTooEarlyForRequest) && in.attempts < c.cfg.MaxRequeues:
		in.attempts++
		time.AfterFunc(c.cfg.RequeueDelay, func() {
			if err := c.enqueue(key, entry, in); err != nil {
				c.log.Debug("dropping delayed message", slog.String("message", in.message.String()), "err", err)
			}
		})
	case errors.Is(err, interfaces.ErrReplayProtection):
		// leftovers of an earlier session over the same key
		c.log.Debug("dropping message of another session", slog.String("message", in.message.String()), slog.String("sender", in.sender.Short()), "err", err)
	default:
		c.log.Warn("failed to process message",
			slog.String("session", key.id.String()),
			slog.String("message", in.message.String()),
			slog.String("sender", in.sender.Short()),
			"err", err)
		entry.session.OnSessionError(c.cfg.Self, err)
	}

	c.finalizeIfFinished(key, entry)
}

// finalizeIfFinished moves a finished session from the registry to the
// completed cache.
func (c *Cluster) finalizeIfFinished(key sessionKey, entry *sessionEntry) {
	if !entry.session.IsFinished() {
		return
	}
	// finished sessions return immediately
	result := entry.session.Wait(context.Background())

	c.mu.Lock()
	if entry.removed {
		c.mu.Unlock()
		return
	}
	entry.removed = true
	leftover := entry.inbox
	entry.inbox = nil
	if c.sessions[key] == entry {
		delete(c.sessions, key)
	}
	c.mu.Unlock()

	c.completed.Add(key, c.statusOf(key, entry))
	c.metrics.SessionCompleted(key.kind, result)

	// a new session over the same key may already be initializing
	for _, in := range leftover {
		if err := c.OnMessage(in.sender, in.message); err != nil {
			c.log.Debug("dropping message of finished session", slog.String("message", in.message.String()), slog.String("sender", in.sender.Short()), "err", err)
		}
	}

	if result != nil {
		c.log.Info("session failed", slog.String("session", key.id.String()), slog.String("kind", string(key.kind)), "err", result)
	} else {
		c.log.Info("session completed", slog.String("session", key.id.String()), slog.String("kind", string(key.kind)))
	}
}

func (c *Cluster) statusOf(key sessionKey, entry *sessionEntry) SessionStatus {
	status := SessionStatus{
		Kind:      key.kind,
		ID:        key.id,
		Master:    entry.master,
		IsMaster:  entry.master == c.cfg.Self,
		State:     entry.session.State(),
		Finished:  entry.session.IsFinished(),
		StartedAt: entry.startedAt,
	}
	if status.Finished {
		status.err = entry.session.Wait(context.Background())
		if status.err != nil {
			status.Error = status.err.Error()
		}
	}
	return status
}

func (c *Cluster) createSlaveSession(master interfaces.NodeID, message *interfaces.ClusterMessage) (adminsessions.Session, error) {
	switch {
	case message.ShareAdd != nil:
		init := message.ShareAdd.InitializeSession
		return adminsessions.NewShareAddSession(adminsessions.ShareAddSessionParams{
			Meta: interfaces.SessionMeta{
				ID:                   message.ShareAdd.Session,
				MasterNodeID:         master,
				SelfNodeID:           c.cfg.Self,
				Threshold:            init.Threshold,
				ConfiguredNodesCount: len(init.Nodes),
				ConnectedNodesCount:  len(init.Nodes),
			},
			Nonce:       message.ShareAdd.SessionNonce,
			Transport:   c.transport,
			KeyStorage:  c.keyStorage,
			AdminPublic: c.cfg.AdminPublic,
			Log:         c.log,
		})
	case message.ShareRemove != nil:
		keyShare, err := c.keyStorage.Get(message.ShareRemove.Session)
		if err != nil {
			return nil, err
		}
		return adminsessions.NewShareRemoveSession(adminsessions.ShareRemoveSessionParams{
			Meta: interfaces.SessionMeta{
				ID:                   message.ShareRemove.Session,
				MasterNodeID:         master,
				SelfNodeID:           c.cfg.Self,
				Threshold:            keyShare.Threshold,
				ConfiguredNodesCount: len(keyShare.IDNumbers),
				ConnectedNodesCount:  len(keyShare.IDNumbers),
			},
			Nonce:       message.ShareRemove.SessionNonce,
			Transport:   c.transport,
			KeyStorage:  c.keyStorage,
			AdminPublic: c.cfg.AdminPublic,
			Log:         c.log,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported session kind", interfaces.ErrInvalidMessage)
	}
}

// StartShareAdd starts a share add session on this node as master.
// oldSetSignature and newSetSignature are the administrator's signatures over
// the ordered hashes of the current and the resulting share holders. Every
// participant checks them before confirming.
func (c *Cluster) StartShareAdd(id interfaces.SessionID, nodesToAdd interfaces.NodeSet, oldSetSignature, newSetSignature cryptoutils.Signature) (SessionStatus, error) {
	keyShare, err := c.keyStorage.Get(id)
	if err != nil {
		return SessionStatus{}, err
	}
	if err := c.checkKnownNodes(nodesToAdd); err != nil {
		return SessionStatus{}, err
	}

	session, err := adminsessions.NewShareAddSession(adminsessions.ShareAddSessionParams{
		Meta:        c.masterMeta(id, keyShare.Threshold, len(keyShare.IDNumbers)+len(nodesToAdd)),
		Nonce:       c.nonces.Inc(),
		Transport:   c.transport,
		KeyStorage:  c.keyStorage,
		AdminPublic: c.cfg.AdminPublic,
		Log:         c.log,
	})
	if err != nil {
		return SessionStatus{}, err
	}

	return c.startMaster(sessionKey{kind: interfaces.ShareAddSessionKind, id: id}, session, func() error {
		return session.Initialize(nodesToAdd, oldSetSignature, newSetSignature)
	})
}

// StartShareRemove starts a share remove session on this node as master.
// Every share holder checks the administrator's signatures over the old and
// the new set before removing anything.
func (c *Cluster) StartShareRemove(id interfaces.SessionID, sharesToRemove interfaces.NodeSet, oldSetSignature, newSetSignature cryptoutils.Signature) (SessionStatus, error) {
	keyShare, err := c.keyStorage.Get(id)
	if err != nil {
		return SessionStatus{}, err
	}

	session, err := adminsessions.NewShareRemoveSession(adminsessions.ShareRemoveSessionParams{
		Meta:        c.masterMeta(id, keyShare.Threshold, len(keyShare.IDNumbers)),
		Nonce:       c.nonces.Inc(),
		Transport:   c.transport,
		KeyStorage:  c.keyStorage,
		AdminPublic: c.cfg.AdminPublic,
		Log:         c.log,
	})
	if err != nil {
		return SessionStatus{}, err
	}

	return c.startMaster(sessionKey{kind: interfaces.ShareRemoveSessionKind, id: id}, session, func() error {
		return session.Initialize(sharesToRemove, &oldSetSignature, &newSetSignature)
	})
}

func (c *Cluster) startMaster(key sessionKey, session adminsessions.Session, initialize func() error) (SessionStatus, error) {
	if c.stopped.Load() {
		return SessionStatus{}, ErrStopped
	}

	entry := &sessionEntry{session: session, master: c.cfg.Self, startedAt: time.Now()}
	if _, registered := c.register(key, entry); !registered {
		return SessionStatus{}, fmt.Errorf("%w: %s %s", ErrSessionExists, key.kind, key.id)
	}

	err := initialize()
	if err != nil {
		c.log.Warn("failed to initialize session", slog.String("session", key.id.String()), slog.String("kind", string(key.kind)), "err", err)
		session.OnSessionError(c.cfg.Self, err)
	}
	c.finalizeIfFinished(key, entry)
	return c.statusOf(key, entry), err
}

func (c *Cluster) masterMeta(id interfaces.SessionID, threshold, nodesCount int) interfaces.SessionMeta {
	return interfaces.SessionMeta{
		ID:                   id,
		MasterNodeID:         c.cfg.Self,
		SelfNodeID:           c.cfg.Self,
		Threshold:            threshold,
		ConfiguredNodesCount: nodesCount,
		ConnectedNodesCount:  nodesCount,
	}
}

func (c *Cluster) checkKnownNodes(nodes interfaces.NodeSet) error {
	known := knownNodes(c.serverSet.Snapshot())
	for node := range nodes {
		if !known.Contains(node) {
			return fmt.Errorf("%w: node %s is not a key server", interfaces.ErrInvalidNodesConfiguration, node.Short())
		}
	}
	return nil
}

// SessionStatus returns the status of an active or recently completed session.
func (c *Cluster) SessionStatus(kind interfaces.SessionKind, id interfaces.SessionID) (SessionStatus, error) {
	key := sessionKey{kind: kind, id: id}

	c.mu.Lock()
	entry, found := c.sessions[key]
	c.mu.Unlock()
	if found {
		return c.statusOf(key, entry), nil
	}

	if status, found := c.completed.Get(key); found {
		return status, nil
	}
	return SessionStatus{}, fmt.Errorf("%w: %s %s", ErrSessionNotFound, kind, id)
}

// WaitSession blocks until the session finished and returns its result.
func (c *Cluster) WaitSession(ctx context.Context, kind interfaces.SessionKind, id interfaces.SessionID) error {
	key := sessionKey{kind: kind, id: id}

	c.mu.Lock()
	entry, found := c.sessions[key]
	c.mu.Unlock()
	if found {
		return entry.session.Wait(ctx)
	}

	if status, found := c.completed.Get(key); found {
		return status.err
	}
	return fmt.Errorf("%w: %s %s", ErrSessionNotFound, kind, id)
}

// ActiveSessions returns the statuses of the registered sessions.
func (c *Cluster) ActiveSessions() []SessionStatus {
	c.mu.Lock()
	entries := make(map[sessionKey]*sessionEntry, len(c.sessions))
	for key, entry := range c.sessions {
		entries[key] = entry
	}
	c.mu.Unlock()

	statuses := make([]SessionStatus, 0, len(entries))
	for key, entry := range entries {
		statuses = append(statuses, c.statusOf(key, entry))
	}
	return statuses
}

// OnNodeDisconnected fails every session the node takes part in.
func (c *Cluster) OnNodeDisconnected(node interfaces.NodeID) {
	for key, entry := range c.snapshotSessions() {
		entry.session.OnNodeError(node, interfaces.ErrNodeDisconnected)
		c.finalizeIfFinished(key, entry)
	}
}

// Run expires sessions and follows the key server set until ctx is done.
func (c *Cluster) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.expireSessions(now)
			c.syncKeyServerSet()
		}
	}
}

func (c *Cluster) expireSessions(now time.Time) {
	for key, entry := range c.snapshotSessions() {
		if now.Sub(entry.startedAt) < c.cfg.SessionTimeout {
			continue
		}
		c.log.Warn("session expired", slog.String("session", key.id.String()), slog.String("kind", string(key.kind)))
		entry.session.OnSessionTimeout()
		c.finalizeIfFinished(key, entry)
	}
}

// syncKeyServerSet reports nodes that left every key server set as
// disconnected.
func (c *Cluster) syncKeyServerSet() {
	snapshot := c.serverSet.Snapshot()
	c.metrics.KeyServerSetUpdated(snapshot)
	current := knownNodes(snapshot)

	c.mu.Lock()
	gone := c.knownNodes.Difference(current)
	c.knownNodes = current
	c.mu.Unlock()

	for node := range gone {
		c.log.Info("key server left the set", slog.String("peer", node.Short()))
		c.OnNodeDisconnected(node)
	}
}

func (c *Cluster) snapshotSessions() map[sessionKey]*sessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make(map[sessionKey]*sessionEntry, len(c.sessions))
	for key, entry := range c.sessions {
		entries[key] = entry
	}
	return entries
}

// Stop rejects new messages and waits for queued ones to be processed.
func (c *Cluster) Stop() {
	c.mu.Lock()
	alreadyStopped := c.stopped.Swap(true)
	c.mu.Unlock()
	if !alreadyStopped {
		c.pool.StopWait()
	}
}

func knownNodes(snapshot interfaces.KeyServerSetSnapshot) interfaces.NodeSet {
	nodes := interfaces.NodesOf(snapshot.CurrentSet)
	for node := range snapshot.NewSet {
		nodes.Add(node)
	}
	if snapshot.Migration != nil {
		for node := range snapshot.Migration.Set {
			nodes.Add(node)
		}
	}
	return nodes
}

func isInitializationMessage(message *interfaces.ClusterMessage) bool {
	switch {
	case message.ShareAdd != nil:
		return message.ShareAdd.InitializeSession != nil
	case message.ShareRemove != nil:
		return message.ShareRemove.Consensus != nil && message.ShareRemove.Consensus.InitializeConsensusSession != nil
	default:
		return false
	}
}

func isErrorMessage(message *interfaces.ClusterMessage) bool {
	return (message.ShareAdd != nil && message.ShareAdd.Error != nil) ||
		(message.ShareRemove != nil && message.ShareRemove.Error != nil)
}

type meteredTransport struct {
	inner   interfaces.Transport
	metrics *metrics.ClusterMetrics
}

func (t *meteredTransport) Send(to interfaces.NodeID, message *interfaces.ClusterMessage) error {
	err := t.inner.Send(to, message)
	t.metrics.MessageSent(message.String(), err)
	return err
}
