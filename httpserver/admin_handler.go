package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/secret-store-cluster/api"
	"github.com/ruteri/secret-store-cluster/cluster"
	"github.com/ruteri/secret-store-cluster/common"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
)

// SessionManager starts and reports administrative sessions.
type SessionManager interface {
	Self() interfaces.NodeID
	ServerSet() interfaces.KeyServerSetSnapshot
	StartShareAdd(id interfaces.SessionID, nodesToAdd interfaces.NodeSet, oldSetSignature, newSetSignature cryptoutils.Signature) (cluster.SessionStatus, error)
	StartShareRemove(id interfaces.SessionID, sharesToRemove interfaces.NodeSet, oldSetSignature, newSetSignature cryptoutils.Signature) (cluster.SessionStatus, error)
	SessionStatus(kind interfaces.SessionKind, id interfaces.SessionID) (cluster.SessionStatus, error)
	ActiveSessions() []cluster.SessionStatus
}

// AdminHandler serves the administrative API of a key server. Starting a
// session needs no further authentication: every participant checks the
// administrator's signatures carried in the request.
type AdminHandler struct {
	sessions      SessionManager
	publicAddress string
	log           *slog.Logger
}

func NewAdminHandler(sessions SessionManager, publicAddress string, log *slog.Logger) *AdminHandler {
	return &AdminHandler{sessions: sessions, publicAddress: publicAddress, log: log}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post(api.ShareAddPath, h.HandleShareAdd)
	r.Post(api.ShareRemovePath, h.HandleShareRemove)
	r.Get(api.SessionsPath, h.HandleListSessions)
	r.Get(api.SessionsPath+"/{kind}/{id}", h.HandleSessionStatus)
	r.Get(api.ServerSetPath, h.HandleServerSet)
	r.Get(api.NodeIdentityPath, h.HandleNodeIdentity)
}

// HandleShareAdd starts a share add session with this node as master.
//
// URL format: POST /api/v1/admin/share_add
// Request body: api.ShareAddRequest
// Response: api.SessionResponse, 202 once the session is initialized
func (h *AdminHandler) HandleShareAdd(w http.ResponseWriter, r *http.Request) {
	var req api.ShareAddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.NodesToAdd) == 0 {
		writeError(w, badRequest(fmt.Errorf("%w: no nodes to add", interfaces.ErrInvalidNodesConfiguration)))
		return
	}

	status, err := h.sessions.StartShareAdd(req.KeyID, interfaces.NewNodeSet(req.NodesToAdd...), req.OldSetSignature, req.NewSetSignature)
	if err != nil {
		h.log.Warn("failed to start share add", slog.String("key", req.KeyID.String()), "err", err)
		writeError(w, err)
		return
	}

	h.log.Info("share add started", slog.String("key", req.KeyID.String()), slog.Int("nodesToAdd", len(req.NodesToAdd)))
	writeJSON(w, http.StatusAccepted, toSessionResponse(status))
}

// HandleShareRemove starts a share remove session with this node as master.
//
// URL format: POST /api/v1/admin/share_remove
// Request body: api.ShareRemoveRequest
// Response: api.SessionResponse
func (h *AdminHandler) HandleShareRemove(w http.ResponseWriter, r *http.Request) {
	var req api.ShareRemoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.SharesToRemove) == 0 {
		writeError(w, badRequest(fmt.Errorf("%w: no shares to remove", interfaces.ErrInvalidNodesConfiguration)))
		return
	}

	status, err := h.sessions.StartShareRemove(req.KeyID, interfaces.NewNodeSet(req.SharesToRemove...), req.OldSetSignature, req.NewSetSignature)
	if err != nil {
		h.log.Warn("failed to start share remove", slog.String("key", req.KeyID.String()), "err", err)
		writeError(w, err)
		return
	}

	h.log.Info("share remove started", slog.String("key", req.KeyID.String()), slog.Int("sharesToRemove", len(req.SharesToRemove)))
	writeJSON(w, http.StatusAccepted, toSessionResponse(status))
}

// HandleSessionStatus reports an active or recently finished session.
//
// URL format: GET /api/v1/admin/sessions/{kind}/{id}
func (h *AdminHandler) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	kind := interfaces.SessionKind(chi.URLParam(r, "kind"))
	if kind != interfaces.ShareAddSessionKind && kind != interfaces.ShareRemoveSessionKind {
		writeError(w, badRequest(fmt.Errorf("unknown session kind %q", kind)))
		return
	}
	id, err := interfaces.NewSessionIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, badRequest(err))
		return
	}

	status, err := h.sessions.SessionStatus(kind, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(status))
}

// HandleListSessions lists the sessions in progress.
//
// URL format: GET /api/v1/admin/sessions
func (h *AdminHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	statuses := h.sessions.ActiveSessions()
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartedAt.Before(statuses[j].StartedAt)
	})

	resp := make([]api.SessionResponse, 0, len(statuses))
	for _, status := range statuses {
		resp = append(resp, toSessionResponse(status))
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleServerSet returns the key server set as seen by this node.
//
// URL format: GET /api/v1/server_set
func (h *AdminHandler) HandleServerSet(w http.ResponseWriter, r *http.Request) {
	snapshot := h.sessions.ServerSet()
	writeJSON(w, http.StatusOK, api.ServerSetResponse{
		Self:       h.sessions.Self(),
		CurrentSet: snapshot.CurrentSet,
		NewSet:     snapshot.NewSet,
		Migration:  snapshot.Migration,
	})
}

// HandleNodeIdentity returns the node id administrators sign sets with.
//
// URL format: GET /api/v1/node
func (h *AdminHandler) HandleNodeIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.NodeIdentityResponse{
		NodeID:  h.sessions.Self(),
		Address: h.publicAddress,
		Version: common.Version,
	})
}

func toSessionResponse(status cluster.SessionStatus) api.SessionResponse {
	return api.SessionResponse{
		Kind:      status.Kind,
		ID:        status.ID,
		Master:    status.Master,
		IsMaster:  status.IsMaster,
		State:     status.State,
		Finished:  status.Finished,
		Error:     status.Error,
		StartedAt: status.StartedAt,
	}
}
