package httpserver

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/secret-store-cluster/cluster"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
)

// MessageReceiver is the part of the cluster runtime peers talk to.
type MessageReceiver interface {
	Self() interfaces.NodeID
	IsKnownNode(node interfaces.NodeID) bool
	OnMessage(sender interfaces.NodeID, message *interfaces.ClusterMessage) error
}

// ClusterHandler accepts signed messages from other key servers. Errors are
// answered in plain text so that the sender can map them back onto the
// protocol error.
type ClusterHandler struct {
	receiver MessageReceiver
	log      *slog.Logger
}

func NewClusterHandler(receiver MessageReceiver, log *slog.Logger) *ClusterHandler {
	return &ClusterHandler{receiver: receiver, log: log}
}

func (h *ClusterHandler) RegisterRoutes(r chi.Router) {
	r.Post(cluster.MessagePath, h.HandleMessage)
}

// HandleMessage processes a cluster message.
//
// URL format: POST /cluster/v1/message
// Required headers:
//   - X-Node-Signature: sender's signature over the message digest, hex
//
// Request body: CBOR encoded cluster message
func (h *ClusterHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var signature cryptoutils.Signature
	if err := signature.UnmarshalText([]byte(r.Header.Get(cluster.SignatureHeader))); err != nil {
		http.Error(w, fmt.Errorf("%w: missing or malformed signature", interfaces.ErrAccessDenied).Error(), http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, fmt.Errorf("%w: %w", interfaces.ErrInvalidMessage, err).Error(), http.StatusRequestEntityTooLarge)
		return
	}

	sender, message, err := cluster.DecodeSignedMessage(h.receiver.Self(), body, signature)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	if !h.receiver.IsKnownNode(sender) {
		h.log.Warn("message from unknown node", slog.String("sender", sender.Short()))
		http.Error(w, fmt.Errorf("%w: unknown node", interfaces.ErrAccessDenied).Error(), http.StatusForbidden)
		return
	}

	if err := h.receiver.OnMessage(sender, message); err != nil {
		h.log.Debug("message rejected", slog.String("sender", sender.Short()), slog.String("message", message.String()), "err", err)
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
