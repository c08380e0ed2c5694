package httpserver

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/secret-store-cluster/api"
	"github.com/ruteri/secret-store-cluster/kms"
)

// BootstrapHandler collects admin-signed seed shares of a node whose seed
// is not kept on disk. The node stays not ready until the seed is recovered.
type BootstrapHandler struct {
	recovery *kms.SeedRecovery
	log      *slog.Logger

	once         sync.Once
	completeChan chan struct{}
}

func NewBootstrapHandler(recovery *kms.SeedRecovery, log *slog.Logger) *BootstrapHandler {
	return &BootstrapHandler{
		recovery:     recovery,
		log:          log,
		completeChan: make(chan struct{}),
	}
}

func (h *BootstrapHandler) RegisterRoutes(r chi.Router) {
	r.Get(api.BootstrapStatusPath, h.HandleStatus)
	r.Post(api.BootstrapSharePath, h.HandleSubmitShare)
}

// IsReady implements ReadinessReporter.
func (h *BootstrapHandler) IsReady() bool {
	return h.recovery.IsRecovered()
}

// WaitForBootstrap blocks until the seed is recovered or ctx is done.
func (h *BootstrapHandler) WaitForBootstrap(ctx context.Context) (*kms.NodeKMS, error) {
	select {
	case <-h.completeChan:
		return h.recovery.NodeKMS()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleStatus reports recovery progress.
//
// URL format: GET /api/v1/bootstrap/status
func (h *BootstrapHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	received, threshold := h.recovery.Progress()
	writeJSON(w, http.StatusOK, api.BootstrapStatusResponse{
		Recovered: h.recovery.IsRecovered(),
		Received:  received,
		Threshold: threshold,
	})
}

// HandleSubmitShare accepts one admin's seed share. The admin is identified
// by the signature over the share.
//
// URL format: POST /api/v1/bootstrap/share
// Request body: api.SubmitShareRequest
func (h *BootstrapHandler) HandleSubmitShare(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitShareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	share, err := hex.DecodeString(strings.TrimPrefix(req.Share, "0x"))
	if err != nil || len(share) == 0 {
		writeError(w, badRequest(fmt.Errorf("invalid share encoding: %v", err)))
		return
	}

	if err := h.recovery.SubmitShare(share, req.Signature); err != nil {
		h.log.Warn("seed share rejected", "err", err)
		writeError(w, err)
		return
	}

	received, threshold := h.recovery.Progress()
	h.log.Info("seed share accepted", slog.Int("received", received), slog.Int("threshold", threshold))

	if h.recovery.IsRecovered() {
		h.once.Do(func() {
			h.log.Info("node seed recovered")
			close(h.completeChan)
		})
	}

	writeJSON(w, http.StatusOK, api.BootstrapStatusResponse{
		Recovered: h.recovery.IsRecovered(),
		Received:  received,
		Threshold: threshold,
	})
}
