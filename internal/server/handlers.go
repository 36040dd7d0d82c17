package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"feepilot/internal/backup"
	"feepilot/internal/config"
	"feepilot/internal/rollback"
	"feepilot/internal/txn"
)

func (s *Server) handleEngineConfigGet(w http.ResponseWriter, r *http.Request) {
	svc, errMsg := s.engineService()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, errMsg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	cfg, err := svc.GetConfig(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleEngineConfigPost(w http.ResponseWriter, r *http.Request) {
	svc, errMsg := s.engineService()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, errMsg)
		return
	}

	var req EngineConfigUpdate
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	cfg, err := svc.UpdateConfig(ctx, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	svc, errMsg := s.engineService()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, errMsg)
		return
	}
	writeJSON(w, http.StatusOK, svc.Status())
}

func (s *Server) handleEngineRun(w http.ResponseWriter, r *http.Request) {
	svc, errMsg := s.engineService()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, errMsg)
		return
	}

	var req struct {
		DryRun bool `json:"dry_run"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	if err := svc.Run(ctx, req.DryRun, "manual"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "summary": svc.LastSummary()})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	names := config.ProfileNames()
	profiles := make([]map[string]any, 0, len(names))
	for _, name := range names {
		p := config.ProfileByName(name)
		profiles = append(profiles, map[string]any{
			"name":       name,
			"weights":    p.Weights,
			"thresholds": p.Thresholds,
			"validator":  p.Validator,
			"rollback":   p.Rollback,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleDecisionsGet(w http.ResponseWriter, r *http.Request) {
	svc, errMsg := s.engineService()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, errMsg)
		return
	}

	var channelID uint64
	if raw := r.URL.Query().Get("channel_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid channel_id")
			return
		}
		channelID = v
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 100)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := svc.ListDecisions(ctx, channelID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": rows})
}

func (s *Server) handleChannelsGet(w http.ResponseWriter, r *http.Request) {
	svc, errMsg := s.engineService()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, errMsg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	settings, err := svc.LoadChannelSettings(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := []map[string]any{}
	for channelID, enabled := range settings {
		payload = append(payload, map[string]any{
			"channel_id": channelID,
			"enabled":    enabled,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": payload})
}

func (s *Server) handleChannelsPost(w http.ResponseWriter, r *http.Request) {
	svc, errMsg := s.engineService()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, errMsg)
		return
	}

	var req struct {
		ChannelID    *uint64 `json:"channel_id"`
		ChannelPoint string  `json:"channel_point"`
		Enabled      *bool   `json:"enabled"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled required")
		return
	}
	if req.ChannelID == nil && strings.TrimSpace(req.ChannelPoint) == "" {
		writeError(w, http.StatusBadRequest, "channel_id or channel_point required")
		return
	}
	channelID := uint64(0)
	if req.ChannelID != nil {
		channelID = *req.ChannelID
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := svc.SetChannelEnabled(ctx, channelID, req.ChannelPoint, *req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTransactionsGet(w http.ResponseWriter, r *http.Request) {
	if s.txStore == nil {
		writeError(w, http.StatusServiceUnavailable, s.storeErr)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 50)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		txs []txn.Transaction
		err error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		txs, err = s.txStore.ListByStatus(ctx, txn.Status(strings.ToUpper(raw)), limit)
	} else {
		txs, err = s.txStore.ListRecent(ctx, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleTransactionGet(w http.ResponseWriter, r *http.Request) {
	if s.txns == nil {
		writeError(w, http.StatusServiceUnavailable, s.storeErr)
		return
	}

	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tx, err := s.txns.Get(ctx, id)
	if err != nil {
		if errors.Is(err, txn.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleTransactionRollback(w http.ResponseWriter, r *http.Request) {
	if s.rollbacks == nil {
		writeError(w, http.StatusServiceUnavailable, s.storeErr)
		return
	}

	id := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
		Force  bool   `json:"force"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.rollbacks.Manual(ctx, id, req.Reason, req.Force); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, rollback.ErrReasonRequired):
			status = http.StatusBadRequest
		case errors.Is(err, txn.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, txn.ErrBadTransition):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTransactionRollbackPartial(w http.ResponseWriter, r *http.Request) {
	if s.rollbacks == nil {
		writeError(w, http.StatusServiceUnavailable, s.storeErr)
		return
	}

	id := chi.URLParam(r, "id")
	var req struct {
		ChannelIDs []uint64 `json:"channel_ids"`
		Reason     string   `json:"reason"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.ChannelIDs) == 0 {
		writeError(w, http.StatusBadRequest, "channel_ids required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.rollbacks.Partial(ctx, id, req.ChannelIDs, req.Reason); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, rollback.ErrReasonRequired):
			status = http.StatusBadRequest
		case errors.Is(err, txn.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, txn.ErrBadTransition):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleBackupLatest(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, s.storeErr)
		return
	}

	raw := chi.URLParam(r, "channelID")
	channelID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	snap, err := s.backups.Latest(ctx, channelID)
	if err != nil {
		if errors.Is(err, backup.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no snapshot for channel")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
