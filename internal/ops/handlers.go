// SPDX-License-Identifier: MIT
package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/receipt"
)

const (
	defaultReceiptPage = 100
	maxReceiptPage     = 1000
)

type roomListResponse struct {
	Rooms []model.RoomInfo `json:"rooms"`
}

type receiptsResponse struct {
	RoomID   string            `json:"roomId"`
	From     uint64            `json:"from"`
	Count    int               `json:"count"`
	Receipts []receipt.Receipt `json:"receipts"`
}

type verifyResponse struct {
	RoomID   string              `json:"roomId"`
	Receipts int                 `json:"receipts"`
	Valid    bool                `json:"valid"`
	Break    *receipt.ChainBreak `json:"break,omitempty"`
	Error    string              `json:"error,omitempty"`
}

func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.ctrl.ListRooms()
	writeJSON(w, http.StatusOK, roomListResponse{Rooms: rooms})
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	info, err := s.ctrl.RoomInfo(roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRoomTracks(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	tracks, err := s.ctrl.TrackMetadata(roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "tracks": tracks})
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	from := uint64(0)
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, "from must be a non-negative integer")
			return
		}
		from = v
	}

	limit := defaultReceiptPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = v
	}
	if limit > maxReceiptPage {
		limit = maxReceiptPage
	}

	receipts, err := s.receipts.Range(r.Context(), roomID, from, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if receipts == nil {
		receipts = []receipt.Receipt{}
	}
	writeJSON(w, http.StatusOK, receiptsResponse{
		RoomID:   roomID,
		From:     from,
		Count:    len(receipts),
		Receipts: receipts,
	})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	chain, err := s.receipts.Range(r.Context(), roomID, 0, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := verifyResponse{RoomID: roomID, Receipts: len(chain), Valid: true}
	if err := receipt.VerifyChain(chain, s.verifier); err != nil {
		resp.Valid = false
		var cb *receipt.ChainBreak
		if errors.As(err, &cb) {
			resp.Break = cb
		}
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.reloader.Reload(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("config reload via API failed")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"status": "rejected",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// writeError maps typed control failures onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch model.CodeOf(err) {
	case model.FailNotFound:
		status = http.StatusNotFound
	case model.FailNotModerator, model.FailNotPublisher, model.FailRoleForbidden:
		status = http.StatusForbidden
	case model.FailRightsPolicy, model.FailInvalidRights, model.FailInvalidTransition:
		status = http.StatusConflict
	case model.FailDuplicateCid:
		status = http.StatusConflict
	case model.FailCapacityExceeded:
		status = http.StatusTooManyRequests
	case model.FailReceiptsStalled, model.FailRoomClosed:
		status = http.StatusConflict
	case model.FailDeadlineExceeded:
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("operator endpoint failed")
	}
	writeJSON(w, status, map[string]string{
		"error":  string(model.CodeOf(err)),
		"detail": err.Error(),
	})
}

func writeBadRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":  "bad_request",
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
