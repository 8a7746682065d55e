package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/service"
	"github.com/go-chi/chi/v5"
)

// StatsHandler はキューとルームの照会APIを処理します
type StatsHandler struct {
	svc *service.SessionService
}

func NewStatsHandler(s *service.SessionService) *StatsHandler { return &StatsHandler{svc: s} }

// QueueStats は役割ごとの待機人数を返します
func (h *StatsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.QueueStats(r.Context())
	if err != nil {
		log.Printf("Queue stats error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"speakers":  stats[models.RoleSpeaker],
		"listeners": stats[models.RoleListener],
	})
}

// GetRoom は指定されたルームの情報を返します
func (h *StatsHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	room, ok, err := h.svc.Get(r.Context(), roomId)
	if err != nil {
		log.Printf("Get room error (roomId=%s): %v", roomId, err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"room": room})
}

// leaveQueueRequest はキュー離脱リクエストの構造
type leaveQueueRequest struct {
	UserId string      `json:"userId"` // 対象ユーザーID
	Role   models.Role `json:"role"`   // 待機中の役割
}

func (req *leaveQueueRequest) validate() error {
	if err := validateUserId(req.UserId); err != nil {
		return err
	}
	return validateRole(req.Role)
}

// LeaveQueue は指定ユーザーを待機キューから外します
// クライアントが正常に離脱できなかった場合の運用向けエンドポイントです
func (h *StatsHandler) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	var req leaveQueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.UserId = normalizeID(req.UserId)
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	existed, err := h.svc.RemoveFromQueue(r.Context(), req.UserId, req.Role)
	if err != nil {
		log.Printf("Leave queue error (userId=%s): %v", req.UserId, err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !existed {
		respondError(w, http.StatusNotFound, "queue entry not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"left": true})
}

// endRoomRequest はルーム終了リクエストの構造
type endRoomRequest struct {
	UserId string `json:"userId"` // 終了を依頼する参加者のID
}

// EndRoom は参加者の依頼でルームセッションを終了します
func (h *StatsHandler) EndRoom(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req endRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.UserId = normalizeID(req.UserId)
	if err := validateUserId(req.UserId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.End(r.Context(), roomId, req.UserId); err != nil {
		switch {
		case errors.Is(err, service.ErrRoomNotFound):
			respondError(w, http.StatusNotFound, "room not found")
		case errors.Is(err, service.ErrRoomAccessDenied):
			respondError(w, http.StatusForbidden, "not a participant")
		case errors.Is(err, service.ErrRoomEnded):
			respondError(w, http.StatusConflict, "room already ended")
		default:
			log.Printf("End room error (roomId=%s, userId=%s): %v", roomId, req.UserId, err)
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ended": true})
}
