package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"switchboard/internal/domain"
	"switchboard/internal/history"

	"go.uber.org/zap"
)

// serveHistory answers GET /history?peer_id=..&older_than=..&limit=.. for
// the calling client.
func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	userID, err := clientIDFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	peer, err := strconv.ParseInt(q.Get("peer_id"), 10, 64)
	if err != nil || peer == 0 {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}
	olderThan, err := intParam(q.Get("older_than"))
	if err != nil {
		http.Error(w, "invalid older_than", http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	page, err := s.history.GetHistory(r.Context(), userID, domain.ClientID(peer), olderThan, int(limit))
	if errors.Is(err, history.ErrInvalidQuery) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("history query failed", zap.Int64("peer_id", peer), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(page); err != nil {
		s.logger.Debug("encode history page", zap.Error(err))
	}
}

func intParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
