package user

import (
	"encoding/json"
	"net/http"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

// ListUsers serves GET /api/users?state=active|inactive.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	state := State(r.URL.Query().Get("state"))
	users, err := h.Service.List(r.Context(), state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(users)
}
