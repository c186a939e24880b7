package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chat-relay/internal/chat"
	"chat-relay/internal/delivery"
	myMiddleware "chat-relay/internal/middleware"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	router    *delivery.Router
	directory *chat.Directory
	archive   *chat.Archive
	inactive  *chat.InactivityScanner
	now       func() time.Time
}

func NewHandler(router *delivery.Router, dir *chat.Directory, archive *chat.Archive) *Handler {
	return &Handler{
		router:    router,
		directory: dir,
		archive:   archive,
		inactive:  chat.NewInactivityScanner(dir),
		now:       time.Now,
	}
}

// Routes mounts the authenticated chat API.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/chats", h.CreateChat)
	r.Post("/api/chats/{id}/join", h.JoinChat)
	r.Post("/api/chats/{id}/leave", h.LeaveChat)
	r.Post("/api/chats/{id}/block", h.BlockChat)
	r.Get("/api/chats/{id}/messages", h.LoadArchive)
}

// AdminRoutes mounts the maintenance API. Callers guard it with
// myMiddleware.AdminKey.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Delete("/api/chats", h.DeleteChats)
	r.Get("/api/chats/inactive", h.InactiveChats)
}

type CreateChatRequest struct {
	Type  chat.ChatType `json:"type"`
	Users []string      `json:"users,omitempty"`
}

type JoinChatRequest struct {
	Temp bool `json:"temp"`
}

type BlockChatRequest struct {
	Block bool `json:"block"`
}

type DeleteChatsRequest struct {
	ChatIDs []string `json:"chat_ids"`
}

type InactiveChatsResponse struct {
	Cutoff  time.Time `json:"cutoff"`
	ChatIDs []string  `json:"chat_ids"`
}

func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chat.Errorf(chat.ErrValidationFailed, "invalid body"))
		return
	}
	c, err := h.router.CreateChat(r.Context(), userID, req.Type, req.Users)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) JoinChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req JoinChatRequest
	// Empty body means a permanent join.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, chat.Errorf(chat.ErrValidationFailed, "invalid body"))
			return
		}
	}
	if err := h.directory.Join(r.Context(), chi.URLParam(r, "id"), userID, req.Temp); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LeaveChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.directory.Leave(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) BlockChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req BlockChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, chat.Errorf(chat.ErrValidationFailed, "invalid body"))
		return
	}
	c, err := h.directory.Block(r.Context(), chi.URLParam(r, "id"), userID, req.Block)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// LoadArchive serves GET /api/chats/{id}/messages?limit=&after=.
func (h *Handler) LoadArchive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil {
		writeError(w, chat.Errorf(chat.ErrMissingParameters, "limit must be a positive integer"))
		return
	}
	msgs, err := h.archive.Load(r.Context(), chi.URLParam(r, "id"), limit, q.Get("after"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) DeleteChats(w http.ResponseWriter, r *http.Request) {
	var req DeleteChatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ChatIDs) == 0 {
		writeError(w, chat.Errorf(chat.ErrMissingParameters, "chat_ids is required"))
		return
	}
	if err := h.directory.DeleteChats(r.Context(), req.ChatIDs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InactiveChats serves GET /api/chats/inactive?old=N&entity=days.
func (h *Handler) InactiveChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	old, err := strconv.Atoi(q.Get("old"))
	if err != nil {
		writeError(w, chat.Errorf(chat.ErrMissingParameters, "old must be an integer"))
		return
	}
	cutoff, err := chat.Cutoff(h.now(), old, q.Get("entity"))
	if err != nil {
		writeError(w, err)
		return
	}
	ids, err := h.inactive.List(r.Context(), cutoff)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, InactiveChatsResponse{Cutoff: cutoff, ChatIDs: ids})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, chat.AsError(err))
}

func statusFor(err error) int {
	var ce *chat.Error
	if !errors.As(err, &ce) {
		return http.StatusInternalServerError
	}
	switch ce.Code {
	case chat.ErrInvalidChatMembers.Code, chat.ErrValidationFailed.Code, chat.ErrMissingParameters.Code:
		return http.StatusBadRequest
	case chat.ErrChatBlocked.Code, chat.ErrForbidden.Code:
		return http.StatusForbidden
	case chat.ErrChatNotFound.Code, chat.ErrMessageNotFound.Code:
		return http.StatusNotFound
	case chat.ErrInvalidOperation.Code:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
