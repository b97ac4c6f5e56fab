package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"parley/internal/content"
	"parley/internal/gateway"
	"parley/internal/models"
)

// Provisioner seeds the bundled store with profiles and communities.
type Provisioner interface {
	UpsertUser(user models.User) error
	UpsertCommunity(community models.Community) error
}

type AdminHandler struct {
	store   Provisioner
	users   gateway.UserFinder
	gateway *gateway.Gateway
}

func NewAdminHandler(store Provisioner, users gateway.UserFinder, gw *gateway.Gateway) *AdminHandler {
	return &AdminHandler{store: store, users: users, gateway: gw}
}

type AddUserRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// UserResponse is a stored profile plus the user's live connections.
type UserResponse struct {
	models.User
	Connections []gateway.ConnectionInfo `json:"connections"`
}

type AddCommunityRequest struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateID("user id", req.ID); err != nil {
		writeError(w, err)
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.ID
	}

	if err := h.store.UpsertUser(models.User{
		ID:          req.ID,
		DisplayName: displayName,
		AvatarURL:   req.AvatarURL,
	}); err != nil {
		writeError(w, fmt.Errorf("failed to save user: %w", err))
		return
	}
	h.gateway.ForgetUser(req.ID)

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("User %s saved", req.ID),
	})
}

func (h *AdminHandler) AddCommunityHandler(w http.ResponseWriter, r *http.Request) {
	var req AddCommunityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateID("community id", req.ID); err != nil {
		writeError(w, err)
		return
	}
	for _, m := range req.Members {
		if err := content.ValidateID("member id", m); err != nil {
			writeError(w, err)
			return
		}
	}

	name := req.Name
	if name == "" {
		name = req.ID
	}

	if err := h.store.UpsertCommunity(models.Community{
		ID:      req.ID,
		Name:    name,
		Members: req.Members,
	}); err != nil {
		writeError(w, fmt.Errorf("failed to save community: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Community %s saved with %d members", req.ID, len(req.Members)),
	})
}

func (h *AdminHandler) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := content.ValidateID("user id", id); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.users.FindUser(r.Context(), id)
	if err != nil {
		writeError(w, fmt.Errorf("user %s: %w", id, err))
		return
	}

	writeJSON(w, http.StatusOK, UserResponse{
		User:        user,
		Connections: h.gateway.Connections(id),
	})
}

func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.Stats())
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, Response{Success: false, Message: err.Error()})
}
