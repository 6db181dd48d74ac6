package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/genomewiz/pkg/role"
	"github.com/ethpandaops/genomewiz/pkg/store"
)

// --- User management ---

type userResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	ProviderSubject *string   `json:"provider_subject,omitempty"`
	Score           int       `json:"score"`
	Roles           []string  `json:"roles"`
	CreatedAt       time.Time `json:"created_at"`
}

func toUserResponse(u *store.User) userResponse {
	roles := role.NewSet()

	for _, g := range u.Roles {
		if r, err := role.Parse(g.Role); err == nil {
			roles.Add(r)
		}
	}

	return userResponse{
		ID:              u.ID,
		Name:            u.Name,
		Email:           u.Email,
		ProviderSubject: u.ProviderSubject,
		Score:           u.Score,
		Roles:           roles.Strings(),
		CreatedAt:       u.CreatedAt,
	}
}

// handleListUsers returns all users with their roles.
func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.writeAuthError(w, err)

		return
	}

	resp := make([]userResponse, 0, len(users))
	for i := range users {
		resp = append(resp, toUserResponse(&users[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type grantRoleRequest struct {
	Role string `json:"role"`
}

type grantRoleResponse struct {
	Granted bool `json:"granted"`
}

// handleGrantRole grants a role to a user. Re-granting is a no-op.
func (s *server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	var req grantRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")

		return
	}

	granted, err := role.Parse(req.Role)
	if err != nil {
		s.writeAuthError(w, err)

		return
	}

	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		s.writeStoreError(w, err, "user not found")

		return
	}

	ok, err := s.store.GrantRole(ctx, userID, granted)
	if err != nil {
		s.writeAuthError(w, err)

		return
	}

	if ok {
		s.metrics.roleGrants.WithLabelValues(string(granted)).Inc()
	}

	writeJSON(w, http.StatusOK, grantRoleResponse{Granted: ok})
}
