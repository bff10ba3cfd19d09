package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/service"
)

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"username": actor.Username,
		"role":     actor.Role,
	})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := a.auth.ListUsers(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.service.Validate(req); err != nil {
			a.fail(w, r, err)
			return
		}

		user, err := a.auth.CreateUser(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		a.service.UserCreated(r.Context(), user)
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.UserUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.service.Validate(req); err != nil {
		a.fail(w, r, err)
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	user, err := a.auth.UpdateUser(r.Context(), actor, r.PathValue("username"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	changes := make([]string, 0, 2)
	if req.Role != nil {
		changes = append(changes, "role="+user.Role)
	}
	if req.Active != nil {
		changes = append(changes, fmt.Sprintf("active=%t", user.Active))
	}
	a.service.UserChanged(r.Context(), "user_update", user.Username, strings.Join(changes, ","))
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.PasswordChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.service.Validate(req); err != nil {
		a.fail(w, r, err)
		return
	}

	actor, ok := service.ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing actor"))
		return
	}
	if err := a.auth.ChangePassword(r.Context(), actor.Username, req); err != nil {
		a.fail(w, r, err)
		return
	}
	a.service.UserChanged(r.Context(), "password_change", actor.Username, "")
	w.WriteHeader(http.StatusNoContent)
}
