package httpapi

import (
	"net/http"

	"umspos/backend/internal/domain"
)

func (a *API) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := a.service.ListAgents(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
	case http.MethodPost:
		var req domain.AgentCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		agent, err := a.service.CreateAgent(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"agent": agent})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		detail, err := a.service.GetAgent(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent": detail})
	case http.MethodPatch:
		var req domain.AgentUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		agent, err := a.service.UpdateAgent(r.Context(), id, req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent": agent})
	case http.MethodDelete:
		if err := a.service.DeleteAgent(r.Context(), id); err != nil {
			a.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleAgentAssign(w http.ResponseWriter, r *http.Request) {
	a.handleAgentTransfer(w, r, domain.AgentTxAssign)
}

func (a *API) handleAgentReturn(w http.ResponseWriter, r *http.Request) {
	a.handleAgentTransfer(w, r, domain.AgentTxReturn)
}

func (a *API) handleAgentTransfer(w http.ResponseWriter, r *http.Request, kind string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.AgentMetersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	move := a.service.AssignMetersToAgent
	if kind == domain.AgentTxReturn {
		move = a.service.ReturnMetersFromAgent
	}
	resp, err := move(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAgentSale(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeSale(w, r, r.PathValue("id"), req)
}

func (a *API) handleAgentTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	from, to, err := a.optionalRange(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 200, 2000)

	txs, err := a.service.ListAgentTransactions(r.Context(), r.PathValue("id"), from, to, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}
