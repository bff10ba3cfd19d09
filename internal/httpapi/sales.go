package httpapi

import (
	"net/http"
	"strings"
	"time"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/service"
)

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		from, to, err := a.optionalRange(r)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		filter := domain.SaleFilter{
			From:    from,
			To:      to,
			SoldBy:  strings.TrimSpace(query.Get("sold_by")),
			AgentID: strings.TrimSpace(query.Get("agent_id")),
			Limit:   parsePositiveLimit(query.Get("limit"), 200, 2000),
		}
		if raw := query.Get("type"); raw != "" {
			meterType, err := domain.ParseMeterType(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			filter.Type = meterType
		}

		resp, err := a.service.ListSaleBatches(r.Context(), filter)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req domain.SaleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a.writeSale(w, r, "", req)
	default:
		writeMethodNotAllowed(w)
	}
}

// writeSale answers 201 for a new batch and 200 for a replayed key.
func (a *API) writeSale(w http.ResponseWriter, r *http.Request, agentID string, req domain.SaleRequest) {
	var (
		resp domain.SaleResponse
		err  error
	)
	if agentID == "" {
		resp, err = a.service.SellMeters(r.Context(), req)
	} else {
		resp, err = a.service.RecordAgentSale(r.Context(), agentID, req)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleSaleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	batch, err := a.service.GetSaleBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch})
}

func (a *API) handleSaleReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ReturnSoldRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.ReturnSoldMeters(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSaleReplacement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ReplaceMeterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.ReplaceMeter(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// optionalRange reads from/to query bounds; without either the range is
// unbounded.
func (a *API) optionalRange(r *http.Request) (time.Time, time.Time, error) {
	query := r.URL.Query()
	if strings.TrimSpace(query.Get("from")) == "" && strings.TrimSpace(query.Get("to")) == "" {
		return time.Time{}, time.Time{}, nil
	}
	period, err := service.ParsePeriod(query.Get("from"), query.Get("to"), a.service.Now())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return period.From, period.To, nil
}

func (a *API) period(r *http.Request) (service.Period, error) {
	query := r.URL.Query()
	return service.ParsePeriod(query.Get("from"), query.Get("to"), a.service.Now())
}
