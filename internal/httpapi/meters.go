package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/report"
)

func (a *API) handleMeters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		filter := domain.MeterFilter{
			AgentID:      strings.TrimSpace(query.Get("agent_id")),
			SerialPrefix: query.Get("q"),
			Limit:        parsePositiveLimit(query.Get("limit"), 100, 1000),
			Offset:       parseOffset(query.Get("offset")),
		}
		if raw := query.Get("state"); raw != "" {
			state, err := domain.ParseMeterState(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			filter.State = state
		}
		if raw := query.Get("type"); raw != "" {
			meterType, err := domain.ParseMeterType(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			filter.Type = meterType
		}

		meters, err := a.service.ListMeters(r.Context(), filter)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"meters": meters})
	case http.MethodPost:
		var req domain.AddMetersRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		resp, err := a.service.AddMeters(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleMeter(w http.ResponseWriter, r *http.Request) {
	serial := strings.TrimSpace(r.PathValue("serial"))
	if serial == "" {
		writeError(w, http.StatusBadRequest, errors.New("meter serial required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		resp, err := a.service.LookupMeter(r.Context(), serial)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodDelete:
		var req domain.RemoveMeterRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.service.RemoveMeter(r.Context(), serial, req); err != nil {
			a.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleMeterExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	rows, err := a.service.ExportMeters(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("format")), "csv") {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"meters-%s.csv\"", time.Now().UTC().Format("2006-01-02")))
		if err := report.WriteMetersCSV(w, rows); err != nil {
			a.logger.Warn("meter export interrupted", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meters": rows})
}
