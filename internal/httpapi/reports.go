package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"umspos/backend/internal/report"
)

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	summary, err := a.service.DashboardSummary(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleSalesReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	period, err := a.period(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("format")), "csv") {
		batches, err := a.service.SalesBatches(r.Context(), period)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		from, to := period.Labels()
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"sales-%s-%s.csv\"", from, to))
		if err := report.WriteSalesCSV(w, batches); err != nil {
			a.logger.Warn("sales export interrupted", zap.Error(err))
		}
		return
	}

	salesReport, err := a.service.SalesReport(r.Context(), period)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, salesReport)
}

func (a *API) handleAgentReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	period, err := a.period(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	agentReport, err := a.service.AgentReport(r.Context(), period)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agentReport)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	period, err := a.period(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000)

	logs, err := a.service.ListAuditLogs(r.Context(), period, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
