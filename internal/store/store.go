package store

import (
	"context"
	"errors"
	"time"

	"umspos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrConflict          = errors.New("conflict")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = domain.ErrIllegalTransition
)

// Repository owns every meter lifecycle transition. Each method that moves
// meters between states is atomic: either all serials in the call move or
// none do, and each move appends a meter event.
type Repository interface {
	AddMeters(ctx context.Context, meters []domain.Meter, at time.Time) error
	GetMeter(ctx context.Context, serial string) (*domain.Meter, error)
	ListMeters(ctx context.Context, filter domain.MeterFilter) ([]domain.Meter, error)
	ListMeterEvents(ctx context.Context, serial string) ([]domain.MeterEvent, error)
	RemoveMeter(ctx context.Context, serial string, actor string, reason string, at time.Time) error
	CountMeters(ctx context.Context) ([]domain.StateCount, error)
	ExportMeters(ctx context.Context) ([]domain.MeterExportRow, error)

	FindSaleByIdempotency(ctx context.Context, key string) (*domain.SaleBatch, error)
	CreateSale(ctx context.Context, batch domain.SaleBatch) (*domain.SaleBatch, bool, error)
	GetSaleBatch(ctx context.Context, id string) (*domain.SaleBatch, error)
	ListSaleBatches(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleBatch, error)
	SalesTotals(ctx context.Context, from time.Time, to time.Time) (int, int64, error)
	ReturnSold(ctx context.Context, batchID string, serials []string, condition string, reason string, actor string, at time.Time) (*domain.SaleBatch, []domain.FaultReport, error)
	ReplaceMeter(ctx context.Context, replacement domain.MeterReplacement) (*domain.MeterReplacement, *domain.FaultReport, error)

	CreateAgent(ctx context.Context, agent domain.Agent) (*domain.Agent, error)
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	UpdateAgent(ctx context.Context, agent domain.Agent) (*domain.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]domain.AgentSummary, error)
	AssignToAgent(ctx context.Context, agentID string, serials []string, actor string, note string, at time.Time) (*domain.AgentTransaction, error)
	ReturnFromAgent(ctx context.Context, agentID string, serials []string, actor string, note string, at time.Time) (*domain.AgentTransaction, error)
	ListAgentTransactions(ctx context.Context, agentID string, from time.Time, to time.Time, limit int) ([]domain.AgentTransaction, error)

	ReportFaulty(ctx context.Context, serials []string, description string, actor string, at time.Time) ([]domain.FaultReport, error)
	ListFaultReports(ctx context.Context, status string, limit int) ([]domain.FaultReport, error)
	CountFaultReports(ctx context.Context, status string) (int, error)
	ResolveFault(ctx context.Context, id string, outcome string, actor string, at time.Time) (*domain.FaultReport, error)

	CreateNotification(ctx context.Context, notification domain.Notification) error
	ListNotifications(ctx context.Context, username string, unreadOnly bool, limit int) ([]domain.Notification, error)
	CountUnreadNotifications(ctx context.Context, username string) (int, error)
	MarkNotificationRead(ctx context.Context, username string, id string, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, username string, at time.Time) (int, error)
	PruneNotifications(ctx context.Context, before time.Time) (int, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUser(ctx context.Context, user domain.UserAccount) error
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
