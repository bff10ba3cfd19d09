package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"umspos/backend/internal/cache"
	"umspos/backend/internal/domain"
	"umspos/backend/internal/events"
	"umspos/backend/internal/mailer"
	"umspos/backend/internal/metrics"
	"umspos/backend/internal/notify"
	"umspos/backend/internal/store"
	"umspos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var systemActor = domain.Actor{Username: "system", Role: "system"}

type Options struct {
	SummaryCacheTTL       time.Duration
	LowStockThreshold     int
	NotificationRetention time.Duration
}

// Deps are the collaborators of the service. Only Repo is required; the
// rest fall back to no-op implementations.
type Deps struct {
	Repo    store.Repository
	Cache   cache.DashboardCache
	Hub     *notify.Hub
	Events  events.Publisher
	Mailer  mailer.Mailer
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Service struct {
	repo     store.Repository
	cache    cache.DashboardCache
	hub      *notify.Hub
	events   events.Publisher
	mailer   mailer.Mailer
	metrics  *metrics.Metrics
	validate *validator.Validate
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	// notifyMu keeps stamp, persist and publish in one order per instance.
	notifyMu sync.Mutex
}

func New(deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NoopDashboardCache{}
	}
	if deps.Hub == nil {
		deps.Hub = notify.NewHub(deps.Logger)
	}
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if deps.Mailer == nil {
		deps.Mailer = mailer.NoopMailer{Logger: deps.Logger}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if opts.SummaryCacheTTL <= 0 {
		opts.SummaryCacheTTL = 30 * time.Second
	}
	if opts.NotificationRetention <= 0 {
		opts.NotificationRetention = 90 * 24 * time.Hour
	}

	return &Service{
		repo:     deps.Repo,
		cache:    deps.Cache,
		hub:      deps.Hub,
		events:   deps.Events,
		mailer:   deps.Mailer,
		metrics:  deps.Metrics,
		validate: newValidator(),
		logger:   deps.Logger.Named("service"),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest reports every failing field as one ErrInvalidRequest.
func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", store.ErrInvalidRequest, err)
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), rule))
	}
	return fmt.Errorf("%w: %s", store.ErrInvalidRequest, strings.Join(parts, "; "))
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: authentication required", store.ErrForbidden)
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: role %s is not allowed", store.ErrForbidden, actor.Role)
}

func actorOrSystem(ctx context.Context) domain.Actor {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor
	}
	return systemActor
}

func normalizeSerials(raw []string) ([]string, error) {
	serials, dupes := domain.NormalizeSerials(raw)
	if len(dupes) > 0 {
		return nil, fmt.Errorf("%w: duplicate serials in request: %s", store.ErrInvalidRequest, strings.Join(dupes, ", "))
	}
	if len(serials) == 0 {
		return nil, fmt.Errorf("%w: at least one serial is required", store.ErrInvalidRequest)
	}
	return serials, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := actorOrSystem(ctx)
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

// notify persists the notification and only then hands it to the hub, so a
// streamed notification can always be found in the feed. Notifications from
// one instance stream in CreatedAt order.
func (s *Service) notify(ctx context.Context, kind string, title string, message string, metadata map[string]string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	n := domain.Notification{
		ID:        xid.New("ntf"),
		Kind:      kind,
		Title:     title,
		Message:   message,
		Metadata:  metadata,
		CreatedBy: actorOrSystem(ctx).Username,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateNotification(ctx, n); err != nil {
		s.logger.Warn("failed to persist notification", zap.String("kind", kind), zap.Error(err))
		return
	}
	s.hub.Publish(ctx, n)
}

// applied runs the side effects shared by every committed transition.
func (s *Service) applied(ctx context.Context, t events.Transition) {
	s.metrics.AddTransitions(string(t.Kind), len(t.Serials))
	s.invalidateSummary(ctx)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := s.events.Publish(pubCtx, t); err != nil {
		s.metrics.IncrExternalError("kafka")
		s.logger.Warn("failed to publish lifecycle event", zap.String("kind", string(t.Kind)), zap.Error(err))
	}
}

func (s *Service) invalidateSummary(ctx context.Context) {
	if err := s.cache.Delete(ctx, cache.DashboardKey); err != nil {
		s.metrics.IncrExternalError("redis")
		s.logger.Warn("failed to invalidate dashboard cache", zap.Error(err))
	}
}

// Subscribe exposes the notification hub to stream handlers.
// Ping checks the repository when it can be checked; the in-memory store is
// always ready.
func (s *Service) Ping(ctx context.Context) error {
	pinger, ok := s.repo.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return pinger.Ping(ctx)
}

func (s *Service) Subscribe() (<-chan domain.Notification, func()) {
	return s.hub.Subscribe()
}

func clampLimit(limit int, fallback int, max int) int {
	if limit < 1 {
		limit = fallback
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func trimmed(values ...*string) {
	for _, v := range values {
		if v != nil {
			*v = strings.TrimSpace(*v)
		}
	}
}

// Validate runs the request validator for callers outside the service, such
// as the user management handlers.
func (s *Service) Validate(req any) error {
	return s.validateRequest(req)
}
