package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"umspos/backend/internal/cache"
	"umspos/backend/internal/domain"
	"umspos/backend/internal/events"
	"umspos/backend/internal/mailer"
	"umspos/backend/internal/store"
	"umspos/backend/internal/store/memory"
)

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []events.Transition
}

func (p *recordingPublisher) Publish(_ context.Context, t events.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, t)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventKind, 0, len(p.transitions))
	for _, t := range p.transitions {
		out = append(out, t.Kind)
	}
	return out
}

type recordingMailer struct {
	invites []mailer.Invite
	err     error
}

func (m *recordingMailer) SendInvite(_ context.Context, invite mailer.Invite) error {
	m.invites = append(m.invites, invite)
	return m.err
}

type mapCache struct {
	values  map[string]domain.DashboardSummary
	deletes int
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.DashboardSummary, bool, error) {
	v, ok := c.values[key]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.DashboardSummary, _ time.Duration) error {
	c.values[key] = *value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.deletes++
	delete(c.values, key)
	return nil
}

type fixture struct {
	svc    *Service
	repo   *memory.Store
	events *recordingPublisher
	mail   *recordingMailer
	cache  *mapCache
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		repo:   memory.NewSeeded(nil),
		events: &recordingPublisher{},
		mail:   &recordingMailer{},
		cache:  &mapCache{values: map[string]domain.DashboardSummary{}},
	}
	f.svc = New(Deps{
		Repo:   f.repo,
		Cache:  f.cache,
		Events: f.events,
		Mailer: f.mail,
	}, Options{LowStockThreshold: 5})
	return f
}

func as(username string, role string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: role})
}

func saleRequest(key string, serials ...string) domain.SaleRequest {
	items := make([]domain.SaleItem, 0, len(serials))
	for _, serial := range serials {
		items = append(items, domain.SaleItem{Serial: serial, UnitPriceCents: 250000})
	}
	return domain.SaleRequest{
		IdempotencyKey:  key,
		Items:           items,
		Recipient:       "Kenya Power",
		Destination:     "Thika depot",
		CustomerType:    "government",
		CustomerCounty:  "Kiambu",
		CustomerContact: "+254711000000",
	}
}

func TestAddMetersNormalizesAndPublishes(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.AddMeters(as("clerk", domain.RoleUser), domain.AddMetersRequest{
		Type:    "Three Phase",
		Serials: []string{" tp-001 ", "tp-002"},
	})
	if err != nil {
		t.Fatalf("add meters failed: %v", err)
	}
	if resp.Added != 2 || resp.Type != domain.MeterThreePhase {
		t.Fatalf("unexpected response %+v", resp)
	}

	meter, err := f.repo.GetMeter(context.Background(), "TP-001")
	if err != nil {
		t.Fatalf("expected normalized serial to be stored: %v", err)
	}
	if meter.State != domain.StateInStock || meter.AddedBy != "clerk" {
		t.Fatalf("unexpected meter %+v", meter)
	}
	if kinds := f.events.kinds(); len(kinds) != 1 || kinds[0] != domain.EventAdded {
		t.Fatalf("expected one added event, got %v", kinds)
	}
}

func TestAddMetersRejectsRepeatedSerials(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AddMeters(as("admin", domain.RoleAdmin), domain.AddMetersRequest{
		Type:    "gas",
		Serials: []string{"G-1", "g-1"},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "G-1") {
		t.Fatalf("expected offending serial in error, got %v", err)
	}

	_, err = f.svc.AddMeters(as("admin", domain.RoleAdmin), domain.AddMetersRequest{
		Type:    "gas",
		Serials: []string{"DEMO-03-0001"},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for known serial, got %v", err)
	}
}

func TestRoleChecks(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AddMeters(as("acc", domain.RoleAccountant), domain.AddMetersRequest{Type: "gas", Serials: []string{"X-1"}})
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("accountant must not add meters, got %v", err)
	}
	if err := f.svc.RemoveMeter(as("clerk", domain.RoleUser), "DEMO-01-0001", domain.RemoveMeterRequest{Reason: "x"}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("user must not remove meters, got %v", err)
	}
	if _, err := f.svc.ExportMeters(as("clerk", domain.RoleUser)); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("user must not export, got %v", err)
	}
	if _, err := f.svc.SellMeters(context.Background(), saleRequest("k", "DEMO-01-0001")); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("anonymous sale must be rejected, got %v", err)
	}
}

func TestSellMetersIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := as("clerk", domain.RoleUser)

	first, err := f.svc.SellMeters(ctx, saleRequest("idem-1", "demo-04-0001", "DEMO-04-0002"))
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	if first.Duplicate || first.Batch.MeterCount != 2 || first.Batch.TotalCents != 500000 {
		t.Fatalf("unexpected first sale %+v", first)
	}

	again, err := f.svc.SellMeters(ctx, saleRequest("idem-1", "DEMO-04-0001", "DEMO-04-0002"))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !again.Duplicate || again.Batch.ID != first.Batch.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Batch.ID, again)
	}

	sold := 0
	for _, kind := range f.events.kinds() {
		if kind == domain.EventSold {
			sold++
		}
	}
	if sold != 1 {
		t.Fatalf("expected a single sold event, got %d", sold)
	}
}

func TestSellMetersValidation(t *testing.T) {
	f := newFixture(t)
	ctx := as("clerk", domain.RoleUser)

	req := saleRequest("idem-2", "DEMO-04-0001")
	req.Recipient = "   "
	_, err := f.svc.SellMeters(ctx, req)
	if !errors.Is(err, store.ErrInvalidRequest) || !strings.Contains(err.Error(), "recipient") {
		t.Fatalf("expected recipient validation error, got %v", err)
	}

	req = saleRequest("idem-3", "DEMO-04-0001")
	future := time.Now().Add(48 * time.Hour)
	req.SaleDate = &future
	if _, err := f.svc.SellMeters(ctx, req); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected future sale date to be rejected, got %v", err)
	}

	req = saleRequest("idem-4", "DEMO-04-0001", "demo-04-0001")
	if _, err := f.svc.SellMeters(ctx, req); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected repeated serial to be rejected, got %v", err)
	}

	if _, err := f.svc.SellMeters(ctx, saleRequest("idem-5", "NOPE-1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown serial to be not found, got %v", err)
	}
}

func TestUserRoleSeesOnlyOwnBatches(t *testing.T) {
	f := newFixture(t)

	mine, err := f.svc.SellMeters(as("clerk", domain.RoleUser), saleRequest("k-clerk", "DEMO-01-0001"))
	if err != nil {
		t.Fatalf("clerk sale failed: %v", err)
	}
	theirs, err := f.svc.SellMeters(as("admin", domain.RoleAdmin), saleRequest("k-admin", "DEMO-01-0002"))
	if err != nil {
		t.Fatalf("admin sale failed: %v", err)
	}

	list, err := f.svc.ListSaleBatches(as("clerk", domain.RoleUser), domain.SaleFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list.Batches) != 1 || list.Batches[0].ID != mine.Batch.ID {
		t.Fatalf("clerk should only see own batch, got %+v", list.Batches)
	}
	if _, err := f.svc.GetSaleBatch(as("clerk", domain.RoleUser), theirs.Batch.ID); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	all, err := f.svc.ListSaleBatches(as("acc", domain.RoleAccountant), domain.SaleFilter{})
	if err != nil || len(all.Batches) != 2 {
		t.Fatalf("accountant should see both batches, got %d (%v)", len(all.Batches), err)
	}
}

func TestReplayedKeyOfAnotherUserIsForbidden(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.SellMeters(as("admin", domain.RoleAdmin), saleRequest("shared-key", "DEMO-02-0001")); err != nil {
		t.Fatalf("admin sale failed: %v", err)
	}

	_, err := f.svc.SellMeters(as("clerk", domain.RoleUser), saleRequest("shared-key", "DEMO-02-0002"))
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden replay for another user's key, got %v", err)
	}

	again, err := f.svc.SellMeters(as("admin", domain.RoleAdmin), saleRequest("shared-key", "DEMO-02-0001"))
	if err != nil || !again.Duplicate {
		t.Fatalf("admin replay should return the batch, got %+v (%v)", again, err)
	}
}

func TestAgentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := as("clerk", domain.RoleUser)
	agentID := "agent-demo-nairobi"

	assigned, err := f.svc.AssignMetersToAgent(ctx, agentID, domain.AgentMetersRequest{
		Serials: []string{"DEMO-02-0001", "DEMO-02-0002", "DEMO-05-0001"},
		Note:    "weekly allocation",
	})
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if assigned.Transaction.Count != 3 || assigned.Transaction.ByType[domain.MeterSplit] != 2 {
		t.Fatalf("unexpected transaction %+v", assigned.Transaction)
	}

	if _, err := f.svc.SellMeters(ctx, saleRequest("direct", "DEMO-02-0001")); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("meter held by an agent must not be sold from stock, got %v", err)
	}

	sale, err := f.svc.RecordAgentSale(ctx, agentID, saleRequest("agent-sale", "DEMO-02-0001"))
	if err != nil {
		t.Fatalf("agent sale failed: %v", err)
	}
	if sale.Batch.AgentID != agentID {
		t.Fatalf("expected batch to record agent, got %+v", sale.Batch)
	}

	if _, err := f.svc.ReturnMetersFromAgent(ctx, agentID, domain.AgentMetersRequest{Serials: []string{"DEMO-05-0001"}}); err != nil {
		t.Fatalf("return from agent failed: %v", err)
	}

	detail, err := f.svc.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent failed: %v", err)
	}
	if detail.TotalMeters != 1 || len(detail.Serials) != 1 || detail.Serials[0] != "DEMO-02-0002" {
		t.Fatalf("unexpected agent inventory %+v", detail)
	}

	if err := f.svc.DeleteAgent(as("admin", domain.RoleAdmin), agentID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("agent with inventory must not be deleted, got %v", err)
	}

	txs, err := f.svc.ListAgentTransactions(ctx, agentID, time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("expected assign, sale and return transactions, got %d", len(txs))
	}
}

func TestReturnAndReplaceKeepBatchConsistent(t *testing.T) {
	f := newFixture(t)
	admin := as("admin", domain.RoleAdmin)

	sale, err := f.svc.SellMeters(admin, saleRequest("rr", "DEMO-03-0001", "DEMO-03-0002", "DEMO-03-0003"))
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	batchID := sale.Batch.ID

	replaced, err := f.svc.ReplaceMeter(admin, batchID, domain.ReplaceMeterRequest{
		OldSerial: "demo-03-0001",
		NewSerial: "DEMO-03-0009",
		Reason:    "display dead on arrival",
	})
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if replaced.FaultReport.Serial != "DEMO-03-0001" || replaced.FaultReport.Status != domain.FaultStatusPending {
		t.Fatalf("unexpected fault report %+v", replaced.FaultReport)
	}

	if _, err := f.svc.ReplaceMeter(admin, batchID, domain.ReplaceMeterRequest{
		OldSerial: "DEMO-03-0002",
		NewSerial: "DEMO-04-0001",
		Reason:    "wrong type",
	}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected type mismatch to be rejected, got %v", err)
	}

	returned, err := f.svc.ReturnSoldMeters(admin, batchID, domain.ReturnSoldRequest{
		Serials:   []string{"DEMO-03-0002"},
		Condition: domain.ReturnConditionGood,
		Reason:    "customer over-ordered",
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if returned.Batch.MeterCount != 2 || returned.Batch.TotalCents != 500000 {
		t.Fatalf("expected totals reduced by one item, got %+v", returned.Batch)
	}

	meter, err := f.repo.GetMeter(context.Background(), "DEMO-03-0002")
	if err != nil || meter.State != domain.StateInStock {
		t.Fatalf("expected returned meter back in stock, got %+v (%v)", meter, err)
	}

	if _, err := f.svc.ReturnSoldMeters(as("clerk", domain.RoleUser), batchID, domain.ReturnSoldRequest{
		Serials:   []string{"DEMO-03-0003"},
		Condition: domain.ReturnConditionGood,
		Reason:    "x",
	}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("returns are admin only, got %v", err)
	}
}

func TestFaultResolution(t *testing.T) {
	f := newFixture(t)

	reported, err := f.svc.ReportFaulty(as("clerk", domain.RoleUser), domain.ReportFaultyRequest{
		Serials:     []string{"DEMO-06-0001", "DEMO-06-0002"},
		Description: "cracked casing",
	})
	if err != nil {
		t.Fatalf("report faulty failed: %v", err)
	}
	if len(reported.Reports) != 2 {
		t.Fatalf("expected two reports, got %d", len(reported.Reports))
	}

	admin := as("admin", domain.RoleAdmin)
	resolved, err := f.svc.ResolveFault(admin, reported.Reports[0].ID, domain.ResolveFaultRequest{Outcome: domain.FaultStatusUnrepairable})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.Status != domain.FaultStatusUnrepairable || resolved.ResolvedBy != "admin" {
		t.Fatalf("unexpected resolution %+v", resolved)
	}
	if _, err := f.svc.ResolveFault(admin, reported.Reports[0].ID, domain.ResolveFaultRequest{Outcome: domain.FaultStatusRepaired}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("resolving a closed report must fail, got %v", err)
	}

	pending, err := f.svc.ListFaultReports(admin, "pending", 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending report, got %d (%v)", len(pending), err)
	}
	if _, err := f.svc.ListFaultReports(admin, "lost", 0); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected unknown status to be rejected, got %v", err)
	}
}

func TestDashboardSummaryCacheInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx := as("admin", domain.RoleAdmin)

	summary, err := f.svc.DashboardSummary(ctx)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.ByState[domain.StateInStock] != 60 || summary.ActiveAgents != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if _, ok := f.cache.values[cache.DashboardKey]; !ok {
		t.Fatalf("expected summary to be cached")
	}

	if _, err := f.svc.SellMeters(ctx, saleRequest("dash", "DEMO-01-0005")); err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	if _, ok := f.cache.values[cache.DashboardKey]; ok {
		t.Fatalf("expected sale to invalidate the cached summary")
	}

	summary, err = f.svc.DashboardSummary(ctx)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.ByState[domain.StateSold] != 1 || summary.TodayMetersSold != 1 || summary.TodayRevenue != 250000 {
		t.Fatalf("unexpected summary after sale %+v", summary)
	}
}

func TestNotificationsArePersistedThenStreamed(t *testing.T) {
	f := newFixture(t)
	stream, cancel := f.svc.Subscribe()
	defer cancel()

	if _, err := f.svc.AddMeters(as("admin", domain.RoleAdmin), domain.AddMetersRequest{Type: "smart", Serials: []string{"SM-1"}}); err != nil {
		t.Fatalf("add meters failed: %v", err)
	}

	var streamed domain.Notification
	select {
	case streamed = <-stream:
	case <-time.After(time.Second):
		t.Fatalf("expected a streamed notification")
	}
	if streamed.Kind != domain.NotificationMetersAdded {
		t.Fatalf("unexpected notification %+v", streamed)
	}

	clerk := as("clerk", domain.RoleUser)
	feed, err := f.svc.ListNotifications(clerk, false, 0)
	if err != nil {
		t.Fatalf("list notifications failed: %v", err)
	}
	if feed.Unread != 1 || len(feed.Notifications) != 1 || feed.Notifications[0].ID != streamed.ID {
		t.Fatalf("streamed notification must be in the feed, got %+v", feed)
	}

	if err := f.svc.MarkNotificationRead(clerk, streamed.ID); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	unread, err := f.svc.UnreadCount(clerk)
	if err != nil || unread != 0 {
		t.Fatalf("expected no unread for clerk, got %d (%v)", unread, err)
	}
	adminUnread, err := f.svc.UnreadCount(as("admin", domain.RoleAdmin))
	if err != nil || adminUnread != 1 {
		t.Fatalf("read state must be per user, got %d (%v)", adminUnread, err)
	}
}

func TestConcurrentNotificationsStreamInCreationOrder(t *testing.T) {
	f := newFixture(t)
	var (
		clockMu sync.Mutex
		tick    = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	)
	f.svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick = tick.Add(time.Millisecond)
		return tick
	}
	stream, cancel := f.svc.Subscribe()
	defer cancel()

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.notify(context.Background(), domain.NotificationLowStock, "Low stock", "restock", nil)
		}()
	}
	wg.Wait()

	var last time.Time
	for i := 0; i < workers; i++ {
		select {
		case n := <-stream:
			if n.CreatedAt.Before(last) {
				t.Fatalf("notification %d streamed out of order: %s before %s", i, n.CreatedAt, last)
			}
			last = n.CreatedAt
		case <-time.After(time.Second):
			t.Fatalf("expected %d notifications, got %d", workers, i)
		}
	}
}

func TestCheckLowStockNotifies(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.SellMeters(as("admin", domain.RoleAdmin), saleRequest("low",
		"DEMO-05-0001", "DEMO-05-0002", "DEMO-05-0003", "DEMO-05-0004", "DEMO-05-0005", "DEMO-05-0006",
	)); err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	if err := f.svc.CheckLowStock(context.Background()); err != nil {
		t.Fatalf("low stock check failed: %v", err)
	}
	feed, err := f.svc.ListNotifications(as("admin", domain.RoleAdmin), true, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	var low *domain.Notification
	for i := range feed.Notifications {
		if feed.Notifications[i].Kind == domain.NotificationLowStock {
			low = &feed.Notifications[i]
		}
	}
	if low == nil {
		t.Fatalf("expected a low stock notification")
	}
	if low.Metadata["smart"] != "4" || low.Metadata["water"] != "" {
		t.Fatalf("unexpected low stock metadata %+v", low.Metadata)
	}
}

func TestUserCreatedSendsInviteAndTolerantOfMailFailure(t *testing.T) {
	f := newFixture(t)
	f.mail.err = errors.New("resend unavailable")

	f.svc.UserCreated(as("admin", domain.RoleAdmin), domain.User{
		Username: "wanjiku",
		Email:    "wanjiku@example.com",
		Name:     "Wanjiku",
		Role:     domain.RoleAccountant,
	})

	if len(f.mail.invites) != 1 || f.mail.invites[0].To != "wanjiku@example.com" {
		t.Fatalf("expected one invite, got %+v", f.mail.invites)
	}
	logs, err := f.svc.ListAuditLogs(as("admin", domain.RoleAdmin), Period{}, 0)
	if err != nil {
		t.Fatalf("audit list failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "user_create" {
		t.Fatalf("expected user_create audit entry, got %+v", logs)
	}
}

func TestParsePeriod(t *testing.T) {
	now := time.Date(2026, 7, 15, 18, 30, 0, 0, time.UTC)

	p, err := ParsePeriod("", "", now)
	if err != nil {
		t.Fatalf("default period failed: %v", err)
	}
	from, to := p.Labels()
	if from != "2026-07-01" || to != "2026-07-15" {
		t.Fatalf("unexpected default labels %s..%s", from, to)
	}

	p, err = ParsePeriod("2026-02-01", "2026-02-28", now)
	if err != nil {
		t.Fatalf("explicit period failed: %v", err)
	}
	if !p.To.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected exclusive end, got %s", p.To)
	}

	if _, err := ParsePeriod("2026-03-01", "2026-02-01", now); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected inverted range to fail, got %v", err)
	}
	if _, err := ParsePeriod("01/02/2026", "", now); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected bad date to fail, got %v", err)
	}
}
