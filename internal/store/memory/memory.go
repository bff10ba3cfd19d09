package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/store"
	"umspos/backend/internal/xid"
)

var _ store.Repository = (*Store)(nil)

type Store struct {
	mu            sync.RWMutex
	meters        map[string]*domain.Meter
	events        map[string][]domain.MeterEvent
	agents        map[string]domain.Agent
	agentTx       []domain.AgentTransaction
	batches       map[string]*domain.SaleBatch
	batchByIdem   map[string]string
	replacements  map[string][]domain.MeterReplacement
	faults        map[string]*domain.FaultReport
	faultOrder    []string
	notifications []domain.Notification
	notifReadBy   map[string]map[string]bool
	auditLogs     []domain.AuditLog
	usersByName   map[string]domain.UserAccount
	logger        *zap.Logger
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD, SEED_ACCOUNTANT_PASSWORD and
// SEED_USER_PASSWORD, falling back to dev defaults with a warning.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	seeds := []struct {
		username string
		envKey   string
		fallback string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin12345", domain.RoleAdmin},
		{"accountant", "SEED_ACCOUNTANT_PASSWORD", "accountant123", domain.RoleAccountant},
		{"clerk", "SEED_USER_PASSWORD", "clerk12345", domain.RoleUser},
	}

	now := time.Now().UTC()
	users := make(map[string]domain.UserAccount, len(seeds))
	usedDefaults := false
	for _, seed := range seeds {
		password := os.Getenv(seed.envKey)
		if password == "" {
			password = seed.fallback
			usedDefaults = true
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", seed.username), zap.Error(err))
		}
		users[seed.username] = domain.UserAccount{
			Username:  seed.username,
			Email:     seed.username + "@umspos.local",
			Name:      strings.ToUpper(seed.username[:1]) + seed.username[1:],
			Password:  string(hash),
			Role:      seed.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	if usedDefaults {
		logger.Warn("using default dev credentials; set SEED_*_PASSWORD to override")
	}
	return users
}

// New returns an empty store holding only the seed accounts.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		meters:       make(map[string]*domain.Meter),
		events:       make(map[string][]domain.MeterEvent),
		agents:       make(map[string]domain.Agent),
		batches:      make(map[string]*domain.SaleBatch),
		batchByIdem:  make(map[string]string),
		replacements: make(map[string][]domain.MeterReplacement),
		faults:       make(map[string]*domain.FaultReport),
		notifReadBy:  make(map[string]map[string]bool),
		usersByName:  seedUsers(logger),
		logger:       logger,
	}
}

// NewSeeded returns a store with demo agents and stock for local development.
func NewSeeded(logger *zap.Logger) *Store {
	s := New(logger)
	now := time.Now().UTC()

	for _, agent := range []domain.Agent{
		{ID: "agent-demo-nairobi", Name: "Wanjiru Distributors", Phone: "+254700000001", Location: "Westlands", County: "Nairobi", Active: true, CreatedAt: now},
		{ID: "agent-demo-mombasa", Name: "Pwani Meters", Phone: "+254700000002", Location: "Nyali", County: "Mombasa", Active: true, CreatedAt: now},
	} {
		s.agents[agent.ID] = agent
	}

	seed := make([]domain.Meter, 0, 60)
	for i, meterType := range domain.MeterTypes {
		for n := 1; n <= 10; n++ {
			seed = append(seed, domain.Meter{
				Serial:  fmt.Sprintf("DEMO-%02d-%04d", i+1, n),
				Type:    meterType,
				AddedBy: "admin",
			})
		}
	}
	if err := s.AddMeters(context.Background(), seed, now); err != nil {
		s.logger.Warn("demo stock not seeded", zap.Error(err))
	}
	return s
}

func (s *Store) AddMeters(_ context.Context, meters []domain.Meter, at time.Time) error {
	if len(meters) == 0 {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(meters))
	var conflicts []string
	for _, m := range meters {
		if m.Serial == "" || m.Type == "" {
			return store.ErrInvalidRequest
		}
		if _, exists := s.meters[m.Serial]; exists || seen[m.Serial] {
			conflicts = append(conflicts, m.Serial)
		}
		seen[m.Serial] = true
	}
	if len(conflicts) > 0 {
		return fmt.Errorf("%w: serials already registered: %s", store.ErrConflict, strings.Join(conflicts, ", "))
	}

	for _, m := range meters {
		meter := m
		meter.State = domain.StateInStock
		meter.AgentID = ""
		meter.BatchID = ""
		meter.AddedAt = at
		meter.UpdatedAt = at
		s.meters[meter.Serial] = &meter
		s.appendEvent(meter.Serial, domain.EventAdded, "", domain.StateInStock, "", "", meter.AddedBy, "", at)
	}
	return nil
}

func (s *Store) GetMeter(_ context.Context, serial string) (*domain.Meter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meter, ok := s.meters[serial]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := s.withAgentName(*meter)
	return &out, nil
}

func (s *Store) ListMeters(_ context.Context, filter domain.MeterFilter) ([]domain.Meter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := domain.NormalizeSerial(filter.SerialPrefix)
	result := make([]domain.Meter, 0, 64)
	for _, meter := range s.meters {
		if filter.State != "" && meter.State != filter.State {
			continue
		}
		if filter.Type != "" && meter.Type != filter.Type {
			continue
		}
		if filter.AgentID != "" && meter.AgentID != filter.AgentID {
			continue
		}
		if prefix != "" && !strings.HasPrefix(meter.Serial, prefix) {
			continue
		}
		result = append(result, s.withAgentName(*meter))
	}
	slices.SortFunc(result, func(a, b domain.Meter) int {
		return strings.Compare(a.Serial, b.Serial)
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

func (s *Store) ListMeterEvents(_ context.Context, serial string) ([]domain.MeterEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.events[serial]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(events), nil
}

func (s *Store) RemoveMeter(_ context.Context, serial string, actor string, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meter, ok := s.meters[serial]
	if !ok {
		return store.ErrNotFound
	}
	if !domain.CanRemove(meter.State) {
		return fmt.Errorf("%w: %s is %s, only in-stock meters can be removed", store.ErrInvalidTransition, serial, meter.State)
	}
	delete(s.meters, serial)
	s.appendEvent(serial, domain.EventRemoved, meter.State, "", "", "", actor, reason, at)
	return nil
}

func (s *Store) CountMeters(_ context.Context) ([]domain.StateCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		state domain.MeterState
		kind  domain.MeterType
	}
	counts := make(map[key]int)
	for _, meter := range s.meters {
		counts[key{meter.State, meter.Type}]++
	}
	result := make([]domain.StateCount, 0, len(counts))
	for k, n := range counts {
		result = append(result, domain.StateCount{State: k.state, Type: k.kind, Count: n})
	}
	slices.SortFunc(result, func(a, b domain.StateCount) int {
		if a.State != b.State {
			return strings.Compare(string(a.State), string(b.State))
		}
		return strings.Compare(string(a.Type), string(b.Type))
	})
	return result, nil
}

func (s *Store) ExportMeters(_ context.Context) ([]domain.MeterExportRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.MeterExportRow, 0, len(s.meters))
	for _, meter := range s.meters {
		named := s.withAgentName(*meter)
		row := domain.MeterExportRow{
			Serial:    meter.Serial,
			Type:      meter.Type,
			State:     meter.State,
			AgentName: named.AgentName,
			BatchID:   meter.BatchID,
			AddedAt:   meter.AddedAt,
		}
		if batch, ok := s.batches[meter.BatchID]; ok && meter.State == domain.StateSold {
			soldAt := batch.SoldAt
			row.Recipient = batch.Recipient
			row.CustomerType = batch.CustomerType
			row.SoldAt = &soldAt
		}
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b domain.MeterExportRow) int {
		return strings.Compare(a.Serial, b.Serial)
	})
	return rows, nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.SaleBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.batchByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.cloneBatch(id), nil
}

func (s *Store) CreateSale(_ context.Context, batch domain.SaleBatch) (*domain.SaleBatch, bool, error) {
	if batch.IdempotencyKey == "" || len(batch.Items) == 0 {
		return nil, false, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.batchByIdem[batch.IdempotencyKey]; ok {
		return s.cloneBatch(id), true, nil
	}

	source := domain.StateInStock
	if batch.AgentID != "" {
		if _, ok := s.agents[batch.AgentID]; !ok {
			return nil, false, fmt.Errorf("agent %s: %w", batch.AgentID, store.ErrNotFound)
		}
		source = domain.StateWithAgent
	}

	seen := make(map[string]bool, len(batch.Items))
	items := make([]domain.SaleItem, 0, len(batch.Items))
	for _, item := range batch.Items {
		if item.Serial == "" || item.UnitPriceCents < 0 || seen[item.Serial] {
			return nil, false, store.ErrInvalidRequest
		}
		seen[item.Serial] = true
		meter, ok := s.meters[item.Serial]
		if !ok {
			return nil, false, fmt.Errorf("meter %s: %w", item.Serial, store.ErrNotFound)
		}
		if err := checkMove(meter, domain.StateSold); err != nil {
			return nil, false, err
		}
		if meter.State != source {
			return nil, false, fmt.Errorf("%w: %s is %s, expected %s", store.ErrInvalidTransition, item.Serial, meter.State, source)
		}
		if source == domain.StateWithAgent && meter.AgentID != batch.AgentID {
			return nil, false, fmt.Errorf("%w: %s is not held by agent %s", store.ErrInvalidTransition, item.Serial, batch.AgentID)
		}
		items = append(items, domain.SaleItem{Serial: item.Serial, UnitPriceCents: item.UnitPriceCents, Type: meter.Type})
	}

	if batch.ID == "" {
		batch.ID = xid.New("sale")
	}
	if batch.SoldAt.IsZero() {
		batch.SoldAt = time.Now().UTC()
	}
	batch.Items = items
	batch.Recompute()

	kind := domain.EventSold
	if source == domain.StateWithAgent {
		kind = domain.EventAgentSold
	}
	for _, item := range items {
		meter := s.meters[item.Serial]
		s.moveMeter(meter, domain.StateSold, kind, batch.SoldBy, batch.AgentID, batch.ID, "", batch.SoldAt)
		meter.AgentID = ""
		meter.BatchID = batch.ID
	}
	if source == domain.StateWithAgent {
		s.agentTx = append(s.agentTx, domain.AgentTransaction{
			ID:        xid.New("atx"),
			AgentID:   batch.AgentID,
			Kind:      domain.AgentTxSale,
			Count:     len(items),
			ByType:    domain.CountByType(items),
			BatchID:   batch.ID,
			Actor:     batch.SoldBy,
			CreatedAt: batch.SoldAt,
		})
	}

	stored := batch
	stored.Replacements = nil
	s.batches[stored.ID] = &stored
	s.batchByIdem[stored.IdempotencyKey] = stored.ID
	return s.cloneBatch(stored.ID), false, nil
}

func (s *Store) GetSaleBatch(_ context.Context, id string) (*domain.SaleBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.batches[id]; !ok {
		return nil, store.ErrNotFound
	}
	return s.cloneBatch(id), nil
}

func (s *Store) ListSaleBatches(_ context.Context, filter domain.SaleFilter) ([]domain.SaleBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SaleBatch, 0, 32)
	for id, batch := range s.batches {
		if !inRange(batch.SoldAt, filter.From, filter.To) {
			continue
		}
		if filter.SoldBy != "" && batch.SoldBy != filter.SoldBy {
			continue
		}
		if filter.AgentID != "" && batch.AgentID != filter.AgentID {
			continue
		}
		if filter.Type != "" && !batch.HasType(filter.Type) {
			continue
		}
		result = append(result, *s.cloneBatch(id))
	}
	slices.SortFunc(result, func(a, b domain.SaleBatch) int {
		return b.SoldAt.Compare(a.SoldAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) SalesTotals(_ context.Context, from time.Time, to time.Time) (int, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meters := 0
	cents := int64(0)
	for _, batch := range s.batches {
		if !inRange(batch.SoldAt, from, to) {
			continue
		}
		meters += batch.MeterCount
		cents += batch.TotalCents
	}
	return meters, cents, nil
}

func (s *Store) ReturnSold(_ context.Context, batchID string, serials []string, condition string, reason string, actor string, at time.Time) (*domain.SaleBatch, []domain.FaultReport, error) {
	if len(serials) == 0 {
		return nil, nil, store.ErrInvalidRequest
	}
	target := domain.StateInStock
	switch condition {
	case domain.ReturnConditionGood:
	case domain.ReturnConditionFaulty:
		target = domain.StateFaulty
	default:
		return nil, nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}

	// A serial can appear twice in a batch: once returned, then again as a
	// replacement. Only the active item is returnable.
	itemIndex := make(map[string]int, len(batch.Items))
	returned := make(map[string]bool)
	for i, item := range batch.Items {
		if item.Returned {
			returned[item.Serial] = true
			continue
		}
		itemIndex[item.Serial] = i
	}
	for _, serial := range serials {
		if _, ok := itemIndex[serial]; !ok {
			if returned[serial] {
				return nil, nil, fmt.Errorf("%w: %s was already returned", store.ErrInvalidTransition, serial)
			}
			return nil, nil, fmt.Errorf("%w: %s is not part of batch %s", store.ErrInvalidRequest, serial, batchID)
		}
		meter, ok := s.meters[serial]
		if !ok || meter.State != domain.StateSold || meter.BatchID != batchID {
			return nil, nil, fmt.Errorf("%w: %s is not sold in batch %s", store.ErrInvalidTransition, serial, batchID)
		}
		if err := checkMove(meter, target); err != nil {
			return nil, nil, err
		}
	}

	reports := make([]domain.FaultReport, 0)
	for _, serial := range serials {
		meter := s.meters[serial]
		batch.Items[itemIndex[serial]].Returned = true
		s.moveMeter(meter, target, domain.EventReturned, actor, "", batchID, reason, at)
		meter.BatchID = ""
		if target == domain.StateFaulty {
			reports = append(reports, s.openFault(meter, domain.StateSold, reason, actor, at))
		}
	}
	batch.Recompute()
	return s.cloneBatch(batchID), reports, nil
}

func (s *Store) ReplaceMeter(_ context.Context, rep domain.MeterReplacement) (*domain.MeterReplacement, *domain.FaultReport, error) {
	if rep.BatchID == "" || rep.OldSerial == "" || rep.NewSerial == "" || rep.OldSerial == rep.NewSerial {
		return nil, nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[rep.BatchID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	idx := -1
	for i, item := range batch.Items {
		if item.Serial == rep.OldSerial && !item.Returned {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: %s is not an active item of batch %s", store.ErrInvalidRequest, rep.OldSerial, rep.BatchID)
	}
	oldMeter, ok := s.meters[rep.OldSerial]
	if !ok || oldMeter.State != domain.StateSold || oldMeter.BatchID != rep.BatchID {
		return nil, nil, fmt.Errorf("%w: %s is not sold in batch %s", store.ErrInvalidTransition, rep.OldSerial, rep.BatchID)
	}
	newMeter, ok := s.meters[rep.NewSerial]
	if !ok {
		return nil, nil, fmt.Errorf("meter %s: %w", rep.NewSerial, store.ErrNotFound)
	}
	if newMeter.State != domain.StateInStock {
		return nil, nil, fmt.Errorf("%w: %s is %s, expected %s", store.ErrInvalidTransition, rep.NewSerial, newMeter.State, domain.StateInStock)
	}
	if newMeter.Type != oldMeter.Type {
		return nil, nil, fmt.Errorf("%w: replacement must be a %s meter", store.ErrInvalidRequest, oldMeter.Type)
	}
	if err := checkMove(oldMeter, domain.StateFaulty); err != nil {
		return nil, nil, err
	}
	if err := checkMove(newMeter, domain.StateSold); err != nil {
		return nil, nil, err
	}

	if rep.ID == "" {
		rep.ID = xid.New("rep")
	}
	if rep.ReplacedAt.IsZero() {
		rep.ReplacedAt = time.Now().UTC()
	}

	s.moveMeter(oldMeter, domain.StateFaulty, domain.EventReplaced, rep.ReplacedBy, "", rep.BatchID, rep.Reason, rep.ReplacedAt)
	oldMeter.BatchID = ""
	report := s.openFault(oldMeter, domain.StateSold, rep.Reason, rep.ReplacedBy, rep.ReplacedAt)
	s.moveMeter(newMeter, domain.StateSold, domain.EventReplacementOut, rep.ReplacedBy, "", rep.BatchID, "replaces "+rep.OldSerial, rep.ReplacedAt)
	newMeter.BatchID = rep.BatchID
	batch.Items[idx].Serial = rep.NewSerial
	s.replacements[rep.BatchID] = append(s.replacements[rep.BatchID], rep)

	saved := rep
	return &saved, &report, nil
}

func (s *Store) CreateAgent(_ context.Context, agent domain.Agent) (*domain.Agent, error) {
	if agent.Name == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = xid.New("agent")
	}
	if _, exists := s.agents[agent.ID]; exists {
		return nil, store.ErrConflict
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	s.agents[agent.ID] = agent
	created := agent
	return &created, nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &agent, nil
}

func (s *Store) UpdateAgent(_ context.Context, agent domain.Agent) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[agent.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	agent.CreatedAt = existing.CreatedAt
	s.agents[agent.ID] = agent
	updated := agent
	return &updated, nil
}

func (s *Store) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return store.ErrNotFound
	}
	held := 0
	for _, meter := range s.meters {
		if meter.State == domain.StateWithAgent && meter.AgentID == id {
			held++
		}
	}
	if held > 0 {
		return fmt.Errorf("%w: agent still holds %d meters", store.ErrConflict, held)
	}
	delete(s.agents, id)
	return nil
}

func (s *Store) ListAgents(_ context.Context) ([]domain.AgentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make(map[string]*domain.AgentSummary, len(s.agents))
	for id, agent := range s.agents {
		summaries[id] = &domain.AgentSummary{Agent: agent, ByType: map[domain.MeterType]int{}}
	}
	for _, meter := range s.meters {
		if meter.State != domain.StateWithAgent {
			continue
		}
		if summary, ok := summaries[meter.AgentID]; ok {
			summary.TotalMeters++
			summary.ByType[meter.Type]++
		}
	}
	result := make([]domain.AgentSummary, 0, len(summaries))
	for _, summary := range summaries {
		result = append(result, *summary)
	}
	slices.SortFunc(result, func(a, b domain.AgentSummary) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) AssignToAgent(_ context.Context, agentID string, serials []string, actor string, note string, at time.Time) (*domain.AgentTransaction, error) {
	return s.transferAgent(agentID, serials, actor, note, at, domain.AgentTxAssign)
}

func (s *Store) ReturnFromAgent(_ context.Context, agentID string, serials []string, actor string, note string, at time.Time) (*domain.AgentTransaction, error) {
	return s.transferAgent(agentID, serials, actor, note, at, domain.AgentTxReturn)
}

func (s *Store) transferAgent(agentID string, serials []string, actor string, note string, at time.Time, kind string) (*domain.AgentTransaction, error) {
	if len(serials) == 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	if kind == domain.AgentTxAssign && !agent.Active {
		return nil, fmt.Errorf("%w: agent %s is inactive", store.ErrInvalidRequest, agentID)
	}

	from, to, event := domain.StateInStock, domain.StateWithAgent, domain.EventAssigned
	if kind == domain.AgentTxReturn {
		from, to, event = domain.StateWithAgent, domain.StateInStock, domain.EventAgentReturned
	}

	items := make([]domain.SaleItem, 0, len(serials))
	for _, serial := range serials {
		meter, ok := s.meters[serial]
		if !ok {
			return nil, fmt.Errorf("meter %s: %w", serial, store.ErrNotFound)
		}
		if err := checkMove(meter, to); err != nil {
			return nil, err
		}
		if meter.State != from {
			return nil, fmt.Errorf("%w: %s is %s, expected %s", store.ErrInvalidTransition, serial, meter.State, from)
		}
		if kind == domain.AgentTxReturn && meter.AgentID != agentID {
			return nil, fmt.Errorf("%w: %s is not held by agent %s", store.ErrInvalidTransition, serial, agentID)
		}
		items = append(items, domain.SaleItem{Serial: serial, Type: meter.Type})
	}

	for _, serial := range serials {
		meter := s.meters[serial]
		s.moveMeter(meter, to, event, actor, agentID, "", note, at)
		if to == domain.StateWithAgent {
			meter.AgentID = agentID
		} else {
			meter.AgentID = ""
		}
	}

	tx := domain.AgentTransaction{
		ID:        xid.New("atx"),
		AgentID:   agentID,
		Kind:      kind,
		Count:     len(items),
		ByType:    domain.CountByType(items),
		Actor:     actor,
		Note:      note,
		CreatedAt: at,
	}
	s.agentTx = append(s.agentTx, tx)
	return &tx, nil
}

func (s *Store) ListAgentTransactions(_ context.Context, agentID string, from time.Time, to time.Time, limit int) ([]domain.AgentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AgentTransaction, 0, 32)
	for i := len(s.agentTx) - 1; i >= 0; i-- {
		tx := s.agentTx[i]
		if agentID != "" && tx.AgentID != agentID {
			continue
		}
		if !inRange(tx.CreatedAt, from, to) {
			continue
		}
		result = append(result, tx)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ReportFaulty(_ context.Context, serials []string, description string, actor string, at time.Time) ([]domain.FaultReport, error) {
	if len(serials) == 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, serial := range serials {
		meter, ok := s.meters[serial]
		if !ok {
			return nil, fmt.Errorf("meter %s: %w", serial, store.ErrNotFound)
		}
		if err := checkMove(meter, domain.StateFaulty); err != nil {
			return nil, err
		}
		if meter.State != domain.StateInStock && meter.State != domain.StateWithAgent {
			return nil, fmt.Errorf("%w: %s is %s; sold meters are returned through their sale batch", store.ErrInvalidTransition, serial, meter.State)
		}
	}

	reports := make([]domain.FaultReport, 0, len(serials))
	for _, serial := range serials {
		meter := s.meters[serial]
		source := meter.State
		s.moveMeter(meter, domain.StateFaulty, domain.EventReportedFaulty, actor, meter.AgentID, "", description, at)
		meter.AgentID = ""
		reports = append(reports, s.openFault(meter, source, description, actor, at))
	}
	return reports, nil
}

func (s *Store) ListFaultReports(_ context.Context, status string, limit int) ([]domain.FaultReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.FaultReport, 0, 32)
	for i := len(s.faultOrder) - 1; i >= 0; i-- {
		report := s.faults[s.faultOrder[i]]
		if status != "" && report.Status != status {
			continue
		}
		result = append(result, *report)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CountFaultReports(_ context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, report := range s.faults {
		if status == "" || report.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *Store) ResolveFault(_ context.Context, id string, outcome string, actor string, at time.Time) (*domain.FaultReport, error) {
	target := domain.StateInStock
	event := domain.EventRepaired
	switch outcome {
	case domain.FaultStatusRepaired:
	case domain.FaultStatusUnrepairable:
		target, event = domain.StateScrapped, domain.EventScrapped
	default:
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.faults[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if report.Status != domain.FaultStatusPending {
		return nil, fmt.Errorf("%w: fault report %s is already %s", store.ErrInvalidTransition, id, report.Status)
	}
	meter, ok := s.meters[report.Serial]
	if !ok || meter.State != domain.StateFaulty {
		return nil, fmt.Errorf("%w: meter %s is no longer faulty", store.ErrInvalidTransition, report.Serial)
	}
	if err := checkMove(meter, target); err != nil {
		return nil, err
	}

	s.moveMeter(meter, target, event, actor, "", "", "fault "+id, at)
	resolvedAt := at
	report.Status = outcome
	report.ResolvedBy = actor
	report.ResolvedAt = &resolvedAt
	out := *report
	return &out, nil
}

func (s *Store) CreateNotification(_ context.Context, notification domain.Notification) error {
	if notification.ID == "" || notification.Kind == "" {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	notification.Read = false
	s.notifications = append(s.notifications, notification)
	return nil
}

func (s *Store) ListNotifications(_ context.Context, username string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Notification, 0, 32)
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		n.Read = s.notifReadBy[n.ID][username]
		if unreadOnly && n.Read {
			continue
		}
		result = append(result, n)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CountUnreadNotifications(_ context.Context, username string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unread := 0
	for _, n := range s.notifications {
		if !s.notifReadBy[n.ID][username] {
			unread++
		}
	}
	return unread, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, username string, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.ID == id {
			s.markRead(id, username)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) MarkAllNotificationsRead(_ context.Context, username string, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := 0
	for _, n := range s.notifications {
		if !s.notifReadBy[n.ID][username] {
			s.markRead(n.ID, username)
			marked++
		}
	}
	return marked, nil
}

func (s *Store) PruneNotifications(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.notifications[:0]
	pruned := 0
	for _, n := range s.notifications {
		if n.CreatedAt.Before(before) {
			delete(s.notifReadBy, n.ID)
			pruned++
			continue
		}
		kept = append(kept, n)
	}
	s.notifications = kept
	return pruned, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if !inRange(entry.CreatedAt, from, to) {
			continue
		}
		result = append(result, entry)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByName[user.Username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrConflict)
	}
	s.usersByName[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByName[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, user := range s.usersByName {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.usersByName[user.Username]
	if !ok {
		return store.ErrNotFound
	}
	existing.Role = user.Role
	existing.Active = user.Active
	existing.Email = user.Email
	existing.Name = user.Name
	s.usersByName[user.Username] = existing
	return nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByName[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}

// checkMove validates meter's next state against the lifecycle table. Callers
// run it for every serial before mutating any of them.
func checkMove(meter *domain.Meter, to domain.MeterState) error {
	if err := domain.ValidateTransition(meter.Serial, meter.State, to); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidTransition, err)
	}
	return nil
}

// moveMeter applies a transition checked by checkMove and records the event.
// Callers must hold the write lock.
func (s *Store) moveMeter(meter *domain.Meter, to domain.MeterState, kind domain.EventKind, actor string, agentID string, batchID string, note string, at time.Time) {
	from := meter.State
	meter.State = to
	meter.UpdatedAt = at
	s.appendEvent(meter.Serial, kind, from, to, agentID, batchID, actor, note, at)
}

func (s *Store) appendEvent(serial string, kind domain.EventKind, from domain.MeterState, to domain.MeterState, agentID string, batchID string, actor string, note string, at time.Time) {
	s.events[serial] = append(s.events[serial], domain.MeterEvent{
		ID:        xid.New("evt"),
		Serial:    serial,
		Kind:      kind,
		FromState: from,
		ToState:   to,
		AgentID:   agentID,
		BatchID:   batchID,
		Actor:     actor,
		Note:      note,
		CreatedAt: at,
	})
}

func (s *Store) openFault(meter *domain.Meter, source domain.MeterState, description string, actor string, at time.Time) domain.FaultReport {
	report := domain.FaultReport{
		ID:          xid.New("fault"),
		Serial:      meter.Serial,
		Type:        meter.Type,
		Source:      source,
		Description: description,
		Status:      domain.FaultStatusPending,
		ReportedBy:  actor,
		ReportedAt:  at,
	}
	s.faults[report.ID] = &report
	s.faultOrder = append(s.faultOrder, report.ID)
	return report
}

func (s *Store) markRead(id string, username string) {
	readers, ok := s.notifReadBy[id]
	if !ok {
		readers = make(map[string]bool)
		s.notifReadBy[id] = readers
	}
	readers[username] = true
}

func (s *Store) withAgentName(meter domain.Meter) domain.Meter {
	if meter.AgentID != "" {
		if agent, ok := s.agents[meter.AgentID]; ok {
			meter.AgentName = agent.Name
		}
	}
	return meter
}

func (s *Store) cloneBatch(id string) *domain.SaleBatch {
	batch := *s.batches[id]
	batch.Items = slices.Clone(batch.Items)
	batch.Lines = slices.Clone(batch.Lines)
	batch.Replacements = slices.Clone(s.replacements[id])
	return &batch
}

func inRange(at time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && !at.Before(to) {
		return false
	}
	return true
}

func paginate[T any](items []T, offset int, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
