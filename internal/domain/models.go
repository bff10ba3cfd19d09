package domain

import "time"

type Meter struct {
	Serial    string     `json:"serial"`
	Type      MeterType  `json:"type"`
	State     MeterState `json:"state"`
	AgentID   string     `json:"agent_id,omitempty"`
	AgentName string     `json:"agent_name,omitempty"`
	BatchID   string     `json:"batch_id,omitempty"`
	AddedBy   string     `json:"added_by"`
	AddedAt   time.Time  `json:"added_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type MeterEvent struct {
	ID        string     `json:"id"`
	Serial    string     `json:"serial"`
	Kind      EventKind  `json:"kind"`
	FromState MeterState `json:"from_state,omitempty"`
	ToState   MeterState `json:"to_state,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	BatchID   string     `json:"batch_id,omitempty"`
	Actor     string     `json:"actor"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type MeterFilter struct {
	State        MeterState
	Type         MeterType
	AgentID      string
	SerialPrefix string
	Limit        int
	Offset       int
}

type AddMetersRequest struct {
	Type    string   `json:"type" validate:"required"`
	Serials []string `json:"serials" validate:"required,min=1,max=5000,dive,required,max=64"`
}

type AddMetersResponse struct {
	Added int       `json:"added"`
	Type  MeterType `json:"type"`
}

type RemoveMeterRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type MeterLookupResponse struct {
	Meter   Meter        `json:"meter"`
	History []MeterEvent `json:"history"`
}

type MeterExportRow struct {
	Serial       string     `json:"serial"`
	Type         MeterType  `json:"type"`
	State        MeterState `json:"state"`
	AgentName    string     `json:"agent_name,omitempty"`
	BatchID      string     `json:"batch_id,omitempty"`
	Recipient    string     `json:"recipient,omitempty"`
	CustomerType string     `json:"customer_type,omitempty"`
	SoldAt       *time.Time `json:"sold_at,omitempty"`
	AddedAt      time.Time  `json:"added_at"`
}

type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Location  string    `json:"location"`
	County    string    `json:"county"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AgentSummary struct {
	Agent
	TotalMeters int               `json:"total_meters"`
	ByType      map[MeterType]int `json:"by_type"`
}

type AgentDetail struct {
	AgentSummary
	Serials []string `json:"serials"`
}

type AgentCreateRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	Phone    string `json:"phone" validate:"required,max=32"`
	Location string `json:"location" validate:"required,max=120"`
	County   string `json:"county" validate:"required,max=64"`
}

type AgentUpdateRequest struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Phone    *string `json:"phone,omitempty" validate:"omitempty,min=1,max=32"`
	Location *string `json:"location,omitempty" validate:"omitempty,min=1,max=120"`
	County   *string `json:"county,omitempty" validate:"omitempty,min=1,max=64"`
	Active   *bool   `json:"active,omitempty"`
}

type AgentMetersRequest struct {
	Serials []string `json:"serials" validate:"required,min=1,max=5000,dive,required,max=64"`
	Note    string   `json:"note" validate:"max=500"`
}

type AgentTransaction struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	Kind      string            `json:"kind"`
	Count     int               `json:"count"`
	ByType    map[MeterType]int `json:"by_type"`
	BatchID   string            `json:"batch_id,omitempty"`
	Actor     string            `json:"actor"`
	Note      string            `json:"note,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type AgentTransferResponse struct {
	Transaction AgentTransaction `json:"transaction"`
}

type SaleItem struct {
	Serial         string    `json:"serial" validate:"required,max=64"`
	UnitPriceCents int64     `json:"unit_price_cents" validate:"gte=0"`
	Type           MeterType `json:"type,omitempty"`
	Returned       bool      `json:"returned"`
}

type SaleLine struct {
	Type       MeterType `json:"type"`
	Qty        int       `json:"qty"`
	TotalCents int64     `json:"total_cents"`
}

type SaleRequest struct {
	IdempotencyKey  string     `json:"idempotency_key" validate:"required,max=128"`
	Items           []SaleItem `json:"items" validate:"required,min=1,max=5000,dive"`
	Recipient       string     `json:"recipient" validate:"required,max=120"`
	Destination     string     `json:"destination" validate:"required,max=120"`
	CustomerType    string     `json:"customer_type" validate:"required,oneof=government private individual"`
	CustomerCounty  string     `json:"customer_county" validate:"required,max=64"`
	CustomerContact string     `json:"customer_contact" validate:"required,max=64"`
	SaleDate        *time.Time `json:"sale_date,omitempty"`
}

type SaleBatch struct {
	ID              string             `json:"id"`
	IdempotencyKey  string             `json:"idempotency_key"`
	SoldBy          string             `json:"sold_by"`
	AgentID         string             `json:"agent_id,omitempty"`
	Recipient       string             `json:"recipient"`
	Destination     string             `json:"destination"`
	CustomerType    string             `json:"customer_type"`
	CustomerCounty  string             `json:"customer_county"`
	CustomerContact string             `json:"customer_contact"`
	MeterCount      int                `json:"meter_count"`
	TotalCents      int64              `json:"total_cents"`
	SoldAt          time.Time          `json:"sold_at"`
	Lines           []SaleLine         `json:"lines"`
	Items           []SaleItem         `json:"items,omitempty"`
	Replacements    []MeterReplacement `json:"replacements,omitempty"`
}

type SaleResponse struct {
	Batch     SaleBatch `json:"batch"`
	Duplicate bool      `json:"duplicate"`
}

type SaleFilter struct {
	From    time.Time
	To      time.Time
	Type    MeterType
	SoldBy  string
	AgentID string
	Limit   int
}

type SaleBatchListResponse struct {
	Batches []SaleBatch `json:"batches"`
}

type ReturnSoldRequest struct {
	Serials   []string `json:"serials" validate:"required,min=1,max=5000,dive,required,max=64"`
	Condition string   `json:"condition" validate:"required,oneof=good faulty"`
	Reason    string   `json:"reason" validate:"required,max=500"`
}

type ReturnSoldResponse struct {
	Batch    SaleBatch `json:"batch"`
	Returned int       `json:"returned"`
}

type ReplaceMeterRequest struct {
	OldSerial string `json:"old_serial" validate:"required,max=64"`
	NewSerial string `json:"new_serial" validate:"required,max=64"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

type MeterReplacement struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batch_id"`
	OldSerial  string    `json:"old_serial"`
	NewSerial  string    `json:"new_serial"`
	Reason     string    `json:"reason"`
	ReplacedBy string    `json:"replaced_by"`
	ReplacedAt time.Time `json:"replaced_at"`
}

type ReplaceMeterResponse struct {
	Replacement MeterReplacement `json:"replacement"`
	FaultReport FaultReport      `json:"fault_report"`
}

type FaultReport struct {
	ID          string     `json:"id"`
	Serial      string     `json:"serial"`
	Type        MeterType  `json:"type"`
	Source      MeterState `json:"source"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	ReportedBy  string     `json:"reported_by"`
	ReportedAt  time.Time  `json:"reported_at"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type ReportFaultyRequest struct {
	Serials     []string `json:"serials" validate:"required,min=1,max=1000,dive,required,max=64"`
	Description string   `json:"description" validate:"required,max=1000"`
}

type ReportFaultyResponse struct {
	Reports []FaultReport `json:"reports"`
}

type ResolveFaultRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=repaired unrepairable"`
}

type Notification struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedBy string            `json:"created_by"`
	CreatedAt time.Time         `json:"created_at"`
	Read      bool              `json:"read"`
}

type NotificationListResponse struct {
	Notifications []Notification `json:"notifications"`
	Unread        int            `json:"unread"`
}

type StateCount struct {
	State MeterState `json:"state"`
	Type  MeterType  `json:"type"`
	Count int        `json:"count"`
}

type DashboardSummary struct {
	ByState          map[MeterState]int               `json:"by_state"`
	ByStateAndType   map[MeterState]map[MeterType]int `json:"by_state_and_type"`
	TotalRevenue     int64                            `json:"total_revenue_cents"`
	TodayRevenue     int64                            `json:"today_revenue_cents"`
	TodayMetersSold  int                              `json:"today_meters_sold"`
	ActiveAgents     int                              `json:"active_agents"`
	OpenFaultReports int                              `json:"open_fault_reports"`
	GeneratedAt      time.Time                        `json:"generated_at"`
}

type BreakdownRow struct {
	Key        string `json:"key"`
	Batches    int    `json:"batches"`
	Meters     int    `json:"meters"`
	TotalCents int64  `json:"total_cents"`
}

type SalesReport struct {
	From             string         `json:"from"`
	To               string         `json:"to"`
	Batches          int            `json:"batches"`
	MetersSold       int            `json:"meters_sold"`
	MetersReturned   int            `json:"meters_returned"`
	RevenueCents     int64          `json:"revenue_cents"`
	AverageUnitCents int64          `json:"average_unit_cents"`
	ByType           []BreakdownRow `json:"by_type"`
	ByCustomerType   []BreakdownRow `json:"by_customer_type"`
	ByCounty         []BreakdownRow `json:"by_county"`
	BySeller         []BreakdownRow `json:"by_seller"`
}

type AgentReportRow struct {
	AgentID      string `json:"agent_id"`
	AgentName    string `json:"agent_name"`
	InInventory  int    `json:"in_inventory"`
	Assigned     int    `json:"assigned"`
	Returned     int    `json:"returned"`
	Sold         int    `json:"sold"`
	RevenueCents int64  `json:"revenue_cents"`
}

type AgentReport struct {
	From   string           `json:"from"`
	To     string           `json:"to"`
	Agents []AgentReportRow `json:"agents"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64,excludesall= \t\r\n"`
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,max=120"`
	Role     string `json:"role" validate:"required,oneof=admin accountant user"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type UserUpdateRequest struct {
	Role   *string `json:"role,omitempty" validate:"omitempty,oneof=admin accountant user"`
	Active *bool   `json:"active,omitempty"`
}

type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
}

type User struct {
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Email     string
	Name      string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleAdmin      = "admin"
	RoleAccountant = "accountant"
	RoleUser       = "user"
)

const (
	FaultStatusPending      = "pending"
	FaultStatusRepaired     = "repaired"
	FaultStatusUnrepairable = "unrepairable"
)

const (
	AgentTxAssign = "assign"
	AgentTxReturn = "return"
	AgentTxSale   = "sale"
)

const (
	ReturnConditionGood   = "good"
	ReturnConditionFaulty = "faulty"
)

const (
	NotificationMetersAdded   = "meters_added"
	NotificationSale          = "sale"
	NotificationSaleReturn    = "sale_return"
	NotificationReplacement   = "replacement"
	NotificationAgentAssign   = "agent_assign"
	NotificationAgentReturn   = "agent_return"
	NotificationFaulty        = "faulty"
	NotificationFaultResolved = "fault_resolved"
	NotificationLowStock      = "low_stock"
	NotificationUserCreated   = "user_created"
)
