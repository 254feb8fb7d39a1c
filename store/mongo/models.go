package mongo

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/xraph/minutes/account"
	"github.com/xraph/minutes/allocation"
	"github.com/xraph/minutes/entry"
	"github.com/xraph/minutes/id"
	"github.com/xraph/minutes/plan"
	"github.com/xraph/minutes/pricing"
	"github.com/xraph/minutes/types"
)

// ==================== Allocation models ====================

type allocationModel struct {
	grove.BaseModel `grove:"table:minutes_allocations"`

	AccountID    string    `grove:"account_id,pk" bson:"_id"`
	Tenant       string    `grove:"tenant"        bson:"tenant"`
	Role         string    `grove:"role"          bson:"role"`
	LimitMinutes int64     `grove:"limit_minutes" bson:"limit_minutes"`
	UsedMinutes  int64     `grove:"used_minutes"  bson:"used_minutes"`
	Version      int64     `grove:"version"       bson:"version"`
	PlanKey      string    `grove:"plan_key"      bson:"plan_key"`
	CreatedAt    time.Time `grove:"created_at"    bson:"created_at"`
	UpdatedAt    time.Time `grove:"updated_at"    bson:"updated_at"`
}

func toAllocationModel(a *allocation.Allocation) *allocationModel {
	return &allocationModel{
		AccountID:    a.AccountID.String(),
		Tenant:       a.Tenant,
		Role:         string(a.Role),
		LimitMinutes: a.Limit,
		UsedMinutes:  a.Used,
		Version:      a.Version,
		PlanKey:      a.PlanKey,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func fromAllocationModel(m *allocationModel) (*allocation.Allocation, error) {
	accountID, err := id.ParseAccountID(m.AccountID)
	if err != nil {
		return nil, err
	}
	return &allocation.Allocation{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		AccountID: accountID,
		Tenant:    m.Tenant,
		Role:      account.Role(m.Role),
		Limit:     m.LimitMinutes,
		Used:      m.UsedMinutes,
		Version:   m.Version,
		PlanKey:   m.PlanKey,
	}, nil
}

// ==================== Entry models ====================

// entryModel stores amounts as decimal strings; BSON has no lossless
// mapping for decimal.Decimal without a custom codec.
type entryModel struct {
	grove.BaseModel `grove:"table:minutes_entries"`

	ID             string            `grove:"id,pk"           bson:"_id"`
	AccountID      string            `grove:"account_id"      bson:"account_id"`
	Tenant         string            `grove:"tenant"          bson:"tenant"`
	Kind           string            `grove:"kind"            bson:"kind"`
	MinutesDelta   int64             `grove:"minutes_delta"   bson:"minutes_delta"`
	Amount         string            `grove:"amount"          bson:"amount"`
	Currency       string            `grove:"currency"        bson:"currency"`
	CorrelationID  string            `grove:"correlation_id"  bson:"correlation_id,omitempty"`
	IdempotencyKey string            `grove:"idempotency_key" bson:"idempotency_key,omitempty"`
	Status         string            `grove:"status"          bson:"status"`
	LimitAfter     int64             `grove:"limit_after"     bson:"limit_after"`
	UsedAfter      int64             `grove:"used_after"      bson:"used_after"`
	Note           string            `grove:"note"            bson:"note,omitempty"`
	Metadata       map[string]string `grove:"metadata"        bson:"metadata,omitempty"`
	CreatedAt      time.Time         `grove:"created_at"      bson:"created_at"`
}

func toEntryModel(e *entry.Entry) *entryModel {
	return &entryModel{
		ID:             e.ID.String(),
		AccountID:      e.AccountID.String(),
		Tenant:         e.Tenant,
		Kind:           string(e.Kind),
		MinutesDelta:   e.MinutesDelta,
		Amount:         e.Amount.Amount.String(),
		Currency:       e.Amount.Currency,
		CorrelationID:  e.CorrelationID.String(),
		IdempotencyKey: e.IdempotencyKey,
		Status:         string(e.Status),
		LimitAfter:     e.LimitAfter,
		UsedAfter:      e.UsedAfter,
		Note:           e.Note,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt,
	}
}

func fromEntryModel(m *entryModel) (*entry.Entry, error) {
	entryID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	accountID, err := id.ParseAccountID(m.AccountID)
	if err != nil {
		return nil, err
	}
	var corr id.CorrelationID
	if m.CorrelationID != "" {
		corr, err = id.ParseCorrelationID(m.CorrelationID)
		if err != nil {
			return nil, err
		}
	}
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return nil, err
	}
	return &entry.Entry{
		ID:             entryID,
		AccountID:      accountID,
		Tenant:         m.Tenant,
		Kind:           entry.Kind(m.Kind),
		MinutesDelta:   m.MinutesDelta,
		Amount:         types.New(amount, m.Currency),
		CorrelationID:  corr,
		IdempotencyKey: m.IdempotencyKey,
		Status:         entry.Status(m.Status),
		LimitAfter:     m.LimitAfter,
		UsedAfter:      m.UsedAfter,
		Note:           m.Note,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt,
	}, nil
}

// ==================== Pricing models ====================

type pricingModel struct {
	grove.BaseModel `grove:"table:minutes_pricing"`

	Tenant          string    `grove:"tenant,pk"        bson:"_id"`
	PricePerMinute  string    `grove:"price_per_minute" bson:"price_per_minute"`
	MinimumPurchase int64     `grove:"minimum_purchase" bson:"minimum_purchase"`
	Currency        string    `grove:"currency"         bson:"currency"`
	Active          bool      `grove:"active"           bson:"active"`
	UpdatedAt       time.Time `grove:"updated_at"       bson:"updated_at"`
}

func toPricingModel(c *pricing.Config) *pricingModel {
	return &pricingModel{
		Tenant:          c.Tenant,
		PricePerMinute:  c.PricePerMinute.String(),
		MinimumPurchase: c.MinimumPurchase,
		Currency:        c.Currency,
		Active:          c.Active,
		UpdatedAt:       c.UpdatedAt,
	}
}

func fromPricingModel(m *pricingModel) (*pricing.Config, error) {
	price, err := decimal.NewFromString(m.PricePerMinute)
	if err != nil {
		return nil, err
	}
	return &pricing.Config{
		Tenant:          m.Tenant,
		PricePerMinute:  price,
		MinimumPurchase: m.MinimumPurchase,
		Currency:        m.Currency,
		Active:          m.Active,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:minutes_plans"`

	ID         string    `grove:"id,pk"         bson:"_id"`
	PlanKey    string    `grove:"plan_key"      bson:"plan_key"`
	Tenant     string    `grove:"tenant"        bson:"tenant"`
	Name       string    `grove:"name"          bson:"name"`
	Minutes    int64     `grove:"minutes"       bson:"minutes"`
	PayAsYouGo bool      `grove:"pay_as_you_go" bson:"pay_as_you_go"`
	Active     bool      `grove:"active"        bson:"active"`
	CreatedAt  time.Time `grove:"created_at"    bson:"created_at"`
	UpdatedAt  time.Time `grove:"updated_at"    bson:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
		ID:         p.ID.String(),
		PlanKey:    p.Key,
		Tenant:     p.Tenant,
		Name:       p.Name,
		Minutes:    p.Minutes,
		PayAsYouGo: p.PayAsYouGo,
		Active:     p.Active,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}
	return &plan.Plan{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         planID,
		Key:        m.PlanKey,
		Tenant:     m.Tenant,
		Name:       m.Name,
		Minutes:    m.Minutes,
		PayAsYouGo: m.PayAsYouGo,
		Active:     m.Active,
	}, nil
}
