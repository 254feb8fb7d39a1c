package postgres

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

	AccountID    string    `grove:"account_id,pk"`
	Tenant       string    `grove:"tenant"`
	Role         string    `grove:"role"`
	LimitMinutes int64     `grove:"limit_minutes"`
	UsedMinutes  int64     `grove:"used_minutes"`
	Version      int64     `grove:"version"`
	PlanKey      string    `grove:"plan_key"`
	CreatedAt    time.Time `grove:"created_at"`
	UpdatedAt    time.Time `grove:"updated_at"`
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

type entryModel struct {
	grove.BaseModel `grove:"table:minutes_entries"`

	ID             string            `grove:"id,pk"`
	AccountID      string            `grove:"account_id"`
	Tenant         string            `grove:"tenant"`
	Kind           string            `grove:"kind"`
	MinutesDelta   int64             `grove:"minutes_delta"`
	Amount         decimal.Decimal   `grove:"amount"`
	Currency       string            `grove:"currency"`
	CorrelationID  string            `grove:"correlation_id"`
	IdempotencyKey string            `grove:"idempotency_key"`
	Status         string            `grove:"status"`
	LimitAfter     int64             `grove:"limit_after"`
	UsedAfter      int64             `grove:"used_after"`
	Note           string            `grove:"note"`
	Metadata       map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt      time.Time         `grove:"created_at"`
}

func toEntryModel(e *entry.Entry) *entryModel {
	return &entryModel{
		ID:             e.ID.String(),
		AccountID:      e.AccountID.String(),
		Tenant:         e.Tenant,
		Kind:           string(e.Kind),
		MinutesDelta:   e.MinutesDelta,
		Amount:         e.Amount.Amount,
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
	return &entry.Entry{
		ID:             entryID,
		AccountID:      accountID,
		Tenant:         m.Tenant,
		Kind:           entry.Kind(m.Kind),
		MinutesDelta:   m.MinutesDelta,
		Amount:         types.New(m.Amount, m.Currency),
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

	Tenant          string          `grove:"tenant,pk"`
	PricePerMinute  decimal.Decimal `grove:"price_per_minute"`
	MinimumPurchase int64           `grove:"minimum_purchase"`
	Currency        string          `grove:"currency"`
	Active          bool            `grove:"active"`
	UpdatedAt       time.Time       `grove:"updated_at"`
}

func toPricingModel(c *pricing.Config) *pricingModel {
	return &pricingModel{
		Tenant:          c.Tenant,
		PricePerMinute:  c.PricePerMinute,
		MinimumPurchase: c.MinimumPurchase,
		Currency:        c.Currency,
		Active:          c.Active,
		UpdatedAt:       c.UpdatedAt,
	}
}

func fromPricingModel(m *pricingModel) *pricing.Config {
	return &pricing.Config{
		Tenant:          m.Tenant,
		PricePerMinute:  m.PricePerMinute,
		MinimumPurchase: m.MinimumPurchase,
		Currency:        m.Currency,
		Active:          m.Active,
		UpdatedAt:       m.UpdatedAt,
	}
}

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:minutes_plans"`

	ID         string    `grove:"id,pk"`
	PlanKey    string    `grove:"plan_key"`
	Tenant     string    `grove:"tenant"`
	Name       string    `grove:"name"`
	Minutes    int64     `grove:"minutes"`
	PayAsYouGo bool      `grove:"pay_as_you_go"`
	Active     bool      `grove:"active"`
	CreatedAt  time.Time `grove:"created_at"`
	UpdatedAt  time.Time `grove:"updated_at"`
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
