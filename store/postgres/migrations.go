package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the minutes store.
var Migrations = migrate.NewGroup("minutes")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_minutes_allocations",
			Version: "20250301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS minutes_allocations (
    account_id    TEXT PRIMARY KEY,
    tenant        TEXT NOT NULL DEFAULT 'main',
    role          TEXT NOT NULL DEFAULT 'customer',
    limit_minutes BIGINT NOT NULL DEFAULT 0,
    used_minutes  BIGINT NOT NULL DEFAULT 0,
    version       BIGINT NOT NULL DEFAULT 1,
    plan_key      TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (limit_minutes >= 0)
);

CREATE INDEX IF NOT EXISTS idx_minutes_allocations_tenant ON minutes_allocations (tenant, role);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS minutes_allocations`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_minutes_entries",
			Version: "20250301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS minutes_entries (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL,
    tenant          TEXT NOT NULL DEFAULT 'main',
    kind            TEXT NOT NULL,
    minutes_delta   BIGINT NOT NULL DEFAULT 0,
    amount          NUMERIC(20,4) NOT NULL DEFAULT 0,
    currency        TEXT NOT NULL DEFAULT 'usd',
    correlation_id  TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    limit_after     BIGINT NOT NULL DEFAULT 0,
    used_after      BIGINT NOT NULL DEFAULT 0,
    note            TEXT NOT NULL DEFAULT '',
    metadata        JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_minutes_entries_account ON minutes_entries (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_minutes_entries_correlation ON minutes_entries (correlation_id) WHERE correlation_id != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_minutes_entries_idempotency ON minutes_entries (idempotency_key) WHERE idempotency_key != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS minutes_entries`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_minutes_pricing",
			Version: "20250301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS minutes_pricing (
    tenant           TEXT PRIMARY KEY,
    price_per_minute NUMERIC(20,8) NOT NULL DEFAULT 0.01,
    minimum_purchase BIGINT NOT NULL DEFAULT 0,
    currency         TEXT NOT NULL DEFAULT 'usd',
    active           BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS minutes_pricing`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_minutes_plans",
			Version: "20250301000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS minutes_plans (
    id            TEXT PRIMARY KEY,
    plan_key      TEXT NOT NULL,
    tenant        TEXT NOT NULL DEFAULT '',
    name          TEXT NOT NULL DEFAULT '',
    minutes       BIGINT NOT NULL DEFAULT 0,
    pay_as_you_go BOOLEAN NOT NULL DEFAULT FALSE,
    active        BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_minutes_plans_tenant_key ON minutes_plans (tenant, plan_key);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS minutes_plans`)
				return err
			},
		},
	)
}
