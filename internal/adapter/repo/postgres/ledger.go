// Package postgres persists usage accounting rows. The ledger is optional:
// the gateway runs without a database and simply skips recording.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

// PgxPool is the minimal subset of pgxpool the ledger uses, kept small for
// easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// LedgerRepo stores one row per priced call. It implements
// domain.UsageLedger.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id                BIGSERIAL PRIMARY KEY,
	request_id        TEXT NOT NULL DEFAULT '',
	job_id            TEXT NOT NULL DEFAULT '',
	tenant            TEXT NOT NULL,
	provider          TEXT NOT NULL,
	operation         TEXT NOT NULL,
	query_type        TEXT NOT NULL,
	credits           DOUBLE PRECISION NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_usd          DOUBLE PRECISION NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
)`

// EnsureSchema creates the usage table when it does not exist yet.
func (r *LedgerRepo) EnsureSchema(ctx domain.Context) error {
	if _, err := r.Pool.Exec(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("op=ledger.ensure_schema: %w", err)
	}
	return nil
}

// Record inserts one accounting row.
func (r *LedgerRepo) Record(ctx domain.Context, rec domain.UsageRecord) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "usage_records"),
	)
	q := `INSERT INTO usage_records
	(request_id, job_id, tenant, provider, operation, query_type, credits, prompt_tokens, completion_tokens, cost_usd, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q,
		rec.RequestID, rec.JobID, rec.Tenant, rec.Provider, rec.Operation,
		rec.QueryType, rec.Credits, rec.PromptTokens, rec.CompletionTokens,
		rec.CostUSD, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=ledger.record: %w", err)
	}
	return nil
}
