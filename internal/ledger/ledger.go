// Package ledger implements the cost and audit ledger (Component B): one
// append-only row per LLM call, cost computed from a snapshotted ModelSpec
// price at the moment of the call.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/medpipe/core/infrastructure/metrics"
	"github.com/medpipe/core/internal/errs"
	"github.com/medpipe/core/internal/model"
	"github.com/medpipe/core/internal/store"
)

// PriceLookup resolves a ModelSpec's per-token pricing at call time. The
// ledger snapshots whatever it returns into the entry; a later price change
// never alters a historical entry.
type PriceLookup interface {
	GetModelSpec(ctx context.Context, id int64) (*model.ModelSpec, error)
}

// Ledger persists CostLedgerEntry rows and serves aggregation queries. It
// never updates or deletes a row once written.
type Ledger struct {
	db      *sqlx.DB
	prices  PriceLookup
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New constructs a Ledger. metrics may be nil, in which case cost/token
// counters are not recorded (used in tests that don't care about metrics).
func New(db *sqlx.DB, prices PriceLookup, m *metrics.Metrics, log *logrus.Entry) *Ledger {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ledger{db: db, prices: prices, metrics: m, log: log}
}

// LogParams carries the fields spec §4.B's log operation accepts.
type LogParams struct {
	JobRef                int64
	StepName              string
	InputTokens           int
	OutputTokens          int
	ModelRef              int64
	ProcessingTimeSeconds float64
	DocumentType          string
	Metadata              map[string]interface{}
}

// Log inserts one CostLedgerEntry. Pricing is resolved from ModelRef and
// snapshotted into the row. A pricing lookup failure is logged and the row
// is written with zero cost. An insert failure is logged and returned as a
// LedgerWriteError; the executor discards it, so a ledger failure never
// fails a step.
func (l *Ledger) Log(ctx context.Context, p LogParams) error {
	totalTokens := p.InputTokens + p.OutputTokens

	var provider, modelName string
	var inputCost, outputCost float64

	if l.prices != nil {
		spec, err := l.prices.GetModelSpec(ctx, p.ModelRef)
		if err != nil {
			l.log.WithError(err).WithField("model_ref", p.ModelRef).
				Warn("cost ledger: pricing unavailable, logging zero cost")
		} else {
			provider = spec.Provider
			modelName = spec.Name
			inputCost = float64(p.InputTokens) * spec.PriceInputPer1MTokens / 1_000_000
			outputCost = float64(p.OutputTokens) * spec.PriceOutputPer1MTokens / 1_000_000
		}
	}
	totalCost := inputCost + outputCost

	metaJSON, err := marshalMetadata(p.Metadata)
	if err != nil {
		l.log.WithError(err).Warn("cost ledger: failed to marshal metadata, storing null")
	}

	const q = `
		INSERT INTO cost_ledger_entries (
			job_ref, step_name, input_tokens, output_tokens, total_tokens,
			input_cost_usd, output_cost_usd, total_cost_usd,
			model_provider, model_name, processing_time_seconds, document_type,
			created_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = l.db.ExecContext(ctx, q,
		p.JobRef, p.StepName, p.InputTokens, p.OutputTokens, totalTokens,
		inputCost, outputCost, totalCost,
		provider, modelName, p.ProcessingTimeSeconds, p.DocumentType,
		time.Now().UTC(), metaJSON,
	)
	if err != nil {
		wrapped := errs.LedgerWriteError(err)
		l.log.WithError(wrapped).WithFields(logrus.Fields{
			"job_ref":   p.JobRef,
			"step_name": p.StepName,
		}).Error("cost ledger write failed; continuing pipeline execution")
		return wrapped
	}

	if l.metrics != nil {
		l.metrics.RecordTokens("worker", provider, modelName, p.InputTokens, p.OutputTokens)
		l.metrics.RecordCost("worker", provider, modelName, totalCost)
	}
	return nil
}

func marshalMetadata(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// TotalCostInWindow returns the total cost in USD for entries created in
// [from, to).
func (l *Ledger) TotalCostInWindow(ctx context.Context, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	const q = `SELECT SUM(total_cost_usd) FROM cost_ledger_entries WHERE created_at >= $1 AND created_at < $2`
	if err := l.db.GetContext(ctx, &total, q, from, to); err != nil {
		return 0, fmt.Errorf("total cost in window: %w", err)
	}
	return total.Float64, nil
}

// ModelBreakdownRow is one row of the per-model aggregation view.
type ModelBreakdownRow struct {
	ModelProvider string  `db:"model_provider"`
	ModelName     string  `db:"model_name"`
	TotalTokens   int64   `db:"total_tokens"`
	TotalCostUSD  float64 `db:"total_cost_usd"`
	CallCount     int64   `db:"call_count"`
}

// PerModelBreakdown aggregates token/cost usage grouped by model.
func (l *Ledger) PerModelBreakdown(ctx context.Context, from, to time.Time) ([]ModelBreakdownRow, error) {
	const q = `
		SELECT model_provider, model_name,
		       COALESCE(SUM(total_tokens), 0) AS total_tokens,
		       COALESCE(SUM(total_cost_usd), 0) AS total_cost_usd,
		       COUNT(*) AS call_count
		FROM cost_ledger_entries
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY model_provider, model_name
		ORDER BY total_cost_usd DESC`
	var out []ModelBreakdownRow
	if err := l.db.SelectContext(ctx, &out, q, from, to); err != nil {
		return nil, fmt.Errorf("per-model breakdown: %w", err)
	}
	return out, nil
}

// StepBreakdownRow is one row of the per-step aggregation view.
type StepBreakdownRow struct {
	StepName     string  `db:"step_name"`
	TotalTokens  int64   `db:"total_tokens"`
	TotalCostUSD float64 `db:"total_cost_usd"`
	CallCount    int64   `db:"call_count"`
}

// PerStepBreakdown aggregates token/cost usage grouped by step name.
func (l *Ledger) PerStepBreakdown(ctx context.Context, from, to time.Time) ([]StepBreakdownRow, error) {
	const q = `
		SELECT step_name,
		       COALESCE(SUM(total_tokens), 0) AS total_tokens,
		       COALESCE(SUM(total_cost_usd), 0) AS total_cost_usd,
		       COUNT(*) AS call_count
		FROM cost_ledger_entries
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY step_name
		ORDER BY total_cost_usd DESC`
	var out []StepBreakdownRow
	if err := l.db.SelectContext(ctx, &out, q, from, to); err != nil {
		return nil, fmt.Errorf("per-step breakdown: %w", err)
	}
	return out, nil
}

type ledgerRow struct {
	ID                    int64          `db:"id"`
	JobRef                int64          `db:"job_ref"`
	StepName              string         `db:"step_name"`
	InputTokens           int            `db:"input_tokens"`
	OutputTokens          int            `db:"output_tokens"`
	TotalTokens           int            `db:"total_tokens"`
	InputCostUSD          float64        `db:"input_cost_usd"`
	OutputCostUSD         float64        `db:"output_cost_usd"`
	TotalCostUSD          float64        `db:"total_cost_usd"`
	ModelProvider         string         `db:"model_provider"`
	ModelName             string         `db:"model_name"`
	ProcessingTimeSeconds float64        `db:"processing_time_seconds"`
	DocumentType          string         `db:"document_type"`
	CreatedAt             time.Time      `db:"created_at"`
	Metadata              sql.NullString `db:"metadata"`
}

// PerJobDetail lists every CostLedgerEntry for one job, in insertion order.
func (l *Ledger) PerJobDetail(ctx context.Context, jobRef int64) ([]model.CostLedgerEntry, error) {
	rows, err := store.GenericListByField[ledgerRow](ctx, l.db, "cost_ledger_entries", "job_ref", jobRef, "id")
	if err != nil {
		return nil, err
	}
	out := make([]model.CostLedgerEntry, 0, len(rows))
	for _, row := range rows {
		meta, err := unmarshalMetadata(row.Metadata)
		if err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, model.CostLedgerEntry{
			ID:                    row.ID,
			JobRef:                row.JobRef,
			StepName:              row.StepName,
			InputTokens:           row.InputTokens,
			OutputTokens:          row.OutputTokens,
			TotalTokens:           row.TotalTokens,
			InputCostUSD:          row.InputCostUSD,
			OutputCostUSD:         row.OutputCostUSD,
			TotalCostUSD:          row.TotalCostUSD,
			ModelProvider:         row.ModelProvider,
			ModelName:             row.ModelName,
			ProcessingTimeSeconds: row.ProcessingTimeSeconds,
			DocumentType:          row.DocumentType,
			CreatedAt:             row.CreatedAt,
			Metadata:              meta,
		})
	}
	return out, nil
}

func unmarshalMetadata(ns sql.NullString) (map[string]interface{}, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
