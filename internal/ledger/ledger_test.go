package ledger

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/medpipe/core/internal/model"
)

type fakePriceLookup struct {
	spec *model.ModelSpec
	err  error
}

func (f *fakePriceLookup) GetModelSpec(_ context.Context, _ int64) (*model.ModelSpec, error) {
	return f.spec, f.err
}

func newMockLedger(t *testing.T, prices PriceLookup) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), prices, nil, nil), mock
}

func TestLedgerLogSnapshotsPriceAtCallTime(t *testing.T) {
	prices := &fakePriceLookup{spec: &model.ModelSpec{
		Provider:               "anthropic",
		Name:                   "claude-3-opus",
		PriceInputPer1MTokens:  15,
		PriceOutputPer1MTokens: 75,
	}}
	l, mock := newMockLedger(t, prices)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cost_ledger_entries")).
		WithArgs(
			int64(1), "extract", 1000, 500, 1500,
			0.015, 0.0375, 0.0525,
			"anthropic", "claude-3-opus", 2.5, "LAB_REPORT",
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := l.Log(context.Background(), LogParams{
		JobRef:                1,
		StepName:              "extract",
		InputTokens:           1000,
		OutputTokens:          500,
		ModelRef:              3,
		ProcessingTimeSeconds: 2.5,
		DocumentType:          "LAB_REPORT",
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLedgerLogSwallowsPricingFailure(t *testing.T) {
	prices := &fakePriceLookup{err: sql.ErrNoRows}
	l, mock := newMockLedger(t, prices)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cost_ledger_entries")).
		WithArgs(
			int64(1), "extract", 100, 50, 150,
			0.0, 0.0, 0.0,
			"", "", 1.0, "",
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := l.Log(context.Background(), LogParams{
		JobRef:                1,
		StepName:              "extract",
		InputTokens:           100,
		OutputTokens:          50,
		ModelRef:              999,
		ProcessingTimeSeconds: 1.0,
	})
	if err != nil {
		t.Fatalf("Log() should swallow pricing failure and still insert, got error = %v", err)
	}
}

func TestLedgerLogReturnsWrappedErrorOnInsertFailure(t *testing.T) {
	prices := &fakePriceLookup{spec: &model.ModelSpec{}}
	l, mock := newMockLedger(t, prices)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cost_ledger_entries")).
		WillReturnError(sql.ErrConnDone)

	err := l.Log(context.Background(), LogParams{JobRef: 1, StepName: "extract"})
	if err == nil {
		t.Fatal("expected wrapped error on insert failure")
	}
}

func TestLedgerTotalCostInWindow(t *testing.T) {
	l, mock := newMockLedger(t, nil)

	from := time.Now().Add(-time.Hour)
	to := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT SUM(total_cost_usd) FROM cost_ledger_entries WHERE created_at >= $1 AND created_at < $2")).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(12.34))

	total, err := l.TotalCostInWindow(context.Background(), from, to)
	if err != nil {
		t.Fatalf("TotalCostInWindow() error = %v", err)
	}
	if total != 12.34 {
		t.Fatalf("TotalCostInWindow() = %v, want 12.34", total)
	}
}

func TestMarshalUnmarshalMetadataRoundTrip(t *testing.T) {
	in := map[string]interface{}{"retry": float64(1)}
	ns, err := marshalMetadata(in)
	if err != nil {
		t.Fatalf("marshalMetadata() error = %v", err)
	}
	out, err := unmarshalMetadata(ns)
	if err != nil {
		t.Fatalf("unmarshalMetadata() error = %v", err)
	}
	if out["retry"] != float64(1) {
		t.Fatalf("round trip = %+v", out)
	}
}

func TestMarshalMetadataNil(t *testing.T) {
	ns, err := marshalMetadata(nil)
	if err != nil {
		t.Fatalf("marshalMetadata(nil) error = %v", err)
	}
	if ns.Valid {
		t.Fatal("expected invalid NullString for nil metadata")
	}
}
