package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/medpipe/core/infrastructure/crypto"
	"github.com/medpipe/core/internal/model"
)

func TestStepExecutionRepositoryCreateEncryptsText(t *testing.T) {
	s, mock := newMockStore(t)
	repo := s.Steps()

	query := `INSERT INTO step_executions \(job_ref, step_name, step_order, attempt, input_text, output_text, status, started_at, finished_at, error_message\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10\) RETURNING id`
	mock.ExpectQuery(query).
		WithArgs(int64(9), "translate", 1, 1, sqlmock.AnyArg(), sqlmock.AnyArg(), "RUNNING", nil, nil, "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100)))

	id, err := repo.Create(context.Background(), &model.StepExecution{
		JobRef:    9,
		StepName:  "translate",
		StepOrder: 1,
		Attempt:   1,
		InputText: []byte("fever and chills"),
		Status:    model.StepRunning,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != 100 {
		t.Fatalf("Create() id = %d, want 100", id)
	}
}

func TestStepExecutionRepositoryGetByIDDecryptsText(t *testing.T) {
	s, mock := newMockStore(t)
	repo := s.Steps()

	subject := []byte("9")
	encIn, err := crypto.EncryptEnvelope(testMasterKey, subject, stepFieldInfo, []byte("input"))
	if err != nil {
		t.Fatalf("EncryptEnvelope() error = %v", err)
	}
	encOut, err := crypto.EncryptEnvelope(testMasterKey, subject, stepFieldInfo, []byte("output"))
	if err != nil {
		t.Fatalf("EncryptEnvelope() error = %v", err)
	}

	cols := []string{"id", "job_ref", "step_name", "step_order", "attempt", "input_text",
		"output_text", "status", "started_at", "finished_at", "error_message"}
	rows := sqlmock.NewRows(cols).AddRow(
		int64(100), int64(9), "translate", 1, 1, encIn, encOut, "COMPLETED", nil, nil, "",
	)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM step_executions WHERE id = $1")).
		WithArgs(int64(100)).
		WillReturnRows(rows)

	se, err := repo.GetByID(context.Background(), 100)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if string(se.InputText) != "input" || string(se.OutputText) != "output" {
		t.Fatalf("decrypted text mismatch: %+v", se)
	}
}

func TestStepExecutionRepositoryUpdateRejectsNonByteText(t *testing.T) {
	s, _ := newMockStore(t)
	repo := s.Steps()

	err := repo.Update(context.Background(), 1, 9, map[string]interface{}{
		"output_text": 12345,
	})
	if err == nil {
		t.Fatal("expected error for non-[]byte output_text")
	}
}
