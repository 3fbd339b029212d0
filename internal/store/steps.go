package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/medpipe/core/infrastructure/crypto"
	"github.com/medpipe/core/internal/model"
)

const stepFieldInfo = "step_execution.text"

type stepRow struct {
	ID           int64      `db:"id"`
	JobRef       int64      `db:"job_ref"`
	StepName     string     `db:"step_name"`
	StepOrder    int        `db:"step_order"`
	Attempt      int        `db:"attempt"`
	InputText    []byte     `db:"input_text"`
	OutputText   []byte     `db:"output_text"`
	Status       string     `db:"status"`
	StartedAt    *time.Time `db:"started_at"`
	FinishedAt   *time.Time `db:"finished_at"`
	ErrorMessage string     `db:"error_message"`
}

// StepExecutionRepository is the Component A entity store for
// StepExecution. Sensitive columns (input_text, output_text) are keyed for
// encryption by the owning job's primary key, so a stolen ciphertext from
// one job cannot be replayed against another.
type StepExecutionRepository struct {
	s *Store
}

// Steps constructs the StepExecution repository.
func (s *Store) Steps() *StepExecutionRepository {
	return &StepExecutionRepository{s: s}
}

func (r *StepExecutionRepository) subject(jobRef int64) []byte {
	return []byte(strconv.FormatInt(jobRef, 10))
}

// Create inserts a new StepExecution row, encrypting InputText/OutputText.
func (r *StepExecutionRepository) Create(ctx context.Context, se *model.StepExecution) (int64, error) {
	encIn, err := crypto.EncryptEnvelope(r.s.masterKey, r.subject(se.JobRef), stepFieldInfo, se.InputText)
	if err != nil {
		return 0, fmt.Errorf("encrypt input_text: %w", err)
	}
	encOut, err := crypto.EncryptEnvelope(r.s.masterKey, r.subject(se.JobRef), stepFieldInfo, se.OutputText)
	if err != nil {
		return 0, fmt.Errorf("encrypt output_text: %w", err)
	}

	cols := []string{
		"job_ref", "step_name", "step_order", "attempt",
		"input_text", "output_text", "status", "started_at", "finished_at", "error_message",
	}
	vals := []interface{}{
		se.JobRef, se.StepName, se.StepOrder, se.Attempt,
		encIn, encOut, string(se.Status), se.StartedAt, se.FinishedAt, se.ErrorMessage,
	}
	return GenericInsert(ctx, r.s.conn(), "step_executions", cols, vals)
}

// GetByID loads a StepExecution, decrypting InputText/OutputText.
func (r *StepExecutionRepository) GetByID(ctx context.Context, id int64) (*model.StepExecution, error) {
	row, err := GenericGetByField[stepRow](ctx, r.s.conn(), "step_executions", "id", id)
	if err != nil {
		return nil, err
	}
	return r.fromRow(row)
}

// ListByJob returns every StepExecution for a job ordered by step_order
// then attempt, decrypted.
func (r *StepExecutionRepository) ListByJob(ctx context.Context, jobRef int64) ([]model.StepExecution, error) {
	rows, err := GenericListByField[stepRow](ctx, r.s.conn(), "step_executions", "job_ref", jobRef, "step_order, attempt")
	if err != nil {
		return nil, err
	}
	out := make([]model.StepExecution, 0, len(rows))
	for i := range rows {
		se, err := r.fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *se)
	}
	return out, nil
}

func (r *StepExecutionRepository) fromRow(row *stepRow) (*model.StepExecution, error) {
	in, err := crypto.DecryptEnvelope(r.s.masterKey, r.subject(row.JobRef), stepFieldInfo, row.InputText)
	if err != nil {
		return nil, fmt.Errorf("decrypt input_text: %w", err)
	}
	out, err := crypto.DecryptEnvelope(r.s.masterKey, r.subject(row.JobRef), stepFieldInfo, row.OutputText)
	if err != nil {
		return nil, fmt.Errorf("decrypt output_text: %w", err)
	}
	return &model.StepExecution{
		ID:           row.ID,
		JobRef:       row.JobRef,
		StepName:     row.StepName,
		StepOrder:    row.StepOrder,
		Attempt:      row.Attempt,
		InputText:    in,
		OutputText:   out,
		Status:       model.StepStatus(row.Status),
		StartedAt:    row.StartedAt,
		FinishedAt:   row.FinishedAt,
		ErrorMessage: row.ErrorMessage,
	}, nil
}

// Update performs a surgical update. input_text/output_text keys, if
// present, are re-encrypted under the step's job subject before write.
func (r *StepExecutionRepository) Update(ctx context.Context, id, jobRef int64, fields map[string]interface{}) error {
	for _, key := range []string{"input_text", "output_text"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		plaintext, ok := raw.([]byte)
		if !ok {
			return fmt.Errorf("%s field must be []byte", key)
		}
		encrypted, err := crypto.EncryptEnvelope(r.s.masterKey, r.subject(jobRef), stepFieldInfo, plaintext)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", key, err)
		}
		fields[key] = encrypted
	}
	if raw, ok := fields["status"]; ok {
		if st, ok := raw.(model.StepStatus); ok {
			fields["status"] = string(st)
		}
	}
	return GenericSurgicalUpdate(ctx, r.s.conn(), "step_executions", id, fields)
}
