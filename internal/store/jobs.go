package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medpipe/core/infrastructure/crypto"
	"github.com/medpipe/core/internal/model"
)

const jobFieldInfo = "job.file_content"

// jobRow mirrors model.Job with encrypted-at-rest column shapes for sqlx
// scanning. Sensitive columns are decrypted/encrypted at the boundary of
// every method below; jobRow itself never leaves this file.
type jobRow struct {
	ID                int64          `db:"id"`
	ProcessingID      string         `db:"processing_id"`
	Filename          string         `db:"filename"`
	FileContent       []byte         `db:"file_content"`
	MimeType          string         `db:"mime_type"`
	Status            string         `db:"status"`
	ProgressPercent   int            `db:"progress_percent"`
	ProcessingOptions sql.NullString `db:"processing_options"`
	ResultData        sql.NullString `db:"result_data"`
	ErrorMessage      string         `db:"error_message"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// JobRepository is the Component A entity store for Job. Every method that
// returns a *model.Job returns a value detached from the underlying
// connection: callers may mutate it freely without affecting persistence.
type JobRepository struct {
	s *Store
}

// Jobs constructs the Job repository bound to this Store's connection and
// master key.
func (s *Store) Jobs() *JobRepository {
	return &JobRepository{s: s}
}

// Create encrypts FileContent and inserts a new Job row in PENDING status.
func (r *JobRepository) Create(ctx context.Context, j *model.Job) (int64, error) {
	optsJSON, err := marshalMap(j.ProcessingOptions)
	if err != nil {
		return 0, fmt.Errorf("marshal processing_options: %w", err)
	}
	resultJSON, err := marshalMap(j.ResultData)
	if err != nil {
		return 0, fmt.Errorf("marshal result_data: %w", err)
	}

	encrypted, err := crypto.EncryptEnvelope(r.s.masterKey, []byte(j.ProcessingID), jobFieldInfo, j.FileContent)
	if err != nil {
		return 0, fmt.Errorf("encrypt file_content: %w", err)
	}

	cols := []string{
		"processing_id", "filename", "file_content", "mime_type", "status",
		"progress_percent", "processing_options", "result_data", "error_message",
	}
	vals := []interface{}{
		j.ProcessingID, j.Filename, encrypted, j.MimeType, string(j.Status),
		j.ProgressPercent, optsJSON, resultJSON, j.ErrorMessage,
	}
	return GenericInsert(ctx, r.s.conn(), "jobs", cols, vals)
}

// GetByID loads a Job by primary key, decrypting FileContent into a
// detached in-memory copy.
func (r *JobRepository) GetByID(ctx context.Context, id int64) (*model.Job, error) {
	row, err := GenericGetByField[jobRow](ctx, r.s.conn(), "jobs", "id", id)
	if err != nil {
		return nil, err
	}
	return r.fromRow(row)
}

// GetByProcessingID loads a Job by its externally-visible processing id.
func (r *JobRepository) GetByProcessingID(ctx context.Context, processingID string) (*model.Job, error) {
	row, err := GenericGetByField[jobRow](ctx, r.s.conn(), "jobs", "processing_id", processingID)
	if err != nil {
		return nil, err
	}
	return r.fromRow(row)
}

func (r *JobRepository) fromRow(row *jobRow) (*model.Job, error) {
	plaintext, err := crypto.DecryptEnvelope(r.s.masterKey, []byte(row.ProcessingID), jobFieldInfo, row.FileContent)
	if err != nil {
		return nil, fmt.Errorf("decrypt file_content: %w", err)
	}

	opts, err := unmarshalMap(row.ProcessingOptions)
	if err != nil {
		return nil, fmt.Errorf("unmarshal processing_options: %w", err)
	}
	result, err := unmarshalMap(row.ResultData)
	if err != nil {
		return nil, fmt.Errorf("unmarshal result_data: %w", err)
	}

	return &model.Job{
		ID:                row.ID,
		ProcessingID:      row.ProcessingID,
		Filename:          row.Filename,
		FileContent:       plaintext,
		MimeType:          row.MimeType,
		Status:            model.JobStatus(row.Status),
		ProgressPercent:   row.ProgressPercent,
		ProcessingOptions: opts,
		ResultData:        result,
		ErrorMessage:      row.ErrorMessage,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}, nil
}

// Update performs a surgical update of only the keys present in fields. A
// FileContent key is re-encrypted before write; callers pass the plaintext
// value and this method never writes plaintext to the column.
func (r *JobRepository) Update(ctx context.Context, id int64, processingID string, fields map[string]interface{}) error {
	if raw, ok := fields["file_content"]; ok {
		plaintext, ok := raw.([]byte)
		if !ok {
			return errors.New("file_content field must be []byte")
		}
		encrypted, err := crypto.EncryptEnvelope(r.s.masterKey, []byte(processingID), jobFieldInfo, plaintext)
		if err != nil {
			return fmt.Errorf("encrypt file_content: %w", err)
		}
		fields["file_content"] = encrypted
	}
	if raw, ok := fields["processing_options"]; ok {
		if m, ok := raw.(map[string]interface{}); ok {
			j, err := marshalMap(m)
			if err != nil {
				return fmt.Errorf("marshal processing_options: %w", err)
			}
			fields["processing_options"] = j
		}
	}
	if raw, ok := fields["result_data"]; ok {
		if m, ok := raw.(map[string]interface{}); ok {
			j, err := marshalMap(m)
			if err != nil {
				return fmt.Errorf("marshal result_data: %w", err)
			}
			fields["result_data"] = j
		}
	}
	if raw, ok := fields["status"]; ok {
		if st, ok := raw.(model.JobStatus); ok {
			fields["status"] = string(st)
		}
	}
	return GenericSurgicalUpdate(ctx, r.s.conn(), "jobs", id, fields)
}

// Delete removes a Job row. Cascade to StepExecution/CostLedgerEntry is
// enforced by the schema, not by this method.
func (r *JobRepository) Delete(ctx context.Context, id int64) error {
	return GenericDelete(ctx, r.s.conn(), "jobs", id)
}

// DeleteOlderThan removes terminal Job rows whose created_at predates
// cutoff, for the retention-window cleanup task. Non-terminal jobs are
// never purged regardless of age.
func (r *JobRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.s.conn().ExecContext(ctx,
		`DELETE FROM jobs WHERE created_at < $1 AND status IN ($2, $3, $4)`,
		cutoff, string(model.JobCompleted), string(model.JobFailed), string(model.JobTerminated),
	)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return res.RowsAffected()
}

// ClearResultsOlderThan blanks result_data for completed jobs older than
// cutoff, distinct from DeleteOlderThan: the job row itself, and the cost
// ledger entries billed against it, outlive the result payload.
func (r *JobRepository) ClearResultsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.s.conn().ExecContext(ctx,
		`UPDATE jobs SET result_data = NULL, updated_at = $1 WHERE created_at < $2 AND status = $3 AND result_data IS NOT NULL`,
		time.Now().UTC(), cutoff, string(model.JobCompleted),
	)
	if err != nil {
		return 0, fmt.Errorf("clear old results: %w", err)
	}
	return res.RowsAffected()
}

func marshalMap(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(ns sql.NullString) (map[string]interface{}, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
