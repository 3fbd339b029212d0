package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/medpipe/core/infrastructure/crypto"
	"github.com/medpipe/core/internal/model"
)

var testMasterKey = []byte("abcdefghijklmnopqrstuvwxyz012345")

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres"), masterKey: testMasterKey}, mock
}

func TestJobRepositoryCreateEncryptsFileContent(t *testing.T) {
	s, mock := newMockStore(t)
	repo := s.Jobs()

	query := `INSERT INTO jobs \(processing_id, filename, file_content, mime_type, status, progress_percent, processing_options, result_data, error_message\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9\) RETURNING id`
	mock.ExpectQuery(query).
		WithArgs("proc-1", "scan.pdf", sqlmock.AnyArg(), "application/pdf", "PENDING", 0, sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := repo.Create(context.Background(), &model.Job{
		ProcessingID: "proc-1",
		Filename:     "scan.pdf",
		FileContent:  []byte("%PDF-1.4 fake content"),
		MimeType:     "application/pdf",
		Status:       model.JobPending,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != 42 {
		t.Fatalf("Create() id = %d, want 42", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestJobRepositoryGetByIDDecryptsFileContent(t *testing.T) {
	s, mock := newMockStore(t)
	repo := s.Jobs()

	plaintext := []byte("lab results: normal")
	encrypted, err := crypto.EncryptEnvelope(testMasterKey, []byte("proc-9"), jobFieldInfo, plaintext)
	if err != nil {
		t.Fatalf("EncryptEnvelope() error = %v", err)
	}

	cols := []string{"id", "processing_id", "filename", "file_content", "mime_type", "status",
		"progress_percent", "processing_options", "result_data", "error_message", "created_at", "updated_at"}
	now := time.Now().UTC()
	rows := sqlmock.NewRows(cols).AddRow(
		int64(9), "proc-9", "lab.pdf", encrypted, "application/pdf", "COMPLETED",
		100, nil, nil, "", now, now,
	)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM jobs WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnRows(rows)

	job, err := repo.GetByID(context.Background(), 9)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if string(job.FileContent) != string(plaintext) {
		t.Fatalf("FileContent = %q, want %q", job.FileContent, plaintext)
	}
	if job.Status != model.JobCompleted {
		t.Fatalf("Status = %q, want COMPLETED", job.Status)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Fatal("expected CreatedAt/UpdatedAt to be populated from the row")
	}
}

func TestJobRepositoryUpdateSurgicalFields(t *testing.T) {
	s, mock := newMockStore(t)
	repo := s.Jobs()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3")).
		WithArgs("RUNNING", sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), 5, "proc-5", map[string]interface{}{
		"status": model.JobRunning,
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestJobRepositoryUpdateRejectsNonByteFileContent(t *testing.T) {
	s, _ := newMockStore(t)
	repo := s.Jobs()

	err := repo.Update(context.Background(), 5, "proc-5", map[string]interface{}{
		"file_content": "not bytes",
	})
	if err == nil {
		t.Fatal("expected error for non-[]byte file_content")
	}
}

func TestJobRepositoryDeleteOlderThan(t *testing.T) {
	s, mock := newMockStore(t)
	repo := s.Jobs()

	cutoff := time.Now().Add(-90 * 24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs WHERE created_at < $1 AND status IN ($2, $3, $4)")).
		WithArgs(cutoff, "COMPLETED", "FAILED", "TERMINATED").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("DeleteOlderThan() = %d, want 3", n)
	}
}

func TestJobRepositoryClearResultsOlderThan(t *testing.T) {
	s, mock := newMockStore(t)
	repo := s.Jobs()

	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET result_data = NULL, updated_at = $1 WHERE created_at < $2 AND status = $3 AND result_data IS NOT NULL")).
		WithArgs(sqlmock.AnyArg(), cutoff, "COMPLETED").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.ClearResultsOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ClearResultsOlderThan() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("ClearResultsOlderThan() = %d, want 2", n)
	}
}

func TestMarshalUnmarshalMapRoundTrip(t *testing.T) {
	in := map[string]interface{}{"target_language": "es", "retries": float64(2)}
	ns, err := marshalMap(in)
	if err != nil {
		t.Fatalf("marshalMap() error = %v", err)
	}
	out, err := unmarshalMap(ns)
	if err != nil {
		t.Fatalf("unmarshalMap() error = %v", err)
	}
	if out["target_language"] != "es" || out["retries"] != float64(2) {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestMarshalMapNilReturnsInvalidNullString(t *testing.T) {
	ns, err := marshalMap(nil)
	if err != nil {
		t.Fatalf("marshalMap(nil) error = %v", err)
	}
	if ns.Valid {
		t.Fatal("expected invalid NullString for nil map")
	}
	out, err := unmarshalMap(ns)
	if err != nil {
		t.Fatalf("unmarshalMap() error = %v", err)
	}
	if out != nil {
		t.Fatalf("unmarshalMap(invalid) = %+v, want nil", out)
	}
}
