package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/medpipe/core/internal/model"
)

// stepConfigRow mirrors model.PipelineStep for scanning. None of its
// columns are encrypted: configuration is not sensitive data.
type stepConfigRow struct {
	ID                       int64          `db:"id"`
	Order                    int            `db:"step_order"`
	Name                     string         `db:"name"`
	Enabled                  bool           `db:"enabled"`
	PromptTemplate           string         `db:"prompt_template"`
	SystemPrompt             string         `db:"system_prompt"`
	ModelRef                 int64          `db:"model_ref"`
	Temperature              float64        `db:"temperature"`
	MaxTokens                sql.NullInt64  `db:"max_tokens"`
	RetryOnFailure           bool           `db:"retry_on_failure"`
	MaxRetries               int            `db:"max_retries"`
	OutputFormat             string         `db:"output_format"`
	DocumentClassRef         sql.NullInt64  `db:"document_class_ref"`
	IsBranchingStep          bool           `db:"is_branching_step"`
	BranchingField           string         `db:"branching_field"`
	PostBranching            bool           `db:"post_branching"`
	SourceLanguage           sql.NullString `db:"source_language"`
	RequiredContextVariables sql.NullString `db:"required_context_variables"`
	StopConditions           sql.NullString `db:"stop_conditions"`
}

// ConfigRepository serves the read-mostly global configuration entities:
// PipelineStep, DocumentClass, ModelSpec. Workers are expected to cache a
// snapshot per job (spec'd concurrency model); this repository performs no
// caching itself.
type ConfigRepository struct {
	s *Store
}

// Config constructs the configuration repository.
func (s *Store) Config() *ConfigRepository {
	return &ConfigRepository{s: s}
}

// ListEnabledSteps returns every enabled PipelineStep, sorted by Order then
// ID, matching the determinism the resolver requires.
func (r *ConfigRepository) ListEnabledSteps(ctx context.Context) ([]model.PipelineStep, error) {
	rows, err := GenericListByField[stepConfigRow](ctx, r.s.conn(), "pipeline_steps", "enabled", true, "step_order, id")
	if err != nil {
		return nil, err
	}
	out := make([]model.PipelineStep, 0, len(rows))
	for i := range rows {
		step, err := fromStepRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *step)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func fromStepRow(row *stepConfigRow) (*model.PipelineStep, error) {
	step := &model.PipelineStep{
		ID:              row.ID,
		Order:           row.Order,
		Name:            row.Name,
		Enabled:         row.Enabled,
		PromptTemplate:  row.PromptTemplate,
		SystemPrompt:    row.SystemPrompt,
		ModelRef:        row.ModelRef,
		Temperature:     row.Temperature,
		RetryOnFailure:  row.RetryOnFailure,
		MaxRetries:      row.MaxRetries,
		OutputFormat:    model.OutputFormat(row.OutputFormat),
		IsBranchingStep: row.IsBranchingStep,
		BranchingField:  row.BranchingField,
		PostBranching:   row.PostBranching,
	}
	if row.MaxTokens.Valid {
		v := int(row.MaxTokens.Int64)
		step.MaxTokens = &v
	}
	if row.DocumentClassRef.Valid {
		v := row.DocumentClassRef.Int64
		step.DocumentClassRef = &v
	}
	if row.SourceLanguage.Valid {
		v := row.SourceLanguage.String
		step.SourceLanguage = &v
	}
	if row.RequiredContextVariables.Valid && row.RequiredContextVariables.String != "" {
		var vars []string
		if err := json.Unmarshal([]byte(row.RequiredContextVariables.String), &vars); err != nil {
			return nil, err
		}
		step.RequiredContextVariables = vars
	}
	if row.StopConditions.Valid && row.StopConditions.String != "" {
		var sc model.StopConditions
		if err := json.Unmarshal([]byte(row.StopConditions.String), &sc); err != nil {
			return nil, err
		}
		step.StopConditions = &sc
	}
	return step, nil
}

// GetDocumentClass looks up a DocumentClass by its uppercase class key.
func (r *ConfigRepository) GetDocumentClass(ctx context.Context, classKey string) (*model.DocumentClass, error) {
	return GenericGetByField[model.DocumentClass](ctx, r.s.conn(), "document_classes", "class_key", classKey)
}

// ListDocumentClasses returns every enabled DocumentClass.
func (r *ConfigRepository) ListDocumentClasses(ctx context.Context) ([]model.DocumentClass, error) {
	return GenericListByField[model.DocumentClass](ctx, r.s.conn(), "document_classes", "is_enabled", true, "class_key")
}

// GetModelSpec loads a ModelSpec by primary key. Pricing is read from the
// row at call time; the ledger snapshots it into each CostLedgerEntry so
// later price changes don't retroactively alter historical cost.
func (r *ConfigRepository) GetModelSpec(ctx context.Context, id int64) (*model.ModelSpec, error) {
	return GenericGetByField[model.ModelSpec](ctx, r.s.conn(), "model_specs", "id", id)
}
